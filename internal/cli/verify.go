package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/causality/internal/persist"
)

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <snapshot-id>",
		Short: "Verify a snapshot and its chain",
		Long: `Check a snapshot's payload digests, integrity checksums and domain
roots, then the rebuilt state: content addresses, references between
domains, temporal order, linearity and intent records.

With a database configured, resource content is also checked against the
content store.

Exit codes:
  0 - no critical issues
  2 - the snapshot is invalid`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runVerify(opts *RootOptions, id string, cmd *cobra.Command) error {
	mgr, err := snapshotManager(opts)
	if err != nil {
		return err
	}
	cs, closeContent, err := openContent(opts)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to open content store", err)
	}
	defer closeContent()

	report, err := mgr.VerifySnapshot(cmd.Context(), id, cs)
	if err != nil {
		return err
	}
	if err := opts.formatter(cmd).Success(report, reportText(id, report)); err != nil {
		return err
	}
	if !report.Valid {
		return NewExitError(ExitValidation, fmt.Sprintf("snapshot %s has %d critical issue(s)", id, report.Count(persist.SeverityCritical)))
	}
	return nil
}

func reportText(id string, r persist.Report) string {
	var b strings.Builder
	mark := "✓"
	if !r.Valid {
		mark = "✗"
	}
	fmt.Fprintf(&b, "%s snapshot %s: %d domain(s), %d critical, %d warning(s)\n", mark, id,
		len(r.DomainsVerified), r.Count(persist.SeverityCritical), r.Count(persist.SeverityWarning))
	fmt.Fprintf(&b, "  integrity %t, cross-domain %t, temporal %t\n",
		r.SnapshotIntegrity, r.CrossDomainConsistent, r.TemporalConsistent)
	for _, issue := range r.Issues {
		fmt.Fprintf(&b, "  [%s] %s", issue.Severity, issue.Type)
		if issue.Domain != "" {
			fmt.Fprintf(&b, " @%s", issue.Domain)
		}
		if issue.Node != "" {
			fmt.Fprintf(&b, " %s", shortID(issue.Node))
		}
		fmt.Fprintf(&b, ": %s\n", issue.Description)
	}
	return b.String()
}
