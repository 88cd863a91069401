package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/persist"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Domains []string
	Output  string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export <snapshot-id>",
		Short: "Export domain state from a snapshot",
		Long: `Rebuild the state recorded by a snapshot and write it as JSON keyed
by domain. Without --domain every domain is exported.

Examples:
  causality export 2f9c... --domain ethereum -o eth.json
  causality export 2f9c... > all.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Domains, "domain", nil, "domain to export (repeatable)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default stdout)")

	return cmd
}

func runExport(opts *ExportOptions, id string, cmd *cobra.Command) error {
	mgr, err := snapshotManager(opts.RootOptions)
	if err != nil {
		return err
	}
	st, err := mgr.LoadState(id)
	if err != nil {
		return err
	}
	data, err := persist.Export(st, parseDomains(opts.Domains)...)
	if err != nil {
		return err
	}
	if opts.Output == "" {
		_, err := cmd.OutOrStdout().Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
		return WrapExitError(ExitFailure, "failed to write export", err)
	}
	opts.formatter(cmd).VerboseLog("Exported snapshot %s to %s", id, opts.Output)
	return nil
}

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Into string
}

// ImportResult is the output of import.
type ImportResult struct {
	Snapshot SnapshotInfo `json:"snapshot"`
	Imported []string     `json:"imported"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import exported domain state as a new snapshot",
		Long: `Read a file written by export and record it as a snapshot.

Without --into the import becomes a full snapshot of its own. With --into
it is merged into the state of an existing snapshot and written as an
incremental snapshot on top of it; imported domains must not already hold
state there. Resource content goes to the configured database, if any.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Into, "into", "", "snapshot id to import on top of")

	return cmd
}

func runImport(opts *ImportOptions, path string, cmd *cobra.Command) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read import file", err)
	}
	mgr, err := snapshotManager(opts.RootOptions)
	if err != nil {
		return err
	}
	cs, closeContent, err := openContent(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to open content store", err)
	}
	defer closeContent()

	st := persist.NewState()
	if opts.Into != "" {
		if st, err = mgr.LoadState(opts.Into); err != nil {
			return err
		}
	}
	imported, err := persist.Import(cmd.Context(), st, cs, data)
	if err != nil {
		return err
	}

	var snap persist.Snapshot
	if opts.Into != "" {
		snap, err = mgr.Incremental(st, opts.Into)
	} else {
		snap, err = mgr.Full(st)
	}
	if err != nil {
		return err
	}

	result := ImportResult{Snapshot: snapshotInfo(snap), Imported: domainNames(imported)}
	text := fmt.Sprintf("imported %d domain(s) %v\n", len(imported), result.Imported) + snapshotText([]SnapshotInfo{result.Snapshot})
	return opts.formatter(cmd).Success(result, text)
}

func domainNames(ds []ir.DomainID) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, string(d))
	}
	return out
}
