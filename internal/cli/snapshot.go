package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/persist"
	"github.com/roach88/causality/internal/store"
)

// SnapshotInfo is a snapshot as printed by the snapshot commands.
type SnapshotInfo struct {
	ID        string   `json:"snapshot_id"`
	Type      string   `json:"type"`
	CreatedAt string   `json:"created_at"`
	Root      string   `json:"root"`
	ParentID  string   `json:"parent_id,omitempty"`
	Domains   []string `json:"domains"`
	Nodes     int      `json:"nodes"`
	SizeBytes int      `json:"size_bytes"`
	Gzip      bool     `json:"gzip,omitempty"`
}

func snapshotInfo(snap persist.Snapshot) SnapshotInfo {
	info := SnapshotInfo{
		ID:        snap.ID,
		Type:      string(snap.Type),
		CreatedAt: time.Unix(int64(snap.CreatedAt), 0).UTC().Format(time.RFC3339),
		Root:      snap.Root.String(),
		ParentID:  snap.ParentID,
		Domains:   []string{},
		Nodes:     snap.Metadata.NodeCount,
		SizeBytes: snap.Metadata.SizeBytes,
		Gzip:      snap.Metadata.Compression == persist.CompressionGzip,
	}
	domains, err := snap.Domains()
	if err != nil {
		info.Domains = snap.IncludedDomains
		return info
	}
	for _, d := range domains {
		info.Domains = append(info.Domains, string(d))
	}
	return info
}

func snapshotText(infos []SnapshotInfo) string {
	if len(infos) == 0 {
		return "no snapshots\n"
	}
	var b strings.Builder
	for _, s := range infos {
		fmt.Fprintf(&b, "%s  %-12s %s  root %s  %d nodes", s.ID, s.Type, s.CreatedAt, shortID(s.Root), s.Nodes)
		if s.ParentID != "" {
			fmt.Fprintf(&b, "  parent %s", s.ParentID)
		}
		fmt.Fprintf(&b, "  [%s]\n", strings.Join(s.Domains, ", "))
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// NewSnapshotCommand creates the snapshot command and its subcommands.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect snapshots in the snapshot directory",
		Long: `List and inspect snapshots written by "run --snapshot" and "import".

Snapshots live in the configured snapshot_dir (CAUSALITY_SNAPSHOT_DIR).`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List snapshots, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := snapshotManager(rootOpts)
			if err != nil {
				return err
			}
			snaps, err := mgr.List()
			if err != nil {
				return err
			}
			infos := make([]SnapshotInfo, 0, len(snaps))
			for _, s := range snaps {
				infos = append(infos, snapshotInfo(s))
			}
			return rootOpts.formatter(cmd).Success(infos, snapshotText(infos))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <snapshot-id>",
		Short: "Show one snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := snapshotManager(rootOpts)
			if err != nil {
				return err
			}
			snap, err := mgr.Load(args[0])
			if err != nil {
				return err
			}
			info := snapshotInfo(snap)
			return rootOpts.formatter(cmd).Success(info, snapshotText([]SnapshotInfo{info}))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "chain <snapshot-id>",
		Short: "Show a snapshot and its ancestors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := snapshotManager(rootOpts)
			if err != nil {
				return err
			}
			chain, err := mgr.Chain(args[0])
			if err != nil {
				return err
			}
			infos := make([]SnapshotInfo, 0, len(chain))
			for _, s := range chain {
				infos = append(infos, snapshotInfo(s))
			}
			return rootOpts.formatter(cmd).Success(infos, snapshotText(infos))
		},
	})

	return cmd
}

// openContent opens the configured database as a content store. It returns
// nil when no database is configured.
func openContent(opts *RootOptions) (store.ContentStore, func(), error) {
	if opts.Config.Database == "" {
		return nil, func() {}, nil
	}
	db, err := store.Open(opts.Config.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open database %s: %w", opts.Config.Database, err)
	}
	return db, func() {
		if err := db.Close(); err != nil {
			opts.Logger.Error("close database", "error", err)
		}
	}, nil
}

func parseDomains(names []string) []ir.DomainID {
	out := make([]ir.DomainID, 0, len(names))
	for _, n := range names {
		out = append(out, ir.DomainID(n))
	}
	return out
}
