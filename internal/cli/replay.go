package cli

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/causality/internal/engine"
	"github.com/roach88/causality/internal/store"
	"github.com/roach88/causality/internal/teg"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Mermaid  bool
}

// ReplayIntentResult holds the replay result for a single intent.
type ReplayIntentResult struct {
	IntentID      string `json:"intent_id"`
	State         string `json:"state"`
	Effects       int    `json:"effects"`
	Edges         int    `json:"edges"`
	Crossings     int    `json:"domain_crossings"`
	CriticalPath  int    `json:"critical_path"`
	Deterministic bool   `json:"deterministic"`
	Error         string `json:"error,omitempty"`
	Mermaid       string `json:"mermaid,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Intents          []ReplayIntentResult `json:"intents"`
	Total            int                  `json:"total"`
	AllDeterministic bool                 `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [intent-id]",
		Short: "Rebuild recorded effect graphs and verify determinism",
		Long: `Rebuild the effect graph of recorded intents from the database.

Every recorded effect id is recomputed from its content and the graph is
rebuilt twice; both rebuilds must agree. Without an intent id every
recorded intent is replayed.

Exit codes:
  0 - every replay is deterministic
  1 - a record was altered or replays differ
  2 - command error (no database, etc.)

Examples:
  causality replay --db ./causality.db
  causality replay --db ./causality.db transfer-1 --mermaid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "database path (default from config database)")
	cmd.Flags().BoolVar(&opts.Mermaid, "mermaid", false, "include a Mermaid rendering of each graph")

	return cmd
}

func runReplay(opts *ReplayOptions, args []string, cmd *cobra.Command) error {
	db, err := openRecords(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	ctx := commandContext(cmd)

	var ids []string
	if len(args) == 1 {
		ids = args
	} else {
		recs, err := db.ListOutcomes(ctx)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			ids = append(ids, rec.IntentID)
		}
	}

	result := ReplayResult{
		Intents:          make([]ReplayIntentResult, 0, len(ids)),
		Total:            len(ids),
		AllDeterministic: true,
	}
	for _, id := range ids {
		r, err := replayIntent(ctx, db, db, id, opts.Mermaid)
		if err != nil && len(args) == 1 {
			return err
		}
		if !r.Deterministic {
			result.AllDeterministic = false
		}
		result.Intents = append(result.Intents, r)
	}

	if err := opts.formatter(cmd).Success(result, replayText(result)); err != nil {
		return err
	}
	if !result.AllDeterministic {
		return NewExitError(ExitFailure, "replay verification failed")
	}
	return nil
}

// replayIntent rebuilds intentID's graph twice and compares the results.
func replayIntent(ctx context.Context, rs store.RecordStore, cs store.ContentStore, intentID string, mermaid bool) (ReplayIntentResult, error) {
	r := ReplayIntentResult{IntentID: intentID}
	first, outcome, err := engine.Replay(ctx, rs, cs, intentID)
	if err != nil {
		r.Error = err.Error()
		return r, err
	}
	second, _, err := engine.Replay(ctx, rs, cs, intentID)
	if err != nil {
		r.Error = err.Error()
		return r, err
	}

	r.State = outcome.State
	r.Effects = len(first.Effects())
	r.Edges = len(first.Edges())
	r.Crossings = len(first.DomainCrossings())
	r.CriticalPath = len(first.CriticalPath())
	r.Deterministic = sameGraph(first, second)
	if !r.Deterministic {
		r.Error = "replays produced different graphs"
	}
	if mermaid {
		r.Mermaid = first.Mermaid()
	}
	return r, nil
}

func sameGraph(a, b *teg.Graph) bool {
	return reflect.DeepEqual(a.Effects(), b.Effects()) &&
		reflect.DeepEqual(a.Edges(), b.Edges()) &&
		reflect.DeepEqual(a.TopologicalOrder(), b.TopologicalOrder())
}

func replayText(result ReplayResult) string {
	var b strings.Builder
	if result.Total == 0 {
		return "no recorded intents\n"
	}
	for _, r := range result.Intents {
		mark := "✓"
		if !r.Deterministic {
			mark = "✗"
		}
		fmt.Fprintf(&b, "%s %s (%s): %d effects, %d edges, %d crossings, critical path %d\n",
			mark, r.IntentID, r.State, r.Effects, r.Edges, r.Crossings, r.CriticalPath)
		if r.Error != "" {
			fmt.Fprintf(&b, "  error: %s\n", r.Error)
		}
		if r.Mermaid != "" {
			b.WriteString(r.Mermaid)
			if !strings.HasSuffix(r.Mermaid, "\n") {
				b.WriteString("\n")
			}
		}
	}
	fmt.Fprintf(&b, "\nReplayed %d intent(s)\n", result.Total)
	if result.AllDeterministic {
		b.WriteString("✓ All replays deterministic\n")
	}
	return b.String()
}
