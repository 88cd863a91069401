package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/causality/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
}

// TraceEffect is one recorded effect in a trace timeline.
type TraceEffect struct {
	Seq      int64    `json:"seq"`
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Domain   string   `json:"domain"`
	Status   string   `json:"status"`
	Consumed []string `json:"consumed,omitempty"`
	Outputs  []string `json:"outputs,omitempty"`
}

// TraceEdge is a recorded dependency between effects.
type TraceEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

// TraceOutcome is a recorded intent outcome.
type TraceOutcome struct {
	IntentID     string `json:"intent_id"`
	State        string `json:"state"`
	Seq          int64  `json:"seq"`
	FailedEffect string `json:"failed_effect,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// TraceResult holds the trace of one intent.
type TraceResult struct {
	Outcome  TraceOutcome  `json:"outcome"`
	Timeline []TraceEffect `json:"timeline"`
	Edges    []TraceEdge   `json:"edges"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace [intent-id]",
		Short: "Show the recorded effects of an intent",
		Long: `Read the records a run left in the database.

With an intent id, print its outcome, its effects in execution order and
the dependency edges between them. Without one, list every recorded
outcome.

Examples:
  causality trace --db ./causality.db
  causality trace --db ./causality.db transfer-1
  causality trace -c causality.yaml transfer-1 --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runTraceList(opts, cmd)
			}
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "database path (default from config database)")

	return cmd
}

// openRecords opens the database named by --db or the configuration.
func openRecords(opts *RootOptions, flag string) (*store.SQLite, error) {
	path := flag
	if path == "" {
		path = opts.Config.Database
	}
	if path == "" {
		return nil, NewExitError(ExitValidation, "no database: pass --db or set database in the config")
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to open database", err)
	}
	return db, nil
}

func runTraceList(opts *TraceOptions, cmd *cobra.Command) error {
	db, err := openRecords(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	recs, err := db.ListOutcomes(commandContext(cmd))
	if err != nil {
		return err
	}
	outcomes := make([]TraceOutcome, 0, len(recs))
	var b strings.Builder
	for _, rec := range recs {
		o := traceOutcome(rec)
		outcomes = append(outcomes, o)
		fmt.Fprintf(&b, "%4d  %-10s %s", o.Seq, o.State, o.IntentID)
		if o.ErrorCode != "" {
			fmt.Fprintf(&b, "  %s", o.ErrorCode)
		}
		b.WriteString("\n")
	}
	if len(recs) == 0 {
		b.WriteString("no recorded intents\n")
	}
	return opts.formatter(cmd).Success(outcomes, b.String())
}

func runTrace(opts *TraceOptions, intentID string, cmd *cobra.Command) error {
	db, err := openRecords(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := buildTrace(commandContext(cmd), db, intentID)
	if err != nil {
		return err
	}
	return opts.formatter(cmd).Success(result, traceText(result))
}

func buildTrace(ctx context.Context, rs store.RecordStore, intentID string) (TraceResult, error) {
	outcome, err := rs.ReadOutcome(ctx, intentID)
	if err != nil {
		return TraceResult{}, err
	}
	effects, err := rs.ReadEffects(ctx, intentID)
	if err != nil {
		return TraceResult{}, err
	}
	edges, err := rs.ReadEdges(ctx, intentID)
	if err != nil {
		return TraceResult{}, err
	}
	slices.SortStableFunc(effects, func(a, b store.EffectRecord) int {
		return int(a.Seq - b.Seq)
	})

	result := TraceResult{
		Outcome:  traceOutcome(outcome),
		Timeline: make([]TraceEffect, 0, len(effects)),
		Edges:    make([]TraceEdge, 0, len(edges)),
	}
	for _, rec := range effects {
		n := rec.Node
		ev := TraceEffect{
			Seq:    rec.Seq,
			ID:     n.ID.String(),
			Label:  n.Label,
			Type:   string(n.EffectType),
			Domain: string(n.Domain),
			Status: string(n.Status),
		}
		for _, id := range n.ConsumedResources {
			ev.Consumed = append(ev.Consumed, id.String())
		}
		for _, id := range n.Outputs {
			ev.Outputs = append(ev.Outputs, id.String())
		}
		result.Timeline = append(result.Timeline, ev)
	}
	for _, e := range edges {
		result.Edges = append(result.Edges, TraceEdge{From: e.From.String(), To: e.To.String(), Kind: e.Kind})
	}
	return result, nil
}

func traceOutcome(rec store.OutcomeRecord) TraceOutcome {
	o := TraceOutcome{
		IntentID:     rec.IntentID,
		State:        rec.State,
		Seq:          rec.Seq,
		ErrorKind:    rec.ErrorKind,
		ErrorCode:    rec.ErrorCode,
		ErrorMessage: rec.ErrorMessage,
	}
	if rec.FailedEffect != nil {
		o.FailedEffect = rec.FailedEffect.String()
	}
	return o
}

func traceText(r TraceResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Intent %s: %s\n", r.Outcome.IntentID, r.Outcome.State)
	if r.Outcome.ErrorMessage != "" {
		fmt.Fprintf(&b, "  error [%s/%s]: %s\n", r.Outcome.ErrorKind, r.Outcome.ErrorCode, r.Outcome.ErrorMessage)
	}
	b.WriteString("\nTimeline:\n")
	labels := make(map[string]string, len(r.Timeline))
	for _, ev := range r.Timeline {
		labels[ev.ID] = ev.Label
		fmt.Fprintf(&b, "  [%d] %s %s@%s %s (%s)\n", ev.Seq, ev.Label, ev.Type, ev.Domain, ev.Status, shortID(ev.ID))
	}
	if len(r.Edges) > 0 {
		b.WriteString("\nEdges:\n")
		for _, e := range r.Edges {
			fmt.Fprintf(&b, "  %s -> %s (%s)\n", edgeName(labels, e.From), edgeName(labels, e.To), e.Kind)
		}
	}
	return b.String()
}

func edgeName(labels map[string]string, id string) string {
	if l, ok := labels[id]; ok {
		return l
	}
	return shortID(id)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
