package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/causality/internal/compiler"
	"github.com/roach88/causality/internal/engine"
	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/persist"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Timeout  time.Duration
	Snapshot bool
}

// IntentResult is one intent's outcome as printed by run.
type IntentResult struct {
	ID      string         `json:"id"`
	State   engine.State   `json:"state"`
	Effects int            `json:"effects"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Kind    string         `json:"error_kind,omitempty"`
	Code    string         `json:"error_code,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// RunResult is the output of run.
type RunResult struct {
	Intents  []IntentResult `json:"intents"`
	Snapshot string         `json:"snapshot,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <workload>",
		Short: "Run a workload to completion",
		Long: `Register a workload's resources, submit its intents in dependency order
and wait for every outcome.

The workload is a .cue file or a directory of them. With a database
configured, effects and outcomes are recorded for trace and replay.

Exit codes:
  0 - every intent succeeded
  1 - an intent failed or was cancelled
  2 - the workload is invalid
  3 - an intent timed out

Examples:
  causality run ./workloads/bridge.cue
  causality run ./workloads --timeout 1m --snapshot
  causality run -c causality.yaml ./workloads --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkload(opts, args[0], cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "maximum wait for each intent")
	cmd.Flags().BoolVar(&opts.Snapshot, "snapshot", false, "write a full snapshot after the run")

	return cmd
}

func runWorkload(opts *RunOptions, path string, cmd *cobra.Command) error {
	w, err := LoadWorkload(path)
	if err != nil {
		return err
	}
	if err := validateWorkload(w); err != nil {
		return err
	}

	logger := opts.Logger
	rt, err := openRuntime(opts.Config, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to start engine", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	stop := rt.start(ctx)
	defer stop()

	outcomes, err := execute(ctx, rt.Engine, w, opts.Timeout)
	if err != nil {
		return err
	}

	result := RunResult{Intents: make([]IntentResult, 0, len(outcomes))}
	for _, o := range outcomes {
		result.Intents = append(result.Intents, intentResult(o))
	}

	if opts.Snapshot {
		id, err := snapshotEngine(ctx, opts.RootOptions, rt.Engine)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to write snapshot", err)
		}
		result.Snapshot = id
	}

	if err := opts.formatter(cmd).Success(result, runText(result)); err != nil {
		return err
	}
	return runExit(result)
}

// execute registers w's resources, submits its intents so that each
// follows its dependencies and waits for every outcome.
func execute(ctx context.Context, e *engine.Engine, w *compiler.Workload, timeout time.Duration) ([]engine.Outcome, error) {
	ids := make(map[string]ir.ContentID, len(w.Resources))
	for _, decl := range w.Resources {
		spec, err := decl.Spec()
		if err != nil {
			return nil, WrapExitError(ExitValidation, "invalid resource", err)
		}
		res, err := e.Register(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("register resource %s: %w", decl.Name, err)
		}
		ids[decl.Name] = res.ID
	}

	order := compiler.AnalyzeDependencies(w).Order
	for _, id := range order {
		decl, _ := w.Intent(id)
		intent, err := decl.Resolve(ids)
		if err != nil {
			return nil, WrapExitError(ExitValidation, "invalid intent "+id, err)
		}
		if got, err := e.Submit(ctx, intent); got == "" {
			return nil, fmt.Errorf("submit intent %s: %w", id, err)
		}
	}

	// Each intent gets its own timeout; the first failed wait cancels the rest.
	outcomes := make([]engine.Outcome, len(order))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range order {
		g.Go(func() error {
			wctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			o, err := e.Await(wctx, id)
			if err != nil {
				return WrapExitError(ExitTimeout, "waiting for intent "+id, err)
			}
			outcomes[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func intentResult(o engine.Outcome) IntentResult {
	r := IntentResult{ID: o.IntentID, State: o.State, Effects: len(o.Effects)}
	if len(o.Values) > 0 {
		r.Outputs = make(map[string]any, len(o.Values))
		for name, v := range o.Values {
			r.Outputs[name] = ir.ToAny(v)
		}
	}
	if o.Err != nil {
		r.Kind = string(fault.KindOf(o.Err))
		r.Code = fault.CodeOf(o.Err)
		r.Error = o.Err.Error()
	}
	return r
}

func runText(result RunResult) string {
	var b strings.Builder
	for _, r := range result.Intents {
		mark := "✓"
		if r.State != engine.StateSuccess {
			mark = "✗"
		}
		fmt.Fprintf(&b, "%s %s: %s (%d effects)\n", mark, r.ID, r.State, r.Effects)
		for _, name := range sortedKeys(r.Outputs) {
			fmt.Fprintf(&b, "    %s = %v\n", name, r.Outputs[name])
		}
		if r.Error != "" {
			fmt.Fprintf(&b, "    error: %s\n", r.Error)
		}
	}
	if result.Snapshot != "" {
		fmt.Fprintf(&b, "snapshot %s\n", result.Snapshot)
	}
	return b.String()
}

// runExit picks the exit status: timeouts win over other failures.
func runExit(result RunResult) error {
	failed := 0
	for _, r := range result.Intents {
		if r.State == engine.StateTimeout {
			return NewExitError(ExitTimeout, fmt.Sprintf("intent %s timed out", r.ID))
		}
		if r.State != engine.StateSuccess {
			failed++
		}
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d intent(s) did not succeed", failed))
	}
	return nil
}

// snapshotEngine captures the engine's state and writes a full snapshot.
func snapshotEngine(ctx context.Context, opts *RootOptions, e *engine.Engine) (string, error) {
	st, err := persist.Capture(ctx, e)
	if err != nil {
		return "", err
	}
	mgr, err := snapshotManager(opts)
	if err != nil {
		return "", err
	}
	snap, err := mgr.Full(st)
	if err != nil {
		return "", err
	}
	return snap.ID, nil
}

func snapshotManager(opts *RootOptions) (*persist.Manager, error) {
	return persist.NewManager(opts.Config.SnapshotDir,
		persist.WithCompression(opts.Config.CompressSnapshot),
		persist.WithLogger(opts.Logger),
	)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
