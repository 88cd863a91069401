package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/causality/internal/compiler"
	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
	"github.com/roach88/causality/internal/solver"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	Output string // output file path
}

// PlanResult holds the plans of a workload and its warnings.
type PlanResult struct {
	Order    []string        `json:"order"`
	Plans    []*solver.Plan  `json:"plans"`
	Warnings []string        `json:"warnings,omitempty"`
	Errors   []PlanErrorInfo `json:"errors,omitempty"`
}

// PlanErrorInfo is an intent that could not be planned.
type PlanErrorInfo struct {
	Intent  string `json:"intent"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan <workload>",
		Short: "Validate a workload and print its execution plans",
		Long: `Compile and validate a workload, register its resources in a scratch
engine and plan every intent without executing anything.

Plans list the steps the executor would run, the migrations they need and
their estimated cost. Nothing is written to the configured database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write plans as JSON to this file")

	return cmd
}

func runPlan(opts *PlanOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	w, err := LoadWorkload(path)
	if err != nil {
		return err
	}
	if err := validateWorkload(w); err != nil {
		return err
	}
	formatter.VerboseLog("Loaded %d resource(s) and %d intent(s) from %s", len(w.Resources), len(w.Intents), path)

	result, err := planWorkload(cmd.Context(), opts.RootOptions, w)
	if err != nil {
		return err
	}

	if opts.Output != "" {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal plans: %w", err)
		}
		if err := os.WriteFile(opts.Output, append(data, '\n'), 0o644); err != nil {
			return WrapExitError(ExitFailure, "failed to write output", err)
		}
		formatter.VerboseLog("Wrote plans to %s", opts.Output)
	}

	if err := formatter.Success(result, planText(result)); err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return NewExitError(ExitValidation, fmt.Sprintf("%d intent(s) could not be planned", len(result.Errors)))
	}
	return nil
}

// planWorkload plans w's intents against a scratch in-memory engine.
func planWorkload(ctx context.Context, opts *RootOptions, w *compiler.Workload) (PlanResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := opts.Config
	cfg.Database = ""
	cfg.Redis.Addr = ""
	rt, err := openRuntime(cfg, opts.Logger)
	if err != nil {
		return PlanResult{}, WrapExitError(ExitFailure, "failed to start engine", err)
	}
	defer rt.Close()

	ids := make(map[string]ir.ContentID, len(w.Resources))
	for _, decl := range w.Resources {
		spec, err := decl.Spec()
		if err != nil {
			return PlanResult{}, WrapExitError(ExitValidation, "invalid resource", err)
		}
		res, err := rt.Engine.Register(ctx, spec)
		if err != nil {
			return PlanResult{}, fmt.Errorf("register resource %s: %w", decl.Name, err)
		}
		ids[decl.Name] = res.ID
	}

	report := compiler.AnalyzeDependencies(w)
	result := PlanResult{Order: report.Order, Plans: make([]*solver.Plan, 0, len(report.Order))}
	for _, warn := range compiler.Warnings(w) {
		result.Warnings = append(result.Warnings, warn.Error())
	}

	for _, id := range report.Order {
		decl, _ := w.Intent(id)
		intent, err := decl.Resolve(ids)
		if err != nil {
			return PlanResult{}, WrapExitError(ExitValidation, "invalid intent "+id, err)
		}
		plan, err := rt.Engine.Plan(intent)
		if err != nil {
			result.Errors = append(result.Errors, PlanErrorInfo{Intent: id, Code: fault.CodeOf(err), Message: err.Error()})
			continue
		}
		result.Plans = append(result.Plans, plan)
	}
	return result, nil
}

func planText(result PlanResult) string {
	var b strings.Builder
	for _, p := range result.Plans {
		fmt.Fprintf(&b, "%s (%d steps, cost %d)\n", p.IntentID, len(p.Steps), p.Cost.Total)
		for _, s := range p.Steps {
			fmt.Fprintf(&b, "  %d. %-16s %-10s @%s", s.Index, s.Label, s.Type, s.Domain)
			if len(s.DependsOn) > 0 {
				fmt.Fprintf(&b, " after %v", s.DependsOn)
			}
			b.WriteString("\n")
		}
		for _, m := range p.Migrations {
			fmt.Fprintf(&b, "  migrate %s: %s -> %s\n", m.Binding, m.Source, m.Target)
		}
	}
	for _, e := range result.Errors {
		fmt.Fprintf(&b, "✗ %s: %s\n", e.Intent, e.Message)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", w)
	}
	return b.String()
}
