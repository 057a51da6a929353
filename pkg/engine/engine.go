// Copyright (c) 2025 Gatekeeper Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package engine wires the components into the single entry point an
// embedding layer (a CLI, a CI webhook handler, ...) calls: validate a
// raw plan document, resolve its DAG, run the scheduler, evaluate merge
// eligibility, and flush the run's artifact directory. CLI parsing,
// config-file loading, and the code-hosting client itself all belong to
// the embedding layer; this package is what such a layer would call.
package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"gatekeeper/internal/eligibility"
	"gatekeeper/internal/gateexec"
	"gatekeeper/internal/report"
	"gatekeeper/internal/retry"
	"gatekeeper/internal/scheduler"
	"gatekeeper/internal/schema"
	"gatekeeper/internal/state"
	"gatekeeper/internal/usererror"
	"gatekeeper/pkg/dag"
	"gatekeeper/pkg/types"
)

// ExitCode is the process exit code an embedding CLI should return.
type ExitCode int

const (
	ExitSuccess          ExitCode = 0
	ExitNotAllEligible   ExitCode = 1
	ExitValidationFailed ExitCode = 2
	ExitCancelled        ExitCode = 3
	ExitInternal         ExitCode = 64
)

// Options configures a Run. OutputDir, ItemRoot, and DefaultTimeout have no
// useful zero value and should always be set by the caller; GateRunner,
// Logger, NewRunID, and Evaluator default to production behavior when left
// nil, and a nil Sink disables notification.
type Options struct {
	// OutputDir is the caller-provided directory artifacts are written
	// under.
	OutputDir string
	// ItemRoot maps an item name to its working-directory root.
	ItemRoot func(item string) string
	// DefaultTimeout is the mandatory per-gate wall-clock timeout; gates
	// with a policy.retries entry use the same value per attempt.
	DefaultTimeout time.Duration
	// GateRunner overrides the default gateexec.Executor; tests inject a
	// deterministic Subprocess shim through this seam instead.
	GateRunner scheduler.GateRunner
	// Sink receives per-item terminal-status notifications; optional.
	Sink scheduler.EventSink
	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger
	// NewRunID overrides report.NewRunID for deterministic tests.
	NewRunID func() string
	// Evaluator carries the override ledger across Run calls: a caller
	// that accepts an admin override via Evaluator.RequestOverride before
	// calling Run will see it reflected in that run's eligibility
	// decisions. Defaults to a fresh eligibility.NewEvaluator() when nil,
	// which carries no overrides.
	Evaluator *eligibility.Evaluator
}

// Result is everything a Run produced: the resolved plan, the final
// snapshot, the eligibility decisions, the rendered report, and the exit
// code an embedding CLI should return.
type Result struct {
	Plan      types.Plan
	Levels    [][]string
	Snapshot  map[string]types.NodeResult
	Decisions map[string]eligibility.Decision
	Summary   eligibility.Summary
	Report    report.Report
	ExitCode  ExitCode
}

// Run validates raw (a decoded plan document), executes the full plan
// against ctx's cancellation signal, and flushes the artifact layout to
// opts.OutputDir. A schema or DAG validation failure returns before any
// gate executes.
func Run(ctx context.Context, raw map[string]any, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	plan, err := schema.ValidateAndDecode(raw)
	if err != nil {
		return Result{ExitCode: ExitValidationFailed}, usererror.New("plan validation", err, "the plan document failed schema validation")
	}

	levels, err := dag.NewResolver().Levels(plan.Items)
	if err != nil {
		return Result{Plan: plan, ExitCode: ExitValidationFailed}, usererror.New("dependency graph", err, "the plan's dependency graph could not be resolved")
	}

	st := state.New(plan, levels)

	gateRunner := opts.GateRunner
	if gateRunner == nil {
		gateRunner = gateexec.NewExecutor(opts.ItemRoot, defaultArtifactDir(opts.OutputDir))
	}

	retryConfigs := retryConfigsFromPolicy(plan.Policy)

	sched := scheduler.New(gateRunner, st, opts.DefaultTimeout, retryConfigs)
	sched.Sink = opts.Sink

	maxWorkers := plan.Policy.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	runErr := sched.Run(ctx, plan, levels, maxWorkers)

	st.PropagateBlocked()
	snapshot := st.Snapshot()

	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = eligibility.NewEvaluator()
	}
	decisions, summary := evaluator.Evaluate(plan, snapshot)
	for name, d := range decisions {
		_ = st.SetEligible(name, d.Eligible)
	}
	snapshot = st.Snapshot()

	newRunID := opts.NewRunID
	if newRunID == nil {
		newRunID = report.NewRunID
	}
	rep := report.Build(newRunID(), plan, snapshot, summary)

	result := Result{
		Plan:      plan,
		Levels:    levels,
		Snapshot:  snapshot,
		Decisions: decisions,
		Summary:   summary,
		Report:    rep,
	}

	if opts.OutputDir != "" {
		if writeErr := writeArtifacts(opts.OutputDir, plan, snapshot, rep, opts.ItemRoot); writeErr != nil {
			logger.Error("engine: failed to write artifacts", "error", writeErr)
			result.ExitCode = ExitInternal
			return result, usererror.New("artifact writer", writeErr, "failed to flush run artifacts to disk")
		}
	}

	switch {
	case runErr != nil:
		result.ExitCode = ExitInternal
		return result, usererror.New("scheduler", runErr, "gate execution failed unexpectedly")
	case ctx.Err() != nil:
		result.ExitCode = ExitCancelled
		return result, &scheduler.CancelledError{}
	case len(summary.Eligible) == len(plan.Items):
		result.ExitCode = ExitSuccess
		return result, nil
	default:
		result.ExitCode = ExitNotAllEligible
		return result, nil
	}
}

// retryConfigsFromPolicy converts the plan's minimal
// {maxAttempts, backoffSeconds} per-gate policy into a full retry.Config:
// backoffSeconds seeds the initial delay, a multiplier of 2 and jitter
// are always applied, and no separate per-attempt retry timeout is set
// since the gate executor's own wall-clock timeout already bounds each
// attempt.
func retryConfigsFromPolicy(policy types.Policy) map[string]retry.Config {
	if len(policy.Retries) == 0 {
		return nil
	}
	out := make(map[string]retry.Config, len(policy.Retries))
	for gate, rp := range policy.Retries {
		maxAttempts := rp.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		initial := time.Duration(rp.BackoffSeconds) * time.Second
		out[gate] = retry.Config{
			MaxAttempts:       maxAttempts,
			InitialDelay:      initial,
			MaxDelay:          initial * 8,
			BackoffMultiplier: 2,
			Jitter:            true,
		}
	}
	return out
}

func defaultArtifactDir(outputDir string) func(item, gate string) string {
	return func(item, gate string) string {
		if outputDir == "" {
			return ""
		}
		return filepath.Join(outputDir, "items", item, "gates", gate, "artifacts")
	}
}
