// Copyright (c) 2025 Gatekeeper Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package scheduler drives bounded-concurrency gate execution across the
// dependency levels of a plan. Items within a level run as independent
// tasks through one worker pool; a level does not start until every item
// in the previous one has reached a terminal status.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gatekeeper/internal/retry"
	"gatekeeper/internal/state"
	"gatekeeper/pkg/types"
)

// GateRunner is the capability the Scheduler dispatches gates through; the
// production implementation is internal/gateexec.Executor.
type GateRunner interface {
	Run(ctx context.Context, item string, gate types.Gate, timeout time.Duration) (types.GateResult, error)
}

// CancelledError is returned by Run when the cancellation signal fired.
type CancelledError struct{}

func (*CancelledError) Error() string { return "scheduler: run cancelled" }

// EventSink is notified whenever an item reaches a terminal status
// (pass/fail/blocked/skipped). It is an optional seam for an embedding
// layer (Slack, webhook, ...); the core never implements a concrete sink.
type EventSink interface {
	ItemTerminal(item string, node types.NodeResult)
}

func isTerminal(status types.NodeStatus) bool {
	switch status {
	case types.NodeStatusPass, types.NodeStatusFail, types.NodeStatusBlocked, types.NodeStatusSkipped:
		return true
	default:
		return false
	}
}

// gateFailedError drives the retry loop for a gate that ran and exited
// non-zero: a normal outcome for a retry-configured gate, always worth
// another attempt up to maxAttempts, regardless of what the exit code or
// output actually says.
type gateFailedError struct {
	gate     string
	exitCode int
}

func (e *gateFailedError) Error() string {
	return fmt.Sprintf("gate %q failed with exit code %d", e.gate, e.exitCode)
}

func (*gateFailedError) IsRetryable() bool { return true }

// Scheduler drives gate execution across a plan's DAG levels.
type Scheduler struct {
	Executor       GateRunner
	State          *state.State
	DefaultTimeout time.Duration
	RetryConfigs   map[string]retry.Config // gate name -> config, per policy.retries
	Sink           EventSink               // optional; nil disables notification

	notifiedMu sync.Mutex
	notified   map[string]bool
}

// New builds a Scheduler.
func New(executor GateRunner, st *state.State, defaultTimeout time.Duration, retryConfigs map[string]retry.Config) *Scheduler {
	return &Scheduler{
		Executor:       executor,
		State:          st,
		DefaultTimeout: defaultTimeout,
		RetryConfigs:   retryConfigs,
		notified:       make(map[string]bool),
	}
}

// notifyIfTerminal fires Sink exactly once per item, the moment its status
// first becomes terminal.
func (s *Scheduler) notifyIfTerminal(item string) {
	if s.Sink == nil {
		return
	}
	node, ok := s.State.Get(item)
	if !ok || !isTerminal(node.Status) {
		return
	}

	s.notifiedMu.Lock()
	already := s.notified[item]
	if !already {
		s.notified[item] = true
	}
	s.notifiedMu.Unlock()

	if !already {
		s.Sink.ItemTerminal(item, node)
	}
}

// Run executes every item across levels in order, honoring maxWorkers
// concurrency within a level and ctx cancellation at every suspension
// point.
func (s *Scheduler) Run(ctx context.Context, plan types.Plan, levels [][]string, maxWorkers int) error {
	items := make(map[string]types.PlanItem, len(plan.Items))
	for _, it := range plan.Items {
		items[it.Name] = it
	}

	if maxWorkers < 1 {
		maxWorkers = 1
	}

	for _, level := range levels {
		s.State.PropagateBlocked()
		for _, name := range level {
			// Only a node PropagateBlocked just marked blocked is
			// genuinely terminal here; every other item's status is
			// still its pre-dispatch default (types.NodeStatusSkipped,
			// the same zero value a truly skipped item ends up with), so
			// notifying unconditionally would fire the sink with a bogus
			// skipped result before the item ever runs.
			if node, ok := s.State.Get(name); ok && node.Status == types.NodeStatusBlocked {
				s.notifyIfTerminal(name)
			}
		}

		if ctx.Err() != nil {
			s.skipLevel(level)
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxWorkers)

		for _, name := range level {
			name := name
			item, ok := items[name]
			if !ok {
				continue
			}
			node, _ := s.State.Get(name)
			if node.Status == types.NodeStatusBlocked {
				continue
			}

			g.Go(func() error {
				return s.runItem(gctx, item)
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}
	}

	return nil
}

func (s *Scheduler) skipLevel(level []string) {
	for _, name := range level {
		_ = s.State.MarkSkippedCancelled(name)
		s.notifyIfTerminal(name)
	}
}

// runItem runs item's gates strictly in declared order, stopping at the
// first gate whose failure blocks the item.
func (s *Scheduler) runItem(ctx context.Context, item types.PlanItem) error {
	if ctx.Err() != nil {
		_ = s.State.MarkSkippedCancelled(item.Name)
		s.notifyIfTerminal(item.Name)
		return nil
	}

	if err := s.State.MarkDispatching(item.Name); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	for _, gate := range item.Gates {
		if ctx.Err() != nil {
			_ = s.State.MarkSkippedCancelled(item.Name)
			s.notifyIfTerminal(item.Name)
			return nil
		}

		result, err := s.runGate(ctx, item.Name, gate)
		if err != nil {
			// A gate torn down by cancellation is not a failure; the item
			// was in flight and ends up skipped.
			if ctx.Err() != nil {
				_ = s.State.MarkSkippedCancelled(item.Name)
				s.notifyIfTerminal(item.Name)
				return nil
			}
			return fmt.Errorf("scheduler: item %q gate %q: %w", item.Name, gate.Name, err)
		}

		if err := s.State.RecordGate(item.Name, result); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}

		node, _ := s.State.Get(item.Name)
		if node.Status == types.NodeStatusFail {
			s.notifyIfTerminal(item.Name)
			return nil
		}
	}

	if err := s.State.FinalizeItem(item.Name); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	s.notifyIfTerminal(item.Name)
	return nil
}

// runGate runs a single gate, wrapping it in the retry engine when the
// policy declares a retry config for it. A spawn failure (distinct from a
// non-zero exit) is propagated to the caller; a gate that ran and exited
// non-zero is recorded as status=fail and never propagated past the item.
func (s *Scheduler) runGate(ctx context.Context, item string, gate types.Gate) (types.GateResult, error) {
	timeout := s.DefaultTimeout

	cfg, hasRetry := s.RetryConfigs[gate.Name]
	if !hasRetry {
		return s.Executor.Run(ctx, item, gate, timeout)
	}

	engine := retry.NewEngine(cfg)
	var result types.GateResult
	var spawnErr error
	attempts := 0

	_ = engine.Do(ctx, func(ctx context.Context) error {
		attempts++
		r, err := s.Executor.Run(ctx, item, gate, timeout)
		if err != nil {
			spawnErr = err
			return err
		}
		spawnErr = nil
		result = r
		if r.Status == types.GateStatusFail {
			return &gateFailedError{gate: gate.Name, exitCode: r.ExitCode}
		}
		return nil
	})

	if spawnErr != nil {
		return types.GateResult{}, spawnErr
	}

	result.Attempts = attempts
	return result, nil
}
