// Copyright (c) 2025 Gatekeeper Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package state implements the engine's ExecutionState: the single mutable
// store of per-item and per-gate status, with failure propagation across
// the dependency graph.
//
// The Scheduler is the sole writer. One mutex guards the whole structure;
// every read operation returns copies, and no callback is ever invoked
// with the lock held.
package state

import (
	"fmt"
	"sort"
	"sync"

	"gatekeeper/pkg/types"
)

// State is the single mutable store of per-item status.
type State struct {
	mu       sync.Mutex
	policy   types.Policy
	levels   [][]string
	deps     map[string][]string
	declared map[string]map[string]bool // item -> gate names the item declares
	nodes    map[string]*types.NodeResult
}

// New builds a State from plan, initializing every item to status
// `skipped`/`eligibleForMerge=false`. levels is the DagResolver output,
// used by PropagateBlocked to visit items in dependency order.
func New(plan types.Plan, levels [][]string) *State {
	nodes := make(map[string]*types.NodeResult, len(plan.Items))
	deps := make(map[string][]string, len(plan.Items))
	declared := make(map[string]map[string]bool, len(plan.Items))
	for _, it := range plan.Items {
		nodes[it.Name] = &types.NodeResult{
			Name:   it.Name,
			Status: types.NodeStatusSkipped,
			Gates:  []types.GateResult{},
		}
		deps[it.Name] = it.Deps
		gates := make(map[string]bool, len(it.Gates))
		for _, g := range it.Gates {
			gates[g.Name] = true
		}
		declared[it.Name] = gates
	}
	return &State{
		policy:   plan.Policy,
		levels:   levels,
		deps:     deps,
		declared: declared,
		nodes:    nodes,
	}
}

// MarkDispatching transitions item from `skipped` to `retrying` on first
// gate dispatch.
func (s *State) MarkDispatching(item string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[item]
	if !ok {
		return fmt.Errorf("state: unknown item %q", item)
	}
	if node.Status == types.NodeStatusSkipped {
		node.Status = types.NodeStatusRetrying
	}
	return nil
}

// RecordGate appends or replaces gr (matched by gate name) on item's
// NodeResult and recomputes the item's status from its own gates (not
// from deps — that is PropagateBlocked's job).
func (s *State) RecordGate(item string, gr types.GateResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[item]
	if !ok {
		return fmt.Errorf("state: unknown item %q", item)
	}

	replaced := false
	for i, existing := range node.Gates {
		if existing.Gate == gr.Gate {
			node.Gates[i] = gr
			replaced = true
			break
		}
	}
	if !replaced {
		node.Gates = append(node.Gates, gr)
	}

	s.recomputeOwnGatesLocked(node)
	return nil
}

// FinalizeItem settles item's status once the Scheduler has dispatched
// every declared gate. An item with no gates at all passes vacuously; an
// item still waiting on an undeclared policy gate never blocks here, since
// only gates the item declares count toward its own pass.
func (s *State) FinalizeItem(item string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[item]
	if !ok {
		return fmt.Errorf("state: unknown item %q", item)
	}
	if node.Status == types.NodeStatusRetrying {
		s.recomputeOwnGatesLocked(node)
	}
	return nil
}

// recomputeOwnGatesLocked derives node's status purely from its recorded
// gates: fail if any recorded required-or-blocking gate failed; pass once
// every required-or-blocking gate the item declares has passed; retrying
// otherwise. Must be called with s.mu held.
func (s *State) recomputeOwnGatesLocked(node *types.NodeResult) {
	if node.Status == types.NodeStatusFail {
		return
	}

	blocking := make(map[string]bool, len(s.policy.RequiredGates)+len(s.policy.BlockOn))
	for _, g := range s.policy.RequiredGates {
		blocking[g] = true
	}
	for _, g := range s.policy.BlockOn {
		blocking[g] = true
	}

	status := map[string]types.GateStatus{}
	for _, g := range node.Gates {
		status[g.Gate] = g.Status
	}

	for name, st := range status {
		if blocking[name] && st == types.GateStatusFail {
			node.Status = types.NodeStatusFail
			return
		}
	}

	for name := range blocking {
		if !s.declared[node.Name][name] {
			continue
		}
		if status[name] != types.GateStatusPass {
			node.Status = types.NodeStatusRetrying
			return
		}
	}

	node.Status = types.NodeStatusPass
}

// PropagateBlocked walks items in level order and, for every item whose
// status is not already terminal-from-its-own-gates (pass/fail) and whose
// deps include a `fail` or `blocked` item, sets status to `blocked` and
// populates blockedBy. Idempotent.
func (s *State) PropagateBlocked() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, level := range s.levels {
		for _, name := range level {
			node := s.nodes[name]
			if node == nil || node.Status == types.NodeStatusPass || node.Status == types.NodeStatusFail {
				continue
			}

			var blockedBy []string
			for _, dep := range s.deps[name] {
				depNode := s.nodes[dep]
				if depNode != nil && (depNode.Status == types.NodeStatusFail || depNode.Status == types.NodeStatusBlocked) {
					blockedBy = append(blockedBy, dep)
				}
			}
			if len(blockedBy) > 0 {
				sort.Strings(blockedBy)
				node.Status = types.NodeStatusBlocked
				node.BlockedBy = blockedBy
			}
		}
	}
}

// MarkSkippedCancelled sets item's status to `skipped` when it was never
// dispatched or was cancelled before reaching a terminal status.
func (s *State) MarkSkippedCancelled(item string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[item]
	if !ok {
		return fmt.Errorf("state: unknown item %q", item)
	}
	if node.Status == types.NodeStatusSkipped || node.Status == types.NodeStatusRetrying {
		node.Status = types.NodeStatusSkipped
	}
	return nil
}

// SetEligible marks item's eligibleForMerge bit. The EligibilityEvaluator's
// decisions are written back (by pkg/engine) only through this operation,
// never by reaching into a NodeResult directly.
func (s *State) SetEligible(item string, eligible bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[item]
	if !ok {
		return fmt.Errorf("state: unknown item %q", item)
	}
	node.EligibleForMerge = eligible
	return nil
}

// Snapshot returns an immutable copy of every NodeResult, keyed by name.
func (s *State) Snapshot() map[string]types.NodeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]types.NodeResult, len(s.nodes))
	for name, node := range s.nodes {
		out[name] = copyNode(node)
	}
	return out
}

// Get returns a copy of a single item's NodeResult.
func (s *State) Get(item string) (types.NodeResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[item]
	if !ok {
		return types.NodeResult{}, false
	}
	return copyNode(node), true
}

func copyNode(node *types.NodeResult) types.NodeResult {
	cp := *node
	cp.Gates = append([]types.GateResult{}, node.Gates...)
	cp.BlockedBy = append([]string{}, node.BlockedBy...)
	return cp
}
