// Copyright (c) 2025 Gatekeeper Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package eligibility decides which items are mergeable: a pure
// computation over an ExecutionState snapshot and a Policy, plus the
// auditable admin-override ledger.
package eligibility

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gatekeeper/pkg/types"
)

// Decision is the per-item output of Evaluate.
type Decision struct {
	Eligible         bool
	Reason           string
	RequiresOverride bool
	BlockedBy        []string
}

// Summary partitions every item in a plan by its terminal disposition.
type Summary struct {
	Eligible []string
	Failed   []string
	Blocked  []string
	Skipped  []string
}

// OverrideRejectedError is returned by RequestOverride when the policy
// does not admit the override.
type OverrideRejectedError struct {
	Context string
	Message string
}

func (e *OverrideRejectedError) Error() string {
	return fmt.Sprintf("override rejected for %s: %s", e.Context, e.Message)
}

// Evaluator holds the override ledger. Safe for concurrent use.
type Evaluator struct {
	mu        sync.Mutex
	overrides map[string]types.OverrideRecord
}

// NewEvaluator builds an empty Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{overrides: make(map[string]types.OverrideRecord)}
}

// RequestOverride applies policy.overrides.adminGreen's acceptance rules:
// the override must be configured, the actor must be in allowedUsers when
// that list is non-empty, and the reason must be non-blank when
// requireReason is set.
func (e *Evaluator) RequestOverride(policy types.Policy, item, actor, reason string) (types.OverrideRecord, error) {
	adminGreen := policy.Overrides.AdminGreen
	if adminGreen == nil {
		return types.OverrideRecord{}, &OverrideRejectedError{Context: item, Message: "adminGreen override is not configured"}
	}

	if len(adminGreen.AllowedUsers) > 0 {
		allowed := false
		for _, u := range adminGreen.AllowedUsers {
			if u == actor {
				allowed = true
				break
			}
		}
		if !allowed {
			return types.OverrideRecord{}, &OverrideRejectedError{Context: item, Message: fmt.Sprintf("actor %q is not in allowedUsers", actor)}
		}
	}

	if adminGreen.RequireReason && strings.TrimSpace(reason) == "" {
		return types.OverrideRecord{}, &OverrideRejectedError{Context: item, Message: "a non-empty reason is required"}
	}

	record := types.OverrideRecord{
		ItemName:  item,
		Actor:     actor,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}

	e.mu.Lock()
	e.overrides[item] = record
	e.mu.Unlock()

	return record, nil
}

// Overrides returns a copy of every accepted override, keyed by item name.
func (e *Evaluator) Overrides() map[string]types.OverrideRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]types.OverrideRecord, len(e.overrides))
	for k, v := range e.overrides {
		out[k] = v
	}
	return out
}

// Evaluate computes a Decision for every item in plan, given snapshot (an
// ExecutionState.Snapshot() result), and a Summary partition.
func (e *Evaluator) Evaluate(plan types.Plan, snapshot map[string]types.NodeResult) (map[string]Decision, Summary) {
	e.mu.Lock()
	overrides := make(map[string]types.OverrideRecord, len(e.overrides))
	for k, v := range e.overrides {
		overrides[k] = v
	}
	e.mu.Unlock()

	items := make(map[string]types.PlanItem, len(plan.Items))
	for _, it := range plan.Items {
		items[it.Name] = it
	}

	decisions := make(map[string]Decision, len(plan.Items))
	for _, it := range plan.Items {
		decide(it, items, snapshot, plan.Policy, overrides, decisions)
	}

	return decisions, summarize(plan, snapshot, decisions)
}

func decide(
	item types.PlanItem,
	items map[string]types.PlanItem,
	snapshot map[string]types.NodeResult,
	policy types.Policy,
	overrides map[string]types.OverrideRecord,
	memo map[string]Decision,
) Decision {
	if d, ok := memo[item.Name]; ok {
		return d
	}

	if override, ok := overrides[item.Name]; ok {
		d := Decision{Eligible: true, Reason: "Manual override by " + override.Actor}
		memo[item.Name] = d
		return d
	}

	node := snapshot[item.Name]
	gateStatus := make(map[string]types.GateStatus, len(node.Gates))
	for _, g := range node.Gates {
		gateStatus[g.Gate] = g.Status
	}

	var missingRequired []string
	declared := make(map[string]bool, len(item.Gates))
	for _, g := range item.Gates {
		declared[g.Name] = true
	}
	for _, name := range sortedNames(policy.RequiredGates) {
		if !declared[name] {
			continue
		}
		if gateStatus[name] != types.GateStatusPass {
			missingRequired = append(missingRequired, name)
		}
	}

	var failedBlockOn []string
	for _, name := range sortedNames(policy.BlockOn) {
		if gateStatus[name] == types.GateStatusFail {
			failedBlockOn = append(failedBlockOn, name)
		}
	}

	depsOK := true
	var blockedBy []string
	for _, dep := range item.Deps {
		depDecision := decide(items[dep], items, snapshot, policy, overrides, memo)
		if !depDecision.Eligible {
			depsOK = false
			blockedBy = append(blockedBy, dep)
		}
	}
	sort.Strings(blockedBy)

	eligible := len(missingRequired) == 0 && len(failedBlockOn) == 0 && depsOK

	var reason string
	switch {
	case eligible:
		reason = "eligible"
	case !depsOK:
		reason = "Blocked by failed dependencies"
	case len(node.Gates) == 0:
		reason = "No gate results"
	case len(missingRequired) > 0:
		reason = "Failed required gates: " + strings.Join(missingRequired, ", ")
	default:
		reason = "Failed blocking gates: " + strings.Join(failedBlockOn, ", ")
	}

	d := Decision{
		Eligible:         eligible,
		Reason:           reason,
		RequiresOverride: !eligible,
		BlockedBy:        blockedBy,
	}
	memo[item.Name] = d
	return d
}

func sortedNames(names []string) []string {
	out := append([]string{}, names...)
	sort.Strings(out)
	return out
}

func summarize(plan types.Plan, snapshot map[string]types.NodeResult, decisions map[string]Decision) Summary {
	var s Summary
	for _, it := range plan.Items {
		d := decisions[it.Name]
		node := snapshot[it.Name]
		switch {
		case d.Eligible:
			s.Eligible = append(s.Eligible, it.Name)
		case node.Status == types.NodeStatusBlocked:
			s.Blocked = append(s.Blocked, it.Name)
		case node.Status == types.NodeStatusSkipped:
			s.Skipped = append(s.Skipped, it.Name)
		default:
			s.Failed = append(s.Failed, it.Name)
		}
	}
	sort.Strings(s.Eligible)
	sort.Strings(s.Failed)
	sort.Strings(s.Blocked)
	sort.Strings(s.Skipped)
	return s
}
