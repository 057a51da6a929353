// Copyright (c) 2025 Gatekeeper Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package report folds an ExecutionState snapshot and the eligibility
// summary into the final run report, serialized through the canonical
// codec so equal runs produce byte-identical report.json files.
package report

import (
	"sort"

	"github.com/google/uuid"

	"gatekeeper/internal/eligibility"
	"gatekeeper/pkg/codec"
	"gatekeeper/pkg/types"
)

// PlanSummary is the report's `plan` section.
type PlanSummary struct {
	SchemaVersion string `json:"schemaVersion"`
	Target        string `json:"target"`
	ItemCount     int    `json:"itemCount"`
}

// GateSummary is one gate entry under an item's `execution.results[].gates`.
type GateSummary struct {
	Name       string           `json:"name"`
	Status     types.GateStatus `json:"status"`
	DurationMs int64            `json:"durationMs"`
}

// ItemResult is one entry under `execution.results`.
type ItemResult struct {
	Name   string           `json:"name"`
	Status types.NodeStatus `json:"status"`
	Gates  []GateSummary    `json:"gates"`
}

// Execution is the report's `execution` section.
type Execution struct {
	Results []ItemResult `json:"results"`
}

// MergeEligibility is the report's `mergeEligibility` section, mirroring
// eligibility.Summary's field names at the wire level.
type MergeEligibility struct {
	Eligible []string `json:"eligible"`
	Failed   []string `json:"failed"`
	Blocked  []string `json:"blocked"`
	Skipped  []string `json:"skipped"`
}

// Report is the full aggregated output of one run.
type Report struct {
	RunID            string           `json:"runId"`
	Plan             PlanSummary      `json:"plan"`
	Execution        Execution        `json:"execution"`
	MergeEligibility MergeEligibility `json:"mergeEligibility"`
	AllGreen         bool             `json:"allGreen"`
}

// Build folds plan, snapshot (ExecutionState.Snapshot()) and summary
// (EligibilityEvaluator.Evaluate's second return) into a Report. runID is
// typically a freshly generated uuid.New().String(), injected rather than
// generated here to keep Build a pure function.
func Build(runID string, plan types.Plan, snapshot map[string]types.NodeResult, summary eligibility.Summary) Report {
	results := make([]ItemResult, 0, len(plan.Items))
	for _, it := range plan.Items {
		node := snapshot[it.Name]
		gates := make([]GateSummary, 0, len(node.Gates))
		for _, g := range node.Gates {
			gates = append(gates, GateSummary{Name: g.Gate, Status: g.Status, DurationMs: g.DurationMs})
		}
		results = append(results, ItemResult{Name: it.Name, Status: node.Status, Gates: gates})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	return Report{
		RunID: runID,
		Plan: PlanSummary{
			SchemaVersion: plan.SchemaVersion,
			Target:        plan.Target,
			ItemCount:     len(plan.Items),
		},
		Execution: Execution{Results: results},
		MergeEligibility: MergeEligibility{
			Eligible: summary.Eligible,
			Failed:   summary.Failed,
			Blocked:  summary.Blocked,
			Skipped:  summary.Skipped,
		},
		AllGreen: allGreen(plan, snapshot),
	}
}

// NewRunID generates a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// allGreen is true iff every required gate on every item has status pass.
func allGreen(plan types.Plan, snapshot map[string]types.NodeResult) bool {
	required := make(map[string]bool, len(plan.Policy.RequiredGates))
	for _, g := range plan.Policy.RequiredGates {
		required[g] = true
	}
	if len(required) == 0 {
		return true
	}

	for _, it := range plan.Items {
		node := snapshot[it.Name]
		status := make(map[string]types.GateStatus, len(node.Gates))
		for _, g := range node.Gates {
			status[g.Gate] = g.Status
		}
		for _, gate := range it.Gates {
			if !required[gate.Name] {
				continue
			}
			if status[gate.Name] != types.GateStatusPass {
				return false
			}
		}
	}
	return true
}

// Encode renders r as canonical JSON, the form written to report.json.
func Encode(r Report) ([]byte, error) {
	return codec.Encode(r)
}
