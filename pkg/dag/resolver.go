// Copyright (c) 2025 Gatekeeper Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package dag turns a plan's items and their dependency edges into a
// sequence of topologically ordered "levels", detecting cycles and unknown
// dependency references along the way. Levels are built with Kahn-style
// peeling; items within a level are sorted lexicographically so the
// layering is deterministic.
package dag

import (
	"sort"

	"github.com/gammazero/toposort"

	"gatekeeper/pkg/types"
)

// Resolver computes dependency levels over a plan's items.
type Resolver struct{}

// NewResolver creates a DagResolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Levels computes the topological layering of items: level k contains
// exactly those items whose deps are entirely contained in levels 0..k-1.
// Within a level, items are ordered lexicographically by name. An empty
// plan yields an empty level sequence.
func (r *Resolver) Levels(items []types.PlanItem) ([][]string, error) {
	if len(items) == 0 {
		return [][]string{}, nil
	}

	names := make(map[string]bool, len(items))
	for _, it := range items {
		names[it.Name] = true
	}

	if missing := unknownDeps(items, names); len(missing) > 0 {
		return nil, &UnknownDependencyError{Missing: missing}
	}

	if cycle := cycleParticipants(items); len(cycle) > 0 {
		return nil, &CycleError{Names: cycle}
	}

	// A toposort.Toposort pass over the same edges is kept as a
	// cross-check: any cycle cycleParticipants missed would surface here as
	// a library error rather than silently producing a wrong layering.
	edges := make([]toposort.Edge, 0)
	for _, it := range items {
		for _, dep := range it.Deps {
			edges = append(edges, toposort.Edge{dep, it.Name})
		}
	}
	if len(edges) > 0 {
		if _, err := toposort.Toposort(edges); err != nil {
			return nil, &CycleError{Names: cycleParticipants(items)}
		}
	}

	return layer(items), nil
}

func unknownDeps(items []types.PlanItem, names map[string]bool) []MissingDep {
	var missing []MissingDep
	for _, it := range items {
		for _, dep := range it.Deps {
			if dep == it.Name {
				// Self-loops are reported as cycles, not unknown deps.
				continue
			}
			if !names[dep] {
				missing = append(missing, MissingDep{Item: it.Name, Dep: dep})
			}
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].Item != missing[j].Item {
			return missing[i].Item < missing[j].Item
		}
		return missing[i].Dep < missing[j].Dep
	})
	return missing
}

const (
	colorWhite = 0
	colorGray  = 1
	colorBlack = 2
)

// cycleParticipants runs a three-color DFS over the dependency graph and
// returns every item on the first cycle found (including self-loops), or
// nil if the graph is acyclic.
func cycleParticipants(items []types.PlanItem) []string {
	adj := make(map[string][]string, len(items))
	for _, it := range items {
		adj[it.Name] = it.Deps
	}

	color := make(map[string]int, len(items))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = colorGray
		stack = append(stack, name)

		for _, dep := range adj[name] {
			if dep == name {
				cycle = []string{name}
				return true
			}
			switch color[dep] {
			case colorWhite:
				if visit(dep) {
					return true
				}
			case colorGray:
				// Found the back edge; extract the cycle from the stack.
				idx := indexOf(stack, dep)
				cycle = append([]string{}, stack[idx:]...)
				return true
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = colorBlack
		return false
	}

	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.Name)
	}
	sort.Strings(names)

	for _, name := range names {
		if color[name] == colorWhite {
			if visit(name) {
				sort.Strings(cycle)
				return cycle
			}
		}
	}
	return nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return 0
}

// layer groups items into dependency levels using Kahn's algorithm: items
// with satisfied dependencies are peeled off one level at a time, each
// level sorted lexicographically for a deterministic tie-break.
func layer(items []types.PlanItem) [][]string {
	deps := make(map[string][]string, len(items))
	for _, it := range items {
		depsCopy := append([]string{}, it.Deps...)
		deps[it.Name] = depsCopy
	}

	remaining := make(map[string]bool, len(items))
	for _, it := range items {
		remaining[it.Name] = true
	}

	var levels [][]string
	for len(remaining) > 0 {
		var level []string
		for name := range remaining {
			ready := true
			for _, dep := range deps[name] {
				if remaining[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, name)
			}
		}
		sort.Strings(level)
		for _, name := range level {
			delete(remaining, name)
		}
		levels = append(levels, level)
	}
	return levels
}
