// Copyright (c) 2025 Gatekeeper Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package gateexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bitfield/script"

	"gatekeeper/pkg/types"
)

// DefaultMaxCapturedBytes bounds how much of a gate's stdout/stderr is kept
// in the GateResult itself; output beyond this spills to the artifact
// directory in full.
const DefaultMaxCapturedBytes = 1 << 20 // 1 MiB

// Executor runs a single Gate for a single PlanItem. It never retries;
// retrying a gate is the retry engine's job, not the Executor's.
type Executor struct {
	Subprocess       Subprocess
	ItemRoot         func(item string) string
	ArtifactDir      func(item, gate string) string
	MaxCapturedBytes int
}

// NewExecutor builds an Executor backed by the production ShellSubprocess.
// itemRoot maps an item name to its working-directory root; artifactDir
// maps an (item, gate) pair to the directory overflow and resolved
// artifacts are written under.
func NewExecutor(itemRoot func(item string) string, artifactDir func(item, gate string) string) *Executor {
	return &Executor{
		Subprocess:       ShellSubprocess{},
		ItemRoot:         itemRoot,
		ArtifactDir:      artifactDir,
		MaxCapturedBytes: DefaultMaxCapturedBytes,
	}
}

// Run executes gate for item, with timeout as the mandatory hard
// wall-clock bound covering spawn and full output drain. The returned
// GateResult always has Attempts=1.
func (e *Executor) Run(ctx context.Context, item string, gate types.Gate, timeout time.Duration) (types.GateResult, error) {
	root := ""
	if e.ItemRoot != nil {
		root = e.ItemRoot(item)
	}
	cwd := root
	if gate.Cwd != "" {
		cwd = filepath.Join(root, gate.Cwd)
	}

	env := overlayEnv(gate.Env)

	res, err := e.Subprocess.Spawn(ctx, []string{gate.Run}, cwd, env, timeout)
	if err != nil {
		return types.GateResult{}, fmt.Errorf("gateexec: spawn %q failed: %w", gate.Name, err)
	}

	stdout, stderr := res.Stdout, res.Stderr
	artifactsDir := ""
	if e.ArtifactDir != nil {
		artifactsDir = e.ArtifactDir(item, gate.Name)
	}

	stdout, err = e.spillIfOversize(artifactsDir, "stdout", stdout)
	if err != nil {
		return types.GateResult{}, err
	}
	stderr, err = e.spillIfOversize(artifactsDir, "stderr", stderr)
	if err != nil {
		return types.GateResult{}, err
	}

	artifacts, err := resolveArtifacts(cwd, gate.Artifacts)
	if err != nil {
		return types.GateResult{}, fmt.Errorf("gateexec: resolving artifacts for %q: %w", gate.Name, err)
	}

	status := types.GateStatusPass
	if res.ExitCode != 0 {
		status = types.GateStatusFail
	}

	return types.GateResult{
		Gate:        gate.Name,
		Status:      status,
		ExitCode:    res.ExitCode,
		DurationMs:  res.DurationMs,
		Stdout:      string(stdout),
		Stderr:      string(stderr),
		Artifacts:   artifacts,
		Attempts:    1,
		LastAttempt: time.Now().UTC(),
	}, nil
}

// overlayEnv turns gate.Env into "KEY=VALUE" assignments sorted by key,
// so the same gate always produces the same command line byte-for-byte.
func overlayEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// spillIfOversize keeps buf as-is when it fits within MaxCapturedBytes;
// otherwise it writes the full buffer to artifactsDir/name and returns a
// truncated copy, per the spill-threshold policy: the on-disk copy is
// always complete, and the field recorded on the GateResult is truncated.
func (e *Executor) spillIfOversize(artifactsDir, name string, buf []byte) ([]byte, error) {
	limit := e.MaxCapturedBytes
	if limit <= 0 {
		limit = DefaultMaxCapturedBytes
	}
	if len(buf) <= limit {
		return buf, nil
	}
	if artifactsDir != "" {
		if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
			return nil, fmt.Errorf("gateexec: creating artifact dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(artifactsDir, name), buf, 0o644); err != nil {
			return nil, fmt.Errorf("gateexec: spilling %s: %w", name, err)
		}
	}
	return buf[:limit], nil
}

// resolveArtifacts expands each glob in globs relative to cwd and returns
// every matching path that exists, deduplicated and sorted
// lexicographically. A glob that matches nothing contributes nothing; only
// a malformed pattern is an error.
func resolveArtifacts(cwd string, globs []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, g := range globs {
		pattern := g
		if cwd != "" && !filepath.IsAbs(g) {
			pattern = filepath.Join(cwd, g)
		}
		matches, err := script.ListFiles(pattern).Slice()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("gateexec: bad artifact glob %q: %w", g, err)
		}
		for _, m := range matches {
			if _, err := os.Stat(m); err != nil {
				continue
			}
			rel := m
			if cwd != "" {
				if r, err := filepath.Rel(cwd, m); err == nil {
					rel = r
				}
			}
			if !seen[rel] {
				seen[rel] = true
				out = append(out, rel)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
