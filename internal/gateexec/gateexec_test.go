// Copyright (c) 2025 Gatekeeper Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package gateexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/pkg/types"
)

type fakeSubprocess struct {
	result Result
	err    error

	gotArgv    []string
	gotCwd     string
	gotEnv     []string
	gotTimeout time.Duration
}

func (f *fakeSubprocess) Spawn(_ context.Context, argv []string, cwd string, env []string, timeout time.Duration) (Result, error) {
	f.gotArgv = argv
	f.gotCwd = cwd
	f.gotEnv = env
	f.gotTimeout = timeout
	return f.result, f.err
}

func TestRun_PassOnZeroExit(t *testing.T) {
	fake := &fakeSubprocess{result: Result{ExitCode: 0, Stdout: []byte("ok\n"), DurationMs: 5}}
	e := &Executor{Subprocess: fake, MaxCapturedBytes: DefaultMaxCapturedBytes}

	gate := types.Gate{Name: "unit", Run: "go test ./..."}
	res, err := e.Run(context.Background(), "item-a", gate, time.Second)
	require.NoError(t, err)

	assert.Equal(t, types.GateStatusPass, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "ok\n", res.Stdout)
}

func TestRun_FailOnNonZeroExit(t *testing.T) {
	fake := &fakeSubprocess{result: Result{ExitCode: 1, Stderr: []byte("boom")}}
	e := &Executor{Subprocess: fake}

	res, err := e.Run(context.Background(), "item-a", types.Gate{Name: "lint", Run: "lint"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.GateStatusFail, res.Status)
	assert.Equal(t, 1, res.ExitCode)
}

func TestRun_EnvSortedForDeterminism(t *testing.T) {
	fake := &fakeSubprocess{result: Result{ExitCode: 0}}
	e := &Executor{Subprocess: fake}

	gate := types.Gate{
		Name: "build",
		Run:  "make build",
		Env:  map[string]string{"ZETA": "1", "ALPHA": "2"},
	}
	_, err := e.Run(context.Background(), "item-a", gate, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"ALPHA=2", "ZETA=1"}, fake.gotEnv)
}

func TestRun_SpillsOversizedOutputToArtifactDir(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, 128)
	for i := range big {
		big[i] = 'x'
	}
	fake := &fakeSubprocess{result: Result{ExitCode: 0, Stdout: big}}
	e := &Executor{
		Subprocess:       fake,
		MaxCapturedBytes: 16,
		ArtifactDir:      func(item, gate string) string { return dir },
	}

	res, err := e.Run(context.Background(), "item-a", types.Gate{Name: "noisy", Run: "noisy"}, time.Second)
	require.NoError(t, err)
	assert.Len(t, res.Stdout, 16)

	spilled, err := os.ReadFile(filepath.Join(dir, "stdout"))
	require.NoError(t, err)
	assert.Equal(t, big, spilled)
}

func TestRun_ResolvesArtifactGlobsSortedRelativeToCwd(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.log"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.log"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ignore.txt"), []byte("x"), 0o644))

	fake := &fakeSubprocess{result: Result{ExitCode: 0}}
	e := &Executor{
		Subprocess: fake,
		ItemRoot:   func(item string) string { return root },
	}

	gate := types.Gate{Name: "collect", Run: "collect", Artifacts: []string{"*.log"}}
	res, err := e.Run(context.Background(), "item-a", gate, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.log", "b.log"}, res.Artifacts)
}

func TestRun_SpawnErrorPropagates(t *testing.T) {
	fake := &fakeSubprocess{err: assertAnError{}}
	e := &Executor{Subprocess: fake}

	_, err := e.Run(context.Background(), "item-a", types.Gate{Name: "g", Run: "g"}, time.Second)
	require.Error(t, err)
}

type assertAnError struct{}

func (assertAnError) Error() string { return "spawn failed" }
