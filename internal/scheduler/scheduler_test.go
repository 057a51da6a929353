// Copyright (c) 2025 Gatekeeper Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/retry"
	"gatekeeper/internal/state"
	"gatekeeper/pkg/types"
)

// fakeRunner dispatches gate runs to a per-gate scripted sequence of
// results/errors, recording call order and concurrency for assertions.
type fakeRunner struct {
	mu          sync.Mutex
	calls       []string
	inflight    int32
	maxInFlight int32

	// script[item][gate] is consumed in order on each call; the last entry
	// repeats once exhausted.
	script    map[string]map[string][]scriptedCall
	calledIdx map[string]int
}

type scriptedCall struct {
	result types.GateResult
	err    error
	sleep  time.Duration
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		script:    map[string]map[string][]scriptedCall{},
		calledIdx: map[string]int{},
	}
}

func (f *fakeRunner) on(item, gate string, calls ...scriptedCall) {
	if f.script[item] == nil {
		f.script[item] = map[string][]scriptedCall{}
	}
	f.script[item][gate] = calls
}

func (f *fakeRunner) Run(ctx context.Context, item string, gate types.Gate, timeout time.Duration) (types.GateResult, error) {
	cur := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		old := atomic.LoadInt32(&f.maxInFlight)
		if cur <= old || atomic.CompareAndSwapInt32(&f.maxInFlight, old, cur) {
			break
		}
	}

	f.mu.Lock()
	key := item + "/" + gate.Name
	f.calls = append(f.calls, key)
	calls := f.script[item][gate.Name]
	idx := f.calledIdx[key]
	if idx < len(calls)-1 {
		f.calledIdx[key] = idx + 1
	}
	f.mu.Unlock()

	if len(calls) == 0 {
		return types.GateResult{Gate: gate.Name, Status: types.GateStatusPass}, nil
	}

	sc := calls[idx]
	if sc.sleep > 0 {
		time.Sleep(sc.sleep)
	}
	if sc.err != nil {
		return types.GateResult{}, sc.err
	}
	return sc.result, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) maxConcurrency() int32 {
	return atomic.LoadInt32(&f.maxInFlight)
}

func simplePlan() types.Plan {
	return types.Plan{
		Policy: types.Policy{RequiredGates: []string{"test"}},
		Items: []types.PlanItem{
			{Name: "base", Gates: []types.Gate{{Name: "test", Run: "go test"}}},
			{Name: "dependent", Deps: []string{"base"}, Gates: []types.Gate{{Name: "test", Run: "go test"}}},
		},
	}
}

func diamondPlan() types.Plan {
	return types.Plan{
		Policy: types.Policy{RequiredGates: []string{"test"}},
		Items: []types.PlanItem{
			{Name: "root", Gates: []types.Gate{{Name: "test"}}},
			{Name: "left", Deps: []string{"root"}, Gates: []types.Gate{{Name: "test"}}},
			{Name: "right", Deps: []string{"root"}, Gates: []types.Gate{{Name: "test"}}},
			{Name: "tip", Deps: []string{"left", "right"}, Gates: []types.Gate{{Name: "test"}}},
		},
	}
}

func TestRun_LinearChainExecutesBothItemsAndPasses(t *testing.T) {
	plan := simplePlan()
	levels := [][]string{{"base"}, {"dependent"}}
	st := state.New(plan, levels)
	runner := newFakeRunner()

	s := New(runner, st, time.Second, nil)
	err := s.Run(context.Background(), plan, levels, 4)
	require.NoError(t, err)

	base, _ := st.Get("base")
	dep, _ := st.Get("dependent")
	assert.Equal(t, types.NodeStatusPass, base.Status)
	assert.Equal(t, types.NodeStatusPass, dep.Status)
}

func TestRun_DiamondDispatchesLevelSiblingsConcurrently(t *testing.T) {
	plan := diamondPlan()
	levels := [][]string{{"root"}, {"left", "right"}, {"tip"}}
	st := state.New(plan, levels)
	runner := newFakeRunner()
	runner.on("left", "test", scriptedCall{result: types.GateResult{Gate: "test", Status: types.GateStatusPass}, sleep: 20 * time.Millisecond})
	runner.on("right", "test", scriptedCall{result: types.GateResult{Gate: "test", Status: types.GateStatusPass}, sleep: 20 * time.Millisecond})

	s := New(runner, st, time.Second, nil)
	err := s.Run(context.Background(), plan, levels, 4)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, runner.maxConcurrency(), int32(2), "left and right should have run concurrently within their level")

	tip, _ := st.Get("tip")
	assert.Equal(t, types.NodeStatusPass, tip.Status)
}

func TestRun_BlockingFailurePropagatesToDependentsNextLevel(t *testing.T) {
	plan := simplePlan()
	levels := [][]string{{"base"}, {"dependent"}}
	st := state.New(plan, levels)
	runner := newFakeRunner()
	runner.on("base", "test", scriptedCall{result: types.GateResult{Gate: "test", Status: types.GateStatusFail, ExitCode: 1}})

	s := New(runner, st, time.Second, nil)
	err := s.Run(context.Background(), plan, levels, 4)
	require.NoError(t, err)

	base, _ := st.Get("base")
	dep, _ := st.Get("dependent")
	assert.Equal(t, types.NodeStatusFail, base.Status)
	assert.Equal(t, types.NodeStatusBlocked, dep.Status)
	assert.Equal(t, []string{"base"}, dep.BlockedBy)
	assert.Equal(t, 1, runner.callCount(), "dependent's gate must never have been dispatched")
}

func TestRun_RetryConfigRetriesThenPasses(t *testing.T) {
	plan := simplePlan()
	levels := [][]string{{"base"}, {"dependent"}}
	st := state.New(plan, levels)
	runner := newFakeRunner()
	runner.on("base", "test",
		scriptedCall{result: types.GateResult{Gate: "test", Status: types.GateStatusFail, ExitCode: 1}},
		scriptedCall{result: types.GateResult{Gate: "test", Status: types.GateStatusPass}},
	)

	cfg := retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1, Timeout: time.Second}
	s := New(runner, st, time.Second, map[string]retry.Config{"test": cfg})
	err := s.Run(context.Background(), plan, levels, 4)
	require.NoError(t, err)

	base, _ := st.Get("base")
	assert.Equal(t, types.NodeStatusPass, base.Status)
	assert.Equal(t, 2, base.Gates[0].Attempts)
}

func TestRun_RetryExhaustionLeavesGateFailed(t *testing.T) {
	plan := simplePlan()
	levels := [][]string{{"base"}, {"dependent"}}
	st := state.New(plan, levels)
	runner := newFakeRunner()
	runner.on("base", "test",
		scriptedCall{result: types.GateResult{Gate: "test", Status: types.GateStatusFail, ExitCode: 1}},
		scriptedCall{result: types.GateResult{Gate: "test", Status: types.GateStatusFail, ExitCode: 1}},
	)

	cfg := retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1, Timeout: time.Second}
	s := New(runner, st, time.Second, map[string]retry.Config{"test": cfg})
	err := s.Run(context.Background(), plan, levels, 4)
	require.NoError(t, err)

	base, _ := st.Get("base")
	assert.Equal(t, types.NodeStatusFail, base.Status)
	assert.Equal(t, types.GateStatusFail, base.Gates[0].Status)
	assert.Equal(t, 2, base.Gates[0].Attempts, "attempts must equal the configured maximum")
}

func TestRun_SpawnErrorPropagatesToCaller(t *testing.T) {
	plan := simplePlan()
	levels := [][]string{{"base"}, {"dependent"}}
	st := state.New(plan, levels)
	runner := newFakeRunner()
	runner.on("base", "test", scriptedCall{err: errors.New("exec: fork/exec failed")})

	s := New(runner, st, time.Second, nil)
	err := s.Run(context.Background(), plan, levels, 4)
	require.Error(t, err, "a spawn error distinct from gate failure must propagate")
}

func TestRun_CancellationSkipsRemainingLevels(t *testing.T) {
	plan := simplePlan()
	levels := [][]string{{"base"}, {"dependent"}}
	st := state.New(plan, levels)
	runner := newFakeRunner()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(runner, st, time.Second, nil)
	err := s.Run(ctx, plan, levels, 4)
	require.NoError(t, err)

	base, _ := st.Get("base")
	dep, _ := st.Get("dependent")
	assert.Equal(t, types.NodeStatusSkipped, base.Status)
	assert.Equal(t, types.NodeStatusSkipped, dep.Status)
	assert.Equal(t, 0, runner.callCount())
}

// fakeSink records every ItemTerminal call, keyed by item, so a test can
// assert both the fire-once dedup and the terminal NodeResult delivered.
type fakeSink struct {
	mu      sync.Mutex
	calls   map[string]int
	results map[string]types.NodeResult
}

func newFakeSink() *fakeSink {
	return &fakeSink{calls: map[string]int{}, results: map[string]types.NodeResult{}}
}

func (f *fakeSink) ItemTerminal(item string, node types.NodeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[item]++
	f.results[item] = node
}

func (f *fakeSink) count(item string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[item]
}

// cancelAfterRunner wraps a GateRunner and cancels once trigger's gate has
// run, simulating cancellation arriving mid-run rather than before Run is
// ever called.
type cancelAfterRunner struct {
	inner   GateRunner
	trigger string
	cancel  context.CancelFunc
	once    sync.Once
}

func (r *cancelAfterRunner) Run(ctx context.Context, item string, gate types.Gate, timeout time.Duration) (types.GateResult, error) {
	result, err := r.inner.Run(ctx, item, gate, timeout)
	if item == r.trigger {
		r.once.Do(r.cancel)
	}
	return result, err
}

// A plan whose items resolve to every terminal status (pass, fail,
// blocked, skipped) must notify the sink exactly once per item, each with
// the item's actual terminal result.
func TestRun_EventSinkFiresExactlyOncePerItemWithMixedOutcomes(t *testing.T) {
	// Every item sits alone in its own level so the dispatch order is
	// fully determined by the level barrier, not by goroutine scheduling:
	// a passes, then b fails and triggers cancellation, then c (which
	// depends on b) resolves to blocked, then d is never dispatched.
	plan := types.Plan{
		Policy: types.Policy{RequiredGates: []string{"test"}},
		Items: []types.PlanItem{
			{Name: "a", Gates: []types.Gate{{Name: "test"}}},
			{Name: "b", Gates: []types.Gate{{Name: "test"}}},
			{Name: "c", Deps: []string{"b"}, Gates: []types.Gate{{Name: "test"}}},
			{Name: "d", Gates: []types.Gate{{Name: "test"}}},
		},
	}
	levels := [][]string{{"a"}, {"b"}, {"c"}, {"d"}}
	st := state.New(plan, levels)

	runner := newFakeRunner()
	runner.on("a", "test", scriptedCall{result: types.GateResult{Gate: "test", Status: types.GateStatusPass}})
	runner.on("b", "test", scriptedCall{result: types.GateResult{Gate: "test", Status: types.GateStatusFail, ExitCode: 1}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wrapped := &cancelAfterRunner{inner: runner, trigger: "b", cancel: cancel}

	sink := newFakeSink()
	s := New(wrapped, st, time.Second, nil)
	s.Sink = sink

	err := s.Run(ctx, plan, levels, 4)
	require.NoError(t, err)

	a, _ := st.Get("a")
	b, _ := st.Get("b")
	c, _ := st.Get("c")
	d, _ := st.Get("d")
	assert.Equal(t, types.NodeStatusPass, a.Status)
	assert.Equal(t, types.NodeStatusFail, b.Status)
	assert.Equal(t, types.NodeStatusBlocked, c.Status)
	assert.Equal(t, []string{"b"}, c.BlockedBy)
	assert.Equal(t, types.NodeStatusSkipped, d.Status)

	for _, item := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 1, sink.count(item), "item %q must be notified exactly once", item)
	}
	assert.Equal(t, types.NodeStatusPass, sink.results["a"].Status)
	assert.Equal(t, types.NodeStatusFail, sink.results["b"].Status)
	assert.Equal(t, types.NodeStatusBlocked, sink.results["c"].Status)
	assert.Equal(t, types.NodeStatusSkipped, sink.results["d"].Status)
}

func TestRun_MaxWorkersLimitsConcurrencyWithinLevel(t *testing.T) {
	plan := types.Plan{
		Policy: types.Policy{RequiredGates: []string{"test"}},
		Items: []types.PlanItem{
			{Name: "a", Gates: []types.Gate{{Name: "test"}}},
			{Name: "b", Gates: []types.Gate{{Name: "test"}}},
			{Name: "c", Gates: []types.Gate{{Name: "test"}}},
		},
	}
	levels := [][]string{{"a", "b", "c"}}
	st := state.New(plan, levels)
	runner := newFakeRunner()
	for _, item := range []string{"a", "b", "c"} {
		runner.on(item, "test", scriptedCall{result: types.GateResult{Gate: "test", Status: types.GateStatusPass}, sleep: 15 * time.Millisecond})
	}

	s := New(runner, st, time.Second, nil)
	err := s.Run(context.Background(), plan, levels, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), runner.maxConcurrency(), "maxWorkers=1 must serialize dispatch within a level")
}

// blockUntilCancelledRunner models a real subprocess torn down by
// cancellation: Run parks until ctx is done and surfaces the cancellation
// instead of a gate result.
type blockUntilCancelledRunner struct{}

func (blockUntilCancelledRunner) Run(ctx context.Context, _ string, _ types.Gate, _ time.Duration) (types.GateResult, error) {
	<-ctx.Done()
	return types.GateResult{}, ctx.Err()
}

func TestRun_CancellationMidGateMarksInFlightItemSkipped(t *testing.T) {
	plan := simplePlan()
	levels := [][]string{{"base"}, {"dependent"}}
	st := state.New(plan, levels)

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()

	s := New(blockUntilCancelledRunner{}, st, time.Minute, nil)
	err := s.Run(ctx, plan, levels, 4)
	require.NoError(t, err)

	base, _ := st.Get("base")
	dep, _ := st.Get("dependent")
	assert.Equal(t, types.NodeStatusSkipped, base.Status, "an item whose gate was torn down must end skipped, not failed")
	assert.Equal(t, types.NodeStatusSkipped, dep.Status)
}
