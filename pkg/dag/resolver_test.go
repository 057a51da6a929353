package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/pkg/types"
)

func item(name string, deps ...string) types.PlanItem {
	return types.PlanItem{Name: name, Deps: deps}
}

func TestLevels_Empty(t *testing.T) {
	levels, err := NewResolver().Levels(nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{}, levels)
}

func TestLevels_LinearChain(t *testing.T) {
	items := []types.PlanItem{
		item("A"),
		item("B", "A"),
		item("C", "B"),
	}
	levels, err := NewResolver().Levels(items)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A"}, {"B"}, {"C"}}, levels)
}

func TestLevels_Diamond(t *testing.T) {
	items := []types.PlanItem{
		item("base"),
		item("left", "base"),
		item("right", "base"),
		item("top", "left", "right"),
	}
	levels, err := NewResolver().Levels(items)
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"base"}, levels[0])
	assert.Equal(t, []string{"left", "right"}, levels[1])
	assert.Equal(t, []string{"top"}, levels[2])
}

func TestLevels_SingleItemNoDeps(t *testing.T) {
	levels, err := NewResolver().Levels([]types.PlanItem{item("solo")})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"solo"}}, levels)
}

func TestLevels_SelfLoopIsCycle(t *testing.T) {
	_, err := NewResolver().Levels([]types.PlanItem{item("A", "A")})
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"A"}, cycleErr.Names)
}

func TestLevels_TwoCycle(t *testing.T) {
	items := []types.PlanItem{item("A", "B"), item("B", "A")}
	_, err := NewResolver().Levels(items)
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []string{"A", "B"}, cycleErr.Names)
}

func TestLevels_UnknownDependency(t *testing.T) {
	items := []types.PlanItem{item("A", "ghost")}
	_, err := NewResolver().Levels(items)
	require.Error(t, err)
	var unkErr *UnknownDependencyError
	require.ErrorAs(t, err, &unkErr)
	assert.Equal(t, []MissingDep{{Item: "A", Dep: "ghost"}}, unkErr.Missing)
}

func TestLevels_EveryItemCoveredOnce(t *testing.T) {
	items := []types.PlanItem{
		item("A"), item("B", "A"), item("C", "A"), item("D", "B", "C"),
	}
	levels, err := NewResolver().Levels(items)
	require.NoError(t, err)

	seen := map[string]int{}
	for lvl, names := range levels {
		for _, n := range names {
			seen[n] = lvl
		}
	}
	assert.Len(t, seen, len(items))
	for _, it := range items {
		for _, dep := range it.Deps {
			assert.Less(t, seen[dep], seen[it.Name], "dep %s must be in an earlier level than %s", dep, it.Name)
		}
	}
}
