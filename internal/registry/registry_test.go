package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectias/pluginhost/internal/domain/plugin"
)

func mustInfo(id string, deps ...string) plugin.Info {
	depIDs := make([]plugin.ID, 0, len(deps))
	for _, d := range deps {
		depIDs = append(depIDs, plugin.ID(d))
	}
	return plugin.Info{
		ID:             plugin.ID(id),
		Name:           id,
		Version:        "1.0.0",
		MinCoreVersion: "1.0.0",
		EntryPoint:     "main.wasm",
		Dependencies:   depIDs,
	}
}

func TestRegister_RejectsDuplicate(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(mustInfo("a"), "/a.zip"))
	err := r.Register(mustInfo("a"), "/a.zip")
	require.Error(t, err)
}

func TestTransition_EnforcesLifecycle(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(mustInfo("a"), "/a.zip"))

	require.NoError(t, r.Transition("a", plugin.StateLoaded))
	require.Error(t, r.Transition("a", plugin.StateInstalled))
	require.NoError(t, r.Transition("a", plugin.StateRunning))
}

func TestResolve_MissingDependency(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(mustInfo("a", "b"), "/a.zip"))

	res := r.Resolve("a")
	assert.False(t, res.Resolvable)
	assert.Contains(t, res.Missing, plugin.ID("b"))
}

func TestResolve_CircularDependency(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(mustInfo("a", "b"), "/a.zip"))
	require.NoError(t, r.Register(mustInfo("b", "a"), "/b.zip"))

	res := r.Resolve("a")
	assert.False(t, res.Resolvable)
	assert.NotEmpty(t, res.Circular)
}

func TestResolve_LoadOrderIsDependenciesFirst(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(mustInfo("c"), "/c.zip"))
	require.NoError(t, r.Register(mustInfo("b", "c"), "/b.zip"))
	require.NoError(t, r.Register(mustInfo("a", "b"), "/a.zip"))

	res := r.Resolve("a")
	require.True(t, res.Resolvable)

	pos := make(map[plugin.ID]int)
	for i, id := range res.LoadOrder {
		pos[id] = i
	}
	assert.Less(t, pos[plugin.ID("c")], pos[plugin.ID("b")])
	assert.Less(t, pos[plugin.ID("b")], pos[plugin.ID("a")])
}

func TestUpdatePerformance_ComputesRollingMetrics(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(mustInfo("a"), "/a.zip"))

	require.NoError(t, r.UpdatePerformance("a", 10*time.Millisecond, false))
	require.NoError(t, r.UpdatePerformance("a", 20*time.Millisecond, true))

	entry, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Performance.ExecutionCount)
	assert.Equal(t, int64(1), entry.Performance.ErrorCount)
	assert.Equal(t, 0.5, entry.Performance.SuccessRate)
}

func TestStats_AggregatesByState(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(mustInfo("a"), "/a.zip"))
	require.NoError(t, r.Register(mustInfo("b"), "/b.zip"))
	require.NoError(t, r.Transition("a", plugin.StateLoaded))

	stats := r.Stats()
	assert.Equal(t, 1, stats.TotalByState[plugin.StateLoaded])
	assert.Equal(t, 1, stats.TotalByState[plugin.StateInstalled])
}
