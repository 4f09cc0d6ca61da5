package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/plan"
)

func TestFallbackStore_WriteThenReadAfterWrite(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFallbackStore(dir, &core.NoOpLogger{})
	require.NoError(t, err)
	defer store.Close()

	p := testPlan("fb1")
	require.NoError(t, store.CreatePlan(context.Background(), p, BestEffort))

	got, err := store.GetPlan(context.Background(), "fb1")
	require.NoError(t, err)
	assert.Equal(t, "fb1", got.PlanID)
}

func TestFallbackStore_RebuildsIndexFromLogOnReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFallbackStore(dir, &core.NoOpLogger{})
	require.NoError(t, err)
	require.NoError(t, store.CreatePlan(context.Background(), testPlan("fb2"), BestEffort))
	require.NoError(t, store.Close())

	reopened, err := NewFallbackStore(dir, &core.NoOpLogger{})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetPlan(context.Background(), "fb2")
	require.NoError(t, err)
	assert.Equal(t, "fb2", got.PlanID)
}

func TestFallbackStore_ReplayIntoPrimary(t *testing.T) {
	dir := t.TempDir()
	fallback, err := NewFallbackStore(dir, &core.NoOpLogger{})
	require.NoError(t, err)
	defer fallback.Close()

	require.NoError(t, fallback.CreatePlan(context.Background(), testPlan("fb3"), BestEffort))
	require.NoError(t, fallback.AppendLog(context.Background(), plan.ExecutionLogEntry{
		PlanID: "fb3", EventType: plan.LogPlanTransition, Timestamp: time.Now(),
	}))

	primary := NewRedisStoreFromClient(setupTestRedis(t))
	require.NoError(t, fallback.Replay(context.Background(), primary))

	got, err := primary.GetPlan(context.Background(), "fb3")
	require.NoError(t, err)
	assert.Equal(t, "fb3", got.PlanID)
}

func TestCompositeStore_FallsBackWhenPrimaryUnreachable(t *testing.T) {
	dir := t.TempDir()
	fallback, err := NewFallbackStore(dir, &core.NoOpLogger{})
	require.NoError(t, err)
	defer fallback.Close()

	dead := NewRedisStoreFromClient(newDeadRedisClient())
	composite := NewCompositeStore(dead, fallback, &core.NoOpLogger{})

	p := testPlan("fb4")
	require.NoError(t, composite.CreatePlan(context.Background(), p, BestEffort))
	assert.True(t, composite.Degraded())

	got, err := composite.GetPlan(context.Background(), "fb4")
	require.NoError(t, err)
	assert.Equal(t, "fb4", got.PlanID)
}
