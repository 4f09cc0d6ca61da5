package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-project/veritas/plan"
)

// setupTestRedis creates a miniredis instance for RedisStore testing,
// following the teacher's setupCheckpointTestRedis helper pattern.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func testPlan(id string) *plan.Plan {
	return &plan.Plan{
		PlanID:    id,
		Status:    plan.StatusRunning,
		CreatedAt: time.Now(),
		Steps: []*plan.Step{
			{StepID: "s1", PlanID: id, Status: plan.StepPending},
		},
	}
}

func TestRedisStore_CreateAndGetPlan(t *testing.T) {
	store := NewRedisStoreFromClient(setupTestRedis(t))
	p := testPlan("p1")

	require.NoError(t, store.CreatePlan(context.Background(), p, BestEffort))

	got, err := store.GetPlan(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.PlanID)
	assert.Equal(t, plan.StatusRunning, got.Status)
}

func TestRedisStore_GetPlan_NotFound(t *testing.T) {
	store := NewRedisStoreFromClient(setupTestRedis(t))
	_, err := store.GetPlan(context.Background(), "missing")
	assert.Error(t, err)
}

func TestRedisStore_AppendStepResultUpdatesPlanProgress(t *testing.T) {
	store := NewRedisStoreFromClient(setupTestRedis(t))
	p := testPlan("p2")
	require.NoError(t, store.CreatePlan(context.Background(), p, BestEffort))
	require.NoError(t, store.CreateStep(context.Background(), p.Steps[0], BestEffort))

	err := store.AppendStepResult(context.Background(), "p2", plan.StepResult{
		PlanID: "p2", StepID: "s1", Confidence: 0.9, Quality: 0.9,
	}, BestEffort)
	require.NoError(t, err)

	got, err := store.GetPlan(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, 0, got.CompletedSteps, "AppendStepResult attaches the result but doesn't itself flip step status to completed")
}

func TestRedisStore_ListPlans_FiltersByStatus(t *testing.T) {
	store := NewRedisStoreFromClient(setupTestRedis(t))
	running := testPlan("p3")
	done := testPlan("p4")
	done.Status = plan.StatusCompleted
	require.NoError(t, store.CreatePlan(context.Background(), running, BestEffort))
	require.NoError(t, store.CreatePlan(context.Background(), done, BestEffort))

	got, err := store.ListPlans(context.Background(), ListFilter{Status: plan.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p4", got[0].PlanID)
}

func TestRedisStore_AppendLog(t *testing.T) {
	store := NewRedisStoreFromClient(setupTestRedis(t))
	err := store.AppendLog(context.Background(), plan.ExecutionLogEntry{
		PlanID: "p5", EventType: plan.LogStepStarted, Timestamp: time.Now(),
	})
	require.NoError(t, err)
}
