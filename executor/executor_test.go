package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/plan"
)

func newPlan(steps ...*plan.Step) *plan.Plan {
	return &plan.Plan{PlanID: "p1", Status: plan.StatusPending, Steps: steps}
}

func TestExecute_RejectsCyclicPlan(t *testing.T) {
	e := New(DefaultConfig())
	p := newPlan(step("a", "b"), step("b", "a"))
	err := e.Execute(context.Background(), p, func(ctx context.Context, p *plan.Plan, s *plan.Step) (plan.StepResult, error) {
		return plan.StepResult{}, nil
	})
	require.Error(t, err)
	assert.Equal(t, plan.StatusFailed, p.Status)
}

func TestExecute_RunsParallelGroupConcurrently(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerPoolSize = 4
	e := New(cfg)

	a := step("a")
	b := step("b", "a")
	b.ParallelGroup = "g1"
	c := step("c", "a")
	c.ParallelGroup = "g1"
	p := newPlan(a, b, c)

	var mu sync.Mutex
	var concurrent, maxConcurrent int

	run := func(ctx context.Context, p *plan.Plan, s *plan.Step) (plan.StepResult, error) {
		if s.StepID == "a" {
			return plan.StepResult{Confidence: 1}, nil
		}
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		concurrent--
		mu.Unlock()
		return plan.StepResult{Confidence: 1}, nil
	}

	err := e.Execute(context.Background(), p, run)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, p.Status)
	assert.Equal(t, 2, maxConcurrent, "b and c share a parallel_group and must overlap")
}

func TestExecute_RetriesTransientFailureThenSucceeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.BackoffBase = time.Millisecond
	e := New(cfg)

	a := step("a")
	p := newPlan(a)

	var attempts int32
	run := func(ctx context.Context, p *plan.Plan, s *plan.Step) (plan.StepResult, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return plan.StepResult{}, core.NewPipelineError("test", core.KindResourceUnavailable, fmt.Errorf("transient")).WithRetryable(true)
		}
		return plan.StepResult{Confidence: 0.9}, nil
	}

	err := e.Execute(context.Background(), p, run)
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts)
	assert.Equal(t, plan.StepCompleted, a.Status)
}

func TestExecute_NonRetryableFailureSkipsDescendants(t *testing.T) {
	e := New(DefaultConfig())
	a := step("a")
	b := step("b", "a")
	c := step("c") // independent
	p := newPlan(a, b, c)

	run := func(ctx context.Context, p *plan.Plan, s *plan.Step) (plan.StepResult, error) {
		if s.StepID == "a" {
			return plan.StepResult{}, core.NewPipelineError("test", core.KindInput, fmt.Errorf("bad input")).WithRetryable(false)
		}
		return plan.StepResult{Confidence: 1}, nil
	}

	err := e.Execute(context.Background(), p, run)
	assert.Error(t, err)
	assert.Equal(t, plan.StepFailed, a.Status)
	assert.Equal(t, plan.StepSkipped, b.Status)
	assert.Equal(t, plan.StepCompleted, c.Status)
}

func TestExecute_CancellationWithinGracePeriod(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GracePeriod = 20 * time.Millisecond
	e := New(cfg)

	a := step("a")
	p := newPlan(a)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	run := func(ctx context.Context, p *plan.Plan, s *plan.Step) (plan.StepResult, error) {
		close(started)
		<-ctx.Done()
		return plan.StepResult{}, ctx.Err()
	}

	done := make(chan error, 1)
	go func() { done <- e.Execute(ctx, p, run) }()

	<-started
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
		assert.Equal(t, plan.StatusCancelled, p.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after cancellation")
	}
}

type recordingPersister struct {
	mu    sync.Mutex
	saves int
}

func (r *recordingPersister) SaveState(ctx context.Context, p *plan.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
}

func TestExecute_PersistsStateOnEveryTransition(t *testing.T) {
	persister := &recordingPersister{}
	e := New(DefaultConfig(), WithPersister(persister))
	p := newPlan(step("a"))

	err := e.Execute(context.Background(), p, func(ctx context.Context, p *plan.Plan, s *plan.Step) (plan.StepResult, error) {
		return plan.StepResult{Confidence: 1}, nil
	})
	require.NoError(t, err)

	persister.mu.Lock()
	defer persister.mu.Unlock()
	assert.Greater(t, persister.saves, 0)
}
