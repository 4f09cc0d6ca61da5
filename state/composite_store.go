package state

import (
	"context"
	"sync/atomic"

	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/plan"
)

// CompositeStore routes every call to the primary store, falling back to
// a JSON file store when the primary is unreachable, per spec.md §4.10.
// Clients depend only on the Store interface and never learn which
// backend actually served a call.
type CompositeStore struct {
	primary  Store
	fallback *FallbackStore
	logger   core.Logger

	degraded atomic.Bool
}

// NewCompositeStore builds a CompositeStore.
func NewCompositeStore(primary Store, fallback *FallbackStore, logger core.Logger) *CompositeStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("pipeline/state")
	}
	return &CompositeStore{primary: primary, fallback: fallback, logger: logger}
}

// Degraded reports whether the last operation fell back to the JSON
// store, exposed for health checks / metrics.
func (c *CompositeStore) Degraded() bool { return c.degraded.Load() }

func (c *CompositeStore) markDegraded(err error) {
	c.degraded.Store(true)
	c.logger.Warn("state store primary unreachable, using fallback", map[string]interface{}{"error": err.Error()})
}

func (c *CompositeStore) markHealthy() { c.degraded.Store(false) }

func (c *CompositeStore) CreatePlan(ctx context.Context, p *plan.Plan, hint ConsistencyHint) error {
	if err := c.primary.CreatePlan(ctx, p, hint); err != nil {
		c.markDegraded(err)
		return c.fallback.CreatePlan(ctx, p, hint)
	}
	c.markHealthy()
	return c.fallback.CreatePlan(ctx, p, BestEffort) // mirror into fallback so replay state stays current
}

func (c *CompositeStore) GetPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	p, err := c.primary.GetPlan(ctx, planID)
	if err == nil {
		c.markHealthy()
		return p, nil
	}
	if core.ErrorKindOf(err) == core.KindInput {
		return nil, err // genuinely not found, not an outage
	}
	c.markDegraded(err)
	return c.fallback.GetPlan(ctx, planID)
}

func (c *CompositeStore) UpdatePlan(ctx context.Context, p *plan.Plan, hint ConsistencyHint) error {
	if err := c.primary.UpdatePlan(ctx, p, hint); err != nil {
		c.markDegraded(err)
		return c.fallback.UpdatePlan(ctx, p, hint)
	}
	c.markHealthy()
	return c.fallback.UpdatePlan(ctx, p, BestEffort)
}

func (c *CompositeStore) ListPlans(ctx context.Context, f ListFilter) ([]*plan.Plan, error) {
	plans, err := c.primary.ListPlans(ctx, f)
	if err != nil {
		c.markDegraded(err)
		return c.fallback.ListPlans(ctx, f)
	}
	c.markHealthy()
	return plans, nil
}

func (c *CompositeStore) CreateStep(ctx context.Context, st *plan.Step, hint ConsistencyHint) error {
	if err := c.primary.CreateStep(ctx, st, hint); err != nil {
		c.markDegraded(err)
		return c.fallback.CreateStep(ctx, st, hint)
	}
	c.markHealthy()
	return c.fallback.CreateStep(ctx, st, BestEffort)
}

func (c *CompositeStore) UpdateStep(ctx context.Context, st *plan.Step, hint ConsistencyHint) error {
	if err := c.primary.UpdateStep(ctx, st, hint); err != nil {
		c.markDegraded(err)
		return c.fallback.UpdateStep(ctx, st, hint)
	}
	c.markHealthy()
	return c.fallback.UpdateStep(ctx, st, BestEffort)
}

func (c *CompositeStore) AppendStepResult(ctx context.Context, planID string, r plan.StepResult, hint ConsistencyHint) error {
	if err := c.primary.AppendStepResult(ctx, planID, r, hint); err != nil {
		c.markDegraded(err)
		return c.fallback.AppendStepResult(ctx, planID, r, hint)
	}
	c.markHealthy()
	return c.fallback.AppendStepResult(ctx, planID, r, BestEffort)
}

func (c *CompositeStore) AppendLog(ctx context.Context, entry plan.ExecutionLogEntry) error {
	if err := c.primary.AppendLog(ctx, entry); err != nil {
		c.markDegraded(err)
		return c.fallback.AppendLog(ctx, entry)
	}
	c.markHealthy()
	return c.fallback.AppendLog(ctx, entry)
}

// ReplayFallback pushes any fallback-accumulated records into the
// primary, called once connectivity is confirmed restored.
func (c *CompositeStore) ReplayFallback(ctx context.Context) error {
	return c.fallback.Replay(ctx, c.primary)
}

var _ Store = (*CompositeStore)(nil)
