// Package state implements the State Store (C10): create/get/update/list
// for plans and steps, an append-only execution log, a typed Redis
// primary backend, and a JSON file-based fallback used when the primary
// is unreachable. Grounded on the teacher's
// orchestration/redis_execution_store.go (Redis client construction,
// gzip-above-threshold payload handling) and redis_registry.go (key
// layout conventions), with the fallback path adapted from
// core/redis_client.go's circuit-breaker-guarded degrade-to-local
// pattern.
package state

import (
	"context"

	"github.com/veritas-project/veritas/plan"
)

// ConsistencyHint tells the store how durably a write must land before
// it may return, per spec.md §4.10.
type ConsistencyHint string

const (
	BestEffort  ConsistencyHint = "best_effort"
	MustPersist ConsistencyHint = "must_persist"
)

// ListFilter narrows list_plans(filters) results.
type ListFilter struct {
	Status    plan.Status
	SessionID string
	Limit     int
}

// Store is the C10 contract every caller depends on; callers never know
// which backend (Redis or the JSON fallback) served a given call.
type Store interface {
	CreatePlan(ctx context.Context, p *plan.Plan, hint ConsistencyHint) error
	GetPlan(ctx context.Context, planID string) (*plan.Plan, error)
	UpdatePlan(ctx context.Context, p *plan.Plan, hint ConsistencyHint) error
	ListPlans(ctx context.Context, f ListFilter) ([]*plan.Plan, error)
	CreateStep(ctx context.Context, s *plan.Step, hint ConsistencyHint) error
	UpdateStep(ctx context.Context, s *plan.Step, hint ConsistencyHint) error
	AppendStepResult(ctx context.Context, planID string, r plan.StepResult, hint ConsistencyHint) error
	AppendLog(ctx context.Context, entry plan.ExecutionLogEntry) error
}
