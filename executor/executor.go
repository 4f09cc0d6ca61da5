package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/plan"
	"github.com/veritas-project/veritas/telemetry"
)

// StepFunc runs one step's work and returns its result. Implementations
// reach the agent registry, retriever and LLM through whatever closures
// the caller bound in — never through a package-level global, per
// spec.md §4.6.
type StepFunc func(ctx context.Context, p *plan.Plan, step *plan.Step) (plan.StepResult, error)

// Persister receives a best-effort save_state(plan) call after every
// transition, per spec.md §4.5's persistence hook. The executor does not
// assume the call is acknowledged — SaveState running asynchronously (or
// erroring) never blocks or fails the step loop.
type Persister interface {
	SaveState(ctx context.Context, p *plan.Plan)
}

// ProgressSink receives a progress notification after every terminal
// step transition, implementing the C9 Streaming Channel's "status"
// event source without the executor importing the streaming package
// directly (it depends only on this narrow interface).
type ProgressSink interface {
	Publish(planID string, event ProgressEvent)
}

// ProgressEvent is emitted once per terminal step transition.
type ProgressEvent struct {
	PlanID     string
	StepID     string
	StepStatus plan.StepStatus
	Progress   float64
}

// RetryPolicy configures per-step transient-failure retries, per
// spec.md §6's "Retry policy per step" knobs.
type RetryPolicy struct {
	MaxAttempts int           // VERITAS_MAX_ATTEMPTS, default 3
	BackoffBase time.Duration // VERITAS_BACKOFF_BASE_MS, default 200ms
	BackoffFactor float64     // VERITAS_BACKOFF_FACTOR, default 2.0
}

// DefaultRetryPolicy matches spec.md §6's documented defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffBase: 200 * time.Millisecond, BackoffFactor: 2}
}

// Config tunes the executor's concurrency and timing knobs.
type Config struct {
	WorkerPoolSize int           // VERITAS_WORKER_POOL_SIZE, default 5
	GracePeriod    time.Duration // VERITAS_GRACE_PERIOD_MS, default 2s
	Retry          RetryPolicy
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{WorkerPoolSize: 5, GracePeriod: 2 * time.Second, Retry: DefaultRetryPolicy()}
}

// Executor is the per-request C5 Step Executor. Unlike the shared,
// process-wide resources (C1-C4, C7, C8, C10), an Executor is owned
// exclusively by one Pipeline instance and is torn down with it, per
// spec.md §3's Lifecycle/Ownership rules.
type Executor struct {
	cfg Config

	logger    core.Logger
	telemetry core.Telemetry
	persister Persister
	progress  ProgressSink

	mu      sync.Mutex // serialises status transitions of the plan this executor owns
	paused  bool
	resumeC chan struct{}
}

// Option configures an Executor at construction.
type Option func(*Executor)

func WithLogger(l core.Logger) Option         { return func(e *Executor) { e.logger = l } }
func WithTelemetry(t core.Telemetry) Option   { return func(e *Executor) { e.telemetry = t } }
func WithPersister(p Persister) Option        { return func(e *Executor) { e.persister = p } }
func WithProgressSink(s ProgressSink) Option  { return func(e *Executor) { e.progress = s } }

// New builds a request-scoped Executor.
func New(cfg Config, opts ...Option) *Executor {
	e := &Executor{cfg: cfg, logger: &core.NoOpLogger{}, telemetry: &core.NoOpTelemetry{}, resumeC: make(chan struct{})}
	for _, o := range opts {
		o(e)
	}
	if cal, ok := e.logger.(core.ComponentAwareLogger); ok {
		e.logger = cal.WithComponent("pipeline/executor")
	}
	return e
}

// Pause stops the executor from launching new steps; steps already
// running are allowed to finish, per spec.md §4.5.
func (e *Executor) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	e.resumeC = make(chan struct{})
}

// Resume re-enters the scheduling loop.
func (e *Executor) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		e.paused = false
		close(e.resumeC)
	}
}

func (e *Executor) waitIfPaused(ctx context.Context) error {
	e.mu.Lock()
	paused := e.paused
	resumeC := e.resumeC
	e.mu.Unlock()
	if !paused {
		return nil
	}
	select {
	case <-resumeC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) transition(p *plan.Plan, mutate func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mutate()
	p.RecomputeProgress()
	p.UpdatedAt = time.Now()
	if e.persister != nil {
		e.persister.SaveState(context.Background(), p)
	}
}

func (e *Executor) emitProgress(p *plan.Plan, s *plan.Step) {
	if e.progress == nil {
		return
	}
	e.progress.Publish(p.PlanID, ProgressEvent{PlanID: p.PlanID, StepID: s.StepID, StepStatus: s.Status, Progress: p.ProgressPercentage})
}

// Execute implements spec.md §4.5's execute(plan, step_executors,
// cancellation_token) contract. It validates the DAG, then loops:
// collecting ready steps, partitioning into parallel groups vs
// sequential, launching parallel groups concurrently and sequential
// steps one at a time, both under the bounded worker pool, until every
// step reaches a terminal status or the plan itself fails/cancels.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan, run StepFunc) error {
	ctx, span := e.telemetry.StartSpan(ctx, "executor.Execute")
	defer span.End()
	span.SetAttribute("plan_id", p.PlanID)

	if err := validate(p); err != nil {
		span.RecordError(err)
		e.transition(p, func() { p.Status = plan.StatusFailed })
		return err
	}
	d := buildDAG(p)
	e.transition(p, func() { p.Status = plan.StatusRunning })

	for {
		if err := e.waitIfPaused(ctx); err != nil {
			e.transition(p, func() { p.Status = plan.StatusCancelled })
			return core.NewPipelineError("executor.Execute", core.KindCancelled, err).WithID(p.PlanID)
		}
		select {
		case <-ctx.Done():
			e.cancelRunningAndMark(p)
			return core.NewPipelineError("executor.Execute", core.KindCancelled, ctx.Err()).WithID(p.PlanID)
		default:
		}

		groups, sequential := readyPending(d, p)
		if len(groups) == 0 && len(sequential) == 0 {
			if allTerminal(p) {
				break
			}
			// Nothing ready yet but steps remain pending: either they are
			// skipped descendants of a failure (handled below) or we are
			// waiting on in-flight steps from a previous iteration — this
			// branch is only reached on the first pass when nothing is
			// ready at all, which means a dependency never completes.
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.WorkerPoolSize)

		launch := func(s *plan.Step) {
			s2 := s
			g.Go(func() error {
				e.runStep(gctx, p, s2, run)
				return nil
			})
		}

		for _, groupSteps := range groups {
			for _, s := range groupSteps {
				launch(s)
			}
		}
		for _, s := range sequential {
			launch(s)
			_ = g.Wait() // sequential steps run one at a time, not concurrently with each other
			g, gctx = errgroup.WithContext(ctx)
			g.SetLimit(e.cfg.WorkerPoolSize)
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			e.cancelRunningAndMark(p)
			return core.NewPipelineError("executor.Execute", core.KindCancelled, ctx.Err()).WithID(p.PlanID)
		}

		failedIDs := failedStepIDs(p)
		if len(failedIDs) > 0 {
			e.skipDescendants(p, failedIDs)
			if allPendingAreDescendantsOfFailure(p, failedIDs) && !hasRunnable(d, p) {
				e.transition(p, func() { p.Status = plan.StatusFailed })
				return core.NewPipelineError("executor.Execute", core.KindInternal, errFirstStepError(p)).WithID(p.PlanID)
			}
		}
	}

	if allCompleted(p) {
		e.transition(p, func() { p.Status = plan.StatusCompleted })
		e.telemetry.RecordMetric(telemetry.MetricPlanCompleted, 1, nil)
	}
	return nil
}

func hasRunnable(d *dag, p *plan.Plan) bool {
	groups, sequential := readyPending(d, p)
	return len(groups) > 0 || len(sequential) > 0
}

func errFirstStepError(p *plan.Plan) error {
	for _, s := range p.Steps {
		if s.Status == plan.StepFailed {
			return fmt.Errorf("step %s failed: %s", s.StepID, s.Error)
		}
	}
	return core.ErrDependencyNotMet
}

func allTerminal(p *plan.Plan) bool {
	for _, s := range p.Steps {
		if s.Status == plan.StepPending || s.Status == plan.StepRunning {
			return false
		}
	}
	return true
}

func allCompleted(p *plan.Plan) bool {
	for _, s := range p.Steps {
		if s.Status != plan.StepCompleted {
			return false
		}
	}
	return true
}

func failedStepIDs(p *plan.Plan) map[string]bool {
	out := map[string]bool{}
	for _, s := range p.Steps {
		if s.Status == plan.StepFailed {
			out[s.StepID] = true
		}
	}
	return out
}

func (e *Executor) skipDescendants(p *plan.Plan, failedIDs map[string]bool) {
	descendants := map[string]bool{}
	for id := range failedIDs {
		for d := range descendantsOf(p, id) {
			descendants[d] = true
		}
	}
	for _, s := range p.Steps {
		if descendants[s.StepID] && s.Status == plan.StepPending {
			e.transition(p, func() { s.Status = plan.StepSkipped })
			e.emitProgress(p, s)
		}
	}
}

func (e *Executor) cancelRunningAndMark(p *plan.Plan) {
	grace := time.NewTimer(e.cfg.GracePeriod)
	defer grace.Stop()
	<-grace.C
	e.transition(p, func() {
		for _, s := range p.Steps {
			if s.Status == plan.StepRunning {
				s.Status = plan.StepFailed
				s.Error = "cancelled"
			}
		}
		p.Status = plan.StatusCancelled
	})
}

// runStep executes one step with retry-on-transient-failure, updating
// its status, timestamps, result and execution time before returning.
func (e *Executor) runStep(ctx context.Context, p *plan.Plan, s *plan.Step, run StepFunc) {
	e.transition(p, func() {
		s.Status = plan.StepRunning
		now := time.Now()
		s.StartedAt = &now
	})

	start := time.Now()
	result, attempts, err := e.runWithRetry(ctx, p, s, run)
	elapsed := time.Since(start)

	stepLabels := map[string]string{"step_kind": string(s.Type)}
	e.telemetry.RecordMetric(telemetry.MetricStepDuration, float64(elapsed.Milliseconds()), stepLabels)
	if attempts > 1 {
		e.telemetry.RecordMetric(telemetry.MetricStepRetries, float64(attempts-1), stepLabels)
	}

	e.transition(p, func() {
		now := time.Now()
		s.CompletedAt = &now
		s.ExecutionMS = elapsed.Milliseconds()
		if err != nil {
			s.Status = plan.StepFailed
			s.Error = err.Error()
			return
		}
		s.Status = plan.StepCompleted
		s.Result = &result
		s.Confidence = result.Confidence
		s.QualityScore = result.Quality
	})
	if err != nil {
		e.telemetry.RecordMetric(telemetry.MetricStepFailures, 1, stepLabels)
	}
	e.emitProgress(p, s)
}

func (e *Executor) runWithRetry(ctx context.Context, p *plan.Plan, s *plan.Step, run StepFunc) (plan.StepResult, int, error) {
	maxAttempts := e.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.Retry.BackoffBase
	b.Multiplier = e.cfg.Retry.BackoffFactor

	attempts := 0
	operation := func() (plan.StepResult, error) {
		attempts++
		result, err := run(ctx, p, s)
		if err != nil && !core.IsPipelineRetryable(err) {
			return plan.StepResult{}, backoff.Permanent(err)
		}
		return result, err
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	return result, attempts, err
}
