// Package resilience implements the per-backend circuit breaker that
// backs the Hybrid Retriever's (C3) "graceful degradation" contract
// (spec.md §4.3 step 6): a vector/sparse/graph backend that starts
// erroring is tripped out of the fan-out instead of dragging every
// retrieval down with it. One breaker is keyed directly to a
// plan.EvidenceSource rather than an arbitrary name, so a breaker can
// only ever guard one of the three retrieval backends the hybrid
// retriever actually has, and its identity flows straight into logs,
// metrics, and the rejection error without a separate string handle.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/plan"
)

// CircuitState is one of the three states of the breaker state machine.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector records circuit breaker events; OTelMetricsCollector
// is the production implementation, noopMetrics the default.
type MetricsCollector interface {
	RecordSuccess(source string)
	RecordFailure(source string, errorType string)
	RecordStateChange(source string, from, to string)
	RecordRejection(source string)
}

type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(string)                  {}
func (n *noopMetrics) RecordFailure(string, string)          {}
func (n *noopMetrics) RecordStateChange(string, string, string) {}
func (n *noopMetrics) RecordRejection(string)                {}

// ErrorClassifier decides whether an error returned by a guarded call
// counts toward the breaker's error rate.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier only counts infrastructure failures — a
// malformed query or a missing document should not trip a backend
// breaker just because a caller asked for something that doesn't exist.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) || core.IsNotFound(err) || core.IsStateError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig configures one backend's breaker.
type CircuitBreakerConfig struct {
	// Source identifies which retrieval backend this breaker guards.
	Source plan.EvidenceSource

	// ErrorThreshold is the error rate (0.0-1.0) that trips the breaker open.
	ErrorThreshold float64
	// VolumeThreshold is the minimum request count before ErrorThreshold is evaluated.
	VolumeThreshold int
	// SleepWindow is how long the breaker stays open before probing again.
	SleepWindow time.Duration
	// HalfOpenRequests is how many probe calls are admitted while half-open.
	HalfOpenRequests int
	// SuccessThreshold is the half-open success rate required to close again.
	SuccessThreshold float64

	// WindowSize/BucketCount size the sliding window used to compute the error rate.
	WindowSize  time.Duration
	BucketCount int

	ErrorClassifier ErrorClassifier
	Logger          core.Logger
	Metrics         MetricsCollector
}

// DefaultConfig returns VERITAS's defaults for a backend breaker; the
// caller must still set Source. Values mirror the teacher's production
// defaults (50% error rate over a window of at least 10 calls, 30s
// before the first recovery probe).
func DefaultConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// Validate rejects a config that can't build a working breaker.
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return errors.New("circuit breaker config cannot be nil")
	}
	if c.Source == "" {
		return errors.New("circuit breaker source is required")
	}
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("error threshold must be in [0,1], got %f", c.ErrorThreshold)
	}
	if c.VolumeThreshold < 0 {
		return fmt.Errorf("volume threshold must be non-negative, got %d", c.VolumeThreshold)
	}
	if c.SuccessThreshold < 0 || c.SuccessThreshold > 1 {
		return fmt.Errorf("success threshold must be in [0,1], got %f", c.SuccessThreshold)
	}
	if c.HalfOpenRequests < 1 {
		return fmt.Errorf("half-open requests must be at least 1, got %d", c.HalfOpenRequests)
	}
	if c.SleepWindow < 0 {
		return fmt.Errorf("sleep window must be non-negative, got %v", c.SleepWindow)
	}
	if c.WindowSize < 0 {
		return fmt.Errorf("window size must be non-negative, got %v", c.WindowSize)
	}
	if c.BucketCount < 1 {
		return fmt.Errorf("bucket count must be at least 1, got %d", c.BucketCount)
	}
	return nil
}

// executionToken tracks one in-flight call so a half-open probe can be
// accounted for exactly once no matter how it completes.
type executionToken struct {
	id         uint64
	startTime  time.Time
	isHalfOpen bool
}

// CircuitBreaker guards one retrieval backend: once its error rate
// crosses the configured threshold over a minimum request volume,
// Execute rejects calls immediately with core.ErrCircuitBreakerOpen
// instead of letting a degraded backend stall the whole hybrid fan-out.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	state          atomic.Value // CircuitState
	stateChangedAt atomic.Value // time.Time
	generation     uint64

	window *SlidingWindow

	halfOpenTotal     atomic.Int32
	halfOpenSuccesses atomic.Int32
	halfOpenFailures  atomic.Int32
	halfOpenTokens    sync.Map // map[uint64]executionToken
	tokenCounter      atomic.Uint64

	forceOpen atomic.Bool

	mu sync.Mutex

	executionsInFlight atomic.Int32
	totalExecutions    atomic.Uint64
	rejectedExecutions atomic.Uint64
}

// NewCircuitBreaker builds a breaker for config.Source, applying
// defaults for any zero-valued tuning fields.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		return nil, errors.New("circuit breaker config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.WindowSize == 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount == 0 {
		config.BucketCount = 10
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 0.6
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 5
	}

	cb := &CircuitBreaker{
		config: config,
		window: NewSlidingWindow(config.WindowSize, config.BucketCount),
	}
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())

	config.Logger.Info("circuit breaker created", map[string]interface{}{
		"source":           string(config.Source),
		"error_threshold":  config.ErrorThreshold,
		"volume_threshold": config.VolumeThreshold,
	})
	return cb, nil
}

// SetLogger rebinds the breaker's logger, tagging it with the backend
// it guards so log lines from several breakers don't blur together.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		cb.config.Logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		cb.config.Logger = cal.WithComponent("pipeline/retrieval/" + string(cb.config.Source))
	} else {
		cb.config.Logger = logger
	}
}

// Execute runs fn under breaker protection with no timeout.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	return cb.ExecuteWithTimeout(ctx, 0, fn)
}

// ExecuteWithTimeout runs fn under breaker protection, optionally bounded
// by timeout. A panicking fn is converted into an error rather than
// propagating, so one misbehaving backend call can't take the whole
// retrieval fan-out down with it.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	token, allowed := cb.startExecution()
	if !allowed {
		cb.rejectedExecutions.Add(1)
		cb.config.Metrics.RecordRejection(string(cb.config.Source))
		return fmt.Errorf("circuit breaker for %s is open: %w", cb.config.Source, core.ErrCircuitBreakerOpen)
	}

	cb.executionsInFlight.Add(1)
	defer cb.executionsInFlight.Add(-1)
	cb.totalExecutions.Add(1)

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				cb.config.Logger.Error("circuit breaker caught panic", map[string]interface{}{
					"source": string(cb.config.Source),
					"panic":  fmt.Sprintf("%v", r),
				})
				done <- fmt.Errorf("panic in %s backend call: %v\n%s", cb.config.Source, r, stack)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		cb.completeExecution(token, err)
		return err
	case <-ctx.Done():
		// fn is still running; it will be accounted for once it finishes.
		go func() {
			<-done
			cb.completeExecution(token, ctx.Err())
		}()
		return ctx.Err()
	}
}

// startExecution decides whether a call may proceed, returning the
// token to later report the outcome through.
func (cb *CircuitBreaker) startExecution() (executionToken, bool) {
	if cb.forceOpen.Load() {
		return executionToken{}, false
	}

	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		return executionToken{id: cb.tokenCounter.Add(1), startTime: time.Now()}, true

	case StateOpen:
		stateChangedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(stateChangedAt) <= cb.config.SleepWindow {
			return executionToken{}, false
		}
		cb.mu.Lock()
		if cb.state.Load().(CircuitState) == StateOpen {
			cb.transitionToUnlocked(StateHalfOpen)
		}
		cb.mu.Unlock()
		return cb.startExecution()

	case StateHalfOpen:
		for {
			current := cb.halfOpenTotal.Load()
			if int(current) >= cb.config.HalfOpenRequests {
				return executionToken{}, false
			}
			if cb.halfOpenTotal.CompareAndSwap(current, current+1) {
				break
			}
		}
		token := executionToken{id: cb.tokenCounter.Add(1), startTime: time.Now(), isHalfOpen: true}
		cb.halfOpenTokens.Store(token.id, token)
		return token, true

	default:
		return executionToken{}, false
	}
}

// completeExecution records the outcome of a call started by startExecution.
func (cb *CircuitBreaker) completeExecution(token executionToken, err error) {
	if cb.forceOpen.Load() {
		return
	}
	if token.isHalfOpen {
		cb.halfOpenTokens.Delete(token.id)
	}

	if err == nil {
		cb.window.RecordSuccess()
		cb.config.Metrics.RecordSuccess(string(cb.config.Source))
		if token.isHalfOpen {
			cb.halfOpenSuccesses.Add(1)
		}
	} else if cb.config.ErrorClassifier(err) {
		cb.window.RecordFailure()
		cb.config.Metrics.RecordFailure(string(cb.config.Source), errorTypeOf(err))
		if token.isHalfOpen {
			cb.halfOpenFailures.Add(1)
		}
	}

	cb.evaluateState()
}

// errorTypeOf labels an error for metrics without allocating in the
// common cases the sliding window actually sees.
func errorTypeOf(err error) string {
	switch err.(type) {
	case *core.FrameworkError:
		return "*core.FrameworkError"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "DeadlineExceeded"
	}
	if errors.Is(err, context.Canceled) {
		return "Canceled"
	}
	return fmt.Sprintf("%T", err)
}

// evaluateState checks whether the breaker should transition given the
// latest outcome.
func (cb *CircuitBreaker) evaluateState() {
	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		errorRate := cb.window.GetErrorRate()
		total := cb.window.GetTotal()
		if cb.config.VolumeThreshold > 0 && total >= uint64(cb.config.VolumeThreshold) && errorRate >= cb.config.ErrorThreshold {
			cb.config.Logger.Info("circuit breaker opening", map[string]interface{}{
				"source":     string(cb.config.Source),
				"error_rate": errorRate,
				"total":      total,
			})
			cb.mu.Lock()
			cb.transitionToUnlocked(StateOpen)
			cb.mu.Unlock()
		}

	case StateHalfOpen:
		successes := cb.halfOpenSuccesses.Load()
		failures := cb.halfOpenFailures.Load()
		attempted := successes + failures
		if attempted < int32(cb.config.HalfOpenRequests) {
			return
		}
		successRate := float64(successes) / float64(attempted)

		cb.mu.Lock()
		defer cb.mu.Unlock()
		if successRate >= cb.config.SuccessThreshold {
			cb.config.Logger.Info("circuit breaker recovered", map[string]interface{}{
				"source": string(cb.config.Source), "success_rate": successRate,
			})
			cb.transitionToUnlocked(StateClosed)
		} else {
			cb.config.Logger.Info("circuit breaker re-opening, probe failed", map[string]interface{}{
				"source": string(cb.config.Source), "success_rate": successRate,
			})
			cb.transitionToUnlocked(StateOpen)
			cb.config.SleepWindow = time.Duration(float64(cb.config.SleepWindow) * 1.5)
			if cb.config.SleepWindow > 5*time.Minute {
				cb.config.SleepWindow = 5 * time.Minute
			}
		}
	}
}

// transitionToUnlocked changes state; caller must hold cb.mu.
func (cb *CircuitBreaker) transitionToUnlocked(newState CircuitState) {
	oldState := cb.state.Load().(CircuitState)
	if oldState == newState {
		return
	}
	cb.state.Store(newState)
	cb.stateChangedAt.Store(time.Now())
	cb.generation++

	if newState == StateHalfOpen {
		cb.halfOpenTotal.Store(0)
		cb.halfOpenSuccesses.Store(0)
		cb.halfOpenFailures.Store(0)
		cb.halfOpenTokens.Range(func(key, _ interface{}) bool {
			cb.halfOpenTokens.Delete(key)
			return true
		})
	}
	if newState == StateClosed {
		cb.window.mu.Lock()
		cb.window.resetLocked(time.Now())
		cb.window.mu.Unlock()
	}

	cb.config.Logger.Info("circuit breaker state changed", map[string]interface{}{
		"source": string(cb.config.Source),
		"from":   oldState.String(),
		"to":     newState.String(),
	})
	cb.config.Metrics.RecordStateChange(string(cb.config.Source), oldState.String(), newState.String())
}

// GetState returns the breaker's current state as a string for logging
// and tests.
func (cb *CircuitBreaker) GetState() string {
	return cb.state.Load().(CircuitState).String()
}

// Reset clears all recorded history and returns the breaker to closed,
// used by tests and by manual operator intervention.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.forceOpen.Store(false)
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	cb.halfOpenTotal.Store(0)
	cb.halfOpenSuccesses.Store(0)
	cb.halfOpenFailures.Store(0)
	cb.window = NewSlidingWindow(cb.config.WindowSize, cb.config.BucketCount)
	cb.halfOpenTokens.Range(func(key, _ interface{}) bool {
		cb.halfOpenTokens.Delete(key)
		return true
	})

	cb.config.Logger.Info("circuit breaker reset", map[string]interface{}{"source": string(cb.config.Source)})
}

// ForceOpen trips the breaker regardless of its measured error rate,
// for an operator taking a known-bad backend out of rotation by hand.
func (cb *CircuitBreaker) ForceOpen() {
	cb.forceOpen.Store(true)
	cb.mu.Lock()
	if cb.state.Load().(CircuitState) != StateOpen {
		cb.transitionToUnlocked(StateOpen)
	}
	cb.mu.Unlock()
	cb.config.Logger.Info("circuit breaker forced open", map[string]interface{}{"source": string(cb.config.Source)})
}

// bucket is one time slice of the sliding window's success/failure counts.
type bucket struct {
	timestamp time.Time
	success   uint64
	failure   uint64
}

// SlidingWindow tracks recent success/failure counts over WindowSize,
// rotating through BucketCount buckets so old outcomes age out smoothly
// instead of a single global counter that never forgets a burst of
// errors long after a backend has recovered.
type SlidingWindow struct {
	buckets      []bucket
	windowSize   time.Duration
	bucketSize   time.Duration
	currentIdx   int
	lastRotation time.Time
	mu           sync.RWMutex
}

// NewSlidingWindow builds a window of bucketCount buckets spanning windowSize.
func NewSlidingWindow(windowSize time.Duration, bucketCount int) *SlidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	now := time.Now()
	buckets := make([]bucket, bucketCount)
	for i := range buckets {
		buckets[i].timestamp = now
	}
	return &SlidingWindow{
		buckets:      buckets,
		windowSize:   windowSize,
		bucketSize:   windowSize / time.Duration(bucketCount),
		lastRotation: now,
	}
}

// rotateBuckets advances the current bucket if enough time elapsed
// since the last rotation, zeroing buckets it passes over. Must be
// called with sw.mu held.
func (sw *SlidingWindow) rotateBuckets() {
	now := time.Now()
	elapsed := now.Sub(sw.lastRotation)
	if elapsed < 0 {
		// Clock went backward; start the window over rather than risk
		// stale buckets looking newer than they are.
		sw.resetLocked(now)
		return
	}
	if elapsed < sw.bucketSize {
		return
	}

	toRotate := int(elapsed / sw.bucketSize)
	if toRotate > len(sw.buckets) {
		toRotate = len(sw.buckets)
	}
	for i := 0; i < toRotate; i++ {
		sw.currentIdx = (sw.currentIdx + 1) % len(sw.buckets)
		sw.buckets[sw.currentIdx] = bucket{timestamp: now}
	}
	sw.lastRotation = now
}

func (sw *SlidingWindow) resetLocked(now time.Time) {
	for i := range sw.buckets {
		sw.buckets[i] = bucket{timestamp: now}
	}
	sw.currentIdx = 0
	sw.lastRotation = now
}

// RecordSuccess records a successful call in the current bucket.
func (sw *SlidingWindow) RecordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()
	sw.buckets[sw.currentIdx].success++
}

// RecordFailure records a failed call in the current bucket.
func (sw *SlidingWindow) RecordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()
	sw.buckets[sw.currentIdx].failure++
}

// GetCounts sums success/failure across every bucket still inside the window.
func (sw *SlidingWindow) GetCounts() (success, failure uint64) {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	cutoff := time.Now().Add(-sw.windowSize)
	for i := range sw.buckets {
		if sw.buckets[i].timestamp.After(cutoff) {
			success += sw.buckets[i].success
			failure += sw.buckets[i].failure
		}
	}
	return success, failure
}

// GetErrorRate returns the failure fraction of everything recorded
// within the window, or 0 if nothing has been recorded yet.
func (sw *SlidingWindow) GetErrorRate() float64 {
	success, failure := sw.GetCounts()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}

// GetTotal returns the total call count within the window.
func (sw *SlidingWindow) GetTotal() uint64 {
	success, failure := sw.GetCounts()
	return success + failure
}
