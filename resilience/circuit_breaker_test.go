package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/plan"
)

// recordingLogger captures every log call so tests can assert a circuit
// breaker actually reports state transitions, not just performs them.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+":"+msg)
}
func (l *recordingLogger) Info(msg string, fields map[string]interface{})  { l.record("info", msg) }
func (l *recordingLogger) Error(msg string, fields map[string]interface{}) { l.record("error", msg) }
func (l *recordingLogger) Warn(msg string, fields map[string]interface{})  { l.record("warn", msg) }
func (l *recordingLogger) Debug(msg string, fields map[string]interface{}) { l.record("debug", msg) }
func (l *recordingLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, fields)
}
func (l *recordingLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, fields)
}
func (l *recordingLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, fields)
}
func (l *recordingLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, fields)
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

var _ core.Logger = (*recordingLogger)(nil)

func testConfig(source plan.EvidenceSource) *CircuitBreakerConfig {
	cfg := DefaultConfig()
	cfg.Source = source
	cfg.VolumeThreshold = 4
	cfg.ErrorThreshold = 0.5
	cfg.SleepWindow = 20 * time.Millisecond
	cfg.HalfOpenRequests = 2
	cfg.SuccessThreshold = 0.5
	return cfg
}

func TestNewCircuitBreaker_LogsCreationAndDefaults(t *testing.T) {
	logger := &recordingLogger{}
	cfg := testConfig("retrieval.vector")
	cfg.Logger = logger

	cb, err := NewCircuitBreaker(cfg)
	require.NoError(t, err)
	assert.Equal(t, "closed", cb.GetState())
	assert.Greater(t, logger.count(), 0, "construction should log at least once")
}

func TestNewCircuitBreaker_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("bad")
	cfg.Source = ""
	_, err := NewCircuitBreaker(cfg)
	require.Error(t, err)
}

// TestCircuitBreaker_OpensAfterErrorThreshold exercises spec.md §4.3 step
// 6's "graceful degradation" contract: once volume and error-rate
// thresholds are crossed, Execute stops calling through and fails fast.
func TestCircuitBreaker_OpensAfterErrorThreshold(t *testing.T) {
	logger := &recordingLogger{}
	cfg := testConfig("retrieval.sparse")
	cfg.Logger = logger
	cb, err := NewCircuitBreaker(cfg)
	require.NoError(t, err)

	boom := errors.New("backend unavailable")
	for i := 0; i < cfg.VolumeThreshold; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}

	require.Eventually(t, func() bool { return cb.GetState() == "open" }, time.Second, time.Millisecond)

	err = cb.Execute(context.Background(), func() error {
		t.Fatal("fn must not run while the breaker is open")
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
}

// TestCircuitBreaker_HalfOpenRecovery verifies the open -> half-open ->
// closed recovery cycle: after SleepWindow elapses, a limited number of
// probe calls are allowed through, and enough successes close it again.
func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cfg := testConfig("retrieval.graph")
	cb, err := NewCircuitBreaker(cfg)
	require.NoError(t, err)

	boom := errors.New("timeout")
	for i := 0; i < cfg.VolumeThreshold; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}
	require.Eventually(t, func() bool { return cb.GetState() == "open" }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return cb.Execute(context.Background(), func() error { return nil }) == nil
	}, time.Second, 2*time.Millisecond, "should transition to half-open and admit a probe once SleepWindow elapses")

	for i := 0; i < cfg.HalfOpenRequests; i++ {
		_ = cb.Execute(context.Background(), func() error { return nil })
	}
	assert.Equal(t, "closed", cb.GetState())
}

// TestCircuitBreaker_ConcurrentExecute guards against the data race class
// of bug the teacher's atomic-state design exists to prevent: many
// goroutines hammering Execute must never panic or corrupt the counters.
func TestCircuitBreaker_ConcurrentExecute(t *testing.T) {
	cfg := testConfig("concurrent")
	cfg.VolumeThreshold = 1000 // keep it closed for the whole run
	cb, err := NewCircuitBreaker(cfg)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func() error {
				if i%7 == 0 {
					return errors.New("occasional failure")
				}
				return nil
			})
		}(i)
	}
	wg.Wait()
}

// TestCircuitBreaker_RecoversFromPanickingFunction ensures a panicking
// protected function doesn't leave the breaker's in-flight bookkeeping
// stuck, which would wedge every subsequent caller behind it.
func TestCircuitBreaker_RecoversFromPanickingFunction(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig("panicky"))
	require.NoError(t, err)

	func() {
		defer func() { recover() }()
		_ = cb.Execute(context.Background(), func() error {
			panic("boom")
		})
	}()

	err = cb.Execute(context.Background(), func() error { return nil })
	assert.NoError(t, err, "a panic in one call must not wedge the next")
}

func TestCircuitBreaker_ForceOpenAndReset(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig("manual"))
	require.NoError(t, err)

	cb.ForceOpen()
	assert.Equal(t, "open", cb.GetState())
	err = cb.Execute(context.Background(), func() error { return nil })
	require.Error(t, err)

	cb.Reset()
	assert.Equal(t, "closed", cb.GetState())
	err = cb.Execute(context.Background(), func() error { return nil })
	assert.NoError(t, err)
}

func TestCircuitBreaker_ExecuteWithTimeout_FnExceedsDeadline(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig("slow-backend"))
	require.NoError(t, err)

	err = cb.ExecuteWithTimeout(context.Background(), 5*time.Millisecond, func() error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	require.Error(t, err)
}
