package resilience

import (
	"context"

	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/plan"
	"github.com/veritas-project/veritas/telemetry"
)

// ResilienceDependencies holds optional dependencies shared by every
// circuit breaker the pipeline constructs (one per retrieval backend,
// per spec.md §4.3 step 6's "graceful degradation" contract).
type ResilienceDependencies struct {
	Logger    core.Logger
	Telemetry core.Telemetry
}

// CreateCircuitBreaker builds the breaker for one retrieval backend,
// identified by its plan.EvidenceSource rather than a free-form name:
// an explicit logger if supplied, otherwise a TelemetryLogger default,
// and an OTel-backed metrics collector always wired in (the OTel meter
// defaults to a no-op exporter until the process configures a real
// provider, so this is cheap either way).
func CreateCircuitBreaker(source plan.EvidenceSource, deps ResilienceDependencies) (*CircuitBreaker, error) {
	config := DefaultConfig()
	config.Source = source

	if deps.Logger != nil {
		config.Logger = deps.Logger
	} else {
		config.Logger = telemetry.NewTelemetryLogger(string(source))
	}

	config.Metrics = NewOTelMetricsCollector(context.Background())

	return NewCircuitBreaker(config)
}

// WithLogger creates a dependency injection option for ResilienceDependencies.
func WithLogger(logger core.Logger) func(*ResilienceDependencies) {
	return func(d *ResilienceDependencies) {
		d.Logger = logger
	}
}

// WithTelemetry creates a dependency injection option for ResilienceDependencies.
func WithTelemetry(t core.Telemetry) func(*ResilienceDependencies) {
	return func(d *ResilienceDependencies) {
		d.Telemetry = t
	}
}
