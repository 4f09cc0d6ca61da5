/*
Package telemetry provides the structured logging and metric
instruments shared across VERITAS's pipeline components.

TelemetryLogger (logger.go) is the process-wide structured logger:
JSON in Kubernetes, text locally, rate-limited error lines, and a
WithComponent tag so each component (pipeline/retrieval,
pipeline/executor, ...) logs under its own name without threading a
component string through every call site.

MetricInstruments (metrics.go) wraps the OpenTelemetry meter API with
a name-keyed instrument cache so callers can record a counter or
histogram by name without managing instrument lifetimes themselves; it
is a no-op until the process registers a real OTel MeterProvider.

WithBaggage/GetBaggage (context.go) propagate request-scoped
correlation labels (request_id, plan_id) through context.Context; the
logger's *WithContext methods add them to each line. The pipeline
does not attach any labels itself.
*/
package telemetry
