package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/veritas-project/veritas/core"
)

// TelemetryLogger provides self-contained structured logging for VERITAS.
// It is the process-wide default logger and implements core.Logger and
// core.ComponentAwareLogger.
//
// Design Principles:
//   - Self-contained: depends on core only for the Logger interfaces
//   - Production-ready: JSON format in K8s, text for local dev
//   - Rate-limited: Prevents log flooding during failures
//   - Thread-safe: Safe for concurrent access
//
// Logging Layers:
//   - Layer 1: Console output (always works, immediate visibility)
//   - Layer 2: Metrics emission (when registry is initialized)
//   - Layer 3: Context correlation (future: trace/span integration)
type TelemetryLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer
	mu          sync.RWMutex

	// Rate limiting to prevent log flooding during failures
	errorLimiter *errorBurstLimiter

	// Metrics emission layer: set via EnableMetrics once the process-wide
	// OTel meter provider is configured; nil means logging emits no metrics.
	metrics *MetricInstruments
}

// telemetryLoggerSingleton ensures single logger instance for the module
var (
	telemetryLogger     *TelemetryLogger
	telemetryLoggerOnce sync.Once
)

// NewTelemetryLogger creates a logger for telemetry operations.
// Configuration priority:
//  1. Explicit parameters (highest)
//  2. Environment variables (VERITAS_LOG_LEVEL, VERITAS_DEBUG, TELEMETRY_DEBUG)
//  3. Auto-detection (K8s environment)
//  4. Defaults (lowest)
func NewTelemetryLogger(serviceName string) *TelemetryLogger {
	// Use singleton pattern to ensure consistent logging across telemetry module
	telemetryLoggerOnce.Do(func() {
		telemetryLogger = createTelemetryLogger(serviceName)
	})
	return telemetryLogger
}

// createTelemetryLogger creates the actual logger instance
func createTelemetryLogger(serviceName string) *TelemetryLogger {
	// Determine log level from environment
	level := os.Getenv("VERITAS_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	// Debug mode can be enabled via VERITAS_DEBUG or TELEMETRY_DEBUG
	debug := os.Getenv("VERITAS_DEBUG") == "true" ||
		os.Getenv("TELEMETRY_DEBUG") == "true" ||
		strings.ToUpper(level) == "DEBUG"

	// Auto-detect Kubernetes environment for structured logging
	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json" // Use JSON in K8s for log aggregation
	}
	// Allow explicit override
	if envFormat := os.Getenv("VERITAS_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &TelemetryLogger{
		level:        strings.ToUpper(level),
		debug:        debug,
		serviceName:  serviceName,
		format:       format,
		output:       os.Stdout,
		errorLimiter: newErrorBurstLimiter(1 * time.Second), // Max 1 error log per second
	}
}

// errorBurstLimiter throttles how often the logger's Error level writes,
// so a backend that starts failing in a tight retry loop doesn't flood
// stdout/aggregation with thousands of identical lines per second.
type errorBurstLimiter struct {
	interval time.Duration
	lastTime time.Time
	mu       sync.Mutex
}

func newErrorBurstLimiter(interval time.Duration) *errorBurstLimiter {
	return &errorBurstLimiter{interval: interval}
}

// allow reports whether enough time has passed since the last permitted
// write, advancing the window as a side effect when it returns true.
func (r *errorBurstLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastTime) >= r.interval {
		r.lastTime = now
		return true
	}
	return false
}

// Info logs informational messages
func (l *TelemetryLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

// Warn logs warning messages
func (l *TelemetryLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs error messages with rate limiting
func (l *TelemetryLogger) Error(msg string, fields map[string]interface{}) {
	// Rate limit error logs to prevent flooding during failures
	if l.errorLimiter != nil && !l.errorLimiter.allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

// Debug logs debug messages (only when debug mode is enabled)
func (l *TelemetryLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

// log is the core logging implementation
func (l *TelemetryLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// Check if we should log this level
	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)

	// Layer 1: Console output (always works)
	if l.format == "json" {
		// Structured logging for production/K8s environments
		l.logJSON(timestamp, level, msg, fields)
	} else {
		// Human-readable format for local development
		l.logText(timestamp, level, msg, fields)
	}

	// Layer 2: Metrics emission (when EnableMetrics has been called)
	l.emitLogMetric(level, fields)
}

// logJSON outputs structured JSON logs
func (l *TelemetryLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	logEntry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"component": "telemetry",
		"message":   msg,
	}

	// Add all fields
	for k, v := range fields {
		// Avoid overwriting core fields; "component" may be replaced by the
		// tag a WithComponent logger adds.
		if k != "timestamp" && k != "level" && k != "service" && k != "message" {
			logEntry[k] = v
		}
	}

	// Output as JSON
	if data, err := json.Marshal(logEntry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

// logText outputs human-readable text logs
func (l *TelemetryLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	// Build field string
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		// Sort common fields first for readability
		if endpoint, ok := fields["endpoint"]; ok {
			fieldStr.WriteString(fmt.Sprintf("endpoint=%v ", endpoint))
			delete(fields, "endpoint")
		}
		if err, ok := fields["error"]; ok {
			fieldStr.WriteString(fmt.Sprintf("error=\"%v\" ", err))
			delete(fields, "error")
		}
		if action, ok := fields["action"]; ok {
			fieldStr.WriteString(fmt.Sprintf("action=\"%v\" ", action))
			delete(fields, "action")
		}
		if impact, ok := fields["impact"]; ok {
			fieldStr.WriteString(fmt.Sprintf("impact=\"%v\" ", impact))
			delete(fields, "impact")
		}
		// Add remaining fields
		for k, v := range fields {
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}

	// Output formatted log line following document pattern
	fmt.Fprintf(l.output, "%s [%s] [telemetry:%s] %s%s\n",
		timestamp, level, l.serviceName, msg, fieldStr.String())
}

// shouldLog determines if a log level should be output
func (l *TelemetryLogger) shouldLog(level string) bool {
	// Define level hierarchy
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}

	// Get numeric values for comparison
	currentLevel, ok1 := levels[l.level]
	messageLevel, ok2 := levels[level]

	// Default to logging if levels are unknown
	if !ok1 || !ok2 {
		return true
	}

	// Log if message level >= configured level
	return messageLevel >= currentLevel
}

// SetLevel dynamically updates the log level
func (l *TelemetryLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	// Update debug flag based on new level
	l.debug = l.level == "DEBUG"
}

// SetFormat dynamically updates the log format
func (l *TelemetryLogger) SetFormat(format string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = format
}

// SetOutput changes the output writer (useful for testing)
func (l *TelemetryLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// emitLogMetric records a counter for every logged line once metrics are
// enabled, so log volume by level/service is visible on the same OTel
// meter the pipeline's counters and histograms use.
func (l *TelemetryLogger) emitLogMetric(level string, fields map[string]interface{}) {
	if l.metrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("level", level),
		attribute.String("service", l.serviceName),
	}
	if errType, ok := fields["error_type"]; ok {
		attrs = append(attrs, attribute.String("error_type", fmt.Sprintf("%v", errType)))
	}
	_ = l.metrics.RecordCounter(context.Background(), MetricLogLines, 1, metric.WithAttributes(attrs...))
}

// EnableMetrics wires a MetricInstruments instance so every subsequent log
// line also increments MetricLogLines.
func (l *TelemetryLogger) EnableMetrics(m *MetricInstruments) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metrics = m
}

// withContextFields merges request-scoped baggage (trace/request/plan ids
// propagated via context.Context) into fields before logging, so a single
// log line carries both its local fields and the ambient correlation data.
func withContextFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	bag := GetBaggage(ctx)
	if len(bag) == 0 {
		return fields
	}
	merged := make(map[string]interface{}, len(fields)+len(bag))
	for k, v := range fields {
		merged[k] = v
	}
	for k, v := range bag {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return merged
}

// InfoWithContext implements core.Logger.
func (l *TelemetryLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, withContextFields(ctx, fields))
}

// ErrorWithContext implements core.Logger.
func (l *TelemetryLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, withContextFields(ctx, fields))
}

// WarnWithContext implements core.Logger.
func (l *TelemetryLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, withContextFields(ctx, fields))
}

// DebugWithContext implements core.Logger.
func (l *TelemetryLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, withContextFields(ctx, fields))
}

// WithComponent implements core.ComponentAwareLogger, tagging every log
// line emitted through the returned Logger with component, per the
// naming convention in core.ComponentAwareLogger's doc comment
// ("pipeline/retrieval", "pipeline/executor", ...).
func (l *TelemetryLogger) WithComponent(component string) core.Logger {
	return &componentLogger{base: l, component: component}
}

// componentLogger tags every record with a fixed component name before
// delegating to the shared TelemetryLogger, so call sites across the
// pipeline can log through a plain core.Logger without threading the
// component string through every call.
type componentLogger struct {
	base      *TelemetryLogger
	component string
}

func (c *componentLogger) tag(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["component"] = c.component
	return out
}

func (c *componentLogger) Info(msg string, fields map[string]interface{})  { c.base.Info(msg, c.tag(fields)) }
func (c *componentLogger) Warn(msg string, fields map[string]interface{})  { c.base.Warn(msg, c.tag(fields)) }
func (c *componentLogger) Error(msg string, fields map[string]interface{}) { c.base.Error(msg, c.tag(fields)) }
func (c *componentLogger) Debug(msg string, fields map[string]interface{}) { c.base.Debug(msg, c.tag(fields)) }

func (c *componentLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.InfoWithContext(ctx, msg, c.tag(fields))
}
func (c *componentLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.ErrorWithContext(ctx, msg, c.tag(fields))
}
func (c *componentLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.WarnWithContext(ctx, msg, c.tag(fields))
}
func (c *componentLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.DebugWithContext(ctx, msg, c.tag(fields))
}

var _ core.ComponentAwareLogger = (*TelemetryLogger)(nil)
var _ core.Logger = (*componentLogger)(nil)

// GetLogger returns the process-wide logger instance, creating it with the
// "veritas" service name on first call.
func GetLogger() *TelemetryLogger {
	return NewTelemetryLogger("veritas")
}