package core

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the pipeline error taxonomy. Unlike the framework's
// agent/discovery sentinels in errors.go, pipeline failures are tagged by kind so
// callers can branch on category without matching every sentinel.
type ErrorKind string

const (
	KindInput               ErrorKind = "input"
	KindAuthorisation        ErrorKind = "authorisation"
	KindResourceUnavailable ErrorKind = "resource_unavailable"
	KindRateLimited         ErrorKind = "rate_limited"
	KindTimeout             ErrorKind = "timeout"
	KindDataIntegrity       ErrorKind = "data_integrity"
	KindInternal            ErrorKind = "internal"
	KindCancelled           ErrorKind = "cancelled"
)

// Pipeline-level sentinel errors, compared with errors.Is.
var (
	ErrUnresolvedCitation  = errors.New("citation marker does not resolve to a source")
	ErrCyclicDependency    = errors.New("step dependency graph is not a DAG")
	ErrAllBackendsFailed   = errors.New("all retrieval backends failed")
	ErrDependencyNotMet    = errors.New("step dependency not completed")
	ErrPlanNotFound        = errors.New("research plan not found")
	ErrStepNotFound        = errors.New("research step not found")
	ErrEmptyQuery          = errors.New("empty query")
)

// PipelineError is a structured, wrapped error carrying the taxonomy kind
// from spec §7, mirroring FrameworkError's Op/Kind/ID/Message/Err shape.
type PipelineError struct {
	Op      string
	Kind    ErrorKind
	ID      string
	Message string
	Err     error
	// retryableOverride overrides the default retryability inferred from Kind, for
	// cases such as a Timeout that has already exhausted its one retry.
	retryableOverride *bool
}

func (e *PipelineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError creates a PipelineError of the given kind.
func NewPipelineError(op string, kind ErrorKind, err error) *PipelineError {
	return &PipelineError{Op: op, Kind: kind, Err: err}
}

// WithID attaches the entity ID involved (plan, step, request) and returns
// the same error for chaining at the construction site.
func (e *PipelineError) WithID(id string) *PipelineError {
	e.ID = id
	return e
}

// WithRetryable pins retryability explicitly, e.g. a Timeout that has
// already been retried once per spec §7 ("on second expiry, step fails").
func (e *PipelineError) WithRetryable(retryable bool) *PipelineError {
	e.retryableOverride = &retryable
	return e
}

// IsPipelineRetryable reports whether err (a *PipelineError or a wrapped
// one) should be retried by the step executor, per spec §7's propagation
// policy: ResourceUnavailable and RateLimited are retryable, Timeout is
// retryable exactly once (the caller controls that via WithRetryable).
func IsPipelineRetryable(err error) bool {
	var pe *PipelineError
	if !errors.As(err, &pe) {
		return false
	}
	if pe.retryableOverride != nil {
		return *pe.retryableOverride
	}
	switch pe.Kind {
	case KindResourceUnavailable, KindRateLimited, KindTimeout:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err must terminate the owning plan rather than
// be recovered at a step boundary (DataIntegrityError, InternalError).
func IsFatal(err error) bool {
	var pe *PipelineError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == KindDataIntegrity || pe.Kind == KindInternal
}

// ErrorKindOf extracts the taxonomy kind from err, or KindInternal if err
// is not a *PipelineError (an invariant violation somewhere upstream).
func ErrorKindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}
