package domain

import (
	"errors"
	"fmt"
	"time"
)

// Lookup sentinels. Matched with errors.Is.

var (
	ErrSandboxNotFound   = errors.New("sandbox not found")
	ErrContainerNotFound = errors.New("container not found")
	ErrUnknownVolume     = errors.New("unknown volume")
	ErrNamespaceExists   = errors.New("network namespace already exists")
)

// ConfigError is raised synchronously at create for malformed
// configuration (bad limits, unresolvable bind source). Never retried
// by the core.

type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// ResourceExhaustedError reports a post-execution limit breach on a
// named dimension. The partial result, if any, stays attached for
// diagnostics.

type ResourceExhaustedError struct {
	Dimension string
	Limit     int64
	Observed  int64
	Partial   *ExecResult
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource exhausted: %s limit %d exceeded (observed %d)", e.Dimension, e.Limit, e.Observed)
}

// TimeoutError reports an execution that exceeded its budget. The
// runtime reclaims the underlying process before surfacing this, so a
// caller never observes "timed out but still running".

type TimeoutError struct {
	Timeout time.Duration
	Partial *ExecResult
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution exceeded timeout of %s", e.Timeout)
}

// IsolationError reports an attempted operation outside the sandbox's
// granted network or filesystem boundary. Distinct from resource
// exhaustion and from timeout so callers can tell "tried to escape"
// apart from "ran out of budget" and "took too long".

type IsolationError struct {
	Violation string
}

func (e *IsolationError) Error() string {
	return fmt.Sprintf("isolation violation: %s", e.Violation)
}

// FailureClass buckets an execution error for run records and metrics.
func FailureClass(err error) string {
	var re *ResourceExhaustedError
	var te *TimeoutError
	var ie *IsolationError
	var ce *ConfigError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &re):
		return "resource_exhausted"
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &ie):
		return "isolation_violation"
	case errors.As(err, &ce):
		return "config"
	default:
		return "error"
	}
}
