// Package resilience provides the pipeline error taxonomy, retry with
// backoff, and circuit breakers for external service calls.
package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Class buckets an error for the worker loop's retry policy.
type Class int

const (
	// ClassTransient errors are retried with backoff, then dead-lettered.
	ClassTransient Class = iota
	// ClassPolicy outcomes (quota exceeded, capability unsupported) are
	// terminal but not failures: the job completes with a skip reason.
	ClassPolicy
	// ClassPermanent errors (malformed payload, deleted target) are
	// dead-lettered immediately, no retry.
	ClassPermanent
	// ClassIntegrity errors (idempotency key collision with divergent
	// payload) are rejected outright.
	ClassIntegrity
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPolicy:
		return "policy"
	case ClassPermanent:
		return "permanent"
	case ClassIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// TransientError wraps an error that is safe to retry (429, 5xx, network
// timeout, backend unavailable).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP
// status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// PolicyError marks a terminal non-failure outcome. Reason is a stable
// code safe to surface across the tenant boundary ("quota",
// "unsupported").
type PolicyError struct {
	Reason string
	Detail string
}

func (e *PolicyError) Error() string {
	if e.Detail == "" {
		return "skipped: " + e.Reason
	}
	return fmt.Sprintf("skipped: %s (%s)", e.Reason, e.Detail)
}

// Policy reason codes.
const (
	ReasonQuota       = "quota"
	ReasonUnsupported = "unsupported"
)

// NewPolicyError creates a policy outcome with a reason code.
func NewPolicyError(reason, detail string) *PolicyError {
	return &PolicyError{Reason: reason, Detail: detail}
}

// PermanentError wraps an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError marks an error as permanent.
func NewPermanentError(err error) *PermanentError {
	return &PermanentError{Err: err}
}

// IntegrityError wraps a data-integrity violation detected at write time.
type IntegrityError struct {
	Err error
}

func (e *IntegrityError) Error() string { return e.Err.Error() }
func (e *IntegrityError) Unwrap() error { return e.Err }

// NewIntegrityError marks an error as a data-integrity violation.
func NewIntegrityError(err error) *IntegrityError {
	return &IntegrityError{Err: err}
}

// Classify buckets an error into the taxonomy. Explicit wrappers win;
// anything unrecognized is treated as transient so the attempt budget,
// not the classifier, bounds how long it is retried.
func Classify(err error) Class {
	var pe *PolicyError
	if errors.As(err, &pe) {
		return ClassPolicy
	}
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ClassIntegrity
	}
	var pm *PermanentError
	if errors.As(err, &pm) {
		return ClassPermanent
	}
	return ClassTransient
}

// AsPolicy returns the PolicyError in the chain, if any.
func AsPolicy(err error) (*PolicyError, bool) {
	var pe *PolicyError
	ok := errors.As(err, &pe)
	return pe, ok
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or matches common transient network patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
