package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure for retry, quarantine and HTTP mapping decisions.
type Kind uint8

const (
	Unknown Kind = iota
	// Transient covers retryable upstream or network conditions.
	Transient
	// RateLimited is surfaced by the client layer when an upstream throttles us.
	RateLimited
	// Permanent covers upstream rejections and bad input that retrying cannot fix.
	Permanent
	// InsufficientData means the data asked for is not there: a window or
	// series too thin to compute from, or a record that does not exist.
	InsufficientData
	// Conflict marks a duplicate insert of an idempotent artifact.
	Conflict
	// Cancelled is a context cancellation; attempt counters are preserved.
	Cancelled
	// Fatal is a misconfiguration; fail fast, never retry.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case Permanent:
		return "permanent"
	case InsufficientData:
		return "insufficient_data"
	case Conflict:
		return "conflict"
	case Cancelled:
		return "cancelled"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a Kind and the operation that produced the failure.
type Error struct {
	Kind Kind
	Op   string
	// RetryAfter holds an upstream-provided backoff for RateLimited faults.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a fault with a formatted message and no wrapped cause.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap annotates err with a kind and operation. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// RateLimitedAfter builds a RateLimited fault carrying the upstream backoff.
func RateLimitedAfter(op string, after time.Duration, err error) error {
	return &Error{Kind: RateLimited, Op: op, RetryAfter: after, Err: err}
}

// KindOf reports the kind of err, unwrapping as needed. Context cancellation
// and deadline expiry classify as Cancelled even without a fault wrapper.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the scheduler or a client should retry err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, RateLimited:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the upstream-provided backoff, if any.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// HTTPStatus maps a fault to the response status of the HTTP surface.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Transient:
		return http.StatusBadGateway
	case RateLimited:
		return http.StatusTooManyRequests
	case Permanent:
		return http.StatusUnprocessableEntity
	case InsufficientData:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
