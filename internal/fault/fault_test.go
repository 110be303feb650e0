package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"Nil", nil, Unknown},
		{"Plain", errors.New("boom"), Unknown},
		{"Direct", New(Transient, "op", "boom"), Transient},
		{"Wrapped", fmt.Errorf("outer: %w", New(Conflict, "op", "dup")), Conflict},
		{"DoubleWrapped", fmt.Errorf("a: %w", fmt.Errorf("b: %w", Wrap(Permanent, "op", errors.New("no")))), Permanent},
		{"ContextCanceled", context.Canceled, Cancelled},
		{"ContextDeadline", fmt.Errorf("call: %w", context.DeadlineExceeded), Cancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.expected {
				t.Errorf("KindOf() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(Transient, "op", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(Transient, "weatherxm.GetStationData", cause)
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is lost the cause through %v", err)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"Transient", New(Transient, "op", "x"), true},
		{"RateLimited", New(RateLimited, "op", "x"), true},
		{"Permanent", New(Permanent, "op", "x"), false},
		{"InsufficientData", New(InsufficientData, "op", "x"), false},
		{"Conflict", New(Conflict, "op", "x"), false},
		{"Cancelled", New(Cancelled, "op", "x"), false},
		{"Fatal", New(Fatal, "op", "x"), false},
		{"Plain", errors.New("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.expected {
				t.Errorf("Retryable() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := RateLimitedAfter("op", 42*time.Second, errors.New("429"))
	if got := RetryAfterOf(err); got != 42*time.Second {
		t.Errorf("RetryAfterOf() = %v, want 42s", got)
	}
	if got := RetryAfterOf(errors.New("x")); got != 0 {
		t.Errorf("RetryAfterOf(plain) = %v, want 0", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"Transient", New(Transient, "op", "x"), http.StatusBadGateway},
		{"RateLimited", New(RateLimited, "op", "x"), http.StatusTooManyRequests},
		{"Permanent", New(Permanent, "op", "x"), http.StatusUnprocessableEntity},
		{"InsufficientData", New(InsufficientData, "op", "x"), http.StatusNotFound},
		{"Conflict", New(Conflict, "op", "x"), http.StatusConflict},
		{"Fatal", New(Fatal, "op", "x"), http.StatusInternalServerError},
		{"Plain", errors.New("x"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.expected {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.expected)
			}
		})
	}
}
