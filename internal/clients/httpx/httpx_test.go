package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"microcrop-processor/internal/fault"
)

func testDoer(upstream string) *Doer {
	return New(Options{
		Upstream:  upstream,
		Timeout:   5 * time.Second,
		Authorize: func(r *http.Request) { r.Header.Set("Authorization", "Bearer test-token") },
		Retry:     RetryBudget{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
}

func TestGetJSONRetriesTransientFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	d := testDoer("test-upstream-a")
	if err := d.GetJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if !out.OK {
		t.Errorf("GetJSON() decoded %+v, want ok=true", out)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("server hits = %d, want 3", got)
	}
}

func TestGetJSONDoesNotRetryPermanent(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := testDoer("test-upstream-b")
	err := d.GetJSON(context.Background(), srv.URL, &struct{}{})
	if !fault.Is(err, fault.Permanent) {
		t.Errorf("error kind = %v, want permanent", fault.KindOf(err))
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("server hits = %d, want 1 (no retry on 401)", got)
	}
}

func TestGetJSONNotFoundSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := testDoer("test-upstream-c")
	err := d.GetJSON(context.Background(), srv.URL, &struct{}{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound in chain", err)
	}
	if !fault.Is(err, fault.Permanent) {
		t.Errorf("error kind = %v, want permanent", fault.KindOf(err))
	}
}

func TestRateLimitedExhaustsBudget(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := testDoer("test-upstream-d")
	err := d.GetJSON(context.Background(), srv.URL, &struct{}{})
	if !fault.Is(err, fault.RateLimited) {
		t.Errorf("error kind = %v, want rate_limited", fault.KindOf(err))
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("server hits = %d, want full budget of 3", got)
	}
}

func TestBreakerFailsFastAfterConsecutiveFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := testDoer("test-upstream-e")
	for i := 0; i < 3; i++ {
		err := d.GetJSON(context.Background(), srv.URL, &struct{}{})
		if !fault.Is(err, fault.Transient) {
			t.Fatalf("call %d error kind = %v, want transient", i, fault.KindOf(err))
		}
	}
	// The breaker trips on the fifth consecutive failure; everything after
	// fails fast without touching the upstream.
	if got := atomic.LoadInt32(&hits); got != 5 {
		t.Errorf("server hits = %d, want 5", got)
	}
}

func TestPostJSONSendsBodyAndAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("Authorization = %q, want bearer token", r.Header.Get("Authorization"))
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"name":"demo"`) {
			t.Errorf("body = %s, want the encoded payload", body)
		}
		w.Write([]byte(`{"id":"sub-1"}`))
	}))
	defer srv.Close()

	var out struct {
		ID string `json:"id"`
	}
	d := testDoer("test-upstream-f")
	err := d.PostJSON(context.Background(), srv.URL, map[string]string{"name": "demo"}, &out)
	if err != nil {
		t.Fatalf("PostJSON() error = %v", err)
	}
	if out.ID != "sub-1" {
		t.Errorf("decoded id = %q, want sub-1", out.ID)
	}
}

func TestDownloadOmitsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("Authorization leaked to delivery URL: %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte("date,value\n2026-04-01,0.8\n"))
	}))
	defer srv.Close()

	d := testDoer("test-upstream-g")
	raw, err := d.Download(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if !strings.HasPrefix(string(raw), "date,value") {
		t.Errorf("Download() = %q, want csv payload", raw)
	}
}

func TestStatusFaultMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   fault.Kind
	}{
		{"Unauthorized", http.StatusUnauthorized, fault.Permanent},
		{"Forbidden", http.StatusForbidden, fault.Permanent},
		{"NotFound", http.StatusNotFound, fault.Permanent},
		{"Conflict", http.StatusConflict, fault.Conflict},
		{"Timeout", http.StatusRequestTimeout, fault.Transient},
		{"Throttled", http.StatusTooManyRequests, fault.RateLimited},
		{"ServerError", http.StatusInternalServerError, fault.Transient},
		{"BadGateway", http.StatusBadGateway, fault.Transient},
		{"Teapot", http.StatusTeapot, fault.Permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.status,
				Header:     http.Header{},
				Body:       io.NopCloser(strings.NewReader("detail")),
			}
			err := statusFault("test.GET", resp)
			if !fault.Is(err, tt.kind) {
				t.Errorf("statusFault(%d) kind = %v, want %v", tt.status, fault.KindOf(err), tt.kind)
			}
		})
	}
}

func TestRetryAfterParsing(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected time.Duration
	}{
		{"Seconds", "7", 7 * time.Second},
		{"Missing", "", 0},
		{"Garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			if got := retryAfter(resp); got != tt.expected {
				t.Errorf("retryAfter(%q) = %v, want %v", tt.header, got, tt.expected)
			}
		})
	}
}

func TestRetryAfterCarriedOnFault(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"42"}},
		Body:       io.NopCloser(strings.NewReader("")),
	}
	err := statusFault("test.GET", resp)
	if got := fault.RetryAfterOf(err); got != 42*time.Second {
		t.Errorf("RetryAfterOf() = %v, want 42s", got)
	}
}
