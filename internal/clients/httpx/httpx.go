// Package httpx is the resilience core shared by the upstream clients:
// bearer auth, a client-side token bucket, budgeted retries and a circuit
// breaker around one HTTP client per upstream.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"microcrop-processor/internal/fault"
	"microcrop-processor/internal/metrics"
)

// ErrNotFound marks a 404 so callers can tell missing resources apart from
// other permanent rejections.
var ErrNotFound = errors.New("upstream resource not found")

// RetryBudget bounds the attempts of one logical call. The zero value means
// the standard budget: 3 attempts, exponential backoff base 2s capped at 10s.
type RetryBudget struct {
	Attempts  uint
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (b RetryBudget) orDefaults() RetryBudget {
	if b.Attempts == 0 {
		b.Attempts = 3
	}
	if b.BaseDelay == 0 {
		b.BaseDelay = 2 * time.Second
	}
	if b.MaxDelay == 0 {
		b.MaxDelay = 10 * time.Second
	}
	return b
}

// Options configures a Doer for one upstream.
type Options struct {
	// Upstream names the remote in logs, metrics and fault ops.
	Upstream string
	Timeout  time.Duration
	// PerMinute caps the request rate; zero disables the bucket.
	PerMinute int
	// Authorize stamps credentials onto each outgoing request.
	Authorize func(*http.Request)
	Retry     RetryBudget
}

// Doer executes requests against one upstream with the shared resilience
// behaviour. All methods are safe for concurrent use.
type Doer struct {
	upstream string
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	auth     func(*http.Request)
	budget   RetryBudget
}

func New(opts Options) *Doer {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if opts.PerMinute > 0 {
		// Burst 1 spaces requests evenly so a cold start cannot overshoot
		// the per-minute budget.
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.PerMinute)), 1)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Upstream,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1.0
			}
			metrics.BreakerOpen.WithLabelValues(name).Set(open)
			log.Warn().Str("upstream", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// An answered request is a live upstream even when it rejects
			// us; only transport-level trouble should trip the breaker.
			switch fault.KindOf(err) {
			case fault.Unknown:
				return err == nil
			case fault.Transient, fault.RateLimited:
				return false
			default:
				return true
			}
		},
	})

	return &Doer{
		upstream: opts.Upstream,
		client:   &http.Client{Timeout: timeout},
		limiter:  limiter,
		breaker:  breaker,
		auth:     opts.Authorize,
		budget:   opts.Retry.orDefaults(),
	}
}

// GetJSON fetches url and decodes the response into out.
func (d *Doer) GetJSON(ctx context.Context, url string, out any) error {
	return d.roundTrip(ctx, http.MethodGet, url, func() (io.Reader, string, error) {
		return nil, "", nil
	}, out, true)
}

// PostJSON sends in as a JSON body and decodes the response into out.
// A nil out discards the response body.
func (d *Doer) PostJSON(ctx context.Context, url string, in, out any) error {
	return d.roundTrip(ctx, http.MethodPost, url, jsonBody(in), out, true)
}

// PatchJSON sends in as a JSON body and decodes the response into out.
func (d *Doer) PatchJSON(ctx context.Context, url string, in, out any) error {
	return d.roundTrip(ctx, http.MethodPatch, url, jsonBody(in), out, true)
}

// Delete issues a DELETE and discards any response body.
func (d *Doer) Delete(ctx context.Context, url string) error {
	return d.roundTrip(ctx, http.MethodDelete, url, func() (io.Reader, string, error) {
		return nil, "", nil
	}, nil, true)
}

// PostMultipart streams a multipart form built by build and decodes the
// response into out. The form is rebuilt on every retry attempt.
func (d *Doer) PostMultipart(ctx context.Context, url string, build func(*multipart.Writer) error, out any) error {
	return d.roundTrip(ctx, http.MethodPost, url, func() (io.Reader, string, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		if err := build(w); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	}, out, true)
}

// Download fetches a delivery URL without credentials. Signed delivery
// locations must not see our bearer token.
func (d *Doer) Download(ctx context.Context, url string) ([]byte, error) {
	var raw []byte
	err := d.withRetry(ctx, func() error {
		resp, err := d.attempt(ctx, http.MethodGet, url, nil, "", false)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err = io.ReadAll(resp.Body)
		if err != nil {
			return fault.Wrap(fault.Transient, d.op(http.MethodGet), err)
		}
		return nil
	})
	return raw, err
}

// roundTrip runs one logical call under the retry budget, rebuilding the
// request body each attempt.
func (d *Doer) roundTrip(ctx context.Context, method, url string, body func() (io.Reader, string, error), out any, authed bool) error {
	return d.withRetry(ctx, func() error {
		reader, contentType, err := body()
		if err != nil {
			return fault.Wrap(fault.Permanent, d.op(method), err)
		}
		resp, err := d.attempt(ctx, method, url, reader, contentType, authed)
		if err != nil {
			return err
		}
		defer func() {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fault.Wrap(fault.Permanent, d.op(method), fmt.Errorf("decoding response: %w", err))
		}
		return nil
	})
}

// attempt is a single request: token bucket, breaker, status classification.
func (d *Doer) attempt(ctx context.Context, method, url string, body io.Reader, contentType string, authed bool) (*http.Response, error) {
	op := d.op(method)
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fault.Wrap(fault.Cancelled, op, err)
		}
	}

	res, err := d.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, fault.Wrap(fault.Permanent, op, err)
		}
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if authed && d.auth != nil {
			d.auth(req)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fault.Wrap(fault.Cancelled, op, ctx.Err())
			}
			metrics.UpstreamRequests.WithLabelValues(d.upstream, "error").Inc()
			return nil, fault.Wrap(fault.Transient, op, err)
		}
		if resp.StatusCode >= 400 {
			ferr := statusFault(op, resp)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			metrics.UpstreamRequests.WithLabelValues(d.upstream, "error").Inc()
			return nil, ferr
		}
		metrics.UpstreamRequests.WithLabelValues(d.upstream, "ok").Inc()
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fault.Wrap(fault.Transient, op, err)
		}
		return nil, err
	}
	return res.(*http.Response), nil
}

func (d *Doer) withRetry(ctx context.Context, fn func() error) error {
	budget := d.budget
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(budget.Attempts),
		retry.Delay(budget.BaseDelay),
		retry.MaxDelay(budget.MaxDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(fault.Retryable),
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			if after := fault.RetryAfterOf(err); after > 0 {
				return after
			}
			return retry.BackOffDelay(n, err, config)
		}),
		retry.OnRetry(func(n uint, err error) {
			metrics.UpstreamRetries.WithLabelValues(d.upstream).Inc()
			log.Warn().Str("upstream", d.upstream).Uint("attempt", n+1).Err(err).Msg("Retrying upstream call")
		}),
	)
}

func (d *Doer) op(method string) string {
	return d.upstream + "." + method
}

// statusFault maps an error status onto the fault taxonomy. The body is
// sampled into the message for operators; callers never parse it.
func statusFault(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fault.New(fault.Permanent, op, "credentials rejected (%d): %s", resp.StatusCode, snippet)
	case resp.StatusCode == http.StatusNotFound:
		return fault.Wrap(fault.Permanent, op, fmt.Errorf("%w: %s", ErrNotFound, snippet))
	case resp.StatusCode == http.StatusConflict:
		return fault.New(fault.Conflict, op, "upstream conflict: %s", snippet)
	case resp.StatusCode == http.StatusRequestTimeout:
		return fault.New(fault.Transient, op, "upstream timeout (%d)", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fault.RateLimitedAfter(op, retryAfter(resp), fmt.Errorf("throttled by upstream: %s", snippet))
	case resp.StatusCode >= 500:
		return fault.New(fault.Transient, op, "upstream error (%d): %s", resp.StatusCode, snippet)
	default:
		return fault.New(fault.Permanent, op, "upstream rejected request (%d): %s", resp.StatusCode, snippet)
	}
}

// retryAfter parses the Retry-After header as delta seconds or HTTP date.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func jsonBody(in any) func() (io.Reader, string, error) {
	return func() (io.Reader, string, error) {
		if in == nil {
			return nil, "", nil
		}
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(raw), "application/json", nil
	}
}
