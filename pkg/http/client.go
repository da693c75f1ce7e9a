// Package http wraps net/http with the resilience pipeline the venue
// client rides: bounded retries with backoff for idempotent calls, a
// circuit breaker in front of everything, optional request signing and
// OTel instrumentation.
package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ttslo/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	retryAttempts   = 3
	retryBackoffMin = 100 * time.Millisecond
	retryBackoffMax = 2 * time.Second
	breakerFailures = 5
	breakerWindow   = 10
	breakerCooldown = 10 * time.Second
)

// APIError is a non-2xx response, body included so callers can parse
// venue-specific error codes out of it.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer mutates a request in place to authenticate it. Signing runs
// once per logical call, before any retry, so nonce-bearing schemes see
// a single nonce per call.
type Signer interface {
	SignRequest(req *http.Request) error
}

// Client issues requests against one base URL through a failsafe
// pipeline.
type Client struct {
	base     string
	signer   Signer
	http     *http.Client
	pipeline failsafe.Executor[*http.Response]

	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewClient builds a client with retries and a breaker, for endpoints
// that are safe to repeat.
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	retry := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(retryable).
		WithBackoff(retryBackoffMin, retryBackoffMax).
		WithMaxRetries(retryAttempts).
		Build()
	return newClient(baseURL, timeout, signer, failsafe.With[*http.Response](retry, newBreaker()))
}

// NewOnceClient builds a client whose pipeline never retries. Order
// submission goes through this one: repeating a request that may have
// been accepted would double the order.
func NewOnceClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	return newClient(baseURL, timeout, signer, failsafe.With[*http.Response](newBreaker()))
}

func newClient(baseURL string, timeout time.Duration, signer Signer, pipeline failsafe.Executor[*http.Response]) *Client {
	meter := telemetry.GetMeter("http-client")
	requests, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("HTTP requests issued"))
	failures, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("HTTP requests that failed or returned >= 400"))
	latency, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency"))

	return &Client{
		base:     baseURL,
		signer:   signer,
		http:     &http.Client{Timeout: timeout},
		pipeline: pipeline,
		tracer:   telemetry.GetTracer("http-client"),
		requests: requests,
		failures: failures,
		latency:  latency,
	}
}

// retryable covers transport errors, 5xx and rate limiting.
func retryable(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

func newBreaker() circuitbreaker.CircuitBreaker[*http.Response] {
	return circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			return err != nil || resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(breakerFailures, breakerWindow).
		WithDelay(breakerCooldown).
		Build()
}

// Get issues a GET with the params as the query string.
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	query := req.URL.Query()
	for k, v := range params {
		query.Add(k, v)
	}
	req.URL.RawQuery = query.Encode()

	return c.do(req)
}

// PostForm issues a form-encoded POST. The body is installed through
// GetBody so signers can read it and retries can replay it.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	encoded := form.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(encoded)), nil
	}

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()

	ctx, span := c.tracer.Start(req.Context(), req.Method+" "+req.URL.Path,
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		))
	defer span.End()
	req = req.WithContext(ctx)

	if c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := c.pipeline.Get(func() (*http.Response, error) {
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, bodyErr
			}
			req.Body = body
		}
		return c.http.Do(req)
	})

	route := []attribute.KeyValue{
		attribute.String("method", req.Method),
		attribute.String("path", req.URL.Path),
	}
	c.requests.Add(ctx, 1, metric.WithAttributes(route...))
	c.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(route...))

	if err != nil {
		span.RecordError(err)
		c.failures.Add(ctx, 1, metric.WithAttributes(route...))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.failures.Add(ctx, 1, metric.WithAttributes(append(route,
			attribute.Int("status", resp.StatusCode))...))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
