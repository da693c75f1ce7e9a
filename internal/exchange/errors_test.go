package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	pkghttp "ttslo/pkg/http"

	"github.com/stretchr/testify/assert"
)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Kind
	}{
		{"rate limit", 429, KindRateLimit},
		{"server error", 500, KindServerError},
		{"bad gateway", 502, KindServerError},
		{"bad request", 400, KindOther},
		{"forbidden", 403, KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := fmt.Errorf("request failed: %w", &pkghttp.APIError{StatusCode: tt.status, Body: []byte("nope")})
			classified := Classify("Balance", raw)
			assert.Equal(t, tt.want, classified.Kind)
			assert.Equal(t, tt.status, classified.Status)
			assert.Equal(t, "Balance", classified.Endpoint)
		})
	}
}

func TestClassifyDeadline(t *testing.T) {
	classified := Classify("Ticker", fmt.Errorf("request failed: %w", context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, classified.Kind)
}

func TestClassifyNetErrors(t *testing.T) {
	dns := &net.DNSError{Err: "no such host", Name: "api.kraken.com"}
	assert.Equal(t, KindConnection, Classify("Ticker", dns).Kind)

	op := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	assert.Equal(t, KindConnection, Classify("Ticker", op).Kind)

	timeout := &net.DNSError{Err: "timeout", Name: "api.kraken.com", IsTimeout: true}
	assert.Equal(t, KindTimeout, Classify("Ticker", timeout).Kind)
}

func TestClassifyPassesThroughAPIError(t *testing.T) {
	orig := NewAPIError(KindRateLimit, "", "EAPI:Rate limit exceeded", 0)
	classified := Classify("AddOrder", fmt.Errorf("wrapped: %w", orig))
	assert.Equal(t, KindRateLimit, classified.Kind)
	assert.Equal(t, "AddOrder", classified.Endpoint)
}

func TestTransient(t *testing.T) {
	assert.True(t, NewAPIError(KindTimeout, "e", "m", 0).Transient())
	assert.True(t, NewAPIError(KindRateLimit, "e", "m", 429).Transient())
	assert.True(t, NewAPIError(KindServerError, "e", "m", 503).Transient())
	assert.True(t, NewAPIError(KindConnection, "e", "m", 0).Transient())
	assert.False(t, NewAPIError(KindOther, "e", "m", 400).Transient())
}

func TestIsReachability(t *testing.T) {
	assert.True(t, IsReachability(NewAPIError(KindTimeout, "send", "m", 0)))
	assert.True(t, IsReachability(NewAPIError(KindConnection, "send", "m", 0)))
	assert.False(t, IsReachability(NewAPIError(KindServerError, "send", "m", 500)))
	assert.False(t, IsReachability(errors.New("plain")))
}

func TestAPIErrorMessage(t *testing.T) {
	e := NewAPIError(KindServerError, "AddOrder", "EService:Unavailable", 503)
	assert.Contains(t, e.Error(), "AddOrder")
	assert.Contains(t, e.Error(), "EService:Unavailable")
	assert.Contains(t, e.Error(), "server_error")
	assert.Contains(t, e.Error(), "503")
	assert.WithinDuration(t, time.Now().UTC(), e.At, time.Minute)
}
