// Package exchange defines the typed failure model shared by exchange clients.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	pkghttp "ttslo/pkg/http"
)

// Kind classifies an exchange call failure.
type Kind int

const (
	KindOther Kind = iota
	KindTimeout
	KindConnection
	KindRateLimit
	KindServerError
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindRateLimit:
		return "rate_limit"
	case KindServerError:
		return "server_error"
	default:
		return "other"
	}
}

// APIError carries the classified failure of one exchange call.
type APIError struct {
	Kind     Kind
	Endpoint string
	Message  string
	Status   int // HTTP status when one was received, else 0
	At       time.Time
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (%s, status %d)", e.Endpoint, e.Message, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Endpoint, e.Message, e.Kind)
}

// Transient reports whether the next tick may reasonably retry the call.
func (e *APIError) Transient() bool {
	switch e.Kind {
	case KindTimeout, KindConnection, KindRateLimit, KindServerError:
		return true
	default:
		return false
	}
}

// NewAPIError builds a classified error for an endpoint.
func NewAPIError(kind Kind, endpoint, message string, status int) *APIError {
	return &APIError{
		Kind:     kind,
		Endpoint: endpoint,
		Message:  message,
		Status:   status,
		At:       time.Now().UTC(),
	}
}

// Classify wraps a raw transport error into an APIError for the endpoint.
// Already-classified errors pass through with the endpoint filled in.
func Classify(endpoint string, err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Endpoint == "" {
			apiErr.Endpoint = endpoint
		}
		return apiErr
	}

	var httpErr *pkghttp.APIError
	if errors.As(err, &httpErr) {
		kind := KindOther
		switch {
		case httpErr.StatusCode == 429:
			kind = KindRateLimit
		case httpErr.StatusCode >= 500:
			kind = KindServerError
		}
		return NewAPIError(kind, endpoint, string(httpErr.Body), httpErr.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewAPIError(KindTimeout, endpoint, err.Error(), 0)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewAPIError(KindTimeout, endpoint, err.Error(), 0)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewAPIError(KindConnection, endpoint, err.Error(), 0)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewAPIError(KindConnection, endpoint, err.Error(), 0)
	}

	return NewAPIError(KindOther, endpoint, err.Error(), 0)
}

// KindOf extracts the classification from an error chain, KindOther if none.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindOther
}

// IsReachability reports whether the error means the remote service could
// not be reached at all. The notification queue buffers on these.
func IsReachability(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindConnection:
		return true
	default:
		return false
	}
}
