package platform

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError is a 429-class refusal. Reset is the earliest time the
// endpoint accepts calls again; it is zero when the server sent no hint.
// Local is true when the client refused the call itself because its quota
// window was closed, without spending a request.
type RateLimitError struct {
	Endpoint   string
	StatusCode int
	Reset      time.Time
	Local      bool
}

func (e *RateLimitError) Error() string {
	if e.Local {
		return fmt.Sprintf("%s rate limited locally until %s", e.Endpoint, e.Reset.UTC().Format(time.RFC3339))
	}
	if e.Reset.IsZero() {
		return fmt.Sprintf("%s rate limited (HTTP %d), no reset hint", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s rate limited (HTTP %d) until %s", e.Endpoint, e.StatusCode, e.Reset.UTC().Format(time.RFC3339))
}

// TransientAPIError covers network failures, timeouts, 5xx responses and
// an open circuit breaker. Retrying later may succeed.
type TransientAPIError struct {
	Endpoint   string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransientAPIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s transient failure (HTTP %d): %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s transient failure: %v", e.Endpoint, e.Err)
}

func (e *TransientAPIError) Unwrap() error { return e.Err }

// APIError is any other non-success response, e.g. 403 for a duplicate reply
type APIError struct {
	Endpoint   string
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed (HTTP %d): %s", e.Endpoint, e.StatusCode, e.Detail)
}

// Kind names the error class for logs and metrics
func Kind(err error) string {
	var rl *RateLimitError
	var tr *TransientAPIError
	var api *APIError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &rl):
		return "rate_limit"
	case errors.As(err, &tr):
		return "transient"
	case errors.As(err, &api):
		return "api"
	default:
		return "unknown"
	}
}
