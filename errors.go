package alter

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrAuth is a fatal authentication failure from an LLM backend.
// It is never retried.
type ErrAuth struct {
	Provider string
	Message  string
}

func (e *ErrAuth) Error() string {
	return fmt.Sprintf("%s: auth: %s", e.Provider, e.Message)
}

// ErrLLM is a non-retryable provider failure (malformed response,
// unsupported request, safety block).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a transport-level failure carrying the HTTP status. Status 429
// and 5xx are considered transient; RetryAfter, when nonzero, is the server's
// advisory minimum delay before the next attempt.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrStuck is raised by the agent loop when the stuck detector orders
// termination. It ends the current run only.
type ErrStuck struct {
	TaskID  string
	Message string
}

func (e ErrStuck) Error() string {
	return "stuck: " + e.Message
}

// ParseRetryAfter parses an HTTP Retry-After header value: either an integer
// number of seconds or an HTTP date. Returns 0 when absent or malformed.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
