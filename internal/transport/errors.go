// Package transport is the HTTP adapter between the client operation queue
// and the coordination server: entity writes, remote conflict resolution,
// review queue and history calls, and the health check.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, transport.ErrConflict) to check.
var (
	ErrBadRequest   = errors.New("transport: bad request")
	ErrUnauthorized = errors.New("transport: unauthorized")
	ErrForbidden    = errors.New("transport: forbidden")
	ErrNotFound     = errors.New("transport: not found")
	ErrConflict     = errors.New("transport: version conflict")
	ErrRejected     = errors.New("transport: rejected")
	ErrTimeout      = errors.New("transport: request timeout")
	ErrThrottled    = errors.New("transport: throttled")
	ErrServerError  = errors.New("transport: server error")
	ErrNetwork      = errors.New("transport: network unavailable")
)

// HTTPError wraps a sentinel error with the HTTP status code and the
// server's error message.
type HTTPError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("transport: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusRequestTimeout:
		return ErrTimeout
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		if code >= http.StatusBadRequest {
			return ErrRejected
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is worth retrying later without changing
// the request: connectivity loss, timeouts, throttling and server faults.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrServerError)
}

// IsRejection reports whether the server refused the request for a reason
// a retry cannot fix: validation failures and business rule violations.
// Version conflicts are not rejections.
func IsRejection(err error) bool {
	if errors.Is(err, ErrConflict) {
		return false
	}

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}

	return httpErr.StatusCode >= http.StatusBadRequest &&
		httpErr.StatusCode < http.StatusInternalServerError &&
		!IsTransient(err)
}

// errorMessage extracts the message from a {"error": "..."} body, falling
// back to the raw text.
func errorMessage(body []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}

	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}

	return strings.TrimSpace(string(body))
}
