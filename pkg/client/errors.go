package client

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrUnauthenticated is returned when no access token could be obtained.
	ErrUnauthenticated = errors.New("no access token")
)

// APIError is an application-level error reported by the CRM in a JSON body.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("CRM API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("CRM API error %s (status %d): %s", e.Code, e.StatusCode, e.Message)
}

// Class returns the error class derived from the HTTP status.
func (e *APIError) Class() ErrorClass {
	return classifyStatus(e.StatusCode)
}

// HTTPError is a non-success status that carried no parsable error body.
type HTTPError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("CRM %s error (status %d): %s", e.ErrorClass, e.StatusCode, e.Message)
}

// NetworkError wraps a transport failure.
type NetworkError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("CRM %s request: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ClassOf returns the error class of err, or "" when err did not come from
// the client.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	var httpErr *HTTPError
	var netErr *NetworkError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return ErrorClassAuth
	case errors.As(err, &apiErr):
		return apiErr.Class()
	case errors.As(err, &httpErr):
		return httpErr.ErrorClass
	case errors.As(err, &netErr):
		return ErrorClassNetwork
	default:
		return ""
	}
}

// IsRetryable reports whether repeating the failed call may succeed.
// Cancelled or expired contexts are never retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return shouldRetry(ClassOf(err))
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx errors should NOT be retried (wastes API credits)
		return false
	case ErrorClassServer:
		return true
	case ErrorClassRateLimit:
		return true
	case ErrorClassNetwork:
		return true
	case ErrorClassAuth:
		// the token was invalidated, the next call refreshes it
		return true
	default:
		return false
	}
}
