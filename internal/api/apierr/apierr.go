// Package apierr defines the uniform error envelope the HTTP surface
// returns: {code, message, retryable, retry_after?}.
package apierr

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Error codes surfaced to clients.
const (
	CodeValidation           = "validation"
	CodeUnregisteredProject  = "unregistered_project"
	CodeNotFound             = "not_found"
	CodeWrongState           = "wrong_state"
	CodePaneUnavailable      = "pane_unavailable"
	CodeSendFailed           = "send_failed"
	CodeInferenceUnavailable = "inference_unavailable"
	CodeTooManySubscribers   = "too_many_subscribers"
	CodeUnauthorized         = "unauthorized"
	CodeServerError          = "server_error"
)

// Error is the wire envelope. It satisfies the error interface so services
// can return it directly and handlers can map it with Write.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
	status     int
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Status returns the HTTP status the error maps to.
func (e *Error) Status() int { return e.status }

// WithRetryAfter sets the retry hint in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

func newError(status int, code, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable, status: status}
}

// Validation is a malformed-request error.
func Validation(message string) *Error {
	return newError(http.StatusBadRequest, CodeValidation, message, false)
}

// UnregisteredProject signals that the working directory's project was never
// registered. Clients must register it explicitly.
func UnregisteredProject(path string) *Error {
	return newError(http.StatusNotFound, CodeUnregisteredProject,
		"no registered project for "+path, false)
}

// NotFound is a missing-resource error.
func NotFound(message string) *Error {
	return newError(http.StatusNotFound, CodeNotFound, message, false)
}

// WrongState rejects an operation the session's task state does not allow.
func WrongState(message string) *Error {
	return newError(http.StatusConflict, CodeWrongState, message, false)
}

// PaneUnavailable signals the target pane is gone or unresponsive.
func PaneUnavailable(message string) *Error {
	return newError(http.StatusServiceUnavailable, CodePaneUnavailable, message, true)
}

// SendFailed signals text delivery could not be verified.
func SendFailed(message string) *Error {
	return newError(http.StatusBadGateway, CodeSendFailed, message, true)
}

// InferenceUnavailable signals the summary backend is down. Canonical state
// is unaffected.
func InferenceUnavailable() *Error {
	return newError(http.StatusServiceUnavailable, CodeInferenceUnavailable,
		"inference backend unavailable", true)
}

// TooManySubscribers refuses a stream registration over the cap.
func TooManySubscribers(retryAfter int) *Error {
	return newError(http.StatusServiceUnavailable, CodeTooManySubscribers,
		"subscriber limit reached", true).WithRetryAfter(retryAfter)
}

// Unauthorized rejects a request without a valid bearer token.
func Unauthorized() *Error {
	return newError(http.StatusUnauthorized, CodeUnauthorized, "invalid or missing token", false)
}

// Internal wraps an unexpected failure. The underlying error stays in the
// logs, not the response.
func Internal() *Error {
	return newError(http.StatusInternalServerError, CodeServerError, "request failed", true)
}

// Write emits err as the envelope. Non-apierr errors become Internal; a
// retry_after also sets the Retry-After header for proxies.
func Write(c *gin.Context, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = Internal()
	}
	if apiErr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	c.AbortWithStatusJSON(apiErr.status, gin.H{"error": apiErr})
}
