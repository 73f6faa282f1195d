package smooth

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// APIError reports a failed exchange with the service. StatusCode is 0 when
// the request never completed (connection refused, reset, timed out).
type APIError struct {
	StatusCode   int
	Detail       string
	ResponseData map[string]any
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("API error: %s", e.Detail)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Detail)
}

// HTTPStatus implements the retry classifier's status carrier.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// BadRequestError reports a resource that is structurally unavailable given
// the current task state, as opposed to one that does not exist yet.
type BadRequestError struct {
	APIError
}

// NewBadRequestError builds a BadRequestError with the given detail.
func NewBadRequestError(detail string) *BadRequestError {
	return &BadRequestError{APIError{StatusCode: http.StatusBadRequest, Detail: detail}}
}

// Unwrap exposes the underlying APIError to errors.As chains.
func (e *BadRequestError) Unwrap() error { return &e.APIError }

// TimeoutError reports that a wait exceeded its deadline while the awaited
// condition never became true.
type TimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s did not complete within %s", e.TaskID, e.Timeout)
}

// ToolCallError is a recoverable, caller-facing failure raised by a custom
// tool or a remote browser action. The agent is told about it and continues.
type ToolCallError struct {
	Message string
}

func (e *ToolCallError) Error() string { return e.Message }

// NewToolCallError builds a ToolCallError. Custom tool callbacks return one
// to report a recoverable failure to the agent.
func NewToolCallError(format string, args ...any) *ToolCallError {
	return &ToolCallError{Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports an out-of-range caller parameter, raised before
// any network activity.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ErrConnectionClosed is observed by callers that were awaiting a reply
// event when the task's poller stopped.
var ErrConnectionClosed = errors.New("task connection closed before the reply arrived")

// IsNotFound reports whether err is an APIError with a 404 status.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsTimeout reports whether err is a wait deadline failure.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}
