package server

import (
	"errors"
	"fmt"

	"github.com/joshdurbin/strava-stats/internal/strava"
)

// ErrorCode classifies tool failures so a client can tell bad arguments from
// an unavailable activity source
type ErrorCode string

const (
	ErrInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrSourceError   ErrorCode = "SOURCE_ERROR"
	ErrUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// ToolError is returned from tool and resource handlers. Details is free text
// for the caller; cause is kept for errors.Is and errors.As.
type ToolError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`

	cause error
}

func (e *ToolError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.cause
}

// NewInvalidInputErrorWithDetails reports an argument the tool cannot use
func NewInvalidInputErrorWithDetails(msg, details string) *ToolError {
	return &ToolError{Code: ErrInvalidInput, Message: msg, Details: details}
}

// NewNotFoundError reports an unknown resource
func NewNotFoundError(resource string) *ToolError {
	return &ToolError{Code: ErrNotFound, Message: fmt.Sprintf("%s not found", resource)}
}

// NewSourceError wraps a failed snapshot load. A token rejected by Strava gets
// its own code so the client can ask for a new one.
func NewSourceError(err error) *ToolError {
	if errors.Is(err, strava.ErrUnauthorized) {
		return &ToolError{
			Code:    ErrUnauthorized,
			Message: "Strava rejected the access token",
			Details: err.Error(),
			cause:   err,
		}
	}
	return &ToolError{
		Code:    ErrSourceError,
		Message: "Loading activities failed",
		Details: err.Error(),
		cause:   err,
	}
}

// NewInternalErrorWithCause wraps a failure that is not the caller's fault
func NewInternalErrorWithCause(msg string, err error) *ToolError {
	return &ToolError{
		Code:    ErrInternalError,
		Message: msg,
		Details: err.Error(),
		cause:   err,
	}
}

// CodeOf returns the code of the first ToolError in err's chain, or
// ErrInternalError when there is none
func CodeOf(err error) ErrorCode {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Code
	}
	return ErrInternalError
}
