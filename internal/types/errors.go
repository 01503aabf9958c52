package types

import (
	"errors"
	"fmt"
)

// Code identifies an error class in the engine's taxonomy. Every error that
// crosses the tool surface carries exactly one code.
type Code string

// Error codes
const (
	CodeInvalidArgument       Code = "InvalidArgument"
	CodeNotFound              Code = "NotFound"
	CodeConflict              Code = "Conflict"
	CodeFrameStackOverflow    Code = "FrameStackOverflow"
	CodePayloadTooLarge       Code = "PayloadTooLarge"
	CodeSessionNotActive      Code = "SessionNotActive"
	CodeStoreUnavailable      Code = "StoreUnavailable"
	CodeCorruptRecord         Code = "CorruptRecord"
	CodeTimeout               Code = "Timeout"
	CodeDegradedMode          Code = "DegradedMode"
	CodeProjectNotInitialized Code = "ProjectNotInitialized"
	CodeInternal              Code = "Internal"
)

// Error is the engine's typed error. Message is always safe to show to the
// caller; Details carries structured context for the error envelope.
type Error struct {
	Code    Code           `json:"error_code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetail attaches one structured detail and returns the error
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error without leaking it into Message
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// E constructs a typed error with a formatted message
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err, or CodeInternal when err is
// not a typed engine error. Returns "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given taxonomy code
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
