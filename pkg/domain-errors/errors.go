// Package domainerrors provides coded errors shared across services and the
// transport layer. Services wrap store and port failures with a code; the
// HTTP layer maps codes to status responses without inspecting messages.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers and for the transport mapping.
type Code string

const (
	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeTimeout      Code = "timeout"
	CodeInternal     Code = "internal"

	// Live-plan specific codes.
	CodeInvalidTrigger     Code = "invalid_trigger"
	CodeInvalidTransition  Code = "invalid_transition"
	CodeRendererTransient  Code = "renderer_transient"
	CodeRendererPermanent  Code = "renderer_permanent"
	CodeAnchorTransient    Code = "anchor_transient"
	CodeAnchorPermanent    Code = "anchor_permanent"
	CodeConcurrencyRetried Code = "concurrency_conflict"
)

// Error carries a code, a caller-facing message, and an optional cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error with no cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil err yields
// nil so call sites can wrap unconditionally.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// Is reports whether err or anything it wraps carries the given code.
func Is(err error, code Code) bool {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or CodeInternal when uncoded.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}
