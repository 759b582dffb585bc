package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of tool failure categories surfaced to
// callers. Kinds map one-to-one onto the "type" field of a serialized
// tool error.
type ErrorKind string

const (
	ErrNotFound            ErrorKind = "NOT_FOUND"
	ErrRecipientNotFound   ErrorKind = "RECIPIENT_NOT_FOUND"
	ErrContactRequired     ErrorKind = "CONTACT_REQUIRED"
	ErrContactBlocked      ErrorKind = "CONTACT_BLOCKED"
	ErrReservationConflict ErrorKind = "FILE_RESERVATION_CONFLICT"
	ErrInvalidArgument     ErrorKind = "INVALID_ARGUMENT"
	ErrCapabilityDenied    ErrorKind = "CAPABILITY_DENIED"
	ErrUnhandled           ErrorKind = "UNHANDLED_EXCEPTION"
)

// ToolError is a structured, category-tagged failure. Recoverable errors
// describe conditions the caller can repair (retry with different
// arguments, request contact first, pick another path); unrecoverable
// ones should stop the caller's current approach.
type ToolError struct {
	Kind        ErrorKind      `json:"type"`
	Message     string         `json:"message"`
	Recoverable bool           `json:"recoverable"`
	Data        map[string]any `json:"data,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewToolError builds a ToolError with the given kind and message. The
// default recoverability of each kind follows the taxonomy:
// CONTACT_BLOCKED, CAPABILITY_DENIED, and UNHANDLED_EXCEPTION are
// unrecoverable, everything else the caller can repair and retry.
func NewToolError(kind ErrorKind, msg string, data map[string]any) *ToolError {
	recoverable := true
	switch kind {
	case ErrContactBlocked, ErrCapabilityDenied, ErrUnhandled:
		recoverable = false
	}
	return &ToolError{Kind: kind, Message: msg, Recoverable: recoverable, Data: data}
}

// NotFoundf builds a NOT_FOUND error with a formatted message.
func NotFoundf(format string, args ...any) *ToolError {
	return NewToolError(ErrNotFound, fmt.Sprintf(format, args...), nil)
}

// Invalidf builds an INVALID_ARGUMENT error with a formatted message.
func Invalidf(format string, args ...any) *ToolError {
	return NewToolError(ErrInvalidArgument, fmt.Sprintf(format, args...), nil)
}

// AsToolError unwraps err looking for a *ToolError.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// WrapUnhandled converts an arbitrary error into the UNHANDLED_EXCEPTION
// category, preserving ToolErrors as-is.
func WrapUnhandled(err error) *ToolError {
	if te, ok := AsToolError(err); ok {
		return te
	}
	return NewToolError(ErrUnhandled, err.Error(), nil)
}
