// Package faults defines the coded error taxonomy shared by the tile engine.
//
// Three codes matter to callers:
//   - Transport: a network or payload failure; the affected tiles revert to
//     Requested and the error is handed to an observer.
//   - Addressing: a degenerate viewport (zero-width domain or range); the
//     reconciliation pass becomes a no-op.
//   - Capacity: a pass would need more tiles than the configured ceiling; the
//     zoom level is clamped instead.
//
// Usage:
//
//	err := faults.Wrap(faults.Transport, cause, "fetch %d tiles", n)
//	if faults.Is(err, faults.Transport) {
//	    // recover locally
//	}
package faults

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error category.
type Code string

const (
	Transport  Code = "TRANSPORT"
	Addressing Code = "ADDRESSING"
	Capacity   Code = "CAPACITY_EXCEEDED"
	Config     Code = "CONFIG"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether any error in err's chain carries code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
