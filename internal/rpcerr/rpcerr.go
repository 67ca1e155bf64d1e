// Package rpcerr defines the stable error taxonomy shared by every core
// component and the tool transport that serializes it to JSON-RPC errors.
package rpcerr

import (
	"errors"
	"fmt"
)

// Code is one of the stable error kinds a tool call can fail with.
type Code string

const (
	InvalidArgument     Code = "INVALID_ARGUMENT"
	PathEscape          Code = "PATH_ESCAPE"
	NotFound            Code = "NOT_FOUND"
	StaleLease          Code = "STALE_LEASE"
	ReferenceIntegrity  Code = "REFERENCE_INTEGRITY"
	PatchConflict       Code = "PATCH_CONFLICT"
	VCSUnavailable      Code = "VCS_UNAVAILABLE"
	IO                  Code = "IO"
	Internal            Code = "INTERNAL"
)

// Error is a typed failure carrying a stable code, a message, and optional
// structured data (e.g. the current fingerprint for STALE_LEASE, or
// per-file rejects for PATCH_CONFLICT).
type Error struct {
	Code    Code
	Message string
	Data    any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error around an existing cause, preserving it for errors.Is/As.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithData attaches structured payload data to the error and returns it.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// As extracts an *Error from err, matching the stdlib errors.As convention.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the Code of err if it (or something it wraps) is an *Error,
// else Internal.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return Internal
}
