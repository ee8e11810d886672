// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides typed error handling for the Loom runtime.
//
// Errors carry a code from the runtime taxonomy so callers can distinguish
// configuration failures (fatal at initialization), connection failures
// (recorded on the server, never fatal to the pool), and dispatch failures
// (returned as data so a single unavailable tool does not abort a turn).
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Loom errors for recovery decisions and monitoring.
type ErrorCode string

const (
	// CodeInternal indicates an internal runtime error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeConfiguration indicates a bad or missing prompt source, skill
	// document, or agent profile. Surfaced at Initialize time.
	CodeConfiguration ErrorCode = "CONFIG_ERROR"

	// CodeConnection indicates a transport connect or discovery failure
	// against an external tool server.
	CodeConnection ErrorCode = "CONNECTION_ERROR"

	// CodeNotFound indicates a resource (agent, server, skill) was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeNotConnected indicates a dispatch against a server whose
	// connection is not in the connected state.
	CodeNotConnected ErrorCode = "NOT_CONNECTED"

	// CodeInvalidIdentifier indicates a namespaced capability identifier
	// that could not be parsed.
	CodeInvalidIdentifier ErrorCode = "INVALID_IDENTIFIER"

	// CodeDuplicateServer indicates a server registration under an id that
	// already exists.
	CodeDuplicateServer ErrorCode = "DUPLICATE_SERVER"

	// CodeToolFailure indicates the external server itself reported a
	// failed tool execution.
	CodeToolFailure ErrorCode = "TOOL_FAILURE"

	// CodeLLM indicates a model provider failure.
	CodeLLM ErrorCode = "LLM_ERROR"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeInvalidInput indicates invalid caller input.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// LoomError is a typed error with context for observability.
// It implements the error interface and supports errors.As / errors.Is
// through Unwrap.
type LoomError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]any
	Recoverable bool
}

// Error implements the error interface.
func (e *LoomError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *LoomError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *LoomError) MarshalJSON() ([]byte, error) {
	wire := struct {
		Code        string         `json:"code"`
		Message     string         `json:"message"`
		Cause       string         `json:"cause,omitempty"`
		Context     map[string]any `json:"context,omitempty"`
		Recoverable bool           `json:"recoverable"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Context:     e.Context,
		Recoverable: e.Recoverable,
	}
	if e.Err != nil {
		wire.Cause = e.Err.Error()
	}
	return json.Marshal(wire)
}

// New creates a LoomError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *LoomError {
	return &LoomError{
		Code:    code,
		Message: msg,
		Err:     cause,
	}
}

// Newf creates a LoomError with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...any) *LoomError {
	return &LoomError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for chaining.
func (e *LoomError) WithContext(key string, value any) *LoomError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRecoverable marks whether the error can be recovered from.
// Returns the error for chaining.
func (e *LoomError) WithRecoverable(recoverable bool) *LoomError {
	e.Recoverable = recoverable
	return e
}

// CodeOf extracts the error code from err, walking the chain.
// Unknown errors report CodeInternal; nil reports the empty code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if le := AsLoomError(err); le != nil {
		return le.Code
	}
	return CodeInternal
}

// AsLoomError returns err as a *LoomError if it is one, or nil.
func AsLoomError(err error) *LoomError {
	if err == nil {
		return nil
	}
	for e := err; e != nil; {
		if le, ok := e.(*LoomError); ok {
			return le
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		e = u.Unwrap()
	}
	return nil
}

// Wrap returns err as a LoomError, wrapping unknown errors as internal.
func Wrap(err error) *LoomError {
	if err == nil {
		return nil
	}
	if le := AsLoomError(err); le != nil {
		return le
	}
	return New(CodeInternal, "wrapped error", err)
}
