// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/loomlabs/loom/pkg/errors"
)

// CLIError wraps LoomError with CLI-specific formatting and hints.
type CLIError struct {
	*errors.LoomError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(le *errors.LoomError, hint string) *CLIError {
	return &CLIError{
		LoomError: le,
		Hint:      hint,
	}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.LoomError == nil {
		return "unknown error"
	}
	msg := e.LoomError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// PrintError prints the error with appropriate formatting.
func (e *CLIError) PrintError(jsonOutput bool) {
	if jsonOutput {
		fmt.Fprintf(os.Stderr, `{"error":{"code":"%s","message":"%s","hint":"%s"}}%s`,
			e.LoomError.Code,
			e.LoomError.Message,
			e.Hint,
			"\n")
		return
	}

	fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", e.LoomError.Code, e.LoomError.Message)
	if e.Hint != "" {
		fmt.Fprintf(os.Stderr, "  Hint: %s\n", e.Hint)
	}
}

// NewNotFoundError creates a not found error with CLI hints.
func NewNotFoundError(resource, name string) *CLIError {
	le := errors.Newf(errors.CodeNotFound, "%s %q not found", resource, name).
		WithContext("resource", resource).
		WithContext("name", name)
	return NewCLIError(le, fmt.Sprintf("run 'loom %ss list' to see what is stored", resource))
}

// NewConfigError creates a configuration error with CLI hints.
func NewConfigError(err error, configPath string) *CLIError {
	le := errors.New(errors.CodeConfiguration, "configuration error", err).
		WithContext("config_path", configPath)

	hint := "check your configuration file syntax"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(le, hint)
}

// PrintTurnError prints a failure surfaced by a conversation turn.
func PrintTurnError(err error, jsonOutput bool) {
	if le := errors.AsLoomError(err); le != nil {
		hint := ""
		switch le.Code {
		case errors.CodeLLM:
			hint = "check the model endpoint and API key"
		case errors.CodeNotConnected, errors.CodeConnection:
			hint = "check that the tool server is running"
		case errors.CodeTimeout:
			hint = "increase tools.call_timeout in the configuration"
		}
		NewCLIError(le, hint).PrintError(jsonOutput)
		return
	}
	if jsonOutput {
		fmt.Fprintf(os.Stderr, `{"error":{"code":"UNKNOWN","message":"%s"}}%s`, err.Error(), "\n")
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
}

// FormatErrorCode returns a user-friendly name for error codes.
func FormatErrorCode(code errors.ErrorCode) string {
	switch code {
	case errors.CodeInternal:
		return "Internal Error"
	case errors.CodeConfiguration:
		return "Configuration Error"
	case errors.CodeConnection:
		return "Connection Error"
	case errors.CodeNotFound:
		return "Not Found"
	case errors.CodeNotConnected:
		return "Not Connected"
	case errors.CodeInvalidIdentifier:
		return "Invalid Identifier"
	case errors.CodeDuplicateServer:
		return "Duplicate Server"
	case errors.CodeToolFailure:
		return "Tool Failure"
	case errors.CodeLLM:
		return "LLM Error"
	case errors.CodeTimeout:
		return "Timeout"
	case errors.CodeInvalidInput:
		return "Invalid Input"
	default:
		return string(code)
	}
}
