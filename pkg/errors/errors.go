// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides typed error handling with rich context for Noesis.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Noesis errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeToolFailure indicates a tool execution failed. Recovered locally
	// as an observation step, never fatal to the turn.
	CodeToolFailure ErrorCode = "TOOL_FAILURE"

	// CodeRiskBlocked indicates the risk gate refused a tool call.
	CodeRiskBlocked ErrorCode = "RISK_BLOCKED"

	// CodeProviderTransient indicates one provider in a chain failed with a
	// retryable condition (timeout, 5xx, quota).
	CodeProviderTransient ErrorCode = "PROVIDER_TRANSIENT"

	// CodeProviderExhausted indicates every provider in a chain failed.
	CodeProviderExhausted ErrorCode = "PROVIDER_EXHAUSTED"

	// CodeRateLimited indicates the per-tier call budget was exceeded before
	// any provider was contacted.
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// CodeDeliberationPartial indicates fewer hypotheses than requested were
	// available for synthesis.
	CodeDeliberationPartial ErrorCode = "DELIBERATION_PARTIAL"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeLLMError indicates an LLM provider error.
	CodeLLMError ErrorCode = "LLM_ERROR"
)

// NoesisError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type NoesisError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *NoesisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *NoesisError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *NoesisError) MarshalJSON() ([]byte, error) {
	type Alias NoesisError
	return json.Marshal(&struct {
		Message     string `json:"message"`
		Code        string `json:"code"`
		Err         string `json:"error,omitempty"`
		Recoverable bool   `json:"recoverable"`
		*Alias
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         fmt.Sprintf("%v", e.Err),
		Recoverable: e.Recoverable,
		Alias:       (*Alias)(e),
	})
}

// New creates a new NoesisError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *NoesisError {
	return &NoesisError{
		Code:    code,
		Message: msg,
		Err:     cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *NoesisError) WithContext(key string, value interface{}) *NoesisError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *NoesisError) WithRecoverable(recoverable bool) *NoesisError {
	e.Recoverable = recoverable
	return e
}

// AsNoesisError attempts to convert an error to a NoesisError.
// Returns the error as NoesisError if it is one, or wraps it otherwise.
func AsNoesisError(err error) *NoesisError {
	if err == nil {
		return nil
	}
	if ne, ok := err.(*NoesisError); ok {
		return ne
	}
	return New(CodeInternal, "wrapped error", err)
}

// HasCode reports whether err is a NoesisError carrying the given code.
func HasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	ne, ok := err.(*NoesisError)
	return ok && ne.Code == code
}
