package travel

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error category.
type Code string

const (
	CodeOK            Code = "OK"
	CodeValidation    Code = "VALIDATION"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeStorage       Code = "STORAGE"
	CodeNotFound      Code = "NOT_FOUND"
)

// Error is the domain error returned by the engine and the stores.
type Error struct {
	Code    Code
	Message string
	Field   string // set for validation errors
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrValidation    = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrStateConflict = &Error{Code: CodeStateConflict, Message: "state conflict"}
	ErrStorage       = &Error{Code: CodeStorage, Message: "storage failure"}
	ErrNotFound      = &Error{Code: CodeNotFound, Message: "agent not found"}
)

// Validation returns a validation error for field.
func Validation(field, message string) *Error {
	return &Error{Code: CodeValidation, Message: message, Field: field}
}

// Conflict returns a state conflict with a human-readable reason.
func Conflict(reason string) *Error {
	return &Error{Code: CodeStateConflict, Message: reason}
}

// NotFound returns a not-found error naming the agent.
func NotFound(agentID string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("agent %s not found", agentID)}
}

// Storage wraps a persistence failure.
func Storage(op string, err error) *Error {
	return &Error{Code: CodeStorage, Message: op, Cause: err}
}

// CodeOf returns the code of err, treating untyped errors as storage failures.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStorage
}

func outcome(err error) Code {
	if err == nil {
		return CodeOK
	}
	return CodeOf(err)
}

// classify leaves domain errors untouched and wraps everything else.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Storage(op, err)
}
