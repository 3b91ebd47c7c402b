package errors

import (
	"errors"
	"fmt"
)

// Category represents the type of error.
type Category string

const (
	CategoryConfig  Category = "config"
	CategoryNetwork Category = "network"
	CategoryCLI     Category = "cli"
)

// CodedError is a structured error with an explanation and a fix hint.
type CodedError struct {
	// Code is a unique error identifier (e.g., "W201").
	Code string

	// Category is the error type.
	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation of the error.
	Detail string

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Wrapped
}

// WithSuggestion adds a fix suggestion to the error.
func (e *CodedError) WithSuggestion(s string) *CodedError {
	e.Suggestion = s
	return e
}

// WithDetail replaces the registered explanation.
func (e *CodedError) WithDetail(d string) *CodedError {
	e.Detail = d
	return e
}

// Wrap wraps another error.
func (e *CodedError) Wrap(err error) *CodedError {
	e.Wrapped = err
	return e
}

// New creates a CodedError from a registered error code.
func New(code string) *CodedError {
	template, ok := registry[code]
	if !ok {
		return &CodedError{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &CodedError{
		Code:       code,
		Category:   template.Category,
		Message:    template.Message,
		Detail:     template.Detail,
		Suggestion: template.Suggestion,
	}
}

// Newf creates a CodedError with a formatted message and no code.
func Newf(category Category, format string, args ...any) *CodedError {
	return &CodedError{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps err under code unless it already is a CodedError.
func FromError(err error, code string) *CodedError {
	if err == nil {
		return nil
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce
	}
	return New(code).Wrap(err)
}
