package errors

import (
	"errors"
	"fmt"
)

// Kind defines different categories of errors
type Kind string

const (
	// KindTransient covers network failures, 502/503/504 and open circuit
	// breakers. Retriable.
	KindTransient Kind = "TRANSIENT"
	// KindTimeout is a deadline exceeded mid-call. Retriable.
	KindTimeout Kind = "TIMEOUT"
	// KindClient covers 400/401/403/404/422 and validation failures. Not retriable.
	KindClient Kind = "CLIENT"
	// KindSyntax covers parser/binder/missing-table errors regardless of
	// HTTP status. Never retriable.
	KindSyntax Kind = "SYNTAX"
	// KindServer covers 500 and unclassified 5xx. Retriable.
	KindServer Kind = "SERVER"
	// KindAllocation covers placement failures: no capacity, parent not
	// found, autoscaling refused.
	KindAllocation Kind = "ALLOCATION"
	// KindRouting covers undiscoverable shared masters and unhealthy
	// replica endpoints with fallback disallowed.
	KindRouting Kind = "ROUTING"
	// KindConfiguration covers startup failures: missing base URL,
	// unparseable manifest.
	KindConfiguration Kind = "CONFIGURATION"
)

// AppError is the custom error type for the control plane. It carries a
// kind, an optional HTTP status from the backend, and a small details map
// surfaced to callers.
type AppError struct {
	Kind    Kind
	Message string
	Status  int
	Details map[string]any
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is and errors.As to work
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithStatus attaches the backend HTTP status to the error.
func (e *AppError) WithStatus(status int) *AppError {
	e.Status = status
	return e
}

// WithDetail attaches a key/value pair to the details map.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Retriable reports whether the error may be retried. Timeout is a
// subtype of Transient; Syntax is a subtype of Client and is never
// retried regardless of configuration.
func (e *AppError) Retriable() bool {
	switch e.Kind {
	case KindTransient, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

// Constructor functions for the different kinds

func NewTransient(message string, err error) *AppError {
	return &AppError{Kind: KindTransient, Message: message, Err: err}
}

func NewTimeout(message string, err error) *AppError {
	return &AppError{Kind: KindTimeout, Message: message, Err: err}
}

func NewClient(message string) *AppError {
	return &AppError{Kind: KindClient, Message: message}
}

func NewSyntax(message string) *AppError {
	return &AppError{Kind: KindSyntax, Message: message}
}

func NewServer(message string, err error) *AppError {
	return &AppError{Kind: KindServer, Message: message, Err: err}
}

func NewAllocation(message string) *AppError {
	return &AppError{Kind: KindAllocation, Message: message}
}

func NewRouting(message string) *AppError {
	return &AppError{Kind: KindRouting, Message: message}
}

func NewConfiguration(message string) *AppError {
	return &AppError{Kind: KindConfiguration, Message: message}
}

// Wrap wraps an error with additional context, preserving its kind when
// it is already an AppError.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:    appErr.Kind,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Status:  appErr.Status,
			Details: appErr.Details,
			Err:     appErr.Err,
		}
	}

	return &AppError{Kind: KindServer, Message: message, Err: err}
}

// Type checking functions

func isKind(err error, kind Kind) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// IsRetriable reports whether err carries a retriable kind. Unknown
// errors are treated as not retriable.
func IsRetriable(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Retriable()
}

func IsTransient(err error) bool { return isKind(err, KindTransient) }
func IsTimeout(err error) bool   { return isKind(err, KindTimeout) }
func IsClient(err error) bool    { return isKind(err, KindClient) }
func IsSyntax(err error) bool    { return isKind(err, KindSyntax) }
func IsServer(err error) bool    { return isKind(err, KindServer) }

func IsAllocation(err error) bool    { return isKind(err, KindAllocation) }
func IsRouting(err error) bool       { return isKind(err, KindRouting) }
func IsConfiguration(err error) bool { return isKind(err, KindConfiguration) }
