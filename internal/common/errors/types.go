// Package errors defines the structured error taxonomy used across the scheduler.
//
// Every failure a tick can observe converges on one ErrorType, and the runner
// decides between disabling a trigger and backing it off purely from that type.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeConfig marks a permanent configuration problem (process or trigger)
	ErrTypeConfig ErrorType = "config"
	// ErrTypeInactiveTarget marks an owning workflow or agent that is confirmed gone
	ErrTypeInactiveTarget ErrorType = "inactive_target"
	// ErrTypeTransientCheck marks a failed call to the check endpoint
	ErrTypeTransientCheck ErrorType = "transient_check"
	// ErrTypeDispatch marks a failed event-bus ingestion
	ErrTypeDispatch ErrorType = "dispatch"
	// ErrTypeStoreRead marks a failed due-trigger scan
	ErrTypeStoreRead ErrorType = "store_read"
	// ErrTypeStoreWrite marks a failed best-effort trigger update
	ErrTypeStoreWrite ErrorType = "store_write"
	// ErrTypeConnection represents transport-level failures
	ErrTypeConnection ErrorType = "connection"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// InactiveTargetError reports that the entity owning a trigger no longer exists
// or is no longer active.
func InactiveTargetError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInactiveTarget,
		Message: msg,
		Cause:   cause,
	}
}

// TransientCheckError wraps a failed check-endpoint call
func TransientCheckError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeTransientCheck,
		Message: msg,
		Cause:   cause,
	}
}

// DispatchError wraps a failed event-bus ingestion
func DispatchError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeDispatch,
		Message: msg,
		Cause:   cause,
	}
}

// StoreReadError wraps a failed due-trigger scan
func StoreReadError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeStoreRead,
		Message: msg,
		Cause:   cause,
	}
}

// StoreWriteError wraps a failed trigger update
func StoreWriteError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeStoreWrite,
		Message: msg,
		Cause:   cause,
	}
}

// ConnectionError creates a new connection error
func ConnectionError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeConnection,
		Message: msg,
		Cause:   cause,
	}
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// IsType reports whether err, or any error it wraps, is an AppError of errType.
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Type == errType {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// GetType returns the type of the outermost AppError in err's chain, or
// ErrTypeInternal when there is none.
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return ErrTypeInternal
	}

	return appErr.Type
}

// Is delegates to the standard library so callers need a single errors import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As delegates to the standard library so callers need a single errors import.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// New delegates to the standard library so callers need a single errors import.
func New(msg string) error {
	return stderrors.New(msg)
}
