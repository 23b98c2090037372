package ecs

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a scheduler error.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates a misconfigured schedule.
	// Examples: conflicting declarations, duplicate labels, dependency cycles.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassExecution indicates that a system failed while running.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassInternal indicates a broken scheduler invariant.
	ErrorClassInternal ErrorClass = "internal"
)

// SchedulerError represents a classified error with scheduling context.
type SchedulerError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Label is the system that caused the error, if applicable.
	Label Label `json:"label,omitempty"`

	// Channel is the channel the system belongs to, if applicable.
	Channel string `json:"channel,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *SchedulerError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Label != "" && e.Channel != "":
		msg = fmt.Sprintf("%s (system=%s, channel=%s)", msg, e.Label, e.Channel)
	case e.Label != "":
		msg = fmt.Sprintf("%s (system=%s)", msg, e.Label)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *SchedulerError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *SchedulerError) Is(target error) bool {
	t, ok := target.(*SchedulerError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *SchedulerError {
	return &SchedulerError{
		Class:   ErrorClassConfiguration,
		Message: message,
		Err:     err,
	}
}

// NewExecutionError creates a new execution error.
func NewExecutionError(message string, err error) *SchedulerError {
	return &SchedulerError{
		Class:   ErrorClassExecution,
		Message: message,
		Err:     err,
	}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *SchedulerError {
	return &SchedulerError{
		Class:   ErrorClassInternal,
		Message: message,
		Err:     err,
	}
}

// WithLabel adds system context to an error.
func (e *SchedulerError) WithLabel(label Label) *SchedulerError {
	e.Label = label
	return e
}

// WithChannel adds channel context to an error.
func (e *SchedulerError) WithChannel(channel string) *SchedulerError {
	e.Channel = channel
	return e
}

// WithCode adds an error code to an error.
func (e *SchedulerError) WithCode(code string) *SchedulerError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *SchedulerError) WithDetail(key string, value interface{}) *SchedulerError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinel values for errors.Is. Only Class and Code are compared.
var (
	ErrDeclarationConflict   = &SchedulerError{Class: ErrorClassConfiguration, Code: ErrCodeDeclarationConflict}
	ErrDuplicateLabel        = &SchedulerError{Class: ErrorClassConfiguration, Code: ErrCodeDuplicateLabel}
	ErrDependencyCycle       = &SchedulerError{Class: ErrorClassConfiguration, Code: ErrCodeDependencyCycle}
	ErrOrderingContradiction = &SchedulerError{Class: ErrorClassConfiguration, Code: ErrCodeOrderingContradiction}
	ErrSystemFailed          = &SchedulerError{Class: ErrorClassExecution, Code: ErrCodeSystemFailed}
	ErrNotFound              = &SchedulerError{Class: ErrorClassConfiguration, Code: ErrCodeNotFound}
)

// IsConfiguration returns true if the error is a schedule configuration error.
func IsConfiguration(err error) bool {
	var e *SchedulerError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConfiguration
	}
	return false
}

// IsExecution returns true if the error was raised by a running system.
func IsExecution(err error) bool {
	var e *SchedulerError
	if errors.As(err, &e) {
		return e.Class == ErrorClassExecution
	}
	return false
}

// FailedLabel returns the label of the system named by err, if any.
func FailedLabel(err error) (Label, bool) {
	var e *SchedulerError
	if errors.As(err, &e) && e.Label != "" {
		return e.Label, true
	}
	return "", false
}

// Error codes.
const (
	ErrCodeDeclarationConflict   = "DECLARATION_CONFLICT"
	ErrCodeDuplicateLabel        = "DUPLICATE_LABEL"
	ErrCodeDependencyCycle       = "DEPENDENCY_CYCLE"
	ErrCodeOrderingContradiction = "ORDERING_CONTRADICTION"
	ErrCodeSystemFailed          = "SYSTEM_FAILED"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeInternal              = "INTERNAL_ERROR"
)
