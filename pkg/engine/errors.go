// Package engine provides the core types for the deck deployment engine.
// It defines the plan/apply workflow: Resolve -> Inspect -> Plan -> Apply -> Result.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an engine error for retry and reporting logic.
type ErrorKind string

const (
	// ErrorKindTargetNotFound indicates the named target is not in the inventory.
	// This is a usage error the user can correct.
	ErrorKindTargetNotFound ErrorKind = "target-not-found"

	// ErrorKindUnsupportedOperation indicates a capability mismatch detected at
	// plan time, before any step has been applied.
	ErrorKindUnsupportedOperation ErrorKind = "unsupported-operation"

	// ErrorKindPreconditionFailed indicates live target state diverged from the
	// state observed at plan time.
	ErrorKindPreconditionFailed ErrorKind = "precondition-failed"

	// ErrorKindProviderTimeout indicates a provider call exceeded its deadline.
	// Retry-eligible by re-invoking apply on the same plan.
	ErrorKindProviderTimeout ErrorKind = "provider-timeout"

	// ErrorKindProviderFault indicates a backend-reported failure. The backend
	// error detail is preserved verbatim in the wrapped error.
	ErrorKindProviderFault ErrorKind = "provider-fault"

	// ErrorKindValidation indicates invalid configuration or input.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindInternal indicates an unexpected engine failure.
	ErrorKindInternal ErrorKind = "internal"
)

// Error is a classified engine error with target and step context.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Target is the target name involved, if any.
	Target string `json:"target,omitempty"`

	// Step is the step ID involved, if any.
	Step string `json:"step,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details carries additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Target != "" && e.Step != "":
		return fmt.Sprintf("[%s] %s (target=%s, step=%s)%s", e.Kind, e.Message, e.Target, e.Step, e.unwrapSuffix())
	case e.Target != "":
		return fmt.Sprintf("[%s] %s (target=%s)%s", e.Kind, e.Message, e.Target, e.unwrapSuffix())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Kind, e.Message, e.unwrapSuffix())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is: two engine errors match on kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a classified engine error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewTargetNotFoundError creates a target-not-found error for the given name.
func NewTargetNotFoundError(name string) *Error {
	return &Error{
		Kind:    ErrorKindTargetNotFound,
		Message: "target not found in inventory",
		Target:  name,
	}
}

// NewUnsupportedOperationError creates a capability mismatch error.
func NewUnsupportedOperationError(target string, op StepOp) *Error {
	return &Error{
		Kind:    ErrorKindUnsupportedOperation,
		Message: fmt.Sprintf("target does not support operation %q", op),
		Target:  target,
	}
}

// NewPreconditionFailedError creates a precondition-failed error.
func NewPreconditionFailedError(message string, err error) *Error {
	return &Error{
		Kind:    ErrorKindPreconditionFailed,
		Message: message,
		Err:     err,
	}
}

// NewProviderTimeoutError creates a provider-timeout error.
func NewProviderTimeoutError(message string, err error) *Error {
	return &Error{
		Kind:    ErrorKindProviderTimeout,
		Message: message,
		Err:     err,
	}
}

// NewProviderFaultError creates a provider-fault error preserving the backend
// error detail.
func NewProviderFaultError(message string, err error) *Error {
	return &Error{
		Kind:    ErrorKindProviderFault,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{
		Kind:    ErrorKindValidation,
		Message: message,
		Err:     err,
	}
}

// WithTarget adds target context to an error.
func (e *Error) WithTarget(name string) *Error {
	e.Target = name
	return e
}

// WithStep adds step context to an error.
func (e *Error) WithStep(stepID string) *Error {
	e.Step = stepID
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// kindOf extracts the error kind from an error chain.
func kindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsTargetNotFound returns true if the error is a target-not-found error.
func IsTargetNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindTargetNotFound
}

// IsUnsupportedOperation returns true if the error is a capability mismatch.
func IsUnsupportedOperation(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindUnsupportedOperation
}

// IsPreconditionFailed returns true if the error is a precondition failure.
func IsPreconditionFailed(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindPreconditionFailed
}

// IsProviderTimeout returns true if the error is a provider timeout.
func IsProviderTimeout(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindProviderTimeout
}

// IsProviderFault returns true if the error is a backend-reported fault.
func IsProviderFault(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorKindProviderFault
}

// IsRetryable returns true if re-invoking apply on the same plan may succeed.
// Timeouts are retryable; faults and precondition failures need intervention.
func IsRetryable(err error) bool {
	return IsProviderTimeout(err)
}

// ErrServiceNotFound is returned by Inspect when the service does not exist on
// the target. It is data for the planner (the service must be created), not a
// run failure.
var ErrServiceNotFound = errors.New("service not found on target")
