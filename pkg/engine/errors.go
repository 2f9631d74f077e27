// Package engine implements idempotent reconciliation of declared resources
// against a Catalyst Center controller: identity resolution, drift detection,
// action planning, execution with task tracking, and run orchestration.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/ccrecon/pkg/rpc"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates the controller rejected a concurrent change.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrorKind is the user-visible failure category of a resource.
type ErrorKind string

const (
	KindSchemaInvalid        ErrorKind = "schema_invalid"
	KindInconsistentIdentity ErrorKind = "inconsistent_identity"
	KindTransport            ErrorKind = "transport"
	KindAuthExpired          ErrorKind = "auth_expired"
	KindConflict             ErrorKind = "conflict"
	KindValidation           ErrorKind = "validation"
	KindNotFound             ErrorKind = "not_found"
	KindServerFault          ErrorKind = "server_fault"
	KindTaskFailed           ErrorKind = "task_failed"
	KindTaskTimeout          ErrorKind = "task_timeout"
	KindCancelled            ErrorKind = "cancelled"
	KindPolicyDenied         ErrorKind = "policy_denied"
	KindDependencyFailed     ErrorKind = "dependency_failed"
	KindCatalog              ErrorKind = "catalog"
)

// Class returns the retry classification of the kind.
func (k ErrorKind) Class() ErrorClass {
	switch k {
	case KindTransport:
		return ErrorClassTransient
	case KindConflict:
		return ErrorClassConflict
	default:
		return ErrorClassPermanent
	}
}

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Kind is the failure category shown in the run report.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the best-effort identity of the resource.
	Resource string `json:"resource,omitempty"`

	// Operation is the action being attempted when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Detail is the controller-provided reason, verbatim.
	Detail string `json:"detail,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{
		Class:   kind.Class(),
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(identity string) *EngineError {
	e.Resource = identity
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of err, or "" if it is not an *EngineError.
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if a whole-resource retry may succeed.
// Transient and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// FromRPC converts an RPC or context error into an *EngineError. Errors that
// are already *EngineError are returned unchanged.
func FromRPC(err error, message string) *EngineError {
	if err == nil {
		return nil
	}

	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}

	if errors.Is(err, context.Canceled) {
		return NewError(KindCancelled, "run cancelled", err).WithCode(ErrCodeCancelled)
	}

	var re *rpc.Error
	if errors.As(err, &re) {
		kind := KindTransport
		switch re.Kind {
		case rpc.KindAuthExpired:
			kind = KindAuthExpired
		case rpc.KindNotFound:
			kind = KindNotFound
		case rpc.KindConflict:
			kind = KindConflict
		case rpc.KindValidation:
			kind = KindValidation
		case rpc.KindServerFault:
			kind = KindServerFault
		}
		e := NewError(kind, message, err)
		e.Detail = re.Detail
		if re.StatusCode != 0 {
			e.WithDetail("status", re.StatusCode)
		}
		return e.WithDetail("rpc", re.Family+"."+re.Function)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTransport, message, err).WithCode(ErrCodeTimeout)
	}

	return NewError(KindTransport, message, err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAmbiguous        = "AMBIGUOUS_MATCH"
	ErrCodeIdentityMismatch = "IDENTITY_MISMATCH"
	ErrCodeUnsupported      = "UNSUPPORTED_OPERATION"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeTaskFailed       = "TASK_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeCycle            = "DEPENDENCY_CYCLE"
	ErrCodePolicy           = "POLICY_DENIED"
)
