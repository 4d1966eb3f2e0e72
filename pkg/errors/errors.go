// Package errors implements the orchestrator's error taxonomy as a closed
// set of categories, each carrying a stable code and reported on the
// monitoring Error stream.
package errors

import "fmt"

// Category is a closed sum type over the error taxonomy.
type Category string

const (
	Validation        Category = "Validation"
	AdmissionConflict Category = "AdmissionConflict"
	AdapterTransient  Category = "AdapterTransient"
	AdapterPermanent  Category = "AdapterPermanent"
	LegalHoldBlocked  Category = "LegalHoldBlocked"
	WorkflowStateErr  Category = "WorkflowStateError"
	AuditIntegrityErr Category = "AuditIntegrityError"
	SchedulerErr      Category = "SchedulerError"
)

// Retryable reports whether an error of this category should be retried by
// the step executor's backoff policy.
func (c Category) Retryable() bool {
	return c == AdapterTransient
}

// Error is the single error type used across the orchestration core. It
// wraps an underlying cause while pinning a stable taxonomy category.
type Error struct {
	Code    Category
	Message string
	Cause   error

	// WorkflowID, when set, is attached to Error stream events (§4.N).
	WorkflowID string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether this specific error should be retried.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

func newError(code Category, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

func NewValidation(msg string, cause error) *Error {
	return newError(Validation, msg, cause)
}

func NewAdmissionConflict(msg string, cause error) *Error {
	return newError(AdmissionConflict, msg, cause)
}

func NewAdapterTransient(msg string, cause error) *Error {
	return newError(AdapterTransient, msg, cause)
}

func NewAdapterPermanent(msg string, cause error) *Error {
	return newError(AdapterPermanent, msg, cause)
}

func NewLegalHoldBlocked(msg string) *Error {
	return newError(LegalHoldBlocked, msg, nil)
}

func NewWorkflowStateError(msg string, cause error) *Error {
	return newError(WorkflowStateErr, msg, cause)
}

func NewAuditIntegrityError(msg string, cause error) *Error {
	return newError(AuditIntegrityErr, msg, cause)
}

func NewSchedulerError(msg string, cause error) *Error {
	return newError(SchedulerErr, msg, cause)
}

// As reports whether err is (or wraps) an *Error, mirroring the standard
// library's errors.As without forcing every call site to allocate a target.
func As(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return nil, false
}

// HTTPStatus maps a category to the status codes listed in §6.
func (c Category) HTTPStatus() int {
	switch c {
	case Validation:
		return 422
	case AdmissionConflict:
		return 409
	case AuditIntegrityErr:
		return 500
	case WorkflowStateErr:
		return 410
	default:
		return 500
	}
}
