package core

import (
	"errors"
	"fmt"
)

// PolicyRejectionError indicates the policy forbids the query (mechanism, column,
// epsilon ceiling, cohort size or rate).
type PolicyRejectionError struct {
	Message string
}

func (e *PolicyRejectionError) Error() string { return e.Message }

// BudgetExhaustedError indicates the account cannot afford the requested epsilon.
type BudgetExhaustedError struct {
	Requested float64
	Remaining float64
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("insufficient privacy budget: requested %g, remaining %g", e.Requested, e.Remaining)
}

// InvalidParametersError indicates a malformed request.
type InvalidParametersError struct {
	Message string
}

func (e *InvalidParametersError) Error() string { return e.Message }

// DataAccessError wraps a failure of the dataset collaborator.
type DataAccessError struct {
	Err error
}

func (e *DataAccessError) Error() string { return "data access failed: " + e.Err.Error() }

func (e *DataAccessError) Unwrap() error { return e.Err }

// LedgerBusyError indicates the account lock could not be acquired in time.
type LedgerBusyError struct {
	AccountID string
}

func (e *LedgerBusyError) Error() string {
	return fmt.Sprintf("ledger busy for account %s, retry later", e.AccountID)
}

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ConflictError indicates a conflicting update (e.g. stale policy version).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// ErrRejected creates a PolicyRejectionError with a formatted message.
func ErrRejected(format string, args ...interface{}) *PolicyRejectionError {
	return &PolicyRejectionError{Message: fmt.Sprintf(format, args...)}
}

// ErrInvalid creates an InvalidParametersError with a formatted message.
func ErrInvalid(format string, args ...interface{}) *InvalidParametersError {
	return &InvalidParametersError{Message: fmt.Sprintf(format, args...)}
}

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// Error kinds as reported to clients.
const (
	KindPolicyRejection   = "policy_rejection"
	KindBudgetExhausted   = "budget_exhausted"
	KindInvalidParameters = "invalid_parameters"
	KindDataAccess        = "data_access_failure"
	KindLedgerBusy        = "ledger_busy"
	KindNotFound          = "not_found"
	KindConflict          = "conflict"
	KindInternal          = "internal"
)

// Kind classifies err into one of the Kind constants.
func Kind(err error) string {
	var (
		policyErr   *PolicyRejectionError
		budgetErr   *BudgetExhaustedError
		invalidErr  *InvalidParametersError
		dataErr     *DataAccessError
		busyErr     *LedgerBusyError
		notFoundErr *NotFoundError
		conflictErr *ConflictError
	)
	switch {
	case errors.As(err, &policyErr):
		return KindPolicyRejection
	case errors.As(err, &budgetErr):
		return KindBudgetExhausted
	case errors.As(err, &invalidErr):
		return KindInvalidParameters
	case errors.As(err, &dataErr):
		return KindDataAccess
	case errors.As(err, &busyErr):
		return KindLedgerBusy
	case errors.As(err, &notFoundErr):
		return KindNotFound
	case errors.As(err, &conflictErr):
		return KindConflict
	}
	return KindInternal
}

// Reason returns the user-visible reason for err. Internal errors are not
// exposed verbatim.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var (
		policyErr  *PolicyRejectionError
		budgetErr  *BudgetExhaustedError
		invalidErr *InvalidParametersError
		dataErr    *DataAccessError
	)
	switch {
	case errors.As(err, &policyErr):
		return policyErr.Message
	case errors.As(err, &budgetErr):
		return budgetErr.Error()
	case errors.As(err, &invalidErr):
		return invalidErr.Message
	case errors.As(err, &dataErr):
		return "data access failed"
	}
	if Kind(err) == KindInternal {
		return "internal error"
	}
	return err.Error()
}

// IsTransient reports whether retrying the same request may succeed.
func IsTransient(err error) bool {
	var (
		dataErr *DataAccessError
		busyErr *LedgerBusyError
	)
	return errors.As(err, &dataErr) || errors.As(err, &busyErr)
}
