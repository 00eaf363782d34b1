package utils

import (
	"errors"
	"fmt"
	"strings"
)

var ErrorRecordNotFound = errors.New("record not found")

type ErrorKind string

const (
	ErrorKindValidation             ErrorKind = "validation"
	ErrorKindAuthorization          ErrorKind = "authorization"
	ErrorKindNotFound               ErrorKind = "not_found"
	ErrorKindInsufficientInventory  ErrorKind = "insufficient_inventory"
	ErrorKindWorkOrderNotReady      ErrorKind = "work_order_not_ready"
	ErrorKindMissingLabData         ErrorKind = "missing_lab_data"
	ErrorKindFailedParameters       ErrorKind = "failed_parameters"
	ErrorKindMissingTraceability    ErrorKind = "missing_traceability"
	ErrorKindPlantNotFound          ErrorKind = "plant_not_found"
	ErrorKindNoStandardDefined      ErrorKind = "no_standard_defined"
	ErrorKindConflict               ErrorKind = "conflict"
	ErrorKindPartialFailure         ErrorKind = "partial_failure"
	ErrorKindReconciliationRequired ErrorKind = "reconciliation_required"
)

// AppError is the structured error returned by every core operation.
// Items carries the offending identifiers or names (failed parameters,
// failing work orders, the orphaned object key). Applied counts the batch
// items written before a PartialFailure.
type AppError struct {
	Kind    ErrorKind
	Message string
	Items   []string
	Applied int
	Err     error
}

func (e *AppError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if len(e.Items) > 0 {
		msg = msg + ": " + strings.Join(e.Items, ", ")
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *AppError) Unwrap() error { return e.Err }

// Is matches any AppError of the same kind, so callers can write
// errors.Is(err, utils.ErrInsufficientInventory).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation             = &AppError{Kind: ErrorKindValidation}
	ErrAuthorization          = &AppError{Kind: ErrorKindAuthorization}
	ErrNotFound               = &AppError{Kind: ErrorKindNotFound}
	ErrInsufficientInventory  = &AppError{Kind: ErrorKindInsufficientInventory}
	ErrWorkOrderNotReady      = &AppError{Kind: ErrorKindWorkOrderNotReady}
	ErrMissingLabData         = &AppError{Kind: ErrorKindMissingLabData}
	ErrFailedParameters       = &AppError{Kind: ErrorKindFailedParameters}
	ErrMissingTraceability    = &AppError{Kind: ErrorKindMissingTraceability}
	ErrPlantNotFound          = &AppError{Kind: ErrorKindPlantNotFound}
	ErrNoStandardDefined      = &AppError{Kind: ErrorKindNoStandardDefined}
	ErrConflict               = &AppError{Kind: ErrorKindConflict}
	ErrPartialFailure         = &AppError{Kind: ErrorKindPartialFailure}
	ErrReconciliationRequired = &AppError{Kind: ErrorKindReconciliationRequired}
)

func NewValidationError(format string, args ...any) error {
	return &AppError{Kind: ErrorKindValidation, Message: fmt.Sprintf(format, args...)}
}

func NewAuthorizationError(message string) error {
	return &AppError{Kind: ErrorKindAuthorization, Message: message}
}

func NewNotFoundError(entity string) error {
	return &AppError{Kind: ErrorKindNotFound, Message: entity + " not found"}
}

func NewAppError(kind ErrorKind, message string, items ...string) error {
	return &AppError{Kind: kind, Message: message, Items: items}
}

// NewPartialFailureError reports a batch where applied items were written and
// failedIds were not.
func NewPartialFailureError(message string, applied int, failedIds []string, cause error) error {
	return &AppError{Kind: ErrorKindPartialFailure, Message: message, Items: failedIds, Applied: applied, Err: cause}
}

// NewReconciliationError reports a multi-step write that stopped after a
// durable side effect. Items names what was left behind.
func NewReconciliationError(message string, cause error, items ...string) error {
	return &AppError{Kind: ErrorKindReconciliationRequired, Message: message, Items: items, Err: cause}
}

// KindOf returns the taxonomy kind of err, or "" for unclassified errors.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, ErrorRecordNotFound) {
		return ErrorKindNotFound
	}
	return ""
}

// ItemsOf returns the identifiers attached to an AppError.
func ItemsOf(err error) []string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Items
	}
	return nil
}

type ErrorOutcome string

const (
	// nothing was written
	OutcomeNone ErrorOutcome = "none"
	// some, but not all, items of a batch were applied
	OutcomePartial ErrorOutcome = "partial"
	// a durable side effect happened and manual reconciliation may be needed
	OutcomeReconciliation ErrorOutcome = "reconciliation"
)

func Outcome(err error) ErrorOutcome {
	switch KindOf(err) {
	case ErrorKindPartialFailure:
		var appErr *AppError
		if errors.As(err, &appErr) && appErr.Applied == 0 {
			return OutcomeNone
		}
		return OutcomePartial
	case ErrorKindReconciliationRequired:
		return OutcomeReconciliation
	default:
		return OutcomeNone
	}
}

