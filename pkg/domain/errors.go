package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind names the error classes surfaced to callers.
type ErrorKind string

// Error kinds. Everything except KindReconciliation leaves no side effect.
const (
	KindValidation     ErrorKind = "validation"
	KindAuthorization  ErrorKind = "authorization"
	KindLedger         ErrorKind = "ledger"
	KindReconciliation ErrorKind = "reconciliation"
	KindState          ErrorKind = "state"
	KindNotFound       ErrorKind = "not_found"
	KindInternal       ErrorKind = "internal"
)

// ValidationError reports malformed input rejected before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// AuthorizationError reports a failed capability check.
type AuthorizationError struct {
	PrincipalID string
	Required    []Capability
}

func (e AuthorizationError) Error() string {
	names := make([]string, 0, len(e.Required))
	for _, c := range e.Required {
		names = append(names, string(c))
	}
	return fmt.Sprintf("principal %q lacks capability (need admin or one of [%s])", e.PrincipalID, strings.Join(names, ", "))
}

// LedgerError reports a rejected or failed ledger call. The ledger holds no
// trace of the operation.
type LedgerError struct {
	Operation string
	Transient bool
	Err       error
}

func (e LedgerError) Error() string {
	kind := "rejected"
	if e.Transient {
		kind = "unavailable"
	}
	return fmt.Sprintf("ledger %s %s: %v", e.Operation, kind, e.Err)
}

func (e LedgerError) Unwrap() error { return e.Err }

// ReconciliationError reports a ledger transaction that committed while its
// store mirror could not be written. The ledger fact is durable and must be
// repaired out of band using TxRef.
type ReconciliationError struct {
	Operation string
	TxRef     string
	LedgerID  string
	Attempts  int
	Err       error
}

func (e ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation required: %s committed on ledger as %s but store mirror failed after %d attempt(s): %v", e.Operation, e.TxRef, e.Attempts, e.Err)
}

func (e ReconciliationError) Unwrap() error { return e.Err }

// StateError reports an operation on an inactive, invalid or expired entity.
type StateError struct {
	Entity EntityType
	ID     string
	Reason string
}

func (e StateError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, e.Reason)
}

// NotFoundError is returned when a referenced record does not exist.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// KindOf classifies err for logging, metrics and API mapping.
func KindOf(err error) ErrorKind {
	var (
		validation ValidationError
		authz      AuthorizationError
		ledger     LedgerError
		recon      ReconciliationError
		state      StateError
		notFound   NotFoundError
		violation  RuleViolationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &recon):
		return KindReconciliation
	case errors.As(err, &ledger):
		return KindLedger
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &authz):
		return KindAuthorization
	case errors.As(err, &state), errors.As(err, &violation):
		return KindState
	case errors.As(err, &notFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

// IsPermanent reports whether err is a domain rejection that will not change
// on retry.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindAuthorization, KindState, KindNotFound:
		return true
	default:
		return false
	}
}
