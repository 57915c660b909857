/*
errors.go - Error types for the ledger engine

ERROR CATEGORIES:
  1. Client errors - InvalidInput, NotFound, InsufficientFunds
  2. Store errors - duplicate idempotency key, transient failures
  3. Programming errors - account missing for a validated owner

A duplicate posting is NOT an error. AddTransaction reports it through
AddResult.Duplicate so callers can ask the user to confirm.

NotFound is returned both when an entry does not exist and when it belongs
to someone else. Callers must not be able to tell the two apart.
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned for a malformed amount, category or enum.
	// Nothing is written when it is returned.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when an entry is absent or owned by another user.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds is returned in strict mode when an expense would
	// overdraft the account.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAccountNotFound means an operation targeted an owner with no
	// account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when opening an account twice.
	ErrAccountExists = errors.New("account already exists")

	// ErrDuplicateIdempotencyKey is returned by a store when a posting with
	// the same idempotency key was already written. For fired postings this
	// means another sweep won the race.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrTransientStore wraps store failures that are safe to retry.
	ErrTransientStore = errors.New("transient store failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// InsufficientFundsError provides details about an overdraft in strict mode.
type InsufficientFundsError struct {
	OwnerID   OwnerID
	Balance   decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %s, requested %s, shortfall %s",
		e.Balance, e.Requested, e.Shortfall)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrAccountExists)
}

// IsNotFound returns true if the error indicates a missing or foreign entry,
// or an owner without an account.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAccountNotFound)
}

// IsRetryable returns true if the operation may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore)
}
