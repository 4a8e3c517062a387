/*
errors.go - Centralized error types for the session ledger

PURPOSE:
  All error kinds in one place. Callers branch with errors.Is/errors.As;
  the ledger never renders user-facing text, it only returns typed kinds.

ERROR CATEGORIES:
  1. Business outcomes - insufficient balance, invalid adjustment
  2. Idempotency signals - duplicate consumption/refund keys
  3. Concurrency - bounded retries exhausted
  4. Lookup failures - unknown grant or ledger key

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      // booking cannot be marked consumed
  }

SEE ALSO:
  - consume.go: Returns these from Consume/Refund
  - manager.go: Returns these from Grant/Adjust/Revoke
*/
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when no active grant has remaining
	// sessions. A definite business outcome, not retryable.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrExpiredAllocation is returned when an operation directly targets a
	// grant that is no longer active (expired or revoked).
	ErrExpiredAllocation = errors.New("allocation not active")

	// ErrDuplicateConsumption signals that a consumption idempotency key has
	// already been resolved. Callers receive the cached original result.
	ErrDuplicateConsumption = errors.New("consumption already recorded")

	// ErrDuplicateRefund is returned when a refund already exists for the key.
	ErrDuplicateRefund = errors.New("refund already recorded")

	// ErrInvalidAdjustment is returned when an adjustment would push
	// consumed sessions outside [0, granted].
	ErrInvalidAdjustment = errors.New("adjustment out of bounds")

	// ErrInvalidGrant is returned when grant issuance input is malformed.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrConcurrencyConflict is returned when bounded retries or lock waits
	// are exhausted. The only error intended for caller-side retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrNotFound is returned for an unknown grant id or ledger key.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is the store-level rejection of an entry
	// whose (key, reason) pair already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports a failed consumption with the owner's
// remaining balance at the time of the attempt.
type InsufficientBalanceError struct {
	OwnerID   OwnerID
	Remaining int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: %d remaining", e.OwnerID, e.Remaining)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// InvalidAdjustmentError reports an adjustment that would violate the
// [0, granted] bound on consumed sessions.
type InvalidAdjustmentError struct {
	GrantID  GrantID
	Delta    int
	Consumed int
	Granted  int
}

func (e *InvalidAdjustmentError) Error() string {
	return fmt.Sprintf("adjustment %+d on grant %s would move consumed %d outside [0, %d]",
		e.Delta, e.GrantID, e.Consumed, e.Granted)
}

func (e *InvalidAdjustmentError) Unwrap() error {
	return ErrInvalidAdjustment
}

// NotActiveError reports an operation targeting an expired or revoked grant.
type NotActiveError struct {
	GrantID GrantID
	Status  GrantStatus
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("grant %s is %s", e.GrantID, e.Status)
}

func (e *NotActiveError) Unwrap() error {
	return ErrExpiredAllocation
}

// ConflictError reports exhausted retries with the contended owner.
type ConflictError struct {
	OwnerID  OwnerID
	Attempts int
	Waited   time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict for %s after %d attempts (%v)", e.OwnerID, e.Attempts, e.Waited)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a caller retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is a definite business outcome
// caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrExpiredAllocation) ||
		errors.Is(err, ErrDuplicateRefund) ||
		errors.Is(err, ErrInvalidAdjustment) ||
		errors.Is(err, ErrInvalidGrant)
}

// IsNotFound returns true if the error indicates a missing grant or key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
