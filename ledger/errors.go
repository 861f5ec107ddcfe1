/*
errors.go - Centralized error types for the scoring engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Validation errors - Caller mistakes, rejected before any write
  2. Inconsistency errors - Derived state disagrees with history; fatal
  3. Store errors - Any backend failure other than a uniqueness collision

  A uniqueness collision is NOT an error. It is reported as
  OutcomeAlreadyExists by every store.

SEE ALSO:
  - engine.go: Event validation
  - transfer.go: Transfer validation
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
	// ErrInvalidEvent is returned when an event is missing identity fields
	// or carries a value outside the policy bounds.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrUnknownSource is returned when no policy is registered for an
	// event's source kind.
	ErrUnknownSource = errors.New("unknown event source")

	// ErrInvalidAmount is returned for non-positive or out-of-range amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrSelfTransfer is returned when source and destination are the same.
	ErrSelfTransfer = errors.New("cannot transfer to the same account")

	// ErrAccountNotFound is returned when a referenced account has no state.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTransfersDisabled is returned when transfers are switched off.
	ErrTransfersDisabled = errors.New("transfers are disabled")

	// ErrDailyLimitExceeded is returned when an account reached its daily
	// transfer count.
	ErrDailyLimitExceeded = errors.New("daily transfer limit exceeded")

	// ErrTransferMismatch is returned when a TransferID is re-submitted
	// with a sender, receiver or amount other than the ones recorded.
	ErrTransferMismatch = errors.New("transfer id already used with different details")

	// ErrInconsistentState is returned when derived state contradicts
	// itself, e.g. an account with an aggregate is missing from its own
	// ranking. The operation is aborted.
	ErrInconsistentState = errors.New("inconsistent state")

	// ErrReplayConflict is returned when live writes kept changing an
	// aggregate row while it was being rebuilt. The row is left as the
	// live writers made it; the next replay pass retries.
	ErrReplayConflict = errors.New("aggregate changed during replay")

	// ErrInvalidLadder is returned when tier ranges are not contiguous or
	// payouts decrease.
	ErrInvalidLadder = errors.New("invalid tier ladder")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %s, requested %s",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// InconsistencyError describes which account and scope are inconsistent.
type InconsistencyError struct {
	AccountID AccountID
	Scope     Scope
	Detail    string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("inconsistent state for %s in %s: %s", e.AccountID, e.Scope, e.Detail)
}

func (e *InconsistencyError) Unwrap() error {
	return ErrInconsistentState
}

// PartialTransferError is returned when some legs of a transfer were written
// and a later leg failed. Re-submitting the same TransferID completes it.
type PartialTransferError struct {
	TransferID string
	Leg        string
	Err        error
}

func (e *PartialTransferError) Error() string {
	return fmt.Sprintf("transfer %s incomplete at %s: %v", e.TransferID, e.Leg, e.Err)
}

func (e *PartialTransferError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true if the error was caused by caller input and no
// state was written.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrUnknownSource) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrSelfTransfer) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrTransfersDisabled) ||
		errors.Is(err, ErrDailyLimitExceeded) ||
		errors.Is(err, ErrTransferMismatch)
}

// IsNotFound returns true if the error indicates a missing account.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}

// IsInconsistency returns true if derived state needs a replay.
func IsInconsistency(err error) bool {
	return errors.Is(err, ErrInconsistentState)
}
