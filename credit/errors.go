/*
errors.go - Error taxonomy for the credit ledger engine

ERROR CATEGORIES:
  1. Validation   - malformed commands, unauthorized mints, key reuse
  2. Business     - insufficient balance, unknown or terminated entity
  3. Durability   - journal write/flush failures (retryable)
  4. Concurrency  - stale snapshot at append time (retryable), retries exhausted
  5. Integrity    - hash chain or sequence violations (reported, never repaired)
  6. Approval     - command parked behind the approval gate (not a failure)

Validation and business errors are never retried. Use errors.Is with the
sentinels and errors.As with the structured types.
*/
package credit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorizedMint is returned when a mint is requested outside the
	// defined system rules or by a non-system actor.
	ErrUnauthorizedMint = errors.New("unauthorized mint")

	// ErrIdempotencyKeyReuse is returned when a batch mixes already committed
	// keys with new ones.
	ErrIdempotencyKeyReuse = errors.New("idempotency key reused by a different command")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownEntity       = errors.New("unknown entity")
	ErrTerminatedEntity    = errors.New("entity terminated")
	ErrEntityExists        = errors.New("entity already exists")

	// ErrDurability is returned when an append could not be made durable.
	ErrDurability = errors.New("durability failure")

	// ErrJournalSealed is returned by a journal that stopped accepting
	// appends after a flush exceeded its timeout.
	ErrJournalSealed = errors.New("journal sealed")

	// ErrConcurrentModification signals that a watched balance changed after
	// the caller's snapshot. The ledger service retries on it.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrConcurrencyConflict is returned once bounded retries are exhausted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	ErrIntegrityViolation = errors.New("integrity violation")
	ErrApprovalRequired   = errors.New("approval required")
	ErrNotFound           = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected command field.
type ValidationError struct {
	Field  string
	Reason string
	Err    error // optional, more specific sentinel
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrValidation, e.Err}
	}
	return []error{ErrValidation}
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	EntityID   EntityID
	CreditType CreditType
	Available  decimal.Decimal
	Requested  decimal.Decimal
}

// Shortfall is how much the balance lacks.
func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s %s: available %s, requested %s",
		e.EntityID, e.CreditType, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

type UnknownEntityError struct {
	EntityID EntityID
}

func (e *UnknownEntityError) Error() string {
	return fmt.Sprintf("unknown entity %q", e.EntityID)
}

func (e *UnknownEntityError) Unwrap() error {
	return ErrUnknownEntity
}

type TerminatedEntityError struct {
	EntityID EntityID
}

func (e *TerminatedEntityError) Error() string {
	return fmt.Sprintf("entity %q is terminated", e.EntityID)
}

func (e *TerminatedEntityError) Unwrap() error {
	return ErrTerminatedEntity
}

// DurabilityError wraps a failed write, flush or truncate of the journal.
type DurabilityError struct {
	Op  string
	Err error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("durability failure during %s: %v", e.Op, e.Err)
}

func (e *DurabilityError) Unwrap() []error {
	return []error{ErrDurability, e.Err}
}

// ConcurrencyConflictError is returned when a command kept losing the race
// for its balance keys.
type ConcurrencyConflictError struct {
	Attempts int
	Err      error
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConcurrencyConflictError) Unwrap() []error {
	return []error{ErrConcurrencyConflict, e.Err}
}

// Violation is one finding of integrity verification.
type Violation struct {
	Sequence uint64 `json:"sequence_number,omitempty"`
	Line     int    `json:"line"`
	Reason   string `json:"reason"`
}

func (v Violation) String() string {
	if v.Sequence == 0 {
		return fmt.Sprintf("line %d: %s", v.Line, v.Reason)
	}
	return fmt.Sprintf("line %d (seq %d): %s", v.Line, v.Sequence, v.Reason)
}

type IntegrityViolationError struct {
	Violations []Violation
}

func (e *IntegrityViolationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("integrity violation: %d finding(s): %s", len(e.Violations), strings.Join(parts, "; "))
}

func (e *IntegrityViolationError) Unwrap() error {
	return ErrIntegrityViolation
}

// ApprovalRequiredError reports that the command was parked as a pending
// approval request instead of being executed.
type ApprovalRequiredError struct {
	RequestID string
	Threshold decimal.Decimal
	Amount    decimal.Decimal
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("amount %s exceeds approval threshold %s: pending request %s",
		e.Amount, e.Threshold, e.RequestID)
}

func (e *ApprovalRequiredError) Unwrap() error {
	return ErrApprovalRequired
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		(errors.Is(err, ErrDurability) && !errors.Is(err, ErrJournalSealed))
}

// IsClientError returns true if the error is due to the command itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrTerminatedEntity) ||
		errors.Is(err, ErrEntityExists)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownEntity) ||
		errors.Is(err, ErrNotFound)
}
