/*
errors.go - Error taxonomy for the booking engine

ERROR CATEGORIES:
  1. Request errors    - ValidationError, rejected before any I/O
  2. Arbitration       - CapacityExceededError, ConflictDetectedError
  3. Fatal for request - ResourceMissingError (instrument deleted mid-flow)
  4. Infrastructure    - TransientStoreError, generic "please retry"
  5. Authorization     - OwnershipError on cancel

  Malformed rows met during cancellation are logged and skipped; they are
  never returned to the caller.

USAGE:
  Every structured error unwraps to a sentinel, so callers can branch with
  errors.Is and read details with errors.As:

    var capErr *booking.CapacityExceededError
    if errors.As(err, &capErr) {
        ... capErr.Violation.Label ...
    }
*/
package booking

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	ErrValidation       = errors.New("validation failed")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrConflict         = errors.New("conflict detected")
	ErrResourceMissing  = errors.New("resource missing")
	ErrTransient        = errors.New("transient store failure")
	ErrNotOwner         = errors.New("not the booking owner")

	// ErrMalformedRecord marks rows that fail basic shape validation.
	ErrMalformedRecord = errors.New("malformed record")

	// Store-level errors.
	ErrNotFound       = errors.New("record not found")
	ErrReadAfterWrite = errors.New("transaction read issued after a write")
	ErrContention     = errors.New("transaction contention: retries exhausted")
)

// Machine-readable codes carried to API clients.
const (
	CodeValidation        = "VALIDATION"
	CodeInstrumentMissing = "INSTRUMENT_MISSING"
	CodeCapacityExceeded  = "CAPACITY_EXCEEDED"
	CodeConflictDetected  = "CONFLICT_DETECTED"
	CodeNotOwner          = "NOT_OWNER"
	CodeRetry             = "RETRY"
)

// Coder is implemented by every structured booking error.
type Coder interface {
	Code() string
}

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError is a malformed request or a request that can never succeed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
func (e *ValidationError) Code() string  { return CodeValidation }

// CapacityExceededError reports the first full slot; All holds every
// violation found in the same check.
type CapacityExceededError struct {
	Violation Violation
	All       []Violation
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded: %s (used %d of %d)",
		e.Violation.Label, e.Violation.Used, e.Violation.Capacity)
}

func (e *CapacityExceededError) Unwrap() error { return ErrCapacityExceeded }
func (e *CapacityExceededError) Code() string  { return CodeCapacityExceeded }

// ConflictDetectedError reports the first slot blocked by a conflicting
// instrument.
type ConflictDetectedError struct {
	Violation Violation
	All       []Violation
}

func (e *ConflictDetectedError) Error() string {
	return "conflict detected: " + e.Violation.Label
}

func (e *ConflictDetectedError) Unwrap() error { return ErrConflict }
func (e *ConflictDetectedError) Code() string  { return CodeConflictDetected }

// ResourceMissingError means the instrument disappeared mid-flow. The
// caller must refresh before trying again.
type ResourceMissingError struct {
	Kind string
	ID   string
}

func (e *ResourceMissingError) Error() string {
	return fmt.Sprintf("%s %q no longer exists", e.Kind, e.ID)
}

func (e *ResourceMissingError) Unwrap() error { return ErrResourceMissing }
func (e *ResourceMissingError) Code() string  { return CodeInstrumentMissing }

// TransientStoreError hides infrastructure failures behind a generic
// message. Err keeps the cause for logs.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return e.Op + " failed, please retry"
}

func (e *TransientStoreError) Unwrap() error        { return e.Err }
func (e *TransientStoreError) Is(target error) bool { return target == ErrTransient }
func (e *TransientStoreError) Code() string         { return CodeRetry }

// OwnershipError is returned when the actor may not cancel the rows.
type OwnershipError struct {
	Actor     Identity
	BookingID string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("%s may not cancel booking %s", e.Actor.Name, e.BookingID)
}

func (e *OwnershipError) Unwrap() error { return ErrNotOwner }
func (e *OwnershipError) Code() string  { return CodeNotOwner }

// reportError turns a failed precheck into the typed error callers expect.
// Capacity wins over conflict, conflict over past-slot.
func reportError(r Report) error {
	if v, ok := r.First(ReasonFull); ok {
		return &CapacityExceededError{Violation: v, All: r.Violations}
	}
	if v, ok := r.First(ReasonConflict); ok {
		return &ConflictDetectedError{Violation: v, All: r.Violations}
	}
	if v, ok := r.First(ReasonPast); ok {
		return &ValidationError{Field: "slots", Reason: "include " + v.Label}
	}
	return nil
}

// isDomainError reports errors that must reach the caller unchanged.
func isDomainError(err error) bool {
	var c Coder
	return errors.As(err, &c) && c.Code() != CodeRetry
}
