/*
errors.go - Centralized error types for the stock engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is / errors.As; the structured types carry
  enough detail to render an actionable message without a second trip.

ERROR CATEGORIES:
  1. Validation errors  - malformed input, rejected before any write
  2. Workflow errors    - illegal transitions, missing capabilities
  3. Stock errors       - allocation exceeds live availability
  4. Concurrency errors - edit lock conflicts, duplicate operations

USAGE:
    if errors.Is(err, engine.ErrInsufficientStock) {
        var shortfall *engine.InsufficientStockError
        errors.As(err, &shortfall)
        // shortfall.SKU, shortfall.HubID, shortfall.Requested, shortfall.Available
    }
*/
package engine

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input (zero quantity, unknown
	// hub or item, closed hub). Rejected before any write, never retried.
	ErrValidation = errors.New("validation failed")

	// ErrIllegalTransition is returned when the requested state change is
	// not reachable from the current status.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrInsufficientCapability is returned when the actor lacks the role
	// or hub access for the attempted operation.
	ErrInsufficientCapability = errors.New("insufficient capability")

	// ErrInsufficientStock is returned when an allocation exceeds live
	// stock at validation time. The whole transition aborts atomically.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrAlreadyLocked is returned when another actor holds the edit lock.
	ErrAlreadyLocked = errors.New("request locked by another actor")

	// ErrLockRequired is returned when an allocation-mutating operation is
	// attempted without holding the edit lock.
	ErrLockRequired = errors.New("edit lock required")

	// ErrDuplicateOperation is returned by the store when an idempotency
	// record for the same (operation, actor) pair already exists. The
	// idempotency log intercepts it and replays the stored result.
	ErrDuplicateOperation = errors.New("duplicate operation")

	// ErrRequestNotFound is returned for an unknown Needs List sequence.
	ErrRequestNotFound = errors.New("request not found")

	// ErrChangeNotFound is returned for an unknown change request id.
	ErrChangeNotFound = errors.New("change request not found")

	// ErrHubNotFound is returned for an unknown hub id.
	ErrHubNotFound = errors.New("hub not found")

	// ErrItemNotFound is returned for an unknown item SKU.
	ErrItemNotFound = errors.New("item not found")
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
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// IllegalTransitionError reports the attempted edge.
type IllegalTransitionError struct {
	Seq  RequestSeq
	From RequestStatus
	To   RequestStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for %s: %s -> %s", e.Seq, e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// CapabilityError reports which capability the actor was missing.
type CapabilityError struct {
	ActorID    ActorID
	Capability Capability
	HubID      HubID // set when the failure is hub scoping, not the role
}

func (e *CapabilityError) Error() string {
	if e.HubID != "" {
		return fmt.Sprintf("actor %s lacks %s access to hub %s", e.ActorID, e.Capability, e.HubID)
	}
	return fmt.Sprintf("actor %s lacks capability %s", e.ActorID, e.Capability)
}

func (e *CapabilityError) Unwrap() error { return ErrInsufficientCapability }

// InsufficientStockError names the exact shortfall.
type InsufficientStockError struct {
	SKU       ItemSKU
	HubID     HubID
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock of %s at hub %s: requested %d, available %d",
		e.SKU, e.HubID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// LockHeldError reports the current holder so the caller can wait for the
// TTL or request a forced release.
type LockHeldError struct {
	Seq        RequestSeq
	HolderID   ActorID
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("request %s locked by %s until %s",
		e.Seq, e.HolderID, e.ExpiresAt.Format(time.RFC3339))
}

func (e *LockHeldError) Unwrap() error { return ErrAlreadyLocked }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports whether the error is due to invalid client input
// or a domain rejection, i.e. retrying unchanged will not succeed.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrInsufficientStock)
}

// IsConflict reports whether the error is a concurrency conflict that may
// clear after the holder releases or the TTL expires.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyLocked) ||
		errors.Is(err, ErrLockRequired) ||
		errors.Is(err, ErrDuplicateOperation)
}

// IsNotFound reports whether the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRequestNotFound) ||
		errors.Is(err, ErrChangeNotFound) ||
		errors.Is(err, ErrHubNotFound) ||
		errors.Is(err, ErrItemNotFound)
}
