package booking

import (
	"errors"
	"fmt"

	"github.com/iliyamo/tour-reservation/internal/repository"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = repository.ErrNotFound
	ErrForbidden        = repository.ErrForbidden
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrBelowOccupancy   = errors.New("capacity below paid occupancy")
	ErrAlreadyCancelled = errors.New("reservation already cancelled")
	ErrCascadeAborted   = errors.New("cascade aborted")
	// ErrRefundNotSucceeded is returned when the gateway answered a refund
	// with a status other than succeeded.
	ErrRefundNotSucceeded = errors.New("refund not succeeded")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error { return &ValidationError{Field: field, Reason: reason} }

// CapacityError is returned when an admission would oversubscribe a session.
type CapacityError struct {
	SessionID uint64
	Requested int
	Free      int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("session %d: %d seats requested, %d free", e.SessionID, e.Requested, e.Free)
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacityExceeded }

// OccupancyError is returned when a session's capacity would drop below
// the seats already paid for.
type OccupancyError struct {
	SessionID uint64
	Requested int
	Occupied  int
}

func (e *OccupancyError) Error() string {
	return fmt.Sprintf("session %d: capacity %d is below %d paid seats", e.SessionID, e.Requested, e.Occupied)
}

func (e *OccupancyError) Is(target error) bool { return target == ErrBelowOccupancy }

// CascadeAbortedError names the reservation whose refund stopped a session
// or tour deletion.  Refunded lists reservations whose refunds had already
// gone through at the gateway before the failure; their rows are unchanged
// and the provider's refund webhook moves their payments to refunded.
type CascadeAbortedError struct {
	SessionID     uint64
	ReservationID uint64
	Refunded      []uint64
	Err           error
}

func (e *CascadeAbortedError) Error() string {
	return fmt.Sprintf("deletion aborted at session %d, reservation %d: %v", e.SessionID, e.ReservationID, e.Err)
}

func (e *CascadeAbortedError) Unwrap() error { return e.Err }

func (e *CascadeAbortedError) Is(target error) bool { return target == ErrCascadeAborted }
