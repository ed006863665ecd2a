package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/iliyamo/tour-reservation/internal/model"
	"github.com/iliyamo/tour-reservation/internal/repository"
)

// Admission is proof that a number of seats fit a session at the moment the
// session lock was held.
type Admission struct {
	SessionID    uint64
	Participants int
	AmountCents  int64
}

// Ledger enforces the capacity invariant: paid, non-cancelled participants
// never exceed a session's maximum.
type Ledger struct {
	now func() time.Time
}

// Admit checks that requested more seats fit s.  The caller must hold the
// session lock in tx and write the reservation in the same transaction.
func (l Ledger) Admit(ctx context.Context, tx repository.Tx, s *model.Session, requested int) (Admission, error) {
	if requested < 1 {
		return Admission{}, invalid("participants_count", "must be at least 1")
	}
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	if s.Started(now()) {
		return Admission{}, invalid("session", "session already started")
	}
	occupied, err := tx.PaidOccupancy(ctx, s.ID)
	if err != nil {
		return Admission{}, fmt.Errorf("occupancy of session %d: %w", s.ID, err)
	}
	if free := s.Free(occupied); requested > free {
		return Admission{}, &CapacityError{SessionID: s.ID, Requested: requested, Free: free}
	}
	return Admission{SessionID: s.ID, Participants: requested, AmountCents: s.Amount(requested)}, nil
}

// fits reports whether confirming r keeps s within capacity.
func (l Ledger) fits(ctx context.Context, tx repository.Tx, s *model.Session, r *model.Reservation) (bool, error) {
	occupied, err := tx.PaidOccupancy(ctx, s.ID)
	if err != nil {
		return false, fmt.Errorf("occupancy of session %d: %w", s.ID, err)
	}
	return occupied+r.ParticipantsCount <= s.MaxParticipants, nil
}
