package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-reservation/internal/model"
	"github.com/iliyamo/tour-reservation/internal/repository"
)

// UpdateSessionRequest changes a session.  Nil fields are left as they are.
type UpdateSessionRequest struct {
	SessionID       uint64
	ActorID         uint64
	ActorRole       string
	StartsAt        *time.Time
	MaxParticipants *int
	CostCents       *int64
}

func (r UpdateSessionRequest) validate(now time.Time) error {
	if r.SessionID == 0 {
		return invalid("session_id", "is required")
	}
	if r.StartsAt == nil && r.MaxParticipants == nil && r.CostCents == nil {
		return invalid("", "nothing to update")
	}
	if r.StartsAt != nil && !r.StartsAt.After(now) {
		return invalid("starts_at", "must be in the future")
	}
	if r.MaxParticipants != nil && *r.MaxParticipants < 1 {
		return invalid("max_participants", "must be at least 1")
	}
	if r.CostCents != nil && *r.CostCents < 0 {
		return invalid("cost_cents", "must not be negative")
	}
	return nil
}

// UpdateSession changes start time, capacity or price of a session under
// its lock.  Capacity cannot drop below the seats already paid for.  A new
// price applies to later bookings; payments already created keep their
// amount.
func (e *Engine) UpdateSession(ctx context.Context, req UpdateSessionRequest) (*model.Session, error) {
	if err := req.validate(e.opts.Now()); err != nil {
		return nil, err
	}
	var out *model.Session
	err := e.store.Atomically(ctx, func(tx repository.Tx) error {
		s, err := tx.LockSession(ctx, req.SessionID)
		if err != nil {
			return fmt.Errorf("session %d: %w", req.SessionID, err)
		}
		if err := authorize(s.OwnerID, req.ActorID, req.ActorRole); err != nil {
			return err
		}
		if req.MaxParticipants != nil {
			occupied, err := tx.PaidOccupancy(ctx, s.ID)
			if err != nil {
				return fmt.Errorf("occupancy of session %d: %w", s.ID, err)
			}
			if *req.MaxParticipants < occupied {
				return &OccupancyError{SessionID: s.ID, Requested: *req.MaxParticipants, Occupied: occupied}
			}
			s.MaxParticipants = *req.MaxParticipants
		}
		if req.StartsAt != nil {
			s.StartsAt = req.StartsAt.UTC()
		}
		if req.CostCents != nil {
			s.CostCents = *req.CostCents
		}
		if err := tx.UpdateSession(ctx, s); err != nil {
			return fmt.Errorf("update session %d: %w", s.ID, err)
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"session_id":       out.ID,
		"max_participants": out.MaxParticipants,
		"cost_cents":       out.CostCents,
	}).Info("session updated")
	return out, nil
}
