package repository

import (
	"context"

	"github.com/iliyamo/tour-reservation/internal/model"
)

// Store runs fn inside one transaction.  When fn returns an error every
// write made through tx is discarded.
type Store interface {
	Atomically(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of reads and writes the booking engine performs while it
// holds a session lock.  Lookups return ErrNotFound for missing rows.
type Tx interface {
	// LockSession takes the exclusive per-session lock and returns the
	// session with its tour fields filled in.
	LockSession(ctx context.Context, sessionID uint64) (*model.Session, error)
	// LockTourSessions locks the tour row, which blocks new sessions from
	// being added to it, then every session of the tour in ascending id
	// order.
	LockTourSessions(ctx context.Context, tourID uint64) (*model.Tour, []*model.Session, error)
	// UpdateSession writes start time, capacity and price of a locked
	// session.
	UpdateSession(ctx context.Context, s *model.Session) error

	PaidOccupancy(ctx context.Context, sessionID uint64) (int, error)

	InsertReservation(ctx context.Context, r *model.Reservation) error
	GetReservation(ctx context.Context, id uint64) (*model.Reservation, error)
	SaveReservation(ctx context.Context, r *model.Reservation) error
	ActiveReservations(ctx context.Context, sessionID uint64) ([]*model.Reservation, error)

	InsertPayment(ctx context.Context, p *model.Payment) error
	PaymentByExternalID(ctx context.Context, externalID string) (*model.Payment, error)
	PaymentByReservation(ctx context.Context, reservationID uint64) (*model.Payment, error)
	SavePayment(ctx context.Context, p *model.Payment) error
	// PendingPayments returns the session's payments still in created.
	PendingPayments(ctx context.Context, sessionID uint64) ([]*model.Payment, error)

	// Orphan payments outlive the reservation they were created for, so a
	// late payment.succeeded can still be matched and refunded.
	RetainOrphanPayment(ctx context.Context, p *model.Payment) error
	OrphanPayment(ctx context.Context, externalID string) (*model.Payment, error)
	ReleaseOrphanPayment(ctx context.Context, externalID string) error

	DeleteSessionPayments(ctx context.Context, sessionID uint64) error
	DeleteSession(ctx context.Context, sessionID uint64) error
	DeleteTour(ctx context.Context, tourID uint64) error
}
