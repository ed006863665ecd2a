package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/tour-reservation/internal/model"
)

// ReservationRepo serves read-only reservation views.  All state changes go
// through the booking engine.
type ReservationRepo struct {
	db *sql.DB
}

func NewReservationRepo(db *sql.DB) *ReservationRepo { return &ReservationRepo{db: db} }

// ReservationDetail is a reservation joined with its session, tour and
// latest payment for display to the booker.  TotalCents is what the payment
// was created for; without a payment it is the session's current price.
type ReservationDetail struct {
	ID                uint64    `json:"id"`
	SessionID         uint64    `json:"session_id"`
	UserID            uint64    `json:"user_id"`
	State             string    `json:"state"`
	ParticipantsCount int       `json:"participants_count"`
	FullName          string    `json:"full_name"`
	Email             string    `json:"email"`
	Phone             string    `json:"phone"`
	TotalCents        int64     `json:"total_cents"`
	TourTitle         string    `json:"tour_title"`
	Place             string    `json:"place"`
	SessionStartsAt   time.Time `json:"session_starts_at"`
	PaymentStatus     *string   `json:"payment_status,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

const detailQuery = `SELECT r.id, r.session_id, r.user_id, r.participants_count, r.full_name, r.email, r.phone,
       r.is_paid, r.is_cancelled, r.created_at, s.cost_cents, s.starts_at, t.title, t.place,
       (SELECT p.status FROM payments p WHERE p.reservation_id = r.id ORDER BY p.id DESC LIMIT 1),
       (SELECT p.amount_cents FROM payments p WHERE p.reservation_id = r.id ORDER BY p.id DESC LIMIT 1)
FROM reservations r
JOIN tour_sessions s ON s.id = r.session_id
JOIN tours t ON t.id = s.tour_id`

func scanDetail(row rowScanner) (*ReservationDetail, error) {
	var (
		d      ReservationDetail
		res    model.Reservation
		cost   int64
		status sql.NullString
		amount sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.SessionID, &d.UserID, &d.ParticipantsCount, &d.FullName, &d.Email, &d.Phone,
		&res.Paid, &res.Cancelled, &d.CreatedAt, &cost, &d.SessionStartsAt, &d.TourTitle, &d.Place, &status, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.State = res.State().String()
	d.TotalCents = cost * int64(d.ParticipantsCount)
	if amount.Valid {
		d.TotalCents = amount.Int64
	}
	if status.Valid {
		s := status.String
		d.PaymentStatus = &s
	}
	return &d, nil
}

// ListByUser returns a user's reservations, newest first.
func (r *ReservationRepo) ListByUser(ctx context.Context, userID uint64) ([]ReservationDetail, error) {
	return r.list(ctx, detailQuery+` WHERE r.user_id = ? ORDER BY r.created_at DESC, r.id DESC`, userID)
}

// ListAll returns every reservation, newest first.  Admin view.
func (r *ReservationRepo) ListAll(ctx context.Context) ([]ReservationDetail, error) {
	return r.list(ctx, detailQuery+` ORDER BY r.created_at DESC, r.id DESC`)
}

func (r *ReservationRepo) list(ctx context.Context, query string, args ...any) ([]ReservationDetail, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ReservationDetail, 0)
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// GetByIDForUser returns one reservation if it belongs to userID.
func (r *ReservationRepo) GetByIDForUser(ctx context.Context, id, userID uint64) (*ReservationDetail, error) {
	return scanDetail(r.db.QueryRowContext(ctx, detailQuery+` WHERE r.id = ? AND r.user_id = ?`, id, userID))
}

// GetByID returns one reservation regardless of who booked it.
func (r *ReservationRepo) GetByID(ctx context.Context, id uint64) (*ReservationDetail, error) {
	return scanDetail(r.db.QueryRowContext(ctx, detailQuery+` WHERE r.id = ?`, id))
}
