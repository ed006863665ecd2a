package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/tour-reservation/internal/model"
)

// TourRepo handles tour and session rows outside of the booking engine's
// locked transactions: creation by residents and public listings.
type TourRepo struct {
	db *sql.DB
}

func NewTourRepo(db *sql.DB) *TourRepo { return &TourRepo{db: db} }

// CreateTour inserts a tour and fills in its id and creation time.
func (r *TourRepo) CreateTour(ctx context.Context, t *model.Tour) error {
	t.Title = strings.TrimSpace(t.Title)
	t.Place = strings.TrimSpace(t.Place)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO tours (title, place, owner_id, owner_email, created_at) VALUES (?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, q, t.Title, t.Place, t.OwnerID, t.OwnerEmail, t.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = uint64(id)
	return nil
}

// GetTour fetches a tour by id.
func (r *TourRepo) GetTour(ctx context.Context, id uint64) (*model.Tour, error) {
	const q = `SELECT id, title, place, owner_id, owner_email, created_at FROM tours WHERE id = ?`
	var t model.Tour
	err := r.db.QueryRowContext(ctx, q, id).Scan(&t.ID, &t.Title, &t.Place, &t.OwnerID, &t.OwnerEmail, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateSession inserts a session for a tour owned by ownerID.  It returns
// ErrNotFound when the tour is missing and ErrForbidden when it belongs to
// another resident.
func (r *TourRepo) CreateSession(ctx context.Context, ownerID uint64, s *model.Session) error {
	t, err := r.GetTour(ctx, s.TourID)
	if err != nil {
		return err
	}
	if t.OwnerID != ownerID {
		return ErrForbidden
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO tour_sessions (tour_id, starts_at, max_participants, cost_cents, created_at) VALUES (?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, q, s.TourID, s.StartsAt.UTC(), s.MaxParticipants, s.CostCents, s.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = uint64(id)
	s.TourTitle, s.Place, s.OwnerID, s.OwnerEmail = t.Title, t.Place, t.OwnerID, t.OwnerEmail
	return nil
}

// SessionAvailability is a session as shown on the public listing.
type SessionAvailability struct {
	ID              uint64    `json:"id"`
	TourID          uint64    `json:"tour_id"`
	StartsAt        time.Time `json:"starts_at"`
	MaxParticipants int       `json:"max_participants"`
	CostCents       int64     `json:"cost_cents"`
	Occupied        int       `json:"occupied"`
	Free            int       `json:"free"`
}

// ListSessions returns the sessions of a tour with their paid occupancy,
// ordered by start time.
func (r *TourRepo) ListSessions(ctx context.Context, tourID uint64) ([]SessionAvailability, error) {
	const q = `SELECT s.id, s.tour_id, s.starts_at, s.max_participants, s.cost_cents,
       COALESCE(SUM(CASE WHEN r.is_paid = 1 AND r.is_cancelled = 0 THEN r.participants_count ELSE 0 END), 0)
FROM tour_sessions s
LEFT JOIN reservations r ON r.session_id = s.id
WHERE s.tour_id = ?
GROUP BY s.id, s.tour_id, s.starts_at, s.max_participants, s.cost_cents
ORDER BY s.starts_at, s.id`
	rows, err := r.db.QueryContext(ctx, q, tourID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]SessionAvailability, 0)
	for rows.Next() {
		var a SessionAvailability
		if err := rows.Scan(&a.ID, &a.TourID, &a.StartsAt, &a.MaxParticipants, &a.CostCents, &a.Occupied); err != nil {
			return nil, err
		}
		a.Free = model.Session{MaxParticipants: a.MaxParticipants}.Free(a.Occupied)
		out = append(out, a)
	}
	return out, rows.Err()
}
