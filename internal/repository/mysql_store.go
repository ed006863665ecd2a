package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/tour-reservation/internal/model"
)

// MySQLStore implements Store on InnoDB.  Per-session exclusivity comes from
// SELECT ... FOR UPDATE on the tour_sessions row.
type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore { return &MySQLStore{db: db} }

// DB exposes the underlying pool for read-only repositories.
func (s *MySQLStore) DB() *sql.DB { return s.db }

func (s *MySQLStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&mysqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

type mysqlTx struct {
	tx *sql.Tx
}

const sessionCols = `s.id, s.tour_id, s.starts_at, s.max_participants, s.cost_cents, s.created_at,
       t.title, t.place, t.owner_id, t.owner_email`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var s model.Session
	err := row.Scan(&s.ID, &s.TourID, &s.StartsAt, &s.MaxParticipants, &s.CostCents, &s.CreatedAt,
		&s.TourTitle, &s.Place, &s.OwnerID, &s.OwnerEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *mysqlTx) LockSession(ctx context.Context, sessionID uint64) (*model.Session, error) {
	const q = `SELECT ` + sessionCols + `
FROM tour_sessions s JOIN tours t ON t.id = s.tour_id
WHERE s.id = ? FOR UPDATE OF s`
	return scanSession(t.tx.QueryRowContext(ctx, q, sessionID))
}

func (t *mysqlTx) LockTourSessions(ctx context.Context, tourID uint64) (*model.Tour, []*model.Session, error) {
	const qt = `SELECT id, title, place, owner_id, owner_email, created_at FROM tours WHERE id = ? FOR UPDATE`
	var tour model.Tour
	err := t.tx.QueryRowContext(ctx, qt, tourID).Scan(&tour.ID, &tour.Title, &tour.Place, &tour.OwnerID, &tour.OwnerEmail, &tour.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	const qs = `SELECT ` + sessionCols + `
FROM tour_sessions s JOIN tours t ON t.id = s.tour_id
WHERE s.tour_id = ? ORDER BY s.id FOR UPDATE OF s`
	rows, err := t.tx.QueryContext(ctx, qs, tourID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var sessions []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return &tour, sessions, nil
}

func (t *mysqlTx) UpdateSession(ctx context.Context, s *model.Session) error {
	const q = `UPDATE tour_sessions SET starts_at = ?, max_participants = ?, cost_cents = ? WHERE id = ?`
	res, err := t.tx.ExecContext(ctx, q, s.StartsAt.UTC(), s.MaxParticipants, s.CostCents, s.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (t *mysqlTx) PaidOccupancy(ctx context.Context, sessionID uint64) (int, error) {
	const q = `SELECT COALESCE(SUM(participants_count), 0) FROM reservations
WHERE session_id = ? AND is_paid = 1 AND is_cancelled = 0`
	var n int
	if err := t.tx.QueryRowContext(ctx, q, sessionID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

const reservationCols = `id, session_id, user_id, participants_count, full_name, phone, email, is_paid, is_cancelled, created_at`

func scanReservation(row rowScanner) (*model.Reservation, error) {
	var r model.Reservation
	err := row.Scan(&r.ID, &r.SessionID, &r.UserID, &r.ParticipantsCount, &r.FullName, &r.Phone, &r.Email,
		&r.Paid, &r.Cancelled, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *mysqlTx) InsertReservation(ctx context.Context, r *model.Reservation) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO reservations (session_id, user_id, participants_count, full_name, phone, email, is_paid, is_cancelled, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := t.tx.ExecContext(ctx, q, r.SessionID, r.UserID, r.ParticipantsCount, r.FullName, r.Phone, r.Email,
		r.Paid, r.Cancelled, r.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = uint64(id)
	return nil
}

func (t *mysqlTx) GetReservation(ctx context.Context, id uint64) (*model.Reservation, error) {
	const q = `SELECT ` + reservationCols + ` FROM reservations WHERE id = ?`
	return scanReservation(t.tx.QueryRowContext(ctx, q, id))
}

func (t *mysqlTx) SaveReservation(ctx context.Context, r *model.Reservation) error {
	const q = `UPDATE reservations SET is_paid = ?, is_cancelled = ? WHERE id = ?`
	res, err := t.tx.ExecContext(ctx, q, r.Paid, r.Cancelled, r.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (t *mysqlTx) ActiveReservations(ctx context.Context, sessionID uint64) ([]*model.Reservation, error) {
	const q = `SELECT ` + reservationCols + ` FROM reservations WHERE session_id = ? AND is_cancelled = 0 ORDER BY id`
	rows, err := t.tx.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const paymentCols = `id, external_id, reservation_id, session_id, amount_cents, currency, status, method, created_at`

func scanPayment(row rowScanner) (*model.Payment, error) {
	var p model.Payment
	var status string
	err := row.Scan(&p.ID, &p.ExternalID, &p.ReservationID, &p.SessionID, &p.AmountCents, &p.Currency, &status, &p.Method, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = model.PaymentStatus(status)
	return &p, nil
}

func (t *mysqlTx) InsertPayment(ctx context.Context, p *model.Payment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO payments (external_id, reservation_id, session_id, amount_cents, currency, status, method, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := t.tx.ExecContext(ctx, q, p.ExternalID, p.ReservationID, p.SessionID, p.AmountCents, p.Currency, string(p.Status), p.Method, p.CreatedAt)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("payment %s: %w", p.ExternalID, ErrConflict)
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = uint64(id)
	return nil
}

func (t *mysqlTx) PaymentByExternalID(ctx context.Context, externalID string) (*model.Payment, error) {
	const q = `SELECT ` + paymentCols + ` FROM payments WHERE external_id = ?`
	return scanPayment(t.tx.QueryRowContext(ctx, q, externalID))
}

func (t *mysqlTx) PaymentByReservation(ctx context.Context, reservationID uint64) (*model.Payment, error) {
	const q = `SELECT ` + paymentCols + ` FROM payments WHERE reservation_id = ? ORDER BY id DESC LIMIT 1`
	return scanPayment(t.tx.QueryRowContext(ctx, q, reservationID))
}

func (t *mysqlTx) SavePayment(ctx context.Context, p *model.Payment) error {
	const q = `UPDATE payments SET status = ? WHERE id = ?`
	res, err := t.tx.ExecContext(ctx, q, string(p.Status), p.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (t *mysqlTx) PendingPayments(ctx context.Context, sessionID uint64) ([]*model.Payment, error) {
	const q = `SELECT ` + paymentCols + ` FROM payments WHERE session_id = ? AND status = 'created' ORDER BY id`
	rows, err := t.tx.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const orphanCols = `external_id, reservation_id, session_id, amount_cents, currency, created_at`

func (t *mysqlTx) RetainOrphanPayment(ctx context.Context, p *model.Payment) error {
	const q = `INSERT INTO orphan_payments (` + orphanCols + `) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := t.tx.ExecContext(ctx, q, p.ExternalID, p.ReservationID, p.SessionID, p.AmountCents, p.Currency, time.Now().UTC())
	if isDuplicate(err) {
		return fmt.Errorf("orphan payment %s: %w", p.ExternalID, ErrConflict)
	}
	return err
}

// OrphanPayment locks and returns a retained payment.  It comes back in
// status created, as it was when its reservation was deleted.
func (t *mysqlTx) OrphanPayment(ctx context.Context, externalID string) (*model.Payment, error) {
	const q = `SELECT ` + orphanCols + ` FROM orphan_payments WHERE external_id = ? FOR UPDATE`
	var p model.Payment
	err := t.tx.QueryRowContext(ctx, q, externalID).Scan(&p.ExternalID, &p.ReservationID, &p.SessionID, &p.AmountCents, &p.Currency, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = model.PaymentCreated
	return &p, nil
}

func (t *mysqlTx) ReleaseOrphanPayment(ctx context.Context, externalID string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM orphan_payments WHERE external_id = ?`, externalID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (t *mysqlTx) DeleteSessionPayments(ctx context.Context, sessionID uint64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM payments WHERE session_id = ?`, sessionID)
	return err
}

// DeleteSession removes the session and its reservations.  Payments must
// already be gone.
func (t *mysqlTx) DeleteSession(ctx context.Context, sessionID uint64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM reservations WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM tour_sessions WHERE id = ?`, sessionID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (t *mysqlTx) DeleteTour(ctx context.Context, tourID uint64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM tours WHERE id = ?`, tourID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// expectOne maps an UPDATE/DELETE that touched nothing to ErrNotFound.
func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicate reports MySQL duplicate-key errors, falling back to the error
// text for wrapped driver errors.
func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return err != nil && strings.Contains(err.Error(), "1062")
}
