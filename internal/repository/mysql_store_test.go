package repository

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/tour-reservation/internal/model"
)

var sessionColumns = []string{
	"id", "tour_id", "starts_at", "max_participants", "cost_cents", "created_at",
	"title", "place", "owner_id", "owner_email",
}

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewMySQLStore(db), mock
}

func TestAtomically_LockAndCommit(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE s.id = ? FOR UPDATE OF s`)).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows(sessionColumns).
			AddRow(7, 3, now.Add(time.Hour), 10, 1500, now, "Old town walk", "Main square", 100, "owner@example.com"))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(participants_count\), 0\) FROM reservations`).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(4))
	mock.ExpectCommit()

	var (
		session  *model.Session
		occupied int
	)
	err := store.Atomically(context.Background(), func(tx Tx) error {
		var err error
		if session, err = tx.LockSession(context.Background(), 7); err != nil {
			return err
		}
		occupied, err = tx.PaidOccupancy(context.Background(), 7)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "Old town walk", session.TourTitle)
	assert.Equal(t, uint64(100), session.OwnerID)
	assert.Equal(t, 4, occupied)
	assert.Equal(t, 6, session.Free(occupied))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAtomically_RollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE OF s`)).
		WithArgs(99).
		WillReturnRows(sqlmock.NewRows(sessionColumns))
	mock.ExpectRollback()

	err := store.Atomically(context.Background(), func(tx Tx) error {
		_, err := tx.LockSession(context.Background(), 99)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAtomically_BeginAndCommitFailures(t *testing.T) {
	t.Run("begin", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin().WillReturnError(fmt.Errorf("too many connections"))
		err := store.Atomically(context.Background(), func(Tx) error { return nil })
		assert.ErrorContains(t, err, "begin tx")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("commit", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(fmt.Errorf("deadlock"))
		err := store.Atomically(context.Background(), func(Tx) error { return nil })
		assert.ErrorContains(t, err, "commit")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestInsertPayment(t *testing.T) {
	p := func() *model.Payment {
		return &model.Payment{ExternalID: "pay_1", ReservationID: 5, SessionID: 7, AmountCents: 3000, Currency: "RUB", Status: model.PaymentCreated}
	}

	t.Run("assigns id", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO payments`).
			WithArgs("pay_1", 5, 7, 3000, "RUB", "created", "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(42, 1))
		mock.ExpectCommit()

		pay := p()
		err := store.Atomically(context.Background(), func(tx Tx) error { return tx.InsertPayment(context.Background(), pay) })
		require.NoError(t, err)
		assert.Equal(t, uint64(42), pay.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate external id", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO payments`).
			WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'pay_1' for key 'external_id'"})
		mock.ExpectRollback()

		err := store.Atomically(context.Background(), func(tx Tx) error { return tx.InsertPayment(context.Background(), p()) })
		assert.ErrorIs(t, err, ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSaveReservation_MissingRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE reservations SET is_paid = ?, is_cancelled = ? WHERE id = ?`)).
		WithArgs(true, true, 5).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	r := &model.Reservation{ID: 5, Paid: true, Cancelled: true}
	err := store.Atomically(context.Background(), func(tx Tx) error { return tx.SaveReservation(context.Background(), r) })
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentByReservation(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM payments WHERE reservation_id = ? ORDER BY id DESC LIMIT 1`)).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "reservation_id", "session_id", "amount_cents", "currency", "status", "method", "created_at"}).
			AddRow(9, "pay_9", 5, 7, 3000, "RUB", "succeeded", "bank_card", now))
	mock.ExpectCommit()

	var p *model.Payment
	err := store.Atomically(context.Background(), func(tx Tx) error {
		var err error
		p, err = tx.PaymentByReservation(context.Background(), 5)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSucceeded, p.Status)
	assert.True(t, p.Refundable())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockTourSessions(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	// the tour row is locked before its sessions are read so no session
	// can be added in between
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM tours WHERE id = ? FOR UPDATE`)).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "place", "owner_id", "owner_email", "created_at"}).
			AddRow(3, "Walk", "Square", 100, "o@example.com", now))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE s.tour_id = ? ORDER BY s.id FOR UPDATE OF s`)).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows(sessionColumns).
			AddRow(7, 3, now, 10, 0, now, "Walk", "Square", 100, "o@example.com").
			AddRow(8, 3, now, 5, 500, now, "Walk", "Square", 100, "o@example.com"))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM reservations WHERE session_id = ?`)).
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM tour_sessions WHERE id = ?`)).
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Atomically(context.Background(), func(tx Tx) error {
		tour, sessions, err := tx.LockTourSessions(context.Background(), 3)
		if err != nil {
			return err
		}
		assert.Equal(t, "Walk", tour.Title)
		require.Len(t, sessions, 2)
		assert.Equal(t, []uint64{7, 8}, []uint64{sessions[0].ID, sessions[1].ID})
		return tx.DeleteSession(context.Background(), sessions[0].ID)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockTourSessions_UnknownTour(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM tours WHERE id = ? FOR UPDATE`)).WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "place", "owner_id", "owner_email", "created_at"}))
	mock.ExpectRollback()

	err := store.Atomically(context.Background(), func(tx Tx) error {
		_, _, err := tx.LockTourSessions(context.Background(), 3)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSession(t *testing.T) {
	store, mock := newMockStore(t)
	starts := time.Date(2030, 5, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tour_sessions SET starts_at = ?, max_participants = ?, cost_cents = ? WHERE id = ?`)).
		WithArgs(starts, 12, int64(2500), 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tour_sessions`)).
		WithArgs(starts, 12, int64(2500), 8).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Atomically(context.Background(), func(tx Tx) error {
		s := &model.Session{ID: 7, StartsAt: starts, MaxParticipants: 12, CostCents: 2500}
		require.NoError(t, tx.UpdateSession(context.Background(), s))
		s.ID = 8
		return tx.UpdateSession(context.Background(), s)
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrphanPayments(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM payments WHERE session_id = ? AND status = 'created' ORDER BY id`)).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "reservation_id", "session_id", "amount_cents", "currency", "status", "method", "created_at"}).
			AddRow(4, "pay_4", 11, 7, 3000, "RUB", "created", "bank_card", created))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO orphan_payments`)).
		WithArgs("pay_4", 11, 7, int64(3000), "RUB", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO orphan_payments`)).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectQuery(regexp.QuoteMeta(`FROM orphan_payments WHERE external_id = ? FOR UPDATE`)).
		WithArgs("pay_4").
		WillReturnRows(sqlmock.NewRows([]string{"external_id", "reservation_id", "session_id", "amount_cents", "currency", "created_at"}).
			AddRow("pay_4", 11, 7, 3000, "RUB", created))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM orphan_payments WHERE external_id = ?`)).
		WithArgs("pay_4").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Atomically(context.Background(), func(tx Tx) error {
		ctx := context.Background()
		pending, err := tx.PendingPayments(ctx, 7)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.NoError(t, tx.RetainOrphanPayment(ctx, pending[0]))
		assert.ErrorIs(t, tx.RetainOrphanPayment(ctx, pending[0]), ErrConflict)

		o, err := tx.OrphanPayment(ctx, "pay_4")
		require.NoError(t, err)
		assert.Equal(t, model.PaymentCreated, o.Status)
		assert.Equal(t, int64(3000), o.AmountCents)
		return tx.ReleaseOrphanPayment(ctx, "pay_4")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsDuplicate(t *testing.T) {
	assert.True(t, isDuplicate(&mysql.MySQLError{Number: 1062}))
	assert.False(t, isDuplicate(&mysql.MySQLError{Number: 1213}))
	assert.True(t, isDuplicate(fmt.Errorf("insert: Error 1062 (23000): Duplicate entry")))
	assert.False(t, isDuplicate(nil))
}
