package repository

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/tour-reservation/internal/model"
)

var tourColumns = []string{"id", "title", "place", "owner_id", "owner_email", "created_at"}

func TestTourRepo(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewTourRepo(db)
	now := time.Now().UTC()

	t.Run("CreateTour", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO tours`).
			WithArgs("River cruise", "Pier 3", 100, "o@example.com", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(11, 1))

		tour := &model.Tour{Title: "  River cruise ", Place: "Pier 3", OwnerID: 100, OwnerEmail: "o@example.com"}
		require.NoError(t, repo.CreateTour(context.Background(), tour))
		assert.Equal(t, uint64(11), tour.ID)
		assert.Equal(t, "River cruise", tour.Title)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("CreateSession by another resident", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM tours WHERE id = ?`)).
			WithArgs(11).
			WillReturnRows(sqlmock.NewRows(tourColumns).AddRow(11, "River cruise", "Pier 3", 100, "o@example.com", now))

		err := repo.CreateSession(context.Background(), 200, &model.Session{TourID: 11, StartsAt: now, MaxParticipants: 5})
		assert.ErrorIs(t, err, ErrForbidden)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("CreateSession", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM tours WHERE id = ?`)).
			WithArgs(11).
			WillReturnRows(sqlmock.NewRows(tourColumns).AddRow(11, "River cruise", "Pier 3", 100, "o@example.com", now))
		mock.ExpectExec(`INSERT INTO tour_sessions`).
			WithArgs(11, sqlmock.AnyArg(), 5, 2500, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(21, 1))

		s := &model.Session{TourID: 11, StartsAt: now.Add(time.Hour), MaxParticipants: 5, CostCents: 2500}
		require.NoError(t, repo.CreateSession(context.Background(), 100, s))
		assert.Equal(t, uint64(21), s.ID)
		assert.Equal(t, "o@example.com", s.OwnerEmail)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GetTour missing", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM tours WHERE id = ?`)).
			WithArgs(12).
			WillReturnRows(sqlmock.NewRows(tourColumns))
		_, err := repo.GetTour(context.Background(), 12)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ListSessions", func(t *testing.T) {
		mock.ExpectQuery(`FROM tour_sessions s`).
			WithArgs(11).
			WillReturnRows(sqlmock.NewRows([]string{"id", "tour_id", "starts_at", "max_participants", "cost_cents", "occupied"}).
				AddRow(21, 11, now, 5, 2500, 3).
				AddRow(22, 11, now.Add(time.Hour), 2, 0, 2))

		items, err := repo.ListSessions(context.Background(), 11)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, 2, items[0].Free)
		assert.Equal(t, 0, items[1].Free)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

var detailColumns = []string{
	"id", "session_id", "user_id", "participants_count", "full_name", "email", "phone",
	"is_paid", "is_cancelled", "created_at", "cost_cents", "starts_at", "title", "place", "status", "amount_cents",
}

func TestReservationRepo(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewReservationRepo(db)
	now := time.Now().UTC()

	t.Run("ListByUser", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`WHERE r.user_id = ? ORDER BY r.created_at DESC`)).
			WithArgs(5).
			WillReturnRows(sqlmock.NewRows(detailColumns).
				AddRow(2, 21, 5, 3, "Ann", "ann@example.com", "", true, false, now, 1500, now, "Walk", "Square", "succeeded", 4500).
				AddRow(1, 21, 5, 1, "Ann", "ann@example.com", "", false, false, now, 1500, now, "Walk", "Square", nil, nil))

		items, err := repo.ListByUser(context.Background(), 5)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, model.ActivePaid.String(), items[0].State)
		assert.Equal(t, int64(4500), items[0].TotalCents)
		require.NotNil(t, items[0].PaymentStatus)
		assert.Equal(t, "succeeded", *items[0].PaymentStatus)
		assert.Equal(t, model.ActiveUnpaid.String(), items[1].State)
		assert.Nil(t, items[1].PaymentStatus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GetByIDForUser of someone else", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`WHERE r.id = ? AND r.user_id = ?`)).
			WithArgs(2, 6).
			WillReturnRows(sqlmock.NewRows(detailColumns))
		_, err := repo.GetByIDForUser(context.Background(), 2, 6)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ListAll keeps the charged amount after a price change", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`JOIN tours t ON t.id = s.tour_id ORDER BY r.created_at DESC`)).
			WillReturnRows(sqlmock.NewRows(detailColumns).
				AddRow(3, 22, 8, 2, "Bob", "bob@example.com", "", true, false, now, 2000, now, "Walk", "Square", "succeeded", 3000).
				AddRow(1, 21, 5, 1, "Ann", "ann@example.com", "", false, true, now, 1500, now, "Walk", "Square", "canceled", 1500))

		items, err := repo.ListAll(context.Background())
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, uint64(8), items[0].UserID)
		assert.Equal(t, int64(3000), items[0].TotalCents)
		assert.Equal(t, model.Cancelled.String(), items[1].State)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GetByID of any user", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`WHERE r.id = ?`)).
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows(detailColumns).
				AddRow(3, 22, 8, 2, "Bob", "bob@example.com", "+7", false, false, now, 2000, now, "Walk", "Square", nil, nil))
		d, err := repo.GetByID(context.Background(), 3)
		require.NoError(t, err)
		assert.Equal(t, uint64(8), d.UserID)
		assert.Equal(t, int64(4000), d.TotalCents)
		assert.Nil(t, d.PaymentStatus)

		mock.ExpectQuery(regexp.QuoteMeta(`WHERE r.id = ?`)).
			WithArgs(4).
			WillReturnRows(sqlmock.NewRows(detailColumns))
		_, err = repo.GetByID(context.Background(), 4)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUserRepo_GetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewUserRepo(db)
	cols := []string{"id", "email", "full_name", "role", "is_active", "created_at"}

	mock.ExpectQuery(`FROM users WHERE id=\?`).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(3, "r@example.com", "Rita", model.RoleResident, true, time.Now()))
	u, err := repo.GetByID(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "r@example.com", u.Email)

	mock.ExpectQuery(`FROM users WHERE id=\?`).WithArgs(4).WillReturnRows(sqlmock.NewRows(cols))
	_, err = repo.GetByID(context.Background(), 4)
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery(`FROM users`).WithArgs(5).WillReturnError(fmt.Errorf("connection reset"))
	_, err = repo.GetByID(context.Background(), 5)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
