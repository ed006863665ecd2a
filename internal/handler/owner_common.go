package handler // handler defines http handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/tour-reservation/internal/middleware"
	"github.com/iliyamo/tour-reservation/internal/model"
	"github.com/iliyamo/tour-reservation/internal/repository"
)

// TourStore is the part of repository.TourRepo the handlers use.
type TourStore interface {
	CreateTour(ctx context.Context, t *model.Tour) error
	GetTour(ctx context.Context, id uint64) (*model.Tour, error)
	CreateSession(ctx context.Context, ownerID uint64, s *model.Session) error
	ListSessions(ctx context.Context, tourID uint64) ([]repository.SessionAvailability, error)
}

// ReservationReader is the part of repository.ReservationRepo the handlers
// use.
type ReservationReader interface {
	ListByUser(ctx context.Context, userID uint64) ([]repository.ReservationDetail, error)
	GetByIDForUser(ctx context.Context, id, userID uint64) (*repository.ReservationDetail, error)
	ListAll(ctx context.Context) ([]repository.ReservationDetail, error)
	GetByID(ctx context.Context, id uint64) (*repository.ReservationDetail, error)
}

// UserLookup resolves accounts for contact details the token lacks.
type UserLookup interface {
	GetByID(ctx context.Context, id uint64) (*model.User, error)
}

// Invalidator is called after a change to seat availability commits.
type Invalidator func(ctx context.Context)

func (f Invalidator) run(ctx context.Context) {
	if f != nil {
		f(ctx)
	}
}

var errNoUser = errors.New("invalid user_id in context")

// getUserID returns the authenticated caller's id set by JWTAuth.
func getUserID(c echo.Context) (uint64, error) {
	if id, ok := middleware.UserID(c); ok {
		return id, nil
	}
	return 0, errNoUser
}

// pathID parses a positive numeric path parameter.
func pathID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}
