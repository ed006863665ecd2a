// Resident endpoints: residents publish tours and sessions and may remove
// them again.  Removing a session or tour cancels and refunds every
// reservation on it and sends the owner an audit export.

package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-reservation/internal/booking"
	"github.com/iliyamo/tour-reservation/internal/middleware"
	"github.com/iliyamo/tour-reservation/internal/model"
	"github.com/iliyamo/tour-reservation/internal/repository"
)

// ResidentHandler bundles what residents need to manage their tours.
type ResidentHandler struct {
	Engine     *booking.Engine
	Tours      TourStore
	Users      UserLookup
	Invalidate Invalidator
	Log        *logrus.Logger
}

func NewResidentHandler(engine *booking.Engine, tours TourStore, users UserLookup, invalidate Invalidator, log *logrus.Logger) *ResidentHandler {
	if engine == nil || tours == nil {
		panic("nil dependency passed to NewResidentHandler")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ResidentHandler{Engine: engine, Tours: tours, Users: users, Invalidate: invalidate, Log: log}
}

// CreateTour handles POST /v1/tours.  The owner's email receives deletion
// summaries; it comes from the token or, failing that, the users table.
func (h *ResidentHandler) CreateTour(c echo.Context) error {
	ownerID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		Title string `json:"title"`
		Place string `json:"place"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if strings.TrimSpace(body.Title) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "title is required"})
	}

	ctx := c.Request().Context()
	email := middleware.Email(c)
	if email == "" && h.Users != nil {
		u, err := h.Users.GetByID(ctx, ownerID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return respondError(c, h.Log, err)
		}
		if u != nil {
			email = u.Email
		}
	}
	if email == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "owner email is unknown"})
	}

	t := &model.Tour{Title: body.Title, Place: body.Place, OwnerID: ownerID, OwnerEmail: email}
	if err := h.Tours.CreateTour(ctx, t); err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"id":         t.ID,
		"title":      t.Title,
		"place":      t.Place,
		"created_at": t.CreatedAt,
	})
}

// CreateSession handles POST /v1/tours/:id/sessions.  starts_at is RFC 3339
// and must lie in the future; cost_cents of 0 makes a free session.
func (h *ResidentHandler) CreateSession(c echo.Context) error {
	ownerID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	tourID, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid tour id"})
	}
	var body struct {
		StartsAt        time.Time `json:"starts_at"`
		MaxParticipants int       `json:"max_participants"`
		CostCents       int64     `json:"cost_cents"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	switch {
	case !body.StartsAt.After(time.Now()):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "starts_at must be in the future"})
	case body.MaxParticipants < 1:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "max_participants must be at least 1"})
	case body.CostCents < 0:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "cost_cents must not be negative"})
	}

	s := &model.Session{
		TourID:          tourID,
		StartsAt:        body.StartsAt.UTC(),
		MaxParticipants: body.MaxParticipants,
		CostCents:       body.CostCents,
	}
	if err := h.Tours.CreateSession(c.Request().Context(), ownerID, s); err != nil {
		return respondError(c, h.Log, err)
	}
	h.Invalidate.run(c.Request().Context())
	return c.JSON(http.StatusCreated, echo.Map{
		"id":               s.ID,
		"tour_id":          s.TourID,
		"starts_at":        s.StartsAt,
		"max_participants": s.MaxParticipants,
		"cost_cents":       s.CostCents,
	})
}

// UpdateSession handles PATCH /v1/sessions/:id.  Only the fields present
// in the body change.  Capacity cannot drop below the seats already paid
// for, and a new price applies to later bookings only.
func (h *ResidentHandler) UpdateSession(c echo.Context) error {
	actorID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid session id"})
	}
	var body struct {
		StartsAt        *time.Time `json:"starts_at"`
		MaxParticipants *int       `json:"max_participants"`
		CostCents       *int64     `json:"cost_cents"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	ctx := c.Request().Context()
	s, err := h.Engine.UpdateSession(ctx, booking.UpdateSessionRequest{
		SessionID:       id,
		ActorID:         actorID,
		ActorRole:       middleware.Role(c),
		StartsAt:        body.StartsAt,
		MaxParticipants: body.MaxParticipants,
		CostCents:       body.CostCents,
	})
	if err != nil {
		return respondError(c, h.Log, err)
	}
	h.Invalidate.run(ctx)
	return c.JSON(http.StatusOK, echo.Map{
		"id":               s.ID,
		"tour_id":          s.TourID,
		"starts_at":        s.StartsAt,
		"max_participants": s.MaxParticipants,
		"cost_cents":       s.CostCents,
	})
}

// DeleteSession handles DELETE /v1/sessions/:id.  With ?format=csv the
// audit export is returned as a download instead of the JSON report.
func (h *ResidentHandler) DeleteSession(c echo.Context) error {
	actorID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid session id"})
	}
	ctx := c.Request().Context()
	report, err := h.Engine.DeleteSession(ctx, booking.DeleteSessionRequest{
		SessionID: id,
		ActorID:   actorID,
		ActorRole: middleware.Role(c),
	})
	if err != nil {
		return respondError(c, h.Log, err)
	}
	h.Invalidate.run(ctx)
	return h.writeReport(c, report)
}

// DeleteTour handles DELETE /v1/tours/:id.  All sessions are removed in
// one go or not at all.
func (h *ResidentHandler) DeleteTour(c echo.Context) error {
	actorID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid tour id"})
	}
	ctx := c.Request().Context()
	report, err := h.Engine.DeleteTour(ctx, booking.DeleteTourRequest{
		TourID:    id,
		ActorID:   actorID,
		ActorRole: middleware.Role(c),
	})
	if err != nil {
		return respondError(c, h.Log, err)
	}
	h.Invalidate.run(ctx)
	return h.writeReport(c, report)
}

func (h *ResidentHandler) writeReport(c echo.Context, report *booking.CascadeReport) error {
	if !strings.EqualFold(c.QueryParam("format"), "csv") {
		return c.JSON(http.StatusOK, report)
	}
	if report.Export == nil {
		return c.NoContent(http.StatusNoContent)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, "attachment; filename="+strconv.Quote(report.Export.Name))
	return c.Blob(http.StatusOK, report.Export.ContentType, report.Export.Data)
}
