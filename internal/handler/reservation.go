package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-reservation/internal/booking"
	"github.com/iliyamo/tour-reservation/internal/middleware"
	"github.com/iliyamo/tour-reservation/internal/model"
)

// ReservationHandler serves the booking endpoints of users and the admin
// cancellation endpoint.  JWTAuth and RequireRole run before every method.
type ReservationHandler struct {
	Engine       *booking.Engine
	Reservations ReservationReader
	Invalidate   Invalidator
	Log          *logrus.Logger
}

func NewReservationHandler(engine *booking.Engine, reservations ReservationReader, invalidate Invalidator, log *logrus.Logger) *ReservationHandler {
	if engine == nil || reservations == nil {
		panic("nil dependency passed to NewReservationHandler")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ReservationHandler{Engine: engine, Reservations: reservations, Invalidate: invalidate, Log: log}
}

type reservationView struct {
	ID                uint64    `json:"id"`
	SessionID         uint64    `json:"session_id"`
	UserID            uint64    `json:"user_id"`
	State             string    `json:"state"`
	ParticipantsCount int       `json:"participants_count"`
	FullName          string    `json:"full_name"`
	Email             string    `json:"email"`
	Phone             string    `json:"phone,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func viewReservation(r model.Reservation) reservationView {
	return reservationView{
		ID:                r.ID,
		SessionID:         r.SessionID,
		UserID:            r.UserID,
		State:             r.State().String(),
		ParticipantsCount: r.ParticipantsCount,
		FullName:          r.FullName,
		Email:             r.Email,
		Phone:             r.Phone,
		CreatedAt:         r.CreatedAt,
	}
}

type paymentView struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// Book handles POST /v1/sessions/:id/reservations.  The body carries
// participants_count, full_name, phone and email; email defaults to the
// token's email claim.  Free sessions answer 201 with a confirmed
// reservation.  Paid sessions answer 201 with the pending payment and
// either the URL where the user completes it or, for Stripe, the client
// secret the frontend confirms the payment with.
func (h *ReservationHandler) Book(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	sessionID, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid session id"})
	}
	var body struct {
		ParticipantsCount int    `json:"participants_count"`
		FullName          string `json:"full_name"`
		Phone             string `json:"phone"`
		Email             string `json:"email"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.Email == "" {
		body.Email = middleware.Email(c)
	}

	ctx := c.Request().Context()
	res, err := h.Engine.Book(ctx, booking.BookRequest{
		SessionID:    sessionID,
		UserID:       userID,
		Participants: body.ParticipantsCount,
		FullName:     body.FullName,
		Phone:        body.Phone,
		Email:        body.Email,
	})
	if err != nil {
		return respondError(c, h.Log, err)
	}
	if res.Reservation.OccupiesSeats() {
		h.Invalidate.run(ctx)
	}

	out := echo.Map{"reservation": viewReservation(res.Reservation)}
	if res.Payment != nil {
		out["payment"] = paymentView{
			ID:          res.Payment.ExternalID,
			Status:      string(res.Payment.Status),
			AmountCents: res.Payment.AmountCents,
			Currency:    res.Payment.Currency,
		}
		if res.ConfirmationURL != "" {
			out["confirmation_url"] = res.ConfirmationURL
		}
		if res.ClientSecret != "" {
			out["client_secret"] = res.ClientSecret
		}
	}
	return c.JSON(http.StatusCreated, out)
}

// ListMine handles GET /v1/my-reservations.
func (h *ReservationHandler) ListMine(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	items, err := h.Reservations.ListByUser(c.Request().Context(), userID)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// Get handles GET /v1/reservations/:id.  Reservations of other users are
// reported as missing.
func (h *ReservationHandler) Get(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid reservation id"})
	}
	d, err := h.Reservations.GetByIDForUser(c.Request().Context(), id, userID)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, d)
}

// ListAll handles GET /v1/admin/reservations.
func (h *ReservationHandler) ListAll(c echo.Context) error {
	items, err := h.Reservations.ListAll(c.Request().Context())
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// GetAny handles GET /v1/admin/reservations/:id.
func (h *ReservationHandler) GetAny(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid reservation id"})
	}
	d, err := h.Reservations.GetByID(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, d)
}

// Cancel handles DELETE /v1/reservations/:id for the booker and
// POST /v1/admin/reservations/:id/cancel for admins.  Paid reservations
// are refunded before they are cancelled; a failed refund leaves the
// reservation untouched.
func (h *ReservationHandler) Cancel(c echo.Context) error {
	actorID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid reservation id"})
	}
	ctx := c.Request().Context()
	res, err := h.Engine.Cancel(ctx, booking.CancelRequest{
		ReservationID: id,
		ActorID:       actorID,
		ActorRole:     middleware.Role(c),
	})
	if err != nil {
		return respondError(c, h.Log, err)
	}
	h.Invalidate.run(ctx)
	return c.JSON(http.StatusOK, echo.Map{
		"reservation":    viewReservation(res.Reservation),
		"refunded":       res.Refunded,
		"refunded_cents": res.RefundedCents,
	})
}
