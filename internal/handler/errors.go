package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-reservation/internal/booking"
	"github.com/iliyamo/tour-reservation/internal/gateway"
)

// respondError maps engine and repository errors to HTTP responses.
// Unexpected errors are logged and answered with 500.
func respondError(c echo.Context, log *logrus.Logger, err error) error {
	var (
		verr     *booking.ValidationError
		capErr   *booking.CapacityError
		occErr   *booking.OccupancyError
		cascade  *booking.CascadeAbortedError
		rejected *gateway.RejectedError
	)
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, booking.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	case errors.Is(err, booking.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	case errors.As(err, &capErr):
		return c.JSON(http.StatusConflict, echo.Map{
			"error":     "not enough free seats",
			"requested": capErr.Requested,
			"free":      capErr.Free,
		})
	case errors.As(err, &occErr):
		return c.JSON(http.StatusConflict, echo.Map{
			"error":     "capacity below paid occupancy",
			"requested": occErr.Requested,
			"occupied":  occErr.Occupied,
		})
	case errors.Is(err, booking.ErrAlreadyCancelled):
		return c.JSON(http.StatusConflict, echo.Map{"error": "reservation already cancelled"})
	case errors.As(err, &cascade):
		log.WithError(err).WithField("reservation_id", cascade.ReservationID).Warn("deletion refused")
		return c.JSON(http.StatusConflict, echo.Map{
			"error":          "refund failed, nothing was deleted",
			"session_id":     cascade.SessionID,
			"reservation_id": cascade.ReservationID,
			"refunded":       cascade.Refunded,
		})
	case errors.Is(err, booking.ErrRefundNotSucceeded):
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "refund was not completed by the payment provider"})
	case errors.As(err, &rejected):
		log.WithError(err).Warn("payment provider rejected request")
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "payment provider rejected the request"})
	case errors.Is(err, gateway.ErrGateway):
		log.WithError(err).Warn("payment provider unavailable")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "payment provider unavailable, try again later"})
	}
	log.WithError(err).WithField("path", c.Path()).Error("request failed")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
