// Public browsing endpoints.  No authentication; responses carry no owner
// details.

package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// PublicHandler serves unauthenticated tour browsing.
type PublicHandler struct {
	Tours TourStore
	Log   *logrus.Logger
}

func NewPublicHandler(tours TourStore, log *logrus.Logger) *PublicHandler {
	if tours == nil {
		panic("nil repository passed to NewPublicHandler")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PublicHandler{Tours: tours, Log: log}
}

// GetTour handles GET /v1/tours/:id.
func (h *PublicHandler) GetTour(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid tour id"})
	}
	t, err := h.Tours.GetTour(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"id": t.ID, "title": t.Title, "place": t.Place})
}

// ListSessions handles GET /v1/tours/:id/sessions with the free seats of
// each session.  The route is wrapped by the Redis response cache.
func (h *PublicHandler) ListSessions(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid tour id"})
	}
	ctx := c.Request().Context()
	if _, err := h.Tours.GetTour(ctx, id); err != nil {
		return respondError(c, h.Log, err)
	}
	items, err := h.Tours.ListSessions(ctx, id)
	if err != nil {
		return respondError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"tour_id": id, "items": items})
}
