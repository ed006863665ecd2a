package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/tour-reservation/internal/handler"
	"github.com/iliyamo/tour-reservation/internal/middleware"
	"github.com/iliyamo/tour-reservation/internal/model"
)

// RegisterRoutes registers the health endpoints.  /readyz fails while the
// database is unreachable.
func RegisterRoutes(e *echo.Echo, db handler.Pinger) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(db))
}

// RegisterPublic registers unauthenticated browse endpoints.  The session
// listing goes through the Redis response cache.
func RegisterPublic(e *echo.Echo, p *handler.PublicHandler, cache echo.MiddlewareFunc) {
	e.GET("/v1/tours/:id", p.GetTour)
	e.GET("/v1/tours/:id/sessions", p.ListSessions, cache)
}

// RegisterUser registers booking endpoints for authenticated users.  Booking
// is additionally rate limited per caller.
func RegisterUser(e *echo.Echo, h *handler.ReservationHandler, jwtSecret string, limiter echo.MiddlewareFunc) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleUser, model.RoleResident, model.RoleAdmin),
	)
	g.POST("/sessions/:id/reservations", h.Book, limiter)
	g.GET("/my-reservations", h.ListMine)
	g.GET("/reservations/:id", h.Get)
	g.DELETE("/reservations/:id", h.Cancel)
}

// RegisterAdmin registers ADMIN-only endpoints.
func RegisterAdmin(e *echo.Echo, h *handler.ReservationHandler, jwtSecret string) {
	g := e.Group(
		"/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleAdmin),
	)
	g.GET("/reservations", h.ListAll)
	g.GET("/reservations/:id", h.GetAny)
	g.POST("/reservations/:id/cancel", h.Cancel)
}

// RegisterResident registers tour management endpoints.  Ownership is
// checked by the handlers; admins pass those checks.
func RegisterResident(e *echo.Echo, r *handler.ResidentHandler, jwtSecret string) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleResident, model.RoleAdmin),
	)
	g.POST("/tours", r.CreateTour)
	g.POST("/tours/:id/sessions", r.CreateSession)
	g.PATCH("/sessions/:id", r.UpdateSession)
	g.DELETE("/sessions/:id", r.DeleteSession)
	g.DELETE("/tours/:id", r.DeleteTour)
}

// RegisterWebhooks registers the notification endpoint of the configured
// payment provider.  Providers authenticate by signature, not JWT.
func RegisterWebhooks(e *echo.Echo, w *handler.WebhookHandler) {
	e.POST("/v1/webhooks/"+w.Gateway.Name(), w.Receive)
}
