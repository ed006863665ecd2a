package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-reservation/internal/booking"
	"github.com/iliyamo/tour-reservation/internal/gateway"
)

const maxWebhookBytes = 1 << 20

// WebhookHandler receives payment provider notifications.
type WebhookHandler struct {
	Engine     *booking.Engine
	Gateway    gateway.Gateway
	Invalidate Invalidator
	Log        *logrus.Logger
}

func NewWebhookHandler(engine *booking.Engine, gw gateway.Gateway, invalidate Invalidator, log *logrus.Logger) *WebhookHandler {
	if engine == nil || gw == nil {
		panic("nil dependency passed to NewWebhookHandler")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &WebhookHandler{Engine: engine, Gateway: gw, Invalidate: invalidate, Log: log}
}

// Receive handles POST /v1/webhooks/<provider>.  Malformed, unsigned or
// unconfirmed payloads get 400 and are not redelivered.  A provider that
// could not be asked about the payment gets 503 and processing failures get
// 500, so the provider retries; duplicates are absorbed by the engine.
func (h *WebhookHandler) Receive(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	ctx := c.Request().Context()
	ev, err := h.Gateway.ParseWebhook(ctx, payload, c.Request().Header)
	if err != nil {
		entry := h.Log.WithError(err).WithField("provider", h.Gateway.Name())
		switch {
		case errors.Is(err, gateway.ErrMalformedWebhook):
			entry.Warn("webhook rejected")
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed webhook"})
		case errors.Is(err, gateway.ErrUnverifiedWebhook):
			entry.Warn("webhook not confirmed by provider")
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "unverified webhook"})
		case errors.Is(err, gateway.ErrGateway):
			entry.Warn("webhook verification unavailable")
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "payment provider unavailable"})
		}
		entry.Error("webhook parse failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	if err := h.Engine.ApplyWebhook(ctx, ev); err != nil {
		h.Log.WithError(err).WithFields(logrus.Fields{
			"event":      ev.Raw,
			"payment_id": ev.PaymentID,
		}).Error("webhook processing failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "processing failed"})
	}
	h.Invalidate.run(ctx)
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}
