package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig holds Stripe credentials.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Retry         RetryPolicy
}

// Stripe is a Gateway backed by Stripe PaymentIntents.  Stripe webhook
// types are mapped onto the same EventKind values YooKassa uses.
type Stripe struct {
	cfg StripeConfig
	log *logrus.Logger

	newIntent    func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	cancelIntent func(string, *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
	newRefund    func(*stripe.RefundParams) (*stripe.Refund, error)
}

// NewStripe sets the global Stripe key and builds the gateway.
func NewStripe(cfg StripeConfig, log *logrus.Logger) (*Stripe, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	stripe.Key = cfg.SecretKey
	return &Stripe{
		cfg:          cfg,
		log:          log,
		newIntent:    paymentintent.New,
		cancelIntent: paymentintent.Cancel,
		newRefund:    refund.New,
	}, nil
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentIntent, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("create payment: amount must be positive")
	}
	key := uuid.NewString()
	var pi *stripe.PaymentIntent
	err := s.cfg.Retry.Do(ctx, s.log, "create payment", func(ctx context.Context) error {
		params := &stripe.PaymentIntentParams{
			Amount:   stripe.Int64(req.AmountCents),
			Currency: stripe.String(strings.ToLower(req.Currency)),
			AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
				Enabled: stripe.Bool(true),
			},
			Metadata: req.Metadata(),
		}
		if req.Description != "" {
			params.Description = stripe.String(req.Description)
		}
		if req.CustomerEmail != "" {
			params.ReceiptEmail = stripe.String(req.CustomerEmail)
		}
		params.Context = ctx
		params.SetIdempotencyKey(key)

		var err error
		pi, err = s.newIntent(params)
		return classifyStripe("create payment", err)
	})
	if err != nil {
		return nil, err
	}
	return &PaymentIntent{
		ExternalID:   pi.ID,
		Status:       string(pi.Status),
		ClientSecret: pi.ClientSecret,
		Method:       "card",
	}, nil
}

// CancelPayment cancels a PaymentIntent that has not succeeded yet.
func (s *Stripe) CancelPayment(ctx context.Context, paymentID string) error {
	if paymentID == "" {
		return fmt.Errorf("cancel payment: payment id is required")
	}
	return s.cfg.Retry.Do(ctx, s.log, "cancel payment", func(ctx context.Context) error {
		params := &stripe.PaymentIntentCancelParams{
			CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
		}
		params.Context = ctx
		_, err := s.cancelIntent(paymentID, params)
		return classifyStripe("cancel payment", err)
	})
}

func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.PaymentID == "" {
		return nil, fmt.Errorf("refund: payment id is required")
	}
	key := uuid.NewString()
	var rf *stripe.Refund
	err := s.cfg.Retry.Do(ctx, s.log, "refund", func(ctx context.Context) error {
		params := &stripe.RefundParams{
			PaymentIntent: stripe.String(req.PaymentID),
			Amount:        stripe.Int64(req.AmountCents),
			Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
		}
		params.Context = ctx
		params.SetIdempotencyKey(key)

		var err error
		rf, err = s.newRefund(params)
		return classifyStripe("refund", err)
	})
	if err != nil {
		return nil, err
	}
	return &RefundResult{RefundID: rf.ID, Status: string(rf.Status)}, nil
}

// classifyStripe turns 4xx Stripe errors into RejectedError so they are not
// retried.  Everything else is left for the retry loop.
func classifyStripe(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 {
		return &RejectedError{Op: op, StatusCode: se.HTTPStatusCode, Message: se.Msg}
	}
	return err
}

// ParseWebhook verifies the Stripe-Signature header, which is what makes
// the event trustworthy, and maps it:
//
//	payment_intent.succeeded -> payment.succeeded
//	payment_intent.canceled  -> payment.canceled
//	charge.refunded          -> refund.succeeded
//
// Other Stripe types come back with their original name and are ignored
// by the engine.
func (s *Stripe) ParseWebhook(_ context.Context, payload []byte, header http.Header) (*WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event without data", ErrMalformedWebhook)
	}

	ev := &WebhookEvent{Raw: string(event.Type), Kind: EventKind(event.Type)}
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: payment intent: %v", ErrMalformedWebhook, err)
		}
		ev.PaymentID = pi.ID
		ev.Status = string(pi.Status)
		ev.Kind = EventPaymentCanceled
		if event.Type == stripe.EventTypePaymentIntentSucceeded {
			ev.Kind = EventPaymentSucceeded
			meta, _ := json.Marshal(pi.Metadata)
			rid, err := metadataReservationID(meta)
			if err != nil {
				return nil, err
			}
			if rid == 0 {
				return nil, fmt.Errorf("%w: missing metadata.reservation_id", ErrMalformedWebhook)
			}
			ev.ReservationID = rid
		}
	case stripe.EventTypeChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: charge: %v", ErrMalformedWebhook, err)
		}
		if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			return nil, fmt.Errorf("%w: charge without payment intent", ErrMalformedWebhook)
		}
		ev.Kind = EventRefundSucceeded
		ev.PaymentID = ch.PaymentIntent.ID
		ev.Status = "succeeded"
	}
	if ev.PaymentID == "" && isKnownKind(ev.Kind) {
		return nil, fmt.Errorf("%w: missing payment id", ErrMalformedWebhook)
	}
	return ev, nil
}
