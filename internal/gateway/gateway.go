// Package gateway talks to the external payment provider.  Every provider is
// exposed through the Gateway interface so the booking engine never sees
// provider payloads.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// EventKind is the normalized webhook event name.
type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment.succeeded"
	EventPaymentCanceled  EventKind = "payment.canceled"
	EventRefundSucceeded  EventKind = "refund.succeeded"
)

// Gateway creates payments, issues refunds and decodes provider webhooks.
//
// ParseWebhook must only return events the provider vouches for: either the
// payload is signed, or the reported status is confirmed with the provider
// before the event is returned.  CancelPayment withdraws a payment that was
// never completed; providers that cannot cancel it in its current status
// return an error.
type Gateway interface {
	CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentIntent, error)
	CancelPayment(ctx context.Context, paymentID string) error
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*WebhookEvent, error)
	Name() string
}

// PaymentRequest describes a payment for one reservation.  Amounts are in
// minor currency units.
type PaymentRequest struct {
	ReservationID uint64
	SessionID     uint64
	AmountCents   int64
	UnitCents     int64
	Quantity      int
	Currency      string
	Description   string
	CustomerEmail string
}

// Metadata is attached to the provider payment and echoed back in webhooks.
func (r PaymentRequest) Metadata() map[string]string {
	return map[string]string{
		"reservation_id": strconv.FormatUint(r.ReservationID, 10),
		"session_id":     strconv.FormatUint(r.SessionID, 10),
		"email":          r.CustomerEmail,
	}
}

// PaymentIntent is the provider's answer to CreatePayment.  Redirect
// providers fill ConfirmationURL; Stripe leaves it empty and returns the
// ClientSecret the frontend confirms the intent with.
type PaymentIntent struct {
	ExternalID      string
	Status          string
	ConfirmationURL string
	ClientSecret    string
	Method          string
}

// RefundRequest asks for a full or partial refund of a payment.
type RefundRequest struct {
	PaymentID   string
	AmountCents int64
	Currency    string
	Reason      string
}

// RefundResult is the provider's answer to Refund.
type RefundResult struct {
	RefundID string
	Status   string
}

// Succeeded reports whether the provider confirmed the refund synchronously.
func (r *RefundResult) Succeeded() bool {
	return r != nil && r.Status == "succeeded"
}

// WebhookEvent is a provider notification reduced to what reconciliation
// needs.  ReservationID is zero when the provider did not echo metadata.
type WebhookEvent struct {
	Kind          EventKind
	Raw           string
	PaymentID     string
	RefundID      string
	ReservationID uint64
	Status        string
}

var (
	// ErrGateway matches every error produced by a provider call.
	ErrGateway = errors.New("payment gateway error")
	// ErrMalformedWebhook is returned by ParseWebhook for payloads that
	// cannot be trusted or decoded.
	ErrMalformedWebhook = errors.New("malformed webhook")
	// ErrUnverifiedWebhook is returned when the provider does not confirm
	// what a webhook claims.
	ErrUnverifiedWebhook = errors.New("unverified webhook")
)

// TransientError is returned when the retry budget ran out on network
// failures or 5xx answers.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: gateway unavailable after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrGateway }

// RejectedError is a 4xx answer.  It is never retried.
type RejectedError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: gateway rejected request (%d): %s", e.Op, e.StatusCode, e.Message)
}

func (e *RejectedError) Is(target error) bool { return target == ErrGateway }

// formatAmount renders minor units as a two decimal string, e.g. 150050 -> "1500.50".
func formatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
