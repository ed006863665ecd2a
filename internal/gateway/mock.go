package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// MockConfig controls the in-process gateway used for local runs.
type MockConfig struct {
	// ConfirmationBase is prefixed to the payment id to build a fake
	// confirmation URL.
	ConfirmationBase string
	// RefundStatus is returned by Refund; defaults to "succeeded".
	RefundStatus string
}

type mockPayment struct {
	amount   int64
	canceled bool
}

// Mock is a Gateway that never leaves the process.  Payments are kept in
// memory so refunds, cancellations and payment.succeeded notifications for
// ids it never issued are rejected like a real provider would.  Webhooks use
// the YooKassa envelope.
type Mock struct {
	cfg      MockConfig
	mu       sync.Mutex
	payments map[string]*mockPayment
}

// NewMock builds an empty mock gateway.
func NewMock(cfg MockConfig) *Mock {
	if cfg.RefundStatus == "" {
		cfg.RefundStatus = "succeeded"
	}
	if cfg.ConfirmationBase == "" {
		cfg.ConfirmationBase = "http://localhost/mock-pay/"
	}
	return &Mock{cfg: cfg, payments: make(map[string]*mockPayment)}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) CreatePayment(_ context.Context, req PaymentRequest) (*PaymentIntent, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("create payment: amount must be positive")
	}
	id := "mock_" + uuid.NewString()
	m.mu.Lock()
	m.payments[id] = &mockPayment{amount: req.AmountCents}
	m.mu.Unlock()
	return &PaymentIntent{
		ExternalID:      id,
		Status:          "pending",
		ConfirmationURL: m.cfg.ConfirmationBase + id,
		Method:          "bank_card",
	}, nil
}

func (m *Mock) CancelPayment(_ context.Context, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return &RejectedError{Op: "cancel payment", StatusCode: http.StatusNotFound, Message: "unknown payment " + paymentID}
	}
	p.canceled = true
	return nil
}

// Canceled reports whether CancelPayment succeeded for id.
func (m *Mock) Canceled(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	return ok && p.canceled
}

func (m *Mock) Refund(_ context.Context, req RefundRequest) (*RefundResult, error) {
	m.mu.Lock()
	p, ok := m.payments[req.PaymentID]
	m.mu.Unlock()
	if !ok {
		return nil, &RejectedError{Op: "refund", StatusCode: http.StatusNotFound, Message: "unknown payment " + req.PaymentID}
	}
	if req.AmountCents > p.amount {
		return nil, &RejectedError{Op: "refund", StatusCode: http.StatusBadRequest, Message: "refund exceeds payment amount"}
	}
	return &RefundResult{RefundID: "mock_rf_" + uuid.NewString(), Status: m.cfg.RefundStatus}, nil
}

// ParseWebhook decodes the YooKassa envelope.  A payment.succeeded is only
// accepted for a payment this mock issued and did not cancel.
func (m *Mock) ParseWebhook(_ context.Context, payload []byte, _ http.Header) (*WebhookEvent, error) {
	ev, err := parseYooKassaWebhook(payload)
	if err != nil {
		return nil, err
	}
	if ev.Kind == EventPaymentSucceeded {
		m.mu.Lock()
		p, ok := m.payments[ev.PaymentID]
		m.mu.Unlock()
		if !ok || p.canceled {
			return nil, fmt.Errorf("%w: payment %s cannot have succeeded", ErrUnverifiedWebhook, ev.PaymentID)
		}
	}
	return ev, nil
}
