package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const yooKassaAPI = "https://api.yookassa.ru/v3"

// YooKassaConfig holds shop credentials and request defaults.
type YooKassaConfig struct {
	ShopID    string
	SecretKey string
	BaseURL   string
	ReturnURL string
	Timeout   time.Duration
	Retry     RetryPolicy
}

// YooKassa is a Gateway backed by the YooKassa REST API.
type YooKassa struct {
	cfg    YooKassaConfig
	client *http.Client
	log    *logrus.Logger
	newKey func() string
}

// NewYooKassa validates the configuration and builds the client.
func NewYooKassa(cfg YooKassaConfig, log *logrus.Logger) (*YooKassa, error) {
	if cfg.ShopID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("yookassa shop id and secret key are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = yooKassaAPI
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &YooKassa{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
		newKey: func() string { return uuid.NewString() },
	}, nil
}

func (y *YooKassa) Name() string { return "yookassa" }

type ykAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type ykReceiptItem struct {
	Description    string   `json:"description"`
	Quantity       string   `json:"quantity"`
	Amount         ykAmount `json:"amount"`
	VatCode        int      `json:"vat_code"`
	PaymentSubject string   `json:"payment_subject"`
	PaymentMode    string   `json:"payment_mode"`
}

type ykPaymentBody struct {
	Amount       ykAmount `json:"amount"`
	Confirmation struct {
		Type      string `json:"type"`
		ReturnURL string `json:"return_url,omitempty"`
	} `json:"confirmation"`
	Capture     bool   `json:"capture"`
	Description string `json:"description"`
	Receipt     struct {
		Customer struct {
			Email string `json:"email"`
		} `json:"customer"`
		Items []ykReceiptItem `json:"items"`
	} `json:"receipt"`
	Metadata          map[string]string `json:"metadata"`
	PaymentMethodData struct {
		Type string `json:"type"`
	} `json:"payment_method_data"`
}

type ykPaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
	PaymentMethod struct {
		Type string `json:"type"`
	} `json:"payment_method"`
}

type ykRefundBody struct {
	PaymentID string   `json:"payment_id"`
	Amount    ykAmount `json:"amount"`
	Comment   string   `json:"comment,omitempty"`
}

type ykRefundResponse struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// CreatePayment registers a redirect payment with an auto-captured receipt.
func (y *YooKassa) CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentIntent, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("create payment: amount must be positive")
	}
	qty := req.Quantity
	if qty < 1 {
		qty = 1
	}
	unit := req.UnitCents
	if unit <= 0 {
		unit = req.AmountCents / int64(qty)
	}

	var body ykPaymentBody
	body.Amount = ykAmount{Value: formatAmount(req.AmountCents), Currency: req.Currency}
	body.Confirmation.Type = "redirect"
	body.Confirmation.ReturnURL = y.cfg.ReturnURL
	body.Capture = true
	body.Description = req.Description
	body.Receipt.Customer.Email = req.CustomerEmail
	body.Receipt.Items = []ykReceiptItem{{
		Description:    req.Description,
		Quantity:       strconv.Itoa(qty),
		Amount:         ykAmount{Value: formatAmount(unit), Currency: req.Currency},
		VatCode:        1,
		PaymentSubject: "service",
		PaymentMode:    "full_payment",
	}}
	body.Metadata = req.Metadata()
	body.PaymentMethodData.Type = "bank_card"

	var out ykPaymentResponse
	if err := y.call(ctx, "create payment", http.MethodPost, "/payments", body, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, &RejectedError{Op: "create payment", StatusCode: http.StatusOK, Message: "response without payment id"}
	}
	method := out.PaymentMethod.Type
	if method == "" {
		method = "bank_card"
	}
	return &PaymentIntent{
		ExternalID:      out.ID,
		Status:          out.Status,
		ConfirmationURL: out.Confirmation.ConfirmationURL,
		Method:          method,
	}, nil
}

// Refund returns money for a captured payment.
func (y *YooKassa) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.PaymentID == "" {
		return nil, fmt.Errorf("refund: payment id is required")
	}
	reason := req.Reason
	if reason == "" {
		reason = "refund for cancelled reservation"
	}
	body := ykRefundBody{
		PaymentID: req.PaymentID,
		Amount:    ykAmount{Value: formatAmount(req.AmountCents), Currency: req.Currency},
		Comment:   reason,
	}
	var out ykRefundResponse
	if err := y.call(ctx, "refund", http.MethodPost, "/refunds", body, &out); err != nil {
		return nil, err
	}
	return &RefundResult{RefundID: out.ID, Status: out.Status}, nil
}

// CancelPayment withdraws an unfinished payment.  YooKassa only accepts
// this for payments in waiting_for_capture; a pending redirect payment is
// rejected with 4xx and simply expires on the provider side.
func (y *YooKassa) CancelPayment(ctx context.Context, paymentID string) error {
	if paymentID == "" {
		return fmt.Errorf("cancel payment: payment id is required")
	}
	var out ykPaymentResponse
	if err := y.call(ctx, "cancel payment", http.MethodPost, "/payments/"+url.PathEscape(paymentID)+"/cancel", struct{}{}, &out); err != nil {
		return err
	}
	if out.Status != "canceled" {
		return &RejectedError{Op: "cancel payment", StatusCode: http.StatusOK, Message: "payment status " + out.Status}
	}
	return nil
}

// call sends body as JSON (no body for GET) and decodes a 2xx answer into
// out.  The same idempotence key is reused across retries so the provider
// can deduplicate.
func (y *YooKassa) call(ctx context.Context, op, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
	}
	key := y.newKey()
	endpoint := strings.TrimRight(y.cfg.BaseURL, "/") + path

	return y.cfg.Retry.Do(ctx, y.log, op, func(ctx context.Context) error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
		if err != nil {
			return permanent(fmt.Errorf("%s: build request: %w", op, err))
		}
		httpReq.SetBasicAuth(y.cfg.ShopID, y.cfg.SecretKey)
		if payload != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		if method == http.MethodPost {
			httpReq.Header.Set("Idempotence-Key", key)
		}

		resp, err := y.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("%s: upstream status %d", op, resp.StatusCode)
		case resp.StatusCode >= 400:
			return &RejectedError{Op: op, StatusCode: resp.StatusCode, Message: ykErrorText(raw)}
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return permanent(fmt.Errorf("%s: decode response: %w", op, err))
		}
		return nil
	})
}

func ykErrorText(raw []byte) string {
	var e struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Description != "" {
		return e.Code + ": " + e.Description
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// ykEnvelope is the notification body posted by YooKassa.
type ykEnvelope struct {
	Type   string `json:"type"`
	Event  string `json:"event"`
	Object struct {
		ID        string          `json:"id"`
		PaymentID string          `json:"payment_id"`
		Status    string          `json:"status"`
		Metadata  json.RawMessage `json:"metadata"`
	} `json:"object"`
}

// ParseWebhook decodes a YooKassa notification and confirms it with the
// API.  Notifications are not signed, so the payment (or refund) is fetched
// and its status and payment id must match the notification; anything else
// is ErrUnverifiedWebhook.  Refund events carry the payment id in
// object.payment_id; payment events carry it in object.id.
func (y *YooKassa) ParseWebhook(ctx context.Context, payload []byte, _ http.Header) (*WebhookEvent, error) {
	ev, err := parseYooKassaWebhook(payload)
	if err != nil {
		return nil, err
	}
	if err := y.verify(ctx, ev); err != nil {
		y.log.WithError(err).WithFields(logrus.Fields{
			"event":      ev.Raw,
			"payment_id": ev.PaymentID,
		}).Warn("yookassa notification not confirmed")
		return nil, err
	}
	return ev, nil
}

func (y *YooKassa) verify(ctx context.Context, ev *WebhookEvent) error {
	var want, got, gotPayment string
	switch ev.Kind {
	case EventPaymentSucceeded, EventPaymentCanceled:
		var p struct {
			ID       string          `json:"id"`
			Status   string          `json:"status"`
			Metadata json.RawMessage `json:"metadata"`
		}
		if err := y.lookup(ctx, "get payment", "/payments/"+url.PathEscape(ev.PaymentID), &p); err != nil {
			return err
		}
		want, got, gotPayment = strings.TrimPrefix(string(ev.Kind), "payment."), p.Status, p.ID
		if ev.ReservationID != 0 {
			rid, err := metadataReservationID(p.Metadata)
			if err != nil || rid != ev.ReservationID {
				return fmt.Errorf("%w: payment %s metadata does not match", ErrUnverifiedWebhook, ev.PaymentID)
			}
		}
	case EventRefundSucceeded:
		if ev.RefundID == "" {
			return fmt.Errorf("%w: refund notification without refund id", ErrUnverifiedWebhook)
		}
		var r ykRefundResponse
		if err := y.lookup(ctx, "get refund", "/refunds/"+url.PathEscape(ev.RefundID), &r); err != nil {
			return err
		}
		want, got, gotPayment = "succeeded", r.Status, r.PaymentID
	default:
		// the engine ignores other events
		return nil
	}
	if got != want || gotPayment != ev.PaymentID {
		return fmt.Errorf("%w: %s reports status %q for payment %q", ErrUnverifiedWebhook, ev.Raw, got, gotPayment)
	}
	ev.Status = got
	return nil
}

// lookup is a GET whose 4xx answers mean the object does not exist for
// this shop, which makes the notification unverifiable.
func (y *YooKassa) lookup(ctx context.Context, op, path string, out any) error {
	err := y.call(ctx, op, http.MethodGet, path, nil, out)
	var re *RejectedError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: %v", ErrUnverifiedWebhook, re)
	}
	return err
}

func parseYooKassaWebhook(payload []byte) (*WebhookEvent, error) {
	var env ykEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedWebhook)
	}
	ev := &WebhookEvent{Kind: EventKind(env.Event), Raw: env.Event, Status: env.Object.Status}

	switch ev.Kind {
	case EventRefundSucceeded:
		ev.PaymentID = env.Object.PaymentID
		ev.RefundID = env.Object.ID
	default:
		ev.PaymentID = env.Object.ID
	}
	if ev.PaymentID == "" && isKnownKind(ev.Kind) {
		return nil, fmt.Errorf("%w: missing payment id", ErrMalformedWebhook)
	}

	rid, err := metadataReservationID(env.Object.Metadata)
	if err != nil {
		return nil, err
	}
	ev.ReservationID = rid
	if ev.Kind == EventPaymentSucceeded && rid == 0 {
		return nil, fmt.Errorf("%w: missing metadata.reservation_id", ErrMalformedWebhook)
	}
	return ev, nil
}

func isKnownKind(k EventKind) bool {
	switch k {
	case EventPaymentSucceeded, EventPaymentCanceled, EventRefundSucceeded:
		return true
	}
	return false
}

// metadataReservationID accepts reservation_id as either a JSON number or a
// numeric string; providers echo metadata values back as strings.
func metadataReservationID(raw json.RawMessage) (uint64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return 0, fmt.Errorf("%w: metadata: %v", ErrMalformedWebhook, err)
	}
	switch v := meta["reservation_id"].(type) {
	case nil:
		return 0, nil
	case float64:
		if v <= 0 {
			return 0, fmt.Errorf("%w: invalid reservation_id", ErrMalformedWebhook)
		}
		return uint64(v), nil
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			return 0, fmt.Errorf("%w: invalid reservation_id %q", ErrMalformedWebhook, v)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: invalid reservation_id", ErrMalformedWebhook)
}
