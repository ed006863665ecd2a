package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test"

func newTestStripe(t *testing.T) *Stripe {
	t.Helper()
	retry := DefaultRetryPolicy()
	retry.sleep = func(context.Context, time.Duration) error { return nil }
	s, err := NewStripe(StripeConfig{SecretKey: "sk_test_x", WebhookSecret: testWebhookSecret, Retry: retry}, nil)
	require.NoError(t, err)
	return s
}

func signed(payload string) http.Header {
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	h := http.Header{}
	h.Set("Stripe-Signature", sp.Header)
	return h
}

func TestStripe_CreatePaymentMapsIntent(t *testing.T) {
	s := newTestStripe(t)
	s.newIntent = func(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		assert.Equal(t, int64(5000), *p.Amount)
		assert.Equal(t, "rub", *p.Currency)
		assert.Equal(t, "9", p.Metadata["reservation_id"])
		return &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresPaymentMethod, ClientSecret: "pi_1_secret"}, nil
	}
	pi, err := s.CreatePayment(context.Background(), PaymentRequest{ReservationID: 9, AmountCents: 5000, Currency: "RUB"})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", pi.ExternalID)
	assert.Equal(t, "pi_1_secret", pi.ClientSecret)
	assert.Empty(t, pi.ConfirmationURL)
}

func TestStripe_RefundClassifiesErrors(t *testing.T) {
	t.Run("4xx is rejected once", func(t *testing.T) {
		s := newTestStripe(t)
		calls := 0
		s.newRefund = func(*stripe.RefundParams) (*stripe.Refund, error) {
			calls++
			return nil, &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Msg: "charge already refunded"}
		}
		_, err := s.Refund(context.Background(), RefundRequest{PaymentID: "pi_1", AmountCents: 100})
		var re *RejectedError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, 1, calls)
	})

	t.Run("network errors are retried", func(t *testing.T) {
		s := newTestStripe(t)
		calls := 0
		s.newRefund = func(*stripe.RefundParams) (*stripe.Refund, error) {
			calls++
			if calls < 2 {
				return nil, errors.New("dial tcp: i/o timeout")
			}
			return &stripe.Refund{ID: "re_1", Status: stripe.RefundStatusSucceeded}, nil
		}
		res, err := s.Refund(context.Background(), RefundRequest{PaymentID: "pi_1", AmountCents: 100})
		require.NoError(t, err)
		assert.True(t, res.Succeeded())
		assert.Equal(t, 2, calls)
	})
}

func TestStripe_ParseWebhook(t *testing.T) {
	s := newTestStripe(t)

	t.Run("payment intent succeeded", func(t *testing.T) {
		payload := `{"id":"evt_1","object":"event","api_version":"` + stripe.APIVersion + `","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","object":"payment_intent","status":"succeeded","metadata":{"reservation_id":"12"}}}}`
		ev, err := s.ParseWebhook(context.Background(), []byte(payload), signed(payload))
		require.NoError(t, err)
		assert.Equal(t, EventPaymentSucceeded, ev.Kind)
		assert.Equal(t, "pi_1", ev.PaymentID)
		assert.Equal(t, uint64(12), ev.ReservationID)
	})

	t.Run("charge refunded", func(t *testing.T) {
		payload := `{"id":"evt_2","object":"event","api_version":"` + stripe.APIVersion + `","type":"charge.refunded","data":{"object":{"id":"ch_1","object":"charge","payment_intent":"pi_1"}}}`
		ev, err := s.ParseWebhook(context.Background(), []byte(payload), signed(payload))
		require.NoError(t, err)
		assert.Equal(t, EventRefundSucceeded, ev.Kind)
		assert.Equal(t, "pi_1", ev.PaymentID)
	})

	t.Run("bad signature", func(t *testing.T) {
		payload := `{"id":"evt_3","object":"event","type":"payment_intent.canceled","data":{"object":{"id":"pi_1"}}}`
		h := http.Header{}
		h.Set("Stripe-Signature", "t=1,v1=deadbeef")
		_, err := s.ParseWebhook(context.Background(), []byte(payload), h)
		assert.ErrorIs(t, err, ErrMalformedWebhook)
	})
}

func TestStripe_CancelPayment(t *testing.T) {
	s := newTestStripe(t)
	var got []string
	s.cancelIntent = func(id string, p *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
		got = append(got, id)
		assert.Equal(t, "abandoned", *p.CancellationReason)
		if id == "pi_done" {
			return nil, &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Msg: "payment intent already succeeded"}
		}
		return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusCanceled}, nil
	}

	require.NoError(t, s.CancelPayment(context.Background(), "pi_1"))
	var re *RejectedError
	require.ErrorAs(t, s.CancelPayment(context.Background(), "pi_done"), &re)
	assert.Equal(t, []string{"pi_1", "pi_done"}, got)
}

func TestMock_WebhookAndCancel(t *testing.T) {
	m := NewMock(MockConfig{})
	ctx := context.Background()
	pi, err := m.CreatePayment(ctx, PaymentRequest{ReservationID: 3, AmountCents: 500})
	require.NoError(t, err)
	succeeded := func(id string) []byte {
		return []byte(`{"event":"payment.succeeded","object":{"id":"` + id + `","status":"succeeded","metadata":{"reservation_id":"3"}}}`)
	}

	ev, err := m.ParseWebhook(ctx, succeeded(pi.ExternalID), nil)
	require.NoError(t, err)
	assert.Equal(t, pi.ExternalID, ev.PaymentID)

	_, err = m.ParseWebhook(ctx, succeeded("mock_forged"), nil)
	assert.ErrorIs(t, err, ErrUnverifiedWebhook)

	require.NoError(t, m.CancelPayment(ctx, pi.ExternalID))
	assert.True(t, m.Canceled(pi.ExternalID))
	_, err = m.ParseWebhook(ctx, succeeded(pi.ExternalID), nil)
	assert.ErrorIs(t, err, ErrUnverifiedWebhook)

	var re *RejectedError
	assert.ErrorAs(t, m.CancelPayment(ctx, "nope"), &re)
}

func TestMock_RefundUnknownPayment(t *testing.T) {
	m := NewMock(MockConfig{})
	_, err := m.Refund(context.Background(), RefundRequest{PaymentID: "nope", AmountCents: 1})
	var re *RejectedError
	require.ErrorAs(t, err, &re)

	pi, err := m.CreatePayment(context.Background(), PaymentRequest{AmountCents: 500})
	require.NoError(t, err)
	res, err := m.Refund(context.Background(), RefundRequest{PaymentID: pi.ExternalID, AmountCents: 500})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
}
