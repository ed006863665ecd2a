package model

import (
    "errors"
    "time"
)

// PaymentStatus mirrors the gateway's view of a payment.
type PaymentStatus string

const (
    PaymentCreated   PaymentStatus = "created"
    PaymentSucceeded PaymentStatus = "succeeded"
    PaymentCanceled  PaymentStatus = "canceled"
    PaymentRefunded  PaymentStatus = "refunded"
)

// ErrPaymentBackward is returned when a status change would move a payment
// backwards or sideways.
var ErrPaymentBackward = errors.New("payment status cannot move backwards")

var paymentMoves = map[PaymentStatus][]PaymentStatus{
    PaymentCreated:   {PaymentSucceeded, PaymentCanceled},
    PaymentSucceeded: {PaymentCanceled, PaymentRefunded},
}

// CanAdvance reports whether from -> to is an allowed forward move.
func CanAdvance(from, to PaymentStatus) bool {
    for _, s := range paymentMoves[from] {
        if s == to {
            return true
        }
    }
    return false
}

// Payment is the local record of a gateway payment for one reservation.
type Payment struct {
    ID            uint64        // payments.id
    ExternalID    string        // payments.external_id (gateway payment id)
    ReservationID uint64        // payments.reservation_id
    SessionID     uint64        // payments.session_id
    AmountCents   int64         // payments.amount_cents
    Currency      string        // payments.currency
    Status        PaymentStatus // payments.status
    Method        string        // payments.method
    CreatedAt     time.Time     // payments.created_at
}

// Advance applies a status change.  It returns changed=false with a nil
// error when the payment is already in the target status, which is how
// duplicate webhook deliveries are absorbed.
func (p *Payment) Advance(to PaymentStatus) (changed bool, err error) {
    if p.Status == to {
        return false, nil
    }
    if !CanAdvance(p.Status, to) {
        return false, ErrPaymentBackward
    }
    p.Status = to
    return true, nil
}

// Refundable reports whether a refund should be issued for this payment.
func (p *Payment) Refundable() bool {
    return p != nil && p.Status == PaymentSucceeded && p.AmountCents > 0
}
