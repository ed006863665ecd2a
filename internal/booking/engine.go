// Package booking is the capacity and payment reconciliation engine.  Every
// operation that can change how many seats a session has sold runs inside
// one repository transaction that holds that session's lock.
package booking

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-reservation/internal/gateway"
	"github.com/iliyamo/tour-reservation/internal/model"
	"github.com/iliyamo/tour-reservation/internal/repository"
)

// CascadeNotifyMode decides when deletion notices go out.
type CascadeNotifyMode string

const (
	// NotifyDeferred sends notices only after the deletion committed.  An
	// aborted deletion sends nothing.
	NotifyDeferred CascadeNotifyMode = "deferred"
	// NotifyInline sends each reservation's notice right after its refund,
	// before the next reservation is processed.  Notices already sent are
	// not retracted when a later refund aborts the deletion.
	NotifyInline CascadeNotifyMode = "inline"
)

// Options configures an Engine.
type Options struct {
	Currency   string
	NotifyMode CascadeNotifyMode
	Now        func() time.Time
}

// Engine coordinates bookings, webhooks, cancellations and deletions.
type Engine struct {
	store    repository.Store
	gw       gateway.Gateway
	notifier *Notifier
	ledger   Ledger
	log      *logrus.Logger
	opts     Options
}

func NewEngine(store repository.Store, gw gateway.Gateway, notifier *Notifier, log *logrus.Logger, opts Options) *Engine {
	if store == nil || gw == nil {
		panic("nil dependency passed to NewEngine")
	}
	if opts.Currency == "" {
		opts.Currency = "RUB"
	}
	if opts.NotifyMode == "" {
		opts.NotifyMode = NotifyDeferred
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		store:    store,
		gw:       gw,
		notifier: notifier,
		ledger:   Ledger{now: opts.Now},
		log:      log,
		opts:     opts,
	}
}

// BookRequest is a user's request for seats on a session.
type BookRequest struct {
	SessionID    uint64
	UserID       uint64
	Participants int
	FullName     string
	Phone        string
	Email        string
}

func (r *BookRequest) normalize() error {
	r.FullName = strings.TrimSpace(r.FullName)
	r.Phone = strings.TrimSpace(r.Phone)
	r.Email = strings.TrimSpace(r.Email)
	if r.SessionID == 0 {
		return invalid("session_id", "is required")
	}
	if r.Participants < 1 {
		return invalid("participants_count", "must be at least 1")
	}
	if r.FullName == "" {
		return invalid("full_name", "is required")
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return invalid("email", "is not a valid address")
	}
	return nil
}

// BookResult is the stored reservation and, for paid sessions, the payment
// the user has to complete.
type BookResult struct {
	Reservation     model.Reservation
	Payment         *model.Payment
	ConfirmationURL string
	ClientSecret    string
}

// Book admits and stores a reservation.  Free sessions are confirmed
// immediately; paid sessions get an unpaid reservation and a gateway
// payment created while the session lock is held.  Any gateway failure
// rolls the reservation back.
func (e *Engine) Book(ctx context.Context, req BookRequest) (*BookResult, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	var (
		out     BookResult
		session *model.Session
	)
	err := e.store.Atomically(ctx, func(tx repository.Tx) error {
		s, err := tx.LockSession(ctx, req.SessionID)
		if err != nil {
			return fmt.Errorf("session %d: %w", req.SessionID, err)
		}
		adm, err := e.ledger.Admit(ctx, tx, s, req.Participants)
		if err != nil {
			return err
		}

		r := &model.Reservation{
			SessionID:         s.ID,
			UserID:            req.UserID,
			ParticipantsCount: adm.Participants,
			FullName:          req.FullName,
			Phone:             req.Phone,
			Email:             req.Email,
			CreatedAt:         e.opts.Now().UTC(),
		}
		if adm.AmountCents == 0 {
			if err := r.MarkPaid(); err != nil {
				return err
			}
		}
		if err := tx.InsertReservation(ctx, r); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

		if adm.AmountCents > 0 {
			intent, err := e.gw.CreatePayment(context.WithoutCancel(ctx), gateway.PaymentRequest{
				ReservationID: r.ID,
				SessionID:     s.ID,
				AmountCents:   adm.AmountCents,
				UnitCents:     s.CostCents,
				Quantity:      adm.Participants,
				Currency:      e.opts.Currency,
				Description:   fmt.Sprintf("%s, %s", s.TourTitle, s.StartsAt.UTC().Format("2006-01-02 15:04")),
				CustomerEmail: r.Email,
			})
			if err != nil {
				return fmt.Errorf("create payment for reservation %d: %w", r.ID, err)
			}
			p := &model.Payment{
				ExternalID:    intent.ExternalID,
				ReservationID: r.ID,
				SessionID:     s.ID,
				AmountCents:   adm.AmountCents,
				Currency:      e.opts.Currency,
				Status:        model.PaymentCreated,
				Method:        intent.Method,
			}
			if err := tx.InsertPayment(ctx, p); err != nil {
				return fmt.Errorf("insert payment: %w", err)
			}
			out.Payment = p
			out.ConfirmationURL = intent.ConfirmationURL
			out.ClientSecret = intent.ClientSecret
		}
		out.Reservation = *r
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{"reservation_id": out.Reservation.ID, "session_id": session.ID}
	if out.Payment == nil {
		e.log.WithFields(fields).Info("free reservation confirmed")
		e.notifier.Confirmation(ctx, &out.Reservation, session)
	} else {
		fields["payment_id"] = out.Payment.ExternalID
		e.log.WithFields(fields).Info("reservation awaiting payment")
	}
	return &out, nil
}

// ApplyWebhook reconciles local state with a gateway event.  Deliveries are
// at-least-once, so every branch is a no-op when the payment has already
// reached the event's status.  Unknown events and unknown payments are
// logged and ignored.
func (e *Engine) ApplyWebhook(ctx context.Context, ev *gateway.WebhookEvent) error {
	if ev == nil {
		return invalid("event", "is required")
	}
	fields := logrus.Fields{"event": ev.Raw, "payment_id": ev.PaymentID}

	var target model.PaymentStatus
	switch ev.Kind {
	case gateway.EventPaymentSucceeded:
		target = model.PaymentSucceeded
	case gateway.EventPaymentCanceled:
		target = model.PaymentCanceled
	case gateway.EventRefundSucceeded:
		target = model.PaymentRefunded
	default:
		e.log.WithFields(fields).Debug("ignoring webhook event")
		return nil
	}

	var after func()
	err := e.store.Atomically(ctx, func(tx repository.Tx) error {
		after = nil
		p, err := tx.PaymentByExternalID(ctx, ev.PaymentID)
		if errors.Is(err, repository.ErrNotFound) {
			return e.applyOrphan(ctx, tx, ev.PaymentID, target, fields)
		}
		if err != nil {
			return err
		}
		s, err := tx.LockSession(ctx, p.SessionID)
		if err != nil {
			return fmt.Errorf("session %d: %w", p.SessionID, err)
		}
		// re-read under the lock
		if p, err = tx.PaymentByExternalID(ctx, ev.PaymentID); err != nil {
			return err
		}
		fields["reservation_id"] = p.ReservationID

		if target != model.PaymentSucceeded {
			changed, err := p.Advance(target)
			if errors.Is(err, model.ErrPaymentBackward) {
				e.log.WithFields(fields).WithField("status", p.Status).Info("stale webhook ignored")
				return nil
			}
			if err != nil || !changed {
				return err
			}
			return tx.SavePayment(ctx, p)
		}

		if p.Status != model.PaymentCreated {
			e.log.WithFields(fields).WithField("status", p.Status).Debug("duplicate payment webhook")
			return nil
		}
		if ev.ReservationID != 0 && ev.ReservationID != p.ReservationID {
			e.log.WithFields(fields).WithField("metadata_reservation_id", ev.ReservationID).
				Warn("webhook metadata does not match payment, ignoring")
			return nil
		}
		r, err := tx.GetReservation(ctx, p.ReservationID)
		if err != nil {
			return fmt.Errorf("reservation %d: %w", p.ReservationID, err)
		}
		if _, err := p.Advance(model.PaymentSucceeded); err != nil {
			return err
		}

		ok := r.State() == model.ActiveUnpaid
		if ok {
			if ok, err = e.ledger.fits(ctx, tx, s, r); err != nil {
				return err
			}
		}
		if !ok {
			// Paid for a reservation that was cancelled or no longer fits.
			if err := e.refund(ctx, p); err != nil {
				return fmt.Errorf("refund unplaceable reservation %d: %w", r.ID, err)
			}
			if r.State() != model.Cancelled {
				if err := r.MarkCancelled(); err != nil {
					return err
				}
				if err := tx.SaveReservation(ctx, r); err != nil {
					return err
				}
			}
			if err := tx.SavePayment(ctx, p); err != nil {
				return err
			}
			e.log.WithFields(fields).Warn("payment arrived for unplaceable reservation, refunded")
			after = func() { e.notifier.Cancelled(ctx, r, s, true) }
			return nil
		}

		if err := r.MarkPaid(); err != nil {
			return err
		}
		if err := tx.SaveReservation(ctx, r); err != nil {
			return err
		}
		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}
		e.log.WithFields(fields).Info("reservation paid")
		after = func() { e.notifier.Confirmation(ctx, r, s) }
		return nil
	})
	if err != nil {
		return err
	}
	if after != nil {
		after()
	}
	return nil
}

// applyOrphan handles a webhook for a payment whose reservation was deleted
// while the payment was still open.  Money that arrives for it is returned.
func (e *Engine) applyOrphan(ctx context.Context, tx repository.Tx, paymentID string, target model.PaymentStatus, fields logrus.Fields) error {
	o, err := tx.OrphanPayment(ctx, paymentID)
	if errors.Is(err, repository.ErrNotFound) {
		e.log.WithFields(fields).Warn("webhook for unknown payment")
		return nil
	}
	if err != nil {
		return err
	}
	fields["reservation_id"] = o.ReservationID
	switch target {
	case model.PaymentSucceeded:
		if _, err := o.Advance(model.PaymentSucceeded); err != nil {
			return err
		}
		if err := e.refund(ctx, o); err != nil {
			return fmt.Errorf("refund payment %s of deleted reservation: %w", o.ExternalID, err)
		}
		e.log.WithFields(fields).Warn("payment for deleted reservation refunded")
	case model.PaymentCanceled:
		e.log.WithFields(fields).Info("payment for deleted reservation canceled")
	default:
		return nil
	}
	return tx.ReleaseOrphanPayment(ctx, o.ExternalID)
}

// refund returns the full amount of p and moves it to refunded.  A refund
// the gateway did not report as succeeded is an error.
func (e *Engine) refund(ctx context.Context, p *model.Payment) error {
	res, err := e.gw.Refund(context.WithoutCancel(ctx), gateway.RefundRequest{
		PaymentID:   p.ExternalID,
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		Reason:      "refund for cancelled reservation",
	})
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		return fmt.Errorf("%w: payment %s status %q", ErrRefundNotSucceeded, p.ExternalID, res.Status)
	}
	if _, err := p.Advance(model.PaymentRefunded); err != nil {
		return err
	}
	return nil
}

// CancelRequest identifies the reservation and who is cancelling it.
type CancelRequest struct {
	ReservationID uint64
	ActorID       uint64
	ActorRole     string
}

// CancelResult reports what a cancellation did.
type CancelResult struct {
	Reservation   model.Reservation
	Refunded      bool
	RefundedCents int64
}

// Cancel cancels a reservation on behalf of its owner or an admin.  A paid
// reservation is refunded first; if the refund fails the reservation stays
// paid and the gateway error is returned.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	if req.ReservationID == 0 {
		return nil, invalid("reservation_id", "is required")
	}
	var (
		out     CancelResult
		session *model.Session
	)
	err := e.store.Atomically(ctx, func(tx repository.Tx) error {
		out = CancelResult{}
		r, err := tx.GetReservation(ctx, req.ReservationID)
		if err != nil {
			return fmt.Errorf("reservation %d: %w", req.ReservationID, err)
		}
		if req.ActorRole != model.RoleAdmin && r.UserID != req.ActorID {
			return ErrForbidden
		}
		s, err := tx.LockSession(ctx, r.SessionID)
		if err != nil {
			return fmt.Errorf("session %d: %w", r.SessionID, err)
		}
		if r, err = tx.GetReservation(ctx, req.ReservationID); err != nil {
			return err
		}
		if r.State() == model.Cancelled {
			return ErrAlreadyCancelled
		}

		p, err := tx.PaymentByReservation(ctx, r.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if r.State() == model.ActivePaid && p.Refundable() {
			if err := e.refund(ctx, p); err != nil {
				return fmt.Errorf("refund reservation %d: %w", r.ID, err)
			}
			if err := tx.SavePayment(ctx, p); err != nil {
				return err
			}
			out.Refunded = true
			out.RefundedCents = p.AmountCents
		}
		if err := r.MarkCancelled(); err != nil {
			return err
		}
		if err := tx.SaveReservation(ctx, r); err != nil {
			return err
		}
		out.Reservation = *r
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"reservation_id": out.Reservation.ID,
		"session_id":     session.ID,
		"refunded":       out.Refunded,
		"actor_role":     req.ActorRole,
	}).Info("reservation cancelled")
	e.notifier.Cancelled(ctx, &out.Reservation, session, out.Refunded)
	return &out, nil
}
