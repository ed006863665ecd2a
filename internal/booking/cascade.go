package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-reservation/internal/model"
	"github.com/iliyamo/tour-reservation/internal/repository"
)

// DeleteSessionRequest asks for a session to be removed with all of its
// reservations.
type DeleteSessionRequest struct {
	SessionID uint64
	ActorID   uint64
	ActorRole string
}

// DeleteTourRequest asks for a tour to be removed with all of its sessions.
type DeleteTourRequest struct {
	TourID    uint64
	ActorID   uint64
	ActorRole string
}

// CascadeReport describes a completed deletion.
type CascadeReport struct {
	TourID     uint64      `json:"tour_id"`
	SessionIDs []uint64    `json:"session_ids"`
	Rows       []AuditRow  `json:"reservations"`
	Refunded   []uint64    `json:"refunded"`
	Export     *Attachment `json:"-"`
}

type cascadeRun struct {
	rows     []AuditRow
	refunded []uint64
	notices  []func()
	// payments still open at the provider; kept as orphans and cancelled
	// after commit
	orphans []*model.Payment
}

func authorize(ownerID, actorID uint64, role string) error {
	if role == model.RoleAdmin || ownerID == actorID {
		return nil
	}
	return ErrForbidden
}

// cascadeSession refunds and cancels every active reservation of s.  The
// first refund failure returns a CascadeAbortedError and the caller's
// transaction rolls back.
func (e *Engine) cascadeSession(ctx context.Context, tx repository.Tx, s *model.Session, run *cascadeRun) error {
	active, err := tx.ActiveReservations(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("reservations of session %d: %w", s.ID, err)
	}
	var refundedHere []uint64
	for _, r := range active {
		p, err := tx.PaymentByReservation(ctx, r.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		paidBefore := r.Paid
		refunded := false
		if r.State() == model.ActivePaid && p.Refundable() {
			if err := e.refund(ctx, p); err != nil {
				return &CascadeAbortedError{
					SessionID:     s.ID,
					ReservationID: r.ID,
					Refunded:      append(append([]uint64(nil), run.refunded...), refundedHere...),
					Err:           err,
				}
			}
			refunded = true
			refundedHere = append(refundedHere, r.ID)
		}
		if err := r.MarkCancelled(); err != nil {
			return err
		}
		if err := tx.SaveReservation(ctx, r); err != nil {
			return err
		}
		run.rows = append(run.rows, auditRow(r, s, paidBefore))

		notice := func() { e.notifier.Cancelled(ctx, r, s, refunded) }
		if e.opts.NotifyMode == NotifyInline {
			notice()
		} else {
			run.notices = append(run.notices, notice)
		}
	}
	pending, err := tx.PendingPayments(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("pending payments of session %d: %w", s.ID, err)
	}
	for _, p := range pending {
		if err := tx.RetainOrphanPayment(ctx, p); err != nil {
			return fmt.Errorf("retain payment %s: %w", p.ExternalID, err)
		}
	}
	run.orphans = append(run.orphans, pending...)
	if err := tx.DeleteSessionPayments(ctx, s.ID); err != nil {
		return fmt.Errorf("delete payments of session %d: %w", s.ID, err)
	}
	run.refunded = append(run.refunded, refundedHere...)
	return nil
}

// DeleteSession cancels every active reservation of a session, refunding
// paid ones, then deletes the session.  Any refund failure aborts the whole
// deletion with a CascadeAbortedError.
func (e *Engine) DeleteSession(ctx context.Context, req DeleteSessionRequest) (*CascadeReport, error) {
	var (
		run     cascadeRun
		session *model.Session
	)
	err := e.store.Atomically(ctx, func(tx repository.Tx) error {
		run = cascadeRun{}
		s, err := tx.LockSession(ctx, req.SessionID)
		if err != nil {
			return fmt.Errorf("session %d: %w", req.SessionID, err)
		}
		if err := authorize(s.OwnerID, req.ActorID, req.ActorRole); err != nil {
			return err
		}
		if err := e.cascadeSession(ctx, tx, s, &run); err != nil {
			return err
		}
		if err := tx.DeleteSession(ctx, s.ID); err != nil {
			return fmt.Errorf("delete session %d: %w", s.ID, err)
		}
		session = s
		return nil
	})
	if err != nil {
		e.logAbort(err, logrus.Fields{"session_id": req.SessionID})
		return nil, err
	}

	report := &CascadeReport{
		TourID:     session.TourID,
		SessionIDs: []uint64{session.ID},
		Rows:       run.rows,
		Refunded:   run.refunded,
	}
	e.finish(ctx, run, report, session.OwnerEmail, session.ID, session.TourTitle)
	return report, nil
}

// DeleteTour runs the session cascade for every session of a tour inside a
// single transaction, then deletes the tour.  A failure in any session
// leaves the tour and all of its sessions untouched.
func (e *Engine) DeleteTour(ctx context.Context, req DeleteTourRequest) (*CascadeReport, error) {
	var (
		run      cascadeRun
		tour     *model.Tour
		sessions []uint64
	)
	err := e.store.Atomically(ctx, func(tx repository.Tx) error {
		run = cascadeRun{}
		sessions = nil
		t, ss, err := tx.LockTourSessions(ctx, req.TourID)
		if err != nil {
			return fmt.Errorf("tour %d: %w", req.TourID, err)
		}
		if err := authorize(t.OwnerID, req.ActorID, req.ActorRole); err != nil {
			return err
		}
		for _, s := range ss {
			if err := e.cascadeSession(ctx, tx, s, &run); err != nil {
				return err
			}
			if err := tx.DeleteSession(ctx, s.ID); err != nil {
				return fmt.Errorf("delete session %d: %w", s.ID, err)
			}
			sessions = append(sessions, s.ID)
		}
		if err := tx.DeleteTour(ctx, t.ID); err != nil {
			return fmt.Errorf("delete tour %d: %w", t.ID, err)
		}
		tour = t
		return nil
	})
	if err != nil {
		e.logAbort(err, logrus.Fields{"tour_id": req.TourID})
		return nil, err
	}

	report := &CascadeReport{
		TourID:     tour.ID,
		SessionIDs: sessions,
		Rows:       run.rows,
		Refunded:   run.refunded,
	}
	e.finish(ctx, run, report, tour.OwnerEmail, 0, tour.Title)
	return report, nil
}

// finish runs after commit: deferred notices, cancelling payments nobody
// can use any more, the export and the owner's summary.
func (e *Engine) finish(ctx context.Context, run cascadeRun, report *CascadeReport, owner string, sessionID uint64, title string) {
	for _, notice := range run.notices {
		notice()
	}
	e.cancelOrphans(ctx, run.orphans)
	if len(report.Rows) > 0 {
		report.Export = e.notifier.Export(sessionID, report.TourID, report.Rows)
	}
	e.notifier.Summary(ctx, owner, sessionID, report.TourID, title, report.Rows, report.Export)
	e.log.WithFields(logrus.Fields{
		"tour_id":   report.TourID,
		"sessions":  len(report.SessionIDs),
		"cancelled": len(report.Rows),
		"refunded":  len(report.Refunded),
	}).Info("cascade deletion completed")
}

func (e *Engine) logAbort(err error, fields logrus.Fields) {
	var ca *CascadeAbortedError
	if !errors.As(err, &ca) {
		return
	}
	fields["failed_session_id"] = ca.SessionID
	fields["reservation_id"] = ca.ReservationID
	fields["refunded_before_abort"] = ca.Refunded
	entry := e.log.WithFields(fields).WithError(ca.Err)
	if len(ca.Refunded) > 0 {
		entry.Error("deletion aborted after partial refunds")
		return
	}
	entry.Warn("deletion aborted")
}

// cancelOrphans withdraws open payments of deleted reservations.  A payment
// the provider cancelled can never succeed, so its orphan row is released.
// When cancelling fails the row stays and a late payment.succeeded for it
// is refunded by ApplyWebhook.
func (e *Engine) cancelOrphans(ctx context.Context, orphans []*model.Payment) {
	for _, p := range orphans {
		entry := e.log.WithFields(logrus.Fields{"payment_id": p.ExternalID, "reservation_id": p.ReservationID})
		if err := e.gw.CancelPayment(context.WithoutCancel(ctx), p.ExternalID); err != nil {
			entry.WithError(err).Warn("open payment of deleted reservation not cancelled, a late payment will be refunded")
			continue
		}
		err := e.store.Atomically(ctx, func(tx repository.Tx) error {
			return tx.ReleaseOrphanPayment(ctx, p.ExternalID)
		})
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			entry.WithError(err).Warn("release cancelled payment")
			continue
		}
		entry.Info("open payment of deleted reservation cancelled")
	}
}
