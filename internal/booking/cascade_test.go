package booking

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/tour-reservation/internal/gateway"
	"github.com/iliyamo/tour-reservation/internal/model"
)

// failRefundFor makes refunds of the given reservation's payment fail.
func (f *fixture) failRefundFor(t *testing.T, res *BookResult) {
	t.Helper()
	bad := res.Payment.ExternalID
	f.gw.refundFn = func(req gateway.RefundRequest) (*gateway.RefundResult, error) {
		if req.PaymentID == bad {
			return nil, &gateway.RejectedError{Op: "refund", StatusCode: 400, Message: "refund window closed"}
		}
		return &gateway.RefundResult{RefundID: "rf_" + req.PaymentID, Status: "succeeded"}, nil
	}
}

func TestDeleteSession_RefundFailureAbortsEverything(t *testing.T) {
	for _, mode := range []CascadeNotifyMode{NotifyDeferred, NotifyInline} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, mode)
			s := f.session(t, 10, 1000)
			r1 := f.book(t, s.ID, 1, 1)
			f.succeed(t, r1)
			r2 := f.book(t, s.ID, 2, 2)
			f.succeed(t, r2)
			f.failRefundFor(t, r2)
			before := len(f.disp.kinds())

			_, err := f.eng.DeleteSession(context.Background(), DeleteSessionRequest{SessionID: s.ID, ActorID: ownerID, ActorRole: model.RoleResident})

			var ca *CascadeAbortedError
			require.ErrorAs(t, err, &ca)
			assert.ErrorIs(t, err, ErrCascadeAborted)
			assert.ErrorIs(t, err, gateway.ErrGateway)
			assert.Equal(t, r2.Reservation.ID, ca.ReservationID)
			assert.Equal(t, s.ID, ca.SessionID)
			assert.Equal(t, []uint64{r1.Reservation.ID}, ca.Refunded)

			assert.True(t, f.store.HasSession(s.ID))
			for _, res := range []*BookResult{r1, r2} {
				assert.Equal(t, model.ActivePaid, f.reservation(t, res.Reservation.ID).State())
				p, ok := f.store.PaymentFor(res.Reservation.ID)
				require.True(t, ok)
				assert.Equal(t, model.PaymentSucceeded, p.Status)
			}
			assert.Equal(t, 3, f.store.Occupancy(s.ID))

			sent := f.disp.kinds()[before:]
			if mode == NotifyInline {
				// r1 was told before r2's refund failed; that notice stands
				assert.Equal(t, []NotificationKind{KindRefund}, sent)
				assert.Equal(t, r1.Reservation.ID, f.disp.sent[before].ReservationID)
			} else {
				assert.Empty(t, sent)
			}
		})
	}
}

func TestDeleteSession_Success(t *testing.T) {
	f := newFixture(t, NotifyDeferred)
	s := f.session(t, 10, 1000)
	paid := f.book(t, s.ID, 1, 2)
	f.succeed(t, paid)
	unpaid := f.book(t, s.ID, 2, 1)
	done := f.book(t, s.ID, 3, 1)
	f.succeed(t, done)
	_, err := f.eng.Cancel(context.Background(), CancelRequest{ReservationID: done.Reservation.ID, ActorID: 3, ActorRole: model.RoleUser})
	require.NoError(t, err)
	before := len(f.disp.kinds())
	refundsBefore := f.gw.refundCount()

	report, err := f.eng.DeleteSession(context.Background(), DeleteSessionRequest{SessionID: s.ID, ActorID: ownerID, ActorRole: model.RoleResident})
	require.NoError(t, err)

	assert.Equal(t, []uint64{paid.Reservation.ID}, report.Refunded)
	require.Len(t, report.Rows, 2)
	assert.Equal(t, paid.Reservation.ID, report.Rows[0].ReservationID)
	assert.True(t, report.Rows[0].Paid)
	assert.True(t, report.Rows[0].Cancelled)
	assert.Equal(t, int64(2000), report.Rows[0].TotalCents)
	assert.Equal(t, "Old town walk", report.Rows[0].TourTitle)
	assert.False(t, report.Rows[1].Paid)
	require.NotNil(t, report.Export)
	assert.Equal(t, "session_2_reservations.csv", report.Export.Name)

	assert.Equal(t, refundsBefore+1, f.gw.refundCount())
	assert.False(t, f.store.HasSession(s.ID))
	_, ok := f.store.PaymentFor(paid.Reservation.ID)
	assert.False(t, ok)
	_, ok = f.store.Reservation(unpaid.Reservation.ID)
	assert.False(t, ok)

	sent := f.disp.sent[before:]
	require.Len(t, sent, 3)
	assert.Equal(t, KindRefund, sent[0].Kind)
	assert.Equal(t, KindCancellation, sent[1].Kind)
	assert.Equal(t, KindDeletionSummary, sent[2].Kind)
	assert.Equal(t, "owner@example.com", sent[2].Recipient)
	assert.Equal(t, 2, sent[2].Cancelled)
	require.Len(t, sent[2].Attachments, 1)
}

func TestDeleteSession_EmptySessionSendsNoSummary(t *testing.T) {
	f := newFixture(t, NotifyDeferred)
	s := f.session(t, 10, 1000)

	report, err := f.eng.DeleteSession(context.Background(), DeleteSessionRequest{SessionID: s.ID, ActorID: adminID, ActorRole: model.RoleAdmin})
	require.NoError(t, err)
	assert.Empty(t, report.Rows)
	assert.Nil(t, report.Export)
	assert.Empty(t, f.disp.kinds())
	assert.False(t, f.store.HasSession(s.ID))
}

func TestDeleteSession_Authorization(t *testing.T) {
	f := newFixture(t, NotifyDeferred)
	s := f.session(t, 10, 0)

	_, err := f.eng.DeleteSession(context.Background(), DeleteSessionRequest{SessionID: s.ID, ActorID: 7, ActorRole: model.RoleResident})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.True(t, f.store.HasSession(s.ID))

	_, err = f.eng.DeleteSession(context.Background(), DeleteSessionRequest{SessionID: 5555, ActorID: ownerID, ActorRole: model.RoleResident})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTour(t *testing.T) {
	t.Run("failure in one session keeps the whole tour", func(t *testing.T) {
		f := newFixture(t, NotifyDeferred)
		s1 := f.session(t, 10, 1000)
		s2 := f.session(t, 10, 500)
		ok := f.book(t, s1.ID, 1, 1)
		f.succeed(t, ok)
		bad := f.book(t, s2.ID, 2, 1)
		f.succeed(t, bad)
		f.failRefundFor(t, bad)
		before := len(f.disp.kinds())

		_, err := f.eng.DeleteTour(context.Background(), DeleteTourRequest{TourID: f.tour.ID, ActorID: ownerID, ActorRole: model.RoleResident})
		var ca *CascadeAbortedError
		require.ErrorAs(t, err, &ca)
		assert.Equal(t, s2.ID, ca.SessionID)
		assert.Equal(t, bad.Reservation.ID, ca.ReservationID)

		assert.True(t, f.store.HasTour(f.tour.ID))
		assert.True(t, f.store.HasSession(s1.ID))
		assert.True(t, f.store.HasSession(s2.ID))
		assert.Equal(t, model.ActivePaid, f.reservation(t, ok.Reservation.ID).State())
		assert.Len(t, f.disp.kinds(), before)
	})

	t.Run("success sends one tour summary", func(t *testing.T) {
		f := newFixture(t, NotifyDeferred)
		s1 := f.session(t, 10, 1000)
		s2 := f.session(t, 10, 0)
		a := f.book(t, s1.ID, 1, 1)
		f.succeed(t, a)
		f.book(t, s2.ID, 2, 3)
		before := len(f.disp.kinds())

		report, err := f.eng.DeleteTour(context.Background(), DeleteTourRequest{TourID: f.tour.ID, ActorID: ownerID, ActorRole: model.RoleResident})
		require.NoError(t, err)

		assert.Equal(t, []uint64{s1.ID, s2.ID}, report.SessionIDs)
		assert.Len(t, report.Rows, 2)
		assert.Equal(t, []uint64{a.Reservation.ID}, report.Refunded)
		require.NotNil(t, report.Export)
		assert.Equal(t, "tour_1_reservations.csv", report.Export.Name)
		assert.False(t, f.store.HasTour(f.tour.ID))
		assert.False(t, f.store.HasSession(s1.ID))
		assert.False(t, f.store.HasSession(s2.ID))

		summaries := 0
		for _, k := range f.disp.kinds()[before:] {
			if k == KindDeletionSummary {
				summaries++
			}
		}
		assert.Equal(t, 1, summaries)
		assert.Len(t, f.disp.kinds()[before:], 3)
	})

	t.Run("unknown tour", func(t *testing.T) {
		f := newFixture(t, NotifyDeferred)
		_, err := f.eng.DeleteTour(context.Background(), DeleteTourRequest{TourID: 777, ActorID: adminID, ActorRole: model.RoleAdmin})
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestDeleteSession_OpenPayments(t *testing.T) {
	ctx := context.Background()

	t.Run("cancelled at the provider", func(t *testing.T) {
		f := newFixture(t, NotifyDeferred)
		s := f.session(t, 10, 1000)
		open := f.book(t, s.ID, 1, 2)

		_, err := f.eng.DeleteSession(ctx, DeleteSessionRequest{SessionID: s.ID, ActorID: ownerID, ActorRole: model.RoleResident})
		require.NoError(t, err)

		assert.Equal(t, []string{open.Payment.ExternalID}, f.gw.cancels)
		assert.False(t, f.store.HasOrphanPayment(open.Payment.ExternalID))
		assert.Equal(t, 0, f.gw.refundCount())
	})

	t.Run("late payment after a failed cancel is refunded once", func(t *testing.T) {
		f := newFixture(t, NotifyDeferred)
		s := f.session(t, 10, 1000)
		open := f.book(t, s.ID, 1, 2)
		f.gw.cancelFn = func(string) error {
			return &gateway.RejectedError{Op: "cancel payment", StatusCode: 400, Message: "payment is not waiting for capture"}
		}

		_, err := f.eng.DeleteSession(ctx, DeleteSessionRequest{SessionID: s.ID, ActorID: ownerID, ActorRole: model.RoleResident})
		require.NoError(t, err)
		require.True(t, f.store.HasOrphanPayment(open.Payment.ExternalID))

		require.NoError(t, f.applySucceeded(open))
		require.Equal(t, 1, f.gw.refundCount())
		assert.Equal(t, open.Payment.ExternalID, f.gw.refunds[0].PaymentID)
		assert.Equal(t, int64(2000), f.gw.refunds[0].AmountCents)
		assert.False(t, f.store.HasOrphanPayment(open.Payment.ExternalID))

		// redelivery finds nothing left to refund
		require.NoError(t, f.applySucceeded(open))
		assert.Equal(t, 1, f.gw.refundCount())
	})

	t.Run("failed refund of a late payment is retried by the provider", func(t *testing.T) {
		f := newFixture(t, NotifyDeferred)
		s := f.session(t, 10, 1000)
		open := f.book(t, s.ID, 1, 1)
		f.gw.cancelFn = func(string) error { return errors.New("timeout") }
		_, err := f.eng.DeleteSession(ctx, DeleteSessionRequest{SessionID: s.ID, ActorID: ownerID, ActorRole: model.RoleResident})
		require.NoError(t, err)

		f.gw.refundFn = func(gateway.RefundRequest) (*gateway.RefundResult, error) {
			return nil, &gateway.TransientError{Op: "refund", Attempts: 3, Err: errors.New("503")}
		}
		assert.ErrorIs(t, f.applySucceeded(open), gateway.ErrGateway)
		assert.True(t, f.store.HasOrphanPayment(open.Payment.ExternalID))

		f.gw.refundFn = nil
		require.NoError(t, f.applySucceeded(open))
		assert.False(t, f.store.HasOrphanPayment(open.Payment.ExternalID))
	})

	t.Run("payment of a reservation cancelled earlier is kept too", func(t *testing.T) {
		f := newFixture(t, NotifyDeferred)
		s := f.session(t, 10, 1000)
		open := f.book(t, s.ID, 1, 1)
		_, err := f.eng.Cancel(ctx, CancelRequest{ReservationID: open.Reservation.ID, ActorID: 1, ActorRole: model.RoleUser})
		require.NoError(t, err)
		f.gw.cancelFn = func(string) error { return errors.New("timeout") }

		_, err = f.eng.DeleteSession(ctx, DeleteSessionRequest{SessionID: s.ID, ActorID: ownerID, ActorRole: model.RoleResident})
		require.NoError(t, err)
		assert.True(t, f.store.HasOrphanPayment(open.Payment.ExternalID))
	})

	t.Run("aborted deletion touches no open payment", func(t *testing.T) {
		f := newFixture(t, NotifyDeferred)
		s := f.session(t, 10, 1000)
		open := f.book(t, s.ID, 1, 1)
		paid := f.book(t, s.ID, 2, 1)
		f.succeed(t, paid)
		f.failRefundFor(t, paid)

		_, err := f.eng.DeleteSession(ctx, DeleteSessionRequest{SessionID: s.ID, ActorID: ownerID, ActorRole: model.RoleResident})
		require.ErrorIs(t, err, ErrCascadeAborted)
		assert.Empty(t, f.gw.cancels)
		assert.False(t, f.store.HasOrphanPayment(open.Payment.ExternalID))
		p, ok := f.store.PaymentFor(open.Reservation.ID)
		require.True(t, ok)
		assert.Equal(t, model.PaymentCreated, p.Status)
	})
}
