package booking

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-reservation/internal/model"
)

// NotificationKind selects the message template downstream.
type NotificationKind string

const (
	KindConfirmation    NotificationKind = "confirmation"
	KindCancellation    NotificationKind = "cancellation"
	KindRefund          NotificationKind = "refund"
	KindDeletionSummary NotificationKind = "deletion-summary"
)

// Attachment is a file carried by a notification, e.g. the audit export.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Notification is a message for one recipient.  Wording is decided by the
// consumer.
type Notification struct {
	Kind          NotificationKind `json:"kind"`
	Recipient     string           `json:"recipient"`
	ReservationID uint64           `json:"reservation_id,omitempty"`
	SessionID     uint64           `json:"session_id,omitempty"`
	TourID        uint64           `json:"tour_id,omitempty"`
	TourTitle     string           `json:"tour_title,omitempty"`
	Place         string           `json:"place,omitempty"`
	SessionAt     time.Time        `json:"session_at,omitempty"`
	Participants  int              `json:"participants,omitempty"`
	AmountCents   int64            `json:"amount_cents,omitempty"`
	Cancelled     int              `json:"cancelled,omitempty"`
	Attachments   []Attachment     `json:"attachments,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Dispatcher hands a notification to the delivery channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// Exporter renders audit rows into an attachment.
type Exporter interface {
	Export(name string, rows []AuditRow) (Attachment, error)
}

// Notifier is the best-effort side channel of the engine.  Failures are
// logged and never returned.
type Notifier struct {
	dispatcher Dispatcher
	exporter   Exporter
	log        *logrus.Logger
}

func NewNotifier(d Dispatcher, x Exporter, log *logrus.Logger) *Notifier {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Notifier{dispatcher: d, exporter: x, log: log}
}

func (n *Notifier) send(ctx context.Context, msg Notification) {
	if n == nil || n.dispatcher == nil {
		return
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := n.dispatcher.Dispatch(ctx, msg); err != nil {
		n.log.WithFields(logrus.Fields{
			"kind":           msg.Kind,
			"reservation_id": msg.ReservationID,
			"session_id":     msg.SessionID,
		}).WithError(err).Warn("notification dispatch failed")
	}
}

func reservationNotice(kind NotificationKind, r *model.Reservation, s *model.Session) Notification {
	return Notification{
		Kind:          kind,
		Recipient:     r.Email,
		ReservationID: r.ID,
		SessionID:     s.ID,
		TourID:        s.TourID,
		TourTitle:     s.TourTitle,
		Place:         s.Place,
		SessionAt:     s.StartsAt,
		Participants:  r.ParticipantsCount,
		AmountCents:   s.Amount(r.ParticipantsCount),
	}
}

func (n *Notifier) Confirmation(ctx context.Context, r *model.Reservation, s *model.Session) {
	n.send(ctx, reservationNotice(KindConfirmation, r, s))
}

// Cancelled tells the booker their reservation is gone; refunded selects the
// refund template.
func (n *Notifier) Cancelled(ctx context.Context, r *model.Reservation, s *model.Session, refunded bool) {
	kind := KindCancellation
	if refunded {
		kind = KindRefund
	}
	n.send(ctx, reservationNotice(kind, r, s))
}

// Export renders rows for a session (or, with sessionID 0, a whole tour).
// It returns nil when no exporter is configured or rendering failed.
func (n *Notifier) Export(sessionID, tourID uint64, rows []AuditRow) *Attachment {
	if n == nil || n.exporter == nil {
		return nil
	}
	att, err := n.exporter.Export(exportName(sessionID, tourID), rows)
	if err != nil {
		n.log.WithFields(logrus.Fields{"session_id": sessionID, "tour_id": tourID}).
			WithError(err).Warn("audit export failed")
		return nil
	}
	return &att
}

// Summary sends the owner one message covering every reservation cancelled
// by a deletion, with the export attached when there is one.  Nothing is
// sent when rows is empty.
func (n *Notifier) Summary(ctx context.Context, recipient string, sessionID, tourID uint64, title string, rows []AuditRow, export *Attachment) {
	if n == nil || len(rows) == 0 || recipient == "" {
		return
	}
	msg := Notification{
		Kind:      KindDeletionSummary,
		Recipient: recipient,
		SessionID: sessionID,
		TourID:    tourID,
		TourTitle: title,
		Cancelled: len(rows),
	}
	if export != nil {
		msg.Attachments = []Attachment{*export}
	}
	n.send(ctx, msg)
}
