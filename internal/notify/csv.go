// Package notify renders deletion exports and provides fallback dispatchers
// for environments without a broker.
package notify

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-reservation/internal/booking"
)

// Header is the column order of the participant export.
var Header = []string{
	"reservation_id", "full_name", "email", "phone", "participants_count", "booked_at",
	"session_datetime", "tour_title", "place", "total_cost", "paid", "cancelled",
}

// CSVExporter renders audit rows as UTF-8 CSV.
type CSVExporter struct {
	Location *time.Location
}

func (x CSVExporter) Export(name string, rows []booking.AuditRow) (booking.Attachment, error) {
	var buf bytes.Buffer
	if err := x.Write(&buf, rows); err != nil {
		return booking.Attachment{}, err
	}
	return booking.Attachment{Name: name, ContentType: "text/csv; charset=utf-8", Data: buf.Bytes()}, nil
}

// Write streams the CSV to buf.
func (x CSVExporter) Write(buf *bytes.Buffer, rows []booking.AuditRow) error {
	loc := x.Location
	if loc == nil {
		loc = time.UTC
	}
	w := csv.NewWriter(buf)
	if err := w.Write(Header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			strconv.FormatUint(r.ReservationID, 10),
			r.FullName,
			r.Email,
			r.Phone,
			strconv.Itoa(r.ParticipantsCount),
			r.BookedAt.In(loc).Format("2006-01-02 15:04"),
			r.SessionAt.In(loc).Format("2006-01-02 15:04"),
			r.TourTitle,
			r.Place,
			money(r.TotalCents),
			yesNo(r.Paid),
			yesNo(r.Cancelled),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func money(cents int64) string { return fmt.Sprintf("%d.%02d", cents/100, cents%100) }

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// LogDispatcher writes notifications to the logger instead of a broker.
type LogDispatcher struct {
	Log *logrus.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, n booking.Notification) error {
	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithFields(logrus.Fields{
		"kind":           n.Kind,
		"recipient":      n.Recipient,
		"reservation_id": n.ReservationID,
		"session_id":     n.SessionID,
		"tour_id":        n.TourID,
		"attachments":    len(n.Attachments),
	}).Info("notification")
	return nil
}
