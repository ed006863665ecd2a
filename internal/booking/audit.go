package booking

import (
	"fmt"
	"time"

	"github.com/iliyamo/tour-reservation/internal/model"
)

// AuditRow is one line of the participant export produced when a session
// or tour is deleted.
type AuditRow struct {
	ReservationID     uint64    `json:"reservation_id"`
	FullName          string    `json:"full_name"`
	Email             string    `json:"email"`
	Phone             string    `json:"phone"`
	ParticipantsCount int       `json:"participants_count"`
	BookedAt          time.Time `json:"booked_at"`
	SessionAt         time.Time `json:"session_datetime"`
	TourTitle         string    `json:"tour_title"`
	Place             string    `json:"place"`
	TotalCents        int64     `json:"total_cost"`
	Paid              bool      `json:"paid"`
	Cancelled         bool      `json:"cancelled"`
}

// auditRow records r as it was before the deletion touched it, except that
// it is reported as cancelled.
func auditRow(r *model.Reservation, s *model.Session, paidBefore bool) AuditRow {
	return AuditRow{
		ReservationID:     r.ID,
		FullName:          r.FullName,
		Email:             r.Email,
		Phone:             r.Phone,
		ParticipantsCount: r.ParticipantsCount,
		BookedAt:          r.CreatedAt,
		SessionAt:         s.StartsAt,
		TourTitle:         s.TourTitle,
		Place:             s.Place,
		TotalCents:        s.Amount(r.ParticipantsCount),
		Paid:              paidBefore,
		Cancelled:         true,
	}
}

func exportName(sessionID, tourID uint64) string {
	if sessionID == 0 {
		return fmt.Sprintf("tour_%d_reservations.csv", tourID)
	}
	return fmt.Sprintf("session_%d_reservations.csv", sessionID)
}
