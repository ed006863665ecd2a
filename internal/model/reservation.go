package model

import (
    "errors"
    "time"
)

// ReservationState is the lifecycle position of a reservation.  The table
// keeps two flags (is_paid, is_cancelled); State and Apply are the only way
// code should read or write them.
type ReservationState int

const (
    ActiveUnpaid ReservationState = iota
    ActivePaid
    Cancelled
)

func (s ReservationState) String() string {
    switch s {
    case ActiveUnpaid:
        return "active_unpaid"
    case ActivePaid:
        return "active_paid"
    case Cancelled:
        return "cancelled"
    }
    return "unknown"
}

var (
    // ErrReservationCancelled is returned for any transition out of Cancelled.
    ErrReservationCancelled = errors.New("reservation is cancelled")
    // ErrAlreadyPaid is returned when an already paid reservation is marked paid again.
    ErrAlreadyPaid = errors.New("reservation already paid")
)

// Reservation records a user's booking of one or more participants on a
// session.
//
// Fields:
//  ID                – primary key identifier.
//  SessionID         – booked session.
//  UserID            – user who made the reservation.
//  ParticipantsCount – number of seats taken (>= 1).
//  FullName, Phone, Email – contact details of the booker.
//  Paid, Cancelled   – persisted state flags, see ReservationState.
//  CreatedAt         – booking timestamp.
type Reservation struct {
    ID                uint64    // reservations.id
    SessionID         uint64    // reservations.session_id
    UserID            uint64    // reservations.user_id
    ParticipantsCount int       // reservations.participants_count
    FullName          string    // reservations.full_name
    Phone             string    // reservations.phone
    Email             string    // reservations.email
    Paid              bool      // reservations.is_paid
    Cancelled         bool      // reservations.is_cancelled
    CreatedAt         time.Time // reservations.created_at
}

// State derives the lifecycle state from the persisted flags.  A row that is
// both paid and cancelled is Cancelled.  State and OccupiesSeats take a
// value so they work on reservations returned by value.
func (r Reservation) State() ReservationState {
    switch {
    case r.Cancelled:
        return Cancelled
    case r.Paid:
        return ActivePaid
    default:
        return ActiveUnpaid
    }
}

// MarkPaid moves ActiveUnpaid to ActivePaid.
func (r *Reservation) MarkPaid() error {
    switch r.State() {
    case Cancelled:
        return ErrReservationCancelled
    case ActivePaid:
        return ErrAlreadyPaid
    }
    r.Paid = true
    return nil
}

// MarkCancelled moves any active state to Cancelled.  The paid flag is left
// as it was so exports can still tell whether money changed hands.
func (r *Reservation) MarkCancelled() error {
    if r.State() == Cancelled {
        return ErrReservationCancelled
    }
    r.Cancelled = true
    return nil
}

// OccupiesSeats reports whether the reservation counts toward capacity.
func (r Reservation) OccupiesSeats() bool {
    return r.State() == ActivePaid
}
