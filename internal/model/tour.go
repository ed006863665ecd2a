package model

import "time"

// Tour is a published excursion owned by a resident.  The owner e-mail is
// kept on the row so that deletion summaries can be addressed without a
// join against users.
//
// Fields:
//  ID         – primary key identifier.
//  Title      – display title.
//  Place      – meeting point or venue.
//  OwnerID    – resident who published the tour.
//  OwnerEmail – address receiving deletion summaries.
//  CreatedAt  – creation timestamp.
type Tour struct {
    ID         uint64    // tours.id
    Title      string    // tours.title
    Place      string    // tours.place
    OwnerID    uint64    // tours.owner_id
    OwnerEmail string    // tours.owner_email
    CreatedAt  time.Time // tours.created_at
}

// Session is one dated occurrence of a tour with a finite number of seats.
// CostCents is the price of a single participant in minor currency units.
// TourTitle, Place, OwnerID and OwnerEmail are loaded from the parent tour.
type Session struct {
    ID              uint64    // tour_sessions.id
    TourID          uint64    // tour_sessions.tour_id
    StartsAt        time.Time // tour_sessions.starts_at
    MaxParticipants int       // tour_sessions.max_participants
    CostCents       int64     // tour_sessions.cost_cents
    CreatedAt       time.Time // tour_sessions.created_at

    TourTitle  string
    Place      string
    OwnerID    uint64
    OwnerEmail string
}

// Free reports how many seats remain given the paid occupancy.
func (s Session) Free(occupied int) int {
    if occupied >= s.MaxParticipants {
        return 0
    }
    return s.MaxParticipants - occupied
}

// Started reports whether the session has already begun at now.
func (s Session) Started(now time.Time) bool {
    return !s.StartsAt.IsZero() && !now.Before(s.StartsAt)
}

// Amount is the total price for n participants.
func (s Session) Amount(n int) int64 {
    return s.CostCents * int64(n)
}
