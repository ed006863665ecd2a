package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/tour-reservation/internal/model"
)

// MemoryStore is an in-process Store.  Atomically holds one mutex for the
// whole store, so transactions are fully serialized, and works on a copy of
// the state that replaces the original only when fn succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	nextID       uint64
	tours        map[uint64]model.Tour
	sessions     map[uint64]model.Session
	reservations map[uint64]model.Reservation
	payments     map[uint64]model.Payment
	orphans      map[string]model.Payment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		tours:        map[uint64]model.Tour{},
		sessions:     map[uint64]model.Session{},
		reservations: map[uint64]model.Reservation{},
		payments:     map[uint64]model.Payment{},
		orphans:      map[string]model.Payment{},
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:       s.nextID,
		tours:        make(map[uint64]model.Tour, len(s.tours)),
		sessions:     make(map[uint64]model.Session, len(s.sessions)),
		reservations: make(map[uint64]model.Reservation, len(s.reservations)),
		payments:     make(map[uint64]model.Payment, len(s.payments)),
		orphans:      make(map[string]model.Payment, len(s.orphans)),
	}
	for k, v := range s.tours {
		c.tours[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.orphans {
		c.orphans[k] = v
	}
	return c
}

func (s *memState) id() uint64 {
	s.nextID++
	return s.nextID
}

func (m *MemoryStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// AddTour stores a tour and returns it with its id assigned.
func (m *MemoryStore) AddTour(t model.Tour) model.Tour {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.state.id()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.state.tours[t.ID] = t
	return t
}

// AddSession stores a session under an existing tour.
func (m *MemoryStore) AddSession(s model.Session) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.tours[s.TourID]; !ok {
		return s, fmt.Errorf("tour %d: %w", s.TourID, ErrNotFound)
	}
	s.ID = m.state.id()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.state.sessions[s.ID] = s
	return s, nil
}

// Reservation returns a committed reservation.
func (m *MemoryStore) Reservation(id uint64) (model.Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.reservations[id]
	return r, ok
}

// PaymentFor returns the latest committed payment of a reservation.
func (m *MemoryStore) PaymentFor(reservationID uint64) (model.Payment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := (&memTx{st: m.state}).PaymentByReservation(context.Background(), reservationID)
	if err != nil {
		return model.Payment{}, false
	}
	return *p, true
}

// HasSession reports whether a session is still stored.
func (m *MemoryStore) HasSession(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.sessions[id]
	return ok
}

// HasTour reports whether a tour is still stored.
func (m *MemoryStore) HasTour(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.tours[id]
	return ok
}

// HasOrphanPayment reports whether a payment of a deleted reservation is
// still awaiting a late webhook.
func (m *MemoryStore) HasOrphanPayment(externalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.orphans[externalID]
	return ok
}

// Occupancy returns the committed paid occupancy of a session.
func (m *MemoryStore) Occupancy(sessionID uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := (&memTx{st: m.state}).PaidOccupancy(context.Background(), sessionID)
	return n
}

type memTx struct {
	st *memState
}

func (t *memTx) session(id uint64) (*model.Session, error) {
	s, ok := t.st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	tour := t.st.tours[s.TourID]
	s.TourTitle = tour.Title
	s.Place = tour.Place
	s.OwnerID = tour.OwnerID
	s.OwnerEmail = tour.OwnerEmail
	return &s, nil
}

func (t *memTx) LockSession(_ context.Context, sessionID uint64) (*model.Session, error) {
	return t.session(sessionID)
}

func (t *memTx) LockTourSessions(_ context.Context, tourID uint64) (*model.Tour, []*model.Session, error) {
	tour, ok := t.st.tours[tourID]
	if !ok {
		return nil, nil, fmt.Errorf("tour %d: %w", tourID, ErrNotFound)
	}
	var out []*model.Session
	for id, s := range t.st.sessions {
		if s.TourID == tourID {
			ss, _ := t.session(id)
			out = append(out, ss)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &tour, out, nil
}

func (t *memTx) UpdateSession(_ context.Context, s *model.Session) error {
	cur, ok := t.st.sessions[s.ID]
	if !ok {
		return fmt.Errorf("session %d: %w", s.ID, ErrNotFound)
	}
	cur.StartsAt = s.StartsAt
	cur.MaxParticipants = s.MaxParticipants
	cur.CostCents = s.CostCents
	t.st.sessions[s.ID] = cur
	return nil
}

func (t *memTx) PaidOccupancy(_ context.Context, sessionID uint64) (int, error) {
	n := 0
	for _, r := range t.st.reservations {
		if r.SessionID == sessionID && r.OccupiesSeats() {
			n += r.ParticipantsCount
		}
	}
	return n, nil
}

func (t *memTx) InsertReservation(_ context.Context, r *model.Reservation) error {
	if _, ok := t.st.sessions[r.SessionID]; !ok {
		return fmt.Errorf("session %d: %w", r.SessionID, ErrNotFound)
	}
	r.ID = t.st.id()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	t.st.reservations[r.ID] = *r
	return nil
}

func (t *memTx) GetReservation(_ context.Context, id uint64) (*model.Reservation, error) {
	r, ok := t.st.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %d: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (t *memTx) SaveReservation(_ context.Context, r *model.Reservation) error {
	cur, ok := t.st.reservations[r.ID]
	if !ok {
		return fmt.Errorf("reservation %d: %w", r.ID, ErrNotFound)
	}
	cur.Paid = r.Paid
	cur.Cancelled = r.Cancelled
	t.st.reservations[r.ID] = cur
	return nil
}

func (t *memTx) ActiveReservations(_ context.Context, sessionID uint64) ([]*model.Reservation, error) {
	var out []*model.Reservation
	for _, r := range t.st.reservations {
		if r.SessionID == sessionID && !r.Cancelled {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) InsertPayment(_ context.Context, p *model.Payment) error {
	for _, existing := range t.st.payments {
		if existing.ExternalID == p.ExternalID {
			return fmt.Errorf("payment %s: %w", p.ExternalID, ErrConflict)
		}
	}
	p.ID = t.st.id()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	t.st.payments[p.ID] = *p
	return nil
}

func (t *memTx) PaymentByExternalID(_ context.Context, externalID string) (*model.Payment, error) {
	for _, p := range t.st.payments {
		if p.ExternalID == externalID {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("payment %s: %w", externalID, ErrNotFound)
}

func (t *memTx) PaymentByReservation(_ context.Context, reservationID uint64) (*model.Payment, error) {
	var found *model.Payment
	for _, p := range t.st.payments {
		if p.ReservationID == reservationID && (found == nil || p.ID > found.ID) {
			p := p
			found = &p
		}
	}
	if found == nil {
		return nil, fmt.Errorf("payment for reservation %d: %w", reservationID, ErrNotFound)
	}
	return found, nil
}

func (t *memTx) SavePayment(_ context.Context, p *model.Payment) error {
	cur, ok := t.st.payments[p.ID]
	if !ok {
		return fmt.Errorf("payment %d: %w", p.ID, ErrNotFound)
	}
	cur.Status = p.Status
	t.st.payments[p.ID] = cur
	return nil
}

func (t *memTx) PendingPayments(_ context.Context, sessionID uint64) ([]*model.Payment, error) {
	var out []*model.Payment
	for _, p := range t.st.payments {
		if p.SessionID == sessionID && p.Status == model.PaymentCreated {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) RetainOrphanPayment(_ context.Context, p *model.Payment) error {
	if _, ok := t.st.orphans[p.ExternalID]; ok {
		return fmt.Errorf("orphan payment %s: %w", p.ExternalID, ErrConflict)
	}
	t.st.orphans[p.ExternalID] = *p
	return nil
}

func (t *memTx) OrphanPayment(_ context.Context, externalID string) (*model.Payment, error) {
	p, ok := t.st.orphans[externalID]
	if !ok {
		return nil, fmt.Errorf("orphan payment %s: %w", externalID, ErrNotFound)
	}
	return &p, nil
}

func (t *memTx) ReleaseOrphanPayment(_ context.Context, externalID string) error {
	if _, ok := t.st.orphans[externalID]; !ok {
		return fmt.Errorf("orphan payment %s: %w", externalID, ErrNotFound)
	}
	delete(t.st.orphans, externalID)
	return nil
}

func (t *memTx) DeleteSessionPayments(_ context.Context, sessionID uint64) error {
	for id, p := range t.st.payments {
		if p.SessionID == sessionID {
			delete(t.st.payments, id)
		}
	}
	return nil
}

func (t *memTx) DeleteSession(_ context.Context, sessionID uint64) error {
	if _, ok := t.st.sessions[sessionID]; !ok {
		return fmt.Errorf("session %d: %w", sessionID, ErrNotFound)
	}
	for id, r := range t.st.reservations {
		if r.SessionID == sessionID {
			delete(t.st.reservations, id)
		}
	}
	delete(t.st.sessions, sessionID)
	return nil
}

func (t *memTx) DeleteTour(_ context.Context, tourID uint64) error {
	if _, ok := t.st.tours[tourID]; !ok {
		return fmt.Errorf("tour %d: %w", tourID, ErrNotFound)
	}
	for _, s := range t.st.sessions {
		if s.TourID == tourID {
			return fmt.Errorf("tour %d still has sessions: %w", tourID, ErrConflict)
		}
	}
	delete(t.st.tours, tourID)
	return nil
}
