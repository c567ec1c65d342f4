// README: In-memory booking store for tests and single-process development.
package booking

import (
	"context"
	"errors"
	"sort"
	"sync"

	"movzz/internal/clock"
	"movzz/internal/types"
)

type MemoryStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	bookings map[types.ID]Booking
	events   []Event
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{clock: clk, bookings: make(map[types.ID]Booking)}
}

func (s *MemoryStore) Create(_ context.Context, b *Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return ErrConflict
	}
	s.bookings[b.ID] = *b
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID types.ID, limit int) ([]Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Booking
	for _, b := range s.bookings {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ConditionalUpdate(_ context.Context, id types.ID, expected State, mutate Mutator) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.bookings[id]
	if !ok {
		return false, ErrNotFound
	}
	if cur.State != expected {
		return false, nil
	}
	next := cur
	if err := mutate(&next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return false, nil
		}
		return false, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = s.clock.Now()
	s.bookings[id] = next
	return true, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := *e
	ev.ID = int64(len(s.events) + 1)
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) Events(_ context.Context, id types.ID) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.BookingID == id {
			out = append(out, e)
		}
	}
	return out, nil
}
