// README: Matching service assigns pooled providers to bookings.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"

	"movzz/internal/clock"
	"movzz/internal/config"
	"movzz/internal/modules/booking"
	"movzz/internal/types"
)

var ErrBadCandidate = errors.New("invalid provider candidate")

// Pool is the provider storage used by Service. *Store satisfies it.
type Pool interface {
	AddCandidate(ctx context.Context, c Candidate) error
	RemoveCandidate(ctx context.Context, id types.ID) error
	NearbyProviders(ctx context.Context, mode booking.TransportMode, p types.Point, radiusKm float64, limit int) ([]Nearby, error)
	Claim(ctx context.Context, mode booking.TransportMode, id types.ID) (bool, error)
	Release(ctx context.Context, id types.ID) error
}

type BookingReader interface {
	Get(ctx context.Context, id types.ID) (*booking.Booking, error)
}

type Service struct {
	pool     Pool
	bookings BookingReader
	clock    clock.Clock
	cfg      config.MatchingConfig
}

func NewService(pool Pool, bookings BookingReader, clk clock.Clock, cfg config.MatchingConfig) *Service {
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = 3.0
	}
	return &Service{pool: pool, bookings: bookings, clock: clk, cfg: cfg}
}

func (s *Service) GoOnline(ctx context.Context, c Candidate) error {
	if c.ID == "" || !c.Mode.Valid() {
		return ErrBadCandidate
	}
	if c.Position.Lat < -85 || c.Position.Lat > 85 || c.Position.Lng < -180 || c.Position.Lng > 180 {
		return fmt.Errorf("%w: position out of range", ErrBadCandidate)
	}
	if c.JoinTime.IsZero() {
		c.JoinTime = s.clock.Now()
	}
	return s.pool.AddCandidate(ctx, c)
}

func (s *Service) GoOffline(ctx context.Context, id types.ID) error {
	return s.pool.RemoveCandidate(ctx, id)
}

// FindProvider claims a nearby provider of the booking's transport mode.
// It returns nil, nil when nobody is available.
func (s *Service) FindProvider(ctx context.Context, bookingID types.ID) (*booking.Provider, error) {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	nearby, err := s.pool.NearbyProviders(ctx, b.TransportMode, b.Pickup, s.cfg.RadiusKm, selectPoolSize)
	if err != nil {
		return nil, fmt.Errorf("nearby providers: %w", err)
	}
	// spread load across the closest providers instead of always hitting the nearest
	for _, n := range PickRandomProviders(nearby, claimAttempts) {
		ok, err := s.pool.Claim(ctx, b.TransportMode, n.ID)
		if err != nil {
			return nil, fmt.Errorf("claim provider %s: %w", n.ID, err)
		}
		if ok {
			log.Printf("[matching] booking %s: claimed %s provider %s (%.2f km)", bookingID, b.TransportMode, n.ID, n.DistanceKm)
			return &booking.Provider{ID: string(n.ID), Mode: b.TransportMode, DistanceKm: n.DistanceKm}, nil
		}
	}
	return nil, nil
}

func (s *Service) Release(ctx context.Context, providerID string) error {
	return s.pool.Release(ctx, types.ID(providerID))
}

// PickRandomProviders returns up to n distinct members of pool in random
// order. pool is not modified.
func PickRandomProviders(pool []Nearby, n int) []Nearby {
	if n <= 0 || len(pool) == 0 {
		return nil
	}
	cp := make([]Nearby, len(pool))
	copy(cp, pool)
	rand.Shuffle(len(cp), func(i, j int) { cp[i], cp[j] = cp[j], cp[i] })
	if n > len(cp) {
		n = len(cp)
	}
	return cp[:n]
}
