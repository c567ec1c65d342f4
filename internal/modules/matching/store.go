// README: Provider pool backed by Redis GEO sets (one per transport mode) and candidate hashes.
package matching

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"movzz/internal/modules/booking"
	"movzz/internal/types"
)

const (
	poolKeyPrefix      = "matching:providers:%s"
	candidateKeyPrefix = "matching:provider:%s"
)

var ErrUnknownProvider = errors.New("unknown provider")

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

// AddCandidate records the provider and puts it into the pool of its mode.
func (s *Store) AddCandidate(ctx context.Context, c Candidate) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := candidateKey(c.ID)
		pipe.HSet(ctx, key, map[string]any{
			"mode":      string(c.Mode),
			"lat":       strconv.FormatFloat(c.Position.Lat, 'f', -1, 64),
			"lng":       strconv.FormatFloat(c.Position.Lng, 'f', -1, 64),
			"join_time": c.JoinTime.UTC().Format(time.RFC3339),
		})
		pipe.Expire(ctx, key, candidateTTL)
		pipe.GeoAdd(ctx, poolKey(c.Mode), &redis.GeoLocation{
			Name:      string(c.ID),
			Longitude: c.Position.Lng,
			Latitude:  c.Position.Lat,
		})
		return nil
	})
	return err
}

// RemoveCandidate takes the provider offline.
func (s *Store) RemoveCandidate(ctx context.Context, id types.ID) error {
	c, err := s.GetCandidate(ctx, id)
	if errors.Is(err, ErrUnknownProvider) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, poolKey(c.Mode), string(id))
		pipe.Del(ctx, candidateKey(id))
		return nil
	})
	return err
}

func (s *Store) GetCandidate(ctx context.Context, id types.ID) (Candidate, error) {
	vals, err := s.redis.HGetAll(ctx, candidateKey(id)).Result()
	if err != nil {
		return Candidate{}, err
	}
	if len(vals) == 0 {
		return Candidate{}, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	lat, err := strconv.ParseFloat(vals["lat"], 64)
	if err != nil {
		return Candidate{}, fmt.Errorf("provider %s lat: %w", id, err)
	}
	lng, err := strconv.ParseFloat(vals["lng"], 64)
	if err != nil {
		return Candidate{}, fmt.Errorf("provider %s lng: %w", id, err)
	}
	joined, _ := time.Parse(time.RFC3339, vals["join_time"])
	return Candidate{
		ID:       id,
		Mode:     booking.TransportMode(vals["mode"]),
		Position: types.Point{Lat: lat, Lng: lng},
		JoinTime: joined,
	}, nil
}

// NearbyProviders lists pooled providers of mode within radiusKm, nearest first.
func (s *Store) NearbyProviders(ctx context.Context, mode booking.TransportMode, p types.Point, radiusKm float64, limit int) ([]Nearby, error) {
	results, err := s.redis.GeoRadius(ctx, poolKey(mode), p.Lng, p.Lat, &redis.GeoRadiusQuery{
		Radius:   radiusKm,
		Unit:     "km",
		WithDist: true,
		Sort:     "ASC",
		Count:    limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Nearby, len(results))
	for i, r := range results {
		out[i] = Nearby{ID: types.ID(r.Name), DistanceKm: r.Dist}
	}
	return out, nil
}

// Claim removes the provider from its pool. Only one caller can win a
// given provider.
func (s *Store) Claim(ctx context.Context, mode booking.TransportMode, id types.ID) (bool, error) {
	n, err := s.redis.ZRem(ctx, poolKey(mode), string(id)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release puts a claimed provider back at its last known position.
func (s *Store) Release(ctx context.Context, id types.ID) error {
	c, err := s.GetCandidate(ctx, id)
	if err != nil {
		return err
	}
	return s.redis.GeoAdd(ctx, poolKey(c.Mode), &redis.GeoLocation{
		Name:      string(id),
		Longitude: c.Position.Lng,
		Latitude:  c.Position.Lat,
	}).Err()
}

func poolKey(mode booking.TransportMode) string {
	return fmt.Sprintf(poolKeyPrefix, string(mode))
}

func candidateKey(id types.ID) string {
	return fmt.Sprintf(candidateKeyPrefix, string(id))
}
