// README: Booking store contract and its PostgreSQL implementation (conditional, version-checked writes).
package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"movzz/internal/clock"
	"movzz/internal/types"
)

// ErrNoChange is returned by a mutator to skip the write without error.
var ErrNoChange = errors.New("no change")

// maxCASRetries bounds how often ConditionalUpdate re-reads a row whose
// version moved while its state still matched.
const maxCASRetries = 5

// Mutator edits a copy of the current booking. Returning ErrNoChange leaves
// the record untouched.
type Mutator func(b *Booking) error

type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id types.ID) (*Booking, error)
	ListByUser(ctx context.Context, userID types.ID, limit int) ([]Booking, error)
	// ConditionalUpdate applies mutate only while the persisted state equals
	// expected. It reports whether a write happened.
	ConditionalUpdate(ctx context.Context, id types.ID, expected State, mutate Mutator) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
}

type PGStore struct {
	db    *pgxpool.Pool
	clock clock.Clock
}

func NewPGStore(db *pgxpool.Pool, clk clock.Clock) *PGStore {
	return &PGStore{db: db, clock: clk}
}

const selectColumns = `
	id, user_id, user_phone, state, recovery_attempts, compensation_issued, version,
	pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, pickup_address, dropoff_address,
	transport_mode, provider_id, failure_reason, fare_amount, fare_currency,
	created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, b *Booking) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO bookings (
			id, user_id, user_phone, state, recovery_attempts, compensation_issued, version,
			pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, pickup_address, dropoff_address,
			transport_mode, provider_id, failure_reason, fare_amount, fare_currency,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20
		)`,
		string(b.ID), string(b.UserID), b.UserPhone, string(b.State), b.RecoveryAttempts, b.CompensationIssued, b.Version,
		b.Pickup.Lat, b.Pickup.Lng, b.Dropoff.Lat, b.Dropoff.Lng, b.PickupAddress, b.DropoffAddress,
		string(b.TransportMode), b.ProviderID, b.FailureReason, b.FareEstimate.Amount, b.FareEstimate.Currency,
		b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Booking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM bookings WHERE id = $1`, string(id))
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking %s: %w", id, err)
	}
	return b, nil
}

func (s *PGStore) ListByUser(ctx context.Context, userID types.ID, limit int) ([]Booking, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+selectColumns+`
		FROM bookings
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(userID), limit)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *PGStore) ConditionalUpdate(ctx context.Context, id types.ID, expected State, mutate Mutator) (bool, error) {
	for i := 0; i < maxCASRetries; i++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if cur.State != expected {
			return false, nil
		}
		next := *cur
		if err := mutate(&next); err != nil {
			if errors.Is(err, ErrNoChange) {
				return false, nil
			}
			return false, err
		}
		next.UpdatedAt = s.clock.Now()

		tag, err := s.db.Exec(ctx, `
			UPDATE bookings
			SET state = $1,
			    recovery_attempts = $2,
			    compensation_issued = $3,
			    provider_id = $4,
			    failure_reason = $5,
			    updated_at = $6,
			    version = version + 1
			WHERE id = $7 AND state = $8 AND version = $9`,
			string(next.State),
			next.RecoveryAttempts,
			next.CompensationIssued,
			next.ProviderID,
			next.FailureReason,
			next.UpdatedAt,
			string(id),
			string(expected),
			cur.Version,
		)
		if err != nil {
			return false, fmt.Errorf("update booking %s: %w", id, err)
		}
		if tag.RowsAffected() == 1 {
			return true, nil
		}
		// lost the race: re-read and decide again
	}
	return false, ErrConflict
}

func (s *PGStore) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO booking_state_events (
			booking_id, from_state, to_state, reason, actor, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.BookingID),
		string(e.FromState),
		string(e.ToState),
		e.Reason,
		e.Actor,
		e.CreatedAt,
	)
	return err
}

// Events returns the audit trail of one booking, oldest first.
func (s *PGStore) Events(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, booking_id, from_state, to_state, reason, actor, created_at
		FROM booking_state_events
		WHERE booking_id = $1
		ORDER BY id`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.BookingID, &e.FromState, &e.ToState, &e.Reason, &e.Actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	err := row.Scan(
		&b.ID, &b.UserID, &b.UserPhone, &b.State, &b.RecoveryAttempts, &b.CompensationIssued, &b.Version,
		&b.Pickup.Lat, &b.Pickup.Lng, &b.Dropoff.Lat, &b.Dropoff.Lng, &b.PickupAddress, &b.DropoffAddress,
		&b.TransportMode, &b.ProviderID, &b.FailureReason, &b.FareEstimate.Amount, &b.FareEstimate.Currency,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
