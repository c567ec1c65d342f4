// README: Credit ledger; at most one credit per booking (PostgreSQL and in-memory).
package compensation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"movzz/internal/types"
)

type Store interface {
	// Insert reports false when the booking already has a credit.
	Insert(ctx context.Context, c *Credit) (bool, error)
	ListByUser(ctx context.Context, userID types.ID) ([]Credit, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Insert(ctx context.Context, c *Credit) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO compensation_credits (booking_id, user_id, user_phone, amount, currency, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (booking_id) DO NOTHING`,
		string(c.BookingID), string(c.UserID), c.UserPhone, c.Amount.Amount, c.Amount.Currency, c.Reason, c.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert credit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) ListByUser(ctx context.Context, userID types.ID) ([]Credit, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, booking_id, user_id, user_phone, amount, currency, reason, created_at
		FROM compensation_credits
		WHERE user_id = $1
		ORDER BY created_at DESC`, string(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Credit
	for rows.Next() {
		var c Credit
		if err := rows.Scan(&c.ID, &c.BookingID, &c.UserID, &c.UserPhone, &c.Amount.Amount, &c.Amount.Currency, &c.Reason, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type MemoryStore struct {
	mu      sync.Mutex
	credits map[types.ID]Credit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{credits: make(map[types.ID]Credit)}
}

func (s *MemoryStore) Insert(_ context.Context, c *Credit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credits[c.BookingID]; ok {
		return false, nil
	}
	cp := *c
	cp.ID = int64(len(s.credits) + 1)
	s.credits[c.BookingID] = cp
	return true, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID types.ID) ([]Credit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Credit
	for _, c := range s.credits {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}
