// README: Realtime booking notifications; workers publish on user:<id> and the API hub forwards to clients.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"movzz/internal/modules/booking"
	"movzz/internal/types"
)

const (
	EventStateChanged = "booking:state_changed"

	channelPrefix = "user:"
)

// Channel is the pub/sub channel carrying one user's booking updates.
func Channel(userID types.ID) string {
	return channelPrefix + string(userID)
}

type Message struct {
	Event   string          `json:"event"`
	Booking booking.Booking `json:"booking"`
}

// RedisNotifier publishes state changes so that every API process can push
// them to the owner, whichever process applied the transition.
type RedisNotifier struct {
	rdb *redis.Client
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) Notify(ctx context.Context, userID types.ID, b booking.Booking) error {
	payload, err := json.Marshal(Message{Event: EventStateChanged, Booking: b})
	if err != nil {
		return err
	}
	if err := n.rdb.Publish(ctx, Channel(userID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", Channel(userID), err)
	}
	return nil
}

// Multi fans one notification out to several notifiers. Every notifier is
// tried; the joined error reports the ones that failed.
type Multi []booking.Notifier

func (m Multi) Notify(ctx context.Context, userID types.ID, b booking.Booking) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, userID, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier is used when no realtime transport is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, userID types.ID, b booking.Booking) error {
	log.Printf("[notify] user=%s booking=%s state=%s", userID, b.ID, b.State)
	return nil
}
