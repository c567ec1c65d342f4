// README: Hub subscribes to every user channel once and fans payloads out to local stream subscribers.
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"movzz/internal/types"
)

const defaultBuffer = 16

type Hub struct {
	rdb    *redis.Client
	buffer int

	mu      sync.Mutex
	subs    map[types.ID]map[chan []byte]struct{}
	dropped int64

	ready     chan struct{}
	readyOnce sync.Once
}

func NewHub(rdb *redis.Client, buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		rdb:    rdb,
		buffer: buffer,
		subs:   make(map[types.ID]map[chan []byte]struct{}),
		ready:  make(chan struct{}),
	}
}

// Subscribe registers a local listener for one user. The returned func must
// be called when the listener goes away; it closes the channel.
func (h *Hub) Subscribe(userID types.ID) (<-chan []byte, func()) {
	ch := make(chan []byte, h.buffer)
	h.mu.Lock()
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[chan []byte]struct{})
		h.subs[userID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			close(ch)
		})
	}
}

// Ready is closed once the pattern subscription is active.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

// Run blocks until ctx is done or the subscription fails.
func (h *Hub) Run(ctx context.Context) error {
	ps := h.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("psubscribe: %w", err)
	}
	h.readyOnce.Do(func() { close(h.ready) })

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			userID := types.ID(strings.TrimPrefix(msg.Channel, channelPrefix))
			h.dispatch(userID, []byte(msg.Payload))
		}
	}
}

func (h *Hub) dispatch(userID types.ID, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[userID] {
		select {
		case ch <- payload:
		default:
			// slow reader
			h.dropped++
			log.Printf("[notify] dropped update for user %s", userID)
		}
	}
}

// Subscribers reports how many local listeners a user has.
func (h *Hub) Subscribers(userID types.ID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
