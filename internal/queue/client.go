// README: Queue client; declares queues, enqueues delayed jobs and exposes the failed archive.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"movzz/internal/clock"
	"movzz/internal/config"
)

const keyPrefix = "queue:%s:%s"

type registration struct {
	name    string
	opts    Options
	handler Handler
}

type Client struct {
	redis    *redis.Client
	clock    clock.Clock
	defaults Options
	poll     time.Duration

	mu     sync.RWMutex
	queues map[string]*registration
}

func NewClient(rdb *redis.Client, clk clock.Clock, cfg config.QueueConfig) *Client {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Client{
		redis: rdb,
		clock: clk,
		defaults: Options{
			Concurrency:   cfg.Concurrency,
			MaxDeliveries: cfg.MaxDeliveries,
			BaseBackoff:   cfg.BaseBackoff,
			MaxBackoff:    cfg.MaxBackoff,
			KeepFailed:    cfg.KeepFailed,
			Lease:         cfg.Lease,
		},
		poll:   poll,
		queues: make(map[string]*registration),
	}
}

// Declare makes a queue known to producers and consumers of this client.
// Declaring twice replaces the options and keeps any registered handler.
func (c *Client) Declare(name string, opts Options) {
	opts = c.withDefaults(opts)
	c.mu.Lock()
	defer c.mu.Unlock()
	if reg, ok := c.queues[name]; ok {
		reg.opts = opts
		return
	}
	c.queues[name] = &registration{name: name, opts: opts}
}

// Register binds the handler that Run dispatches jobs of a declared queue to.
func (c *Client) Register(name string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	reg.handler = h
	return nil
}

// Enqueue persists a job that becomes deliverable after delay.
func (c *Client) Enqueue(ctx context.Context, name string, payload any, delay time.Duration) (string, error) {
	reg, err := c.lookup(name)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	if delay < 0 {
		delay = 0
	}
	now := c.clock.Now()
	job := Job{
		ID:            uuid.NewString(),
		Queue:         name,
		Payload:       body,
		NotBefore:     now.Add(delay),
		MaxDeliveries: reg.opts.MaxDeliveries,
		EnqueuedAt:    now,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	_, err = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobsKey(name), job.ID, data)
		pipe.ZAdd(ctx, delayedKey(name), redis.Z{Score: float64(job.NotBefore.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}
	return job.ID, nil
}

// Failed returns up to limit archived jobs, newest first.
func (c *Client) Failed(ctx context.Context, name string, limit int64) ([]Job, error) {
	if _, err := c.lookup(name); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	raw, err := c.redis.LRange(ctx, failedKey(name), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(raw))
	for _, r := range raw {
		var j Job
		if err := json.Unmarshal([]byte(r), &j); err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (c *Client) Stats(ctx context.Context, name string) (Stats, error) {
	if _, err := c.lookup(name); err != nil {
		return Stats{}, err
	}
	pipe := c.redis.Pipeline()
	delayed := pipe.ZCard(ctx, delayedKey(name))
	active := pipe.ZCard(ctx, activeKey(name))
	failed := pipe.LLen(ctx, failedKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{Delayed: delayed.Val(), Active: active.Val(), Failed: failed.Val()}, nil
}

// Queues lists declared queue names.
func (c *Client) Queues() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.queues))
	for n := range c.queues {
		names = append(names, n)
	}
	return names
}

func (c *Client) lookup(name string) (*registration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reg, ok := c.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return reg, nil
}

func (c *Client) withDefaults(o Options) Options {
	d := c.defaults
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = d.MaxDeliveries
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 1
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = d.BaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = d.MaxBackoff
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = d.KeepFailed
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = 100
	}
	if o.Lease <= 0 {
		o.Lease = d.Lease
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	return o
}

func delayedKey(q string) string    { return fmt.Sprintf(keyPrefix, q, "delayed") }
func activeKey(q string) string     { return fmt.Sprintf(keyPrefix, q, "active") }
func jobsKey(q string) string       { return fmt.Sprintf(keyPrefix, q, "jobs") }
func deliveriesKey(q string) string { return fmt.Sprintf(keyPrefix, q, "deliveries") }
func failedKey(q string) string     { return fmt.Sprintf(keyPrefix, q, "failed") }
