// README: Delayed job record and handler contract for the Redis-backed queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrPermanent marks a handler failure that must not be redelivered.
	ErrPermanent = errors.New("permanent job failure")
)

// Permanent wraps err so the worker archives the job instead of retrying it.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

type Job struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	Payload       json.RawMessage `json:"payload"`
	NotBefore     time.Time       `json:"not_before"`
	DeliveryCount int             `json:"delivery_count"`
	MaxDeliveries int             `json:"max_deliveries"`
	LastError     string          `json:"last_error,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	FailedAt      *time.Time      `json:"failed_at,omitempty"`
}

// Decode unmarshals the payload. A malformed payload is a permanent failure.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", j.Queue, err))
	}
	return nil
}

// Handler processes one delivery. Delivery is at-least-once, so handlers
// must derive what to do from persisted state rather than from the job.
type Handler func(ctx context.Context, job *Job) error

// Options configure one queue. Zero fields fall back to the client defaults.
type Options struct {
	Concurrency   int
	MaxDeliveries int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	KeepFailed    int64
	Lease         time.Duration
}

type Stats struct {
	Delayed int64
	Active  int64
	Failed  int64
}
