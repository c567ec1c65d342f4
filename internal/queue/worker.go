// README: Worker loop; claims due jobs, runs handlers, retries with backoff and archives exhausted jobs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("movzz/queue")

// Run starts the workers of every queue that has a handler and blocks until
// ctx is cancelled and in-flight handlers have returned.
func (c *Client) Run(ctx context.Context) error {
	c.mu.RLock()
	regs := make([]*registration, 0, len(c.queues))
	for _, reg := range c.queues {
		if reg.handler != nil {
			regs = append(regs, reg)
		}
	}
	c.mu.RUnlock()
	if len(regs) == 0 {
		return errors.New("queue: no handlers registered")
	}

	var wg sync.WaitGroup
	for _, reg := range regs {
		log.Printf("[queue] %s: starting %d worker(s)", reg.name, reg.opts.Concurrency)
		for i := 0; i < reg.opts.Concurrency; i++ {
			wg.Add(1)
			go func(reg *registration) {
				defer wg.Done()
				c.work(ctx, reg)
			}(reg)
		}
		wg.Add(1)
		go func(reg *registration) {
			defer wg.Done()
			c.reapLoop(ctx, reg)
		}(reg)
	}
	wg.Wait()
	return nil
}

func (c *Client) work(ctx context.Context, reg *registration) {
	for {
		if ctx.Err() != nil {
			return
		}
		handled, err := c.processNext(ctx, reg)
		if err != nil {
			log.Printf("[queue] %s: %v", reg.name, err)
		}
		if handled && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.poll):
		}
	}
}

func (c *Client) reapLoop(ctx context.Context, reg *registration) {
	ticker := time.NewTicker(reg.opts.Lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.reap(ctx, reg.name)
			if err != nil {
				log.Printf("[queue] %s: reap: %v", reg.name, err)
				continue
			}
			if n > 0 {
				log.Printf("[queue] %s: returned %d expired lease(s) to the delayed set", reg.name, n)
			}
		}
	}
}

// processNext claims at most one due job and settles it. It reports whether
// a job was claimed.
func (c *Client) processNext(ctx context.Context, reg *registration) (bool, error) {
	job, raw, err := c.claim(ctx, reg)
	if err != nil || job == nil {
		return false, err
	}
	if raw != "" {
		// unreadable record: keep it for inspection
		return true, c.archiveRaw(ctx, reg, job.ID, raw)
	}
	if job.DeliveryCount > job.MaxDeliveries {
		job.LastError = "delivery limit exceeded after lease expiry"
		return true, c.archive(ctx, reg, job)
	}

	herr := c.invoke(ctx, reg, job)
	if herr == nil {
		return true, c.ack(ctx, reg.name, job.ID)
	}

	job.LastError = herr.Error()
	if errors.Is(herr, ErrPermanent) || job.DeliveryCount >= job.MaxDeliveries {
		log.Printf("[queue] %s: job %s archived after %d deliver(ies): %v", reg.name, job.ID, job.DeliveryCount, herr)
		return true, c.archive(ctx, reg, job)
	}
	wait := Backoff(reg.opts.BaseBackoff, reg.opts.MaxBackoff, job.DeliveryCount)
	log.Printf("[queue] %s: job %s failed (delivery %d), retry in %s: %v", reg.name, job.ID, job.DeliveryCount, wait, herr)
	return true, c.retry(ctx, reg.name, job, c.clock.Now().Add(wait))
}

func (c *Client) invoke(ctx context.Context, reg *registration, job *Job) (err error) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reg.opts.Lease)
	defer cancel()
	hctx, span := tracer.Start(hctx, "queue.handle "+reg.name, trace.WithAttributes(
		attribute.String("queue.name", reg.name),
		attribute.String("queue.job_id", job.ID),
		attribute.Int("queue.delivery", job.DeliveryCount),
	))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return reg.handler(hctx, job)
}

// claim moves one due job into the active set under a lease. raw is set
// when the stored record could not be decoded.
func (c *Client) claim(ctx context.Context, reg *registration) (*Job, string, error) {
	now := c.clock.Now()
	res, err := claimScript.Run(ctx, c.redis,
		[]string{delayedKey(reg.name), activeKey(reg.name), jobsKey(reg.name), deliveriesKey(reg.name)},
		now.UnixMilli(), now.Add(reg.opts.Lease).UnixMilli(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("claim: %w", err)
	}
	if len(res) != 3 {
		return nil, "", fmt.Errorf("claim: unexpected reply %v", res)
	}
	id, _ := res[0].(string)
	data, _ := res[1].(string)
	count, _ := res[2].(int64)

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil || job.ID != id {
		return &Job{ID: id}, data, nil
	}
	job.DeliveryCount = int(count)
	return &job, "", nil
}

func (c *Client) ack(ctx context.Context, q, id string) error {
	return ackScript.Run(ctx, c.redis, []string{activeKey(q), jobsKey(q), deliveriesKey(q)}, id).Err()
}

func (c *Client) retry(ctx context.Context, q string, job *Job, at time.Time) error {
	job.NotBefore = at
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return retryScript.Run(ctx, c.redis, []string{activeKey(q), delayedKey(q), jobsKey(q)}, job.ID, at.UnixMilli(), data).Err()
}

func (c *Client) archive(ctx context.Context, reg *registration, job *Job) error {
	now := c.clock.Now()
	job.FailedAt = &now
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.archiveRaw(ctx, reg, job.ID, string(data))
}

func (c *Client) archiveRaw(ctx context.Context, reg *registration, id, data string) error {
	q := reg.name
	return archiveScript.Run(ctx, c.redis,
		[]string{activeKey(q), jobsKey(q), deliveriesKey(q), failedKey(q)},
		id, data, reg.opts.KeepFailed,
	).Err()
}

// reap returns jobs whose lease expired (crashed or stalled worker) to the
// delayed set so another worker picks them up.
func (c *Client) reap(ctx context.Context, q string) (int64, error) {
	return reapScript.Run(ctx, c.redis, []string{activeKey(q), delayedKey(q)}, c.clock.Now().UnixMilli()).Int64()
}
