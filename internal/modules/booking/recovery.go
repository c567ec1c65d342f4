// README: Recovery engine; bounded provider re-assignment with escalation on exhaustion.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"movzz/internal/queue"
	"movzz/internal/types"
)

type Outcome string

const (
	OutcomeAlreadyResolved Outcome = "already_resolved"
	OutcomeConfirmed       Outcome = "confirmed"
	OutcomeRescheduled     Outcome = "rescheduled"
	OutcomeEscalated       Outcome = "escalated"
)

type RecoveryResult struct {
	Outcome    Outcome
	Attempt    int
	State      State
	ProviderID string
}

// Recovered is false only when recovery gave up and the booking escalated.
func (r RecoveryResult) Recovered() bool {
	return r.Outcome != OutcomeEscalated
}

// RecoveryBackoff is the delay before recovery cycle attempt+1. With the
// default factor of 1 every cycle waits RecoveryDelay.
func (s *Service) RecoveryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(s.cfg.RecoveryDelay) * math.Pow(s.cfg.RecoveryBackoffFactor, float64(attempt-1))
	return time.Duration(d)
}

// AttemptRecovery runs one recovery cycle. The attempt counter is bumped in
// the same conditional write that checks SEARCHING, so duplicate deliveries
// cannot push it past the maximum.
func (s *Service) AttemptRecovery(ctx context.Context, id types.ID) (RecoveryResult, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return RecoveryResult{}, err
	}
	if b.State != StateSearching {
		return RecoveryResult{Outcome: OutcomeAlreadyResolved, Attempt: b.RecoveryAttempts, State: b.State}, nil
	}

	limit := s.cfg.MaxRecoveryAttempts
	attempt := 0
	bumped, err := s.store.ConditionalUpdate(ctx, id, StateSearching, func(b *Booking) error {
		if b.RecoveryAttempts >= limit {
			return ErrNoChange
		}
		b.RecoveryAttempts++
		attempt = b.RecoveryAttempts
		return nil
	})
	if err != nil {
		return RecoveryResult{}, err
	}
	if !bumped {
		b, err = s.store.Get(ctx, id)
		if err != nil {
			return RecoveryResult{}, err
		}
		if b.State != StateSearching {
			return RecoveryResult{Outcome: OutcomeAlreadyResolved, Attempt: b.RecoveryAttempts, State: b.State}, nil
		}
		return s.escalate(ctx, id, b.RecoveryAttempts)
	}
	log.Printf("[recovery] booking %s: attempt %d/%d", id, attempt, limit)

	p, err := s.providers.FindProvider(ctx, id)
	if err != nil {
		return RecoveryResult{Attempt: attempt}, fmt.Errorf("find provider: %w", err)
	}
	if p != nil {
		applied, err := s.confirmWith(ctx, id, p, ActorSystem)
		if err != nil {
			return RecoveryResult{Attempt: attempt}, err
		}
		if applied {
			log.Printf("[recovery] booking %s: confirmed with provider %s", id, p.ID)
			return RecoveryResult{Outcome: OutcomeConfirmed, Attempt: attempt, State: StateConfirmed, ProviderID: p.ID}, nil
		}
		return s.resolvedElsewhere(ctx, id, attempt)
	}

	if attempt < limit {
		wait := s.RecoveryBackoff(attempt)
		if _, err := s.jobs.Enqueue(ctx, QueueRecovery, JobPayload{BookingID: id}, wait); err != nil {
			return RecoveryResult{Attempt: attempt}, fmt.Errorf("reschedule recovery: %w", err)
		}
		log.Printf("[recovery] booking %s: no provider, retry in %s", id, wait)
		return RecoveryResult{Outcome: OutcomeRescheduled, Attempt: attempt, State: StateSearching}, nil
	}
	return s.escalate(ctx, id, attempt)
}

func (s *Service) escalate(ctx context.Context, id types.ID, attempt int) (RecoveryResult, error) {
	applied, err := s.TransitionState(ctx, id, StateManualEscalation, Metadata{Reason: ReasonRecoveryExhausted, Actor: ActorSystem})
	if err != nil {
		return RecoveryResult{Attempt: attempt}, err
	}
	if !applied {
		return s.resolvedElsewhere(ctx, id, attempt)
	}
	log.Printf("[recovery] booking %s: exhausted after %d attempt(s), escalated", id, attempt)
	return RecoveryResult{Outcome: OutcomeEscalated, Attempt: attempt, State: StateManualEscalation}, nil
}

func (s *Service) resolvedElsewhere(ctx context.Context, id types.ID, attempt int) (RecoveryResult, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return RecoveryResult{Attempt: attempt}, err
	}
	return RecoveryResult{Outcome: OutcomeAlreadyResolved, Attempt: b.RecoveryAttempts, State: b.State}, nil
}

// HandleRecovery is registered on the recovery-retry queue.
func (s *Service) HandleRecovery(ctx context.Context, job *queue.Job) error {
	var p JobPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	if p.BookingID == "" {
		return queue.Permanent(fmt.Errorf("job %s: missing booking id", job.ID))
	}

	res, err := s.AttemptRecovery(ctx, p.BookingID)
	if errors.Is(err, ErrNotFound) {
		log.Printf("[recovery] booking %s not found, skipping", p.BookingID)
		return nil
	}
	if err != nil {
		return err
	}
	switch {
	case res.Outcome == OutcomeEscalated:
		return s.issueCompensationOnce(ctx, p.BookingID, StateManualEscalation)
	case res.Outcome == OutcomeAlreadyResolved && res.State == StateManualEscalation:
		// a previous delivery may have escalated without recording the credit
		return s.issueCompensationOnce(ctx, p.BookingID, StateManualEscalation)
	}
	return nil
}
