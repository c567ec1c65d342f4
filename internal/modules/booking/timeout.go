// README: Timeout job handler; fails bookings still SEARCHING when their window closes.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log"

	"movzz/internal/queue"
	"movzz/internal/types"
)

// HandleTimeout is registered on the booking-timeout queue. It derives what
// to do from the persisted booking only, so duplicate or stale deliveries
// are no-ops.
func (s *Service) HandleTimeout(ctx context.Context, job *queue.Job) error {
	var p JobPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	if p.BookingID == "" {
		return queue.Permanent(fmt.Errorf("job %s: missing booking id", job.ID))
	}
	return s.ExpireIfSearching(ctx, p.BookingID)
}

// ExpireIfSearching forces FAILED on a booking that is still SEARCHING and
// compensates the owner once.
func (s *Service) ExpireIfSearching(ctx context.Context, id types.ID) error {
	b, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		log.Printf("[timeout] booking %s not found, skipping", id)
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case b.State == StateSearching:
	case b.State == StateFailed && timedOut(b) && !b.CompensationIssued:
		// an earlier delivery stopped before the credit was recorded
		return s.issueCompensationOnce(ctx, id, StateFailed)
	default:
		return nil
	}

	log.Printf("[timeout] booking %s timed out in SEARCHING", id)
	applied, err := s.TransitionState(ctx, id, StateFailed, Metadata{Reason: ReasonTimeout, Actor: ActorSystem})
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("[timeout] booking %s resolved concurrently, nothing to do", id)
		return nil
	}
	return s.issueCompensationOnce(ctx, id, StateFailed)
}

func timedOut(b *Booking) bool {
	return b.FailureReason != nil && *b.FailureReason == ReasonTimeout
}
