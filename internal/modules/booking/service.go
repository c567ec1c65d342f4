// README: Booking service owns the transition contract, persistence and side effects of each booking.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"movzz/internal/clock"
	"movzz/internal/config"
	"movzz/internal/types"
)

const (
	QueueTimeout  = "booking-timeout"
	QueueRecovery = "recovery-retry"

	ReasonTimeout           = "timeout_no_provider"
	ReasonScheduleFailed    = "timeout_schedule_failed"
	ReasonRecoveryExhausted = "recovery_exhausted"
	ReasonProviderAssigned  = "provider_assigned"

	ActorSystem = "system"
	ActorUser   = "user"
	ActorAdmin  = "admin"
)

var (
	ErrNotFound     = errors.New("booking not found")
	ErrBadRequest   = errors.New("bad request")
	ErrInvalidState = errors.New("invalid state transition")
	ErrConflict     = errors.New("booking state conflict")
)

var tracer = otel.Tracer("movzz/booking")

// JobPayload is the body of timeout and recovery jobs.
type JobPayload struct {
	BookingID types.ID `json:"booking_id"`
}

type Provider struct {
	ID         string
	Mode       TransportMode
	DistanceKm float64
}

// Scheduler enqueues delayed jobs. *queue.Client satisfies it.
type Scheduler interface {
	Enqueue(ctx context.Context, queue string, payload any, delay time.Duration) (string, error)
}

// ProviderFinder returns nil, nil when no provider is available.
type ProviderFinder interface {
	FindProvider(ctx context.Context, bookingID types.ID) (*Provider, error)
	Release(ctx context.Context, providerID string) error
}

type Compensator interface {
	IssueCompensation(ctx context.Context, userID types.ID, userPhone string, bookingID types.ID) error
}

type Notifier interface {
	Notify(ctx context.Context, userID types.ID, b Booking) error
}

type EventPublisher interface {
	PublishJSON(ctx context.Context, routingKey string, v any) error
}

type FareEstimator interface {
	Quote(ctx context.Context, mode string, pickup, dropoff types.Point) (types.Money, error)
}

// Deps are the collaborators of Service. Notifier, Events and Fares may be nil.
type Deps struct {
	Store        Store
	Jobs         Scheduler
	Providers    ProviderFinder
	Compensation Compensator
	Notifier     Notifier
	Events       EventPublisher
	Fares        FareEstimator
	Clock        clock.Clock
}

type Service struct {
	store        Store
	jobs         Scheduler
	providers    ProviderFinder
	compensation Compensator
	notifier     Notifier
	events       EventPublisher
	fares        FareEstimator
	clock        clock.Clock
	cfg          config.BookingConfig
}

func NewService(d Deps, cfg config.BookingConfig) *Service {
	clk := d.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = 3
	}
	if cfg.RecoveryBackoffFactor <= 0 {
		cfg.RecoveryBackoffFactor = 1
	}
	return &Service{
		store:        d.Store,
		jobs:         d.Jobs,
		providers:    d.Providers,
		compensation: d.Compensation,
		notifier:     d.Notifier,
		events:       d.Events,
		fares:        d.Fares,
		clock:        clk,
		cfg:          cfg,
	}
}

type CreateCommand struct {
	UserID         types.ID
	UserPhone      string
	Pickup         types.Point
	Dropoff        types.Point
	PickupAddress  string
	DropoffAddress string
	TransportMode  TransportMode
}

type CancelCommand struct {
	BookingID types.ID
	UserID    types.ID
	Reason    string
}

// CreateAndSchedule persists a SEARCHING booking and enqueues its timeout.
// A booking whose timeout cannot be scheduled is failed right away so it
// never stays in SEARCHING without a guard.
func (s *Service) CreateAndSchedule(ctx context.Context, cmd CreateCommand) (types.ID, error) {
	if cmd.UserID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrBadRequest)
	}
	if cmd.TransportMode == "" {
		cmd.TransportMode = ModeCab
	}
	if !cmd.TransportMode.Valid() {
		return "", fmt.Errorf("%w: unknown transport mode %q", ErrBadRequest, cmd.TransportMode)
	}

	now := s.clock.Now()
	fare := types.Money{Currency: "INR"}
	if s.fares != nil {
		if m, err := s.fares.Quote(ctx, string(cmd.TransportMode), cmd.Pickup, cmd.Dropoff); err == nil {
			fare = m
		} else {
			log.Printf("[booking] fare estimate: %v", err)
		}
	}
	b := &Booking{
		ID:             types.ID(uuid.NewString()),
		UserID:         cmd.UserID,
		UserPhone:      cmd.UserPhone,
		State:          StateSearching,
		Pickup:         cmd.Pickup,
		Dropoff:        cmd.Dropoff,
		PickupAddress:  cmd.PickupAddress,
		DropoffAddress: cmd.DropoffAddress,
		TransportMode:  cmd.TransportMode,
		FareEstimate:   fare,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, b); err != nil {
		return "", err
	}
	s.appendEvent(ctx, &Event{
		BookingID: b.ID,
		FromState: StateNone,
		ToState:   StateSearching,
		Actor:     ActorUser,
		CreatedAt: now,
	})
	s.publish(ctx, *b)

	if _, err := s.jobs.Enqueue(ctx, QueueTimeout, JobPayload{BookingID: b.ID}, s.cfg.Timeout); err != nil {
		log.Printf("[booking] %s: schedule timeout: %v", b.ID, err)
		if _, terr := s.TransitionState(ctx, b.ID, StateFailed, Metadata{Reason: ReasonScheduleFailed, Actor: ActorSystem}); terr != nil {
			log.Printf("[booking] %s: fail unscheduled booking: %v", b.ID, terr)
		}
		return b.ID, fmt.Errorf("schedule timeout: %w", err)
	}
	return b.ID, nil
}

// TransitionState moves a booking along the edge table. Edges that are not
// permitted from the persisted state, or writes that lose a race against a
// concurrent transition, report applied=false without error.
func (s *Service) TransitionState(ctx context.Context, id types.ID, target State, meta Metadata) (bool, error) {
	ctx, span := tracer.Start(ctx, "booking.transition")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", string(id)), attribute.String("booking.target", string(target)))

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if !CanTransition(cur.State, target) {
		return false, nil
	}

	var snap Booking
	applied, err := s.store.ConditionalUpdate(ctx, id, cur.State, func(b *Booking) error {
		b.State = target
		if meta.ProviderID != nil {
			p := *meta.ProviderID
			b.ProviderID = &p
		}
		if meta.Reason != "" && target != StateConfirmed && target != StateCompleted {
			r := meta.Reason
			b.FailureReason = &r
		}
		b.UpdatedAt = s.clock.Now()
		snap = *b
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("booking.applied", applied))
	if !applied {
		return false, nil
	}
	snap.Version++

	actor := meta.Actor
	if actor == "" {
		actor = ActorSystem
	}
	s.appendEvent(ctx, &Event{
		BookingID: id,
		FromState: cur.State,
		ToState:   target,
		Reason:    meta.Reason,
		Actor:     actor,
		CreatedAt: snap.UpdatedAt,
	})
	s.notify(ctx, snap)
	s.publish(ctx, snap)
	return true, nil
}

// ReportNoProviderFound starts the asynchronous recovery cycle.
func (s *Service) ReportNoProviderFound(ctx context.Context, id types.ID) error {
	if _, err := s.jobs.Enqueue(ctx, QueueRecovery, JobPayload{BookingID: id}, s.cfg.RecoveryDelay); err != nil {
		return fmt.Errorf("enqueue recovery: %w", err)
	}
	return nil
}

// AssignProvider makes one synchronous assignment attempt. On a miss the
// recovery engine takes over.
func (s *Service) AssignProvider(ctx context.Context, id types.ID) (bool, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if b.State != StateSearching {
		return false, nil
	}
	if s.providers == nil {
		return false, s.ReportNoProviderFound(ctx, id)
	}
	p, err := s.providers.FindProvider(ctx, id)
	if err != nil {
		log.Printf("[booking] %s: find provider: %v", id, err)
	}
	if p == nil {
		return false, s.ReportNoProviderFound(ctx, id)
	}
	return s.confirmWith(ctx, id, p, ActorSystem)
}

// Confirm assigns a provider out of band (operator or provider callback).
func (s *Service) Confirm(ctx context.Context, id types.ID, providerID string) error {
	if strings.TrimSpace(providerID) == "" {
		return fmt.Errorf("%w: provider id is required", ErrBadRequest)
	}
	applied, err := s.TransitionState(ctx, id, StateConfirmed, Metadata{
		Reason:     ReasonProviderAssigned,
		ProviderID: &providerID,
		Actor:      ActorAdmin,
	})
	if err != nil {
		return err
	}
	if !applied {
		return ErrInvalidState
	}
	return nil
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) error {
	b, err := s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return err
	}
	if cmd.UserID != "" && b.UserID != cmd.UserID {
		return ErrNotFound
	}
	reason := cmd.Reason
	if reason == "" {
		reason = "user_cancel"
	}
	applied, err := s.TransitionState(ctx, b.ID, StateCancelled, Metadata{Reason: reason, Actor: ActorUser})
	if err != nil {
		return err
	}
	if !applied {
		return ErrInvalidState
	}
	if b.ProviderID != nil && s.providers != nil {
		if err := s.providers.Release(ctx, *b.ProviderID); err != nil {
			log.Printf("[booking] %s: release provider %s: %v", b.ID, *b.ProviderID, err)
		}
	}
	return nil
}

func (s *Service) Complete(ctx context.Context, id types.ID) error {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	applied, err := s.TransitionState(ctx, id, StateCompleted, Metadata{Actor: ActorSystem})
	if err != nil {
		return err
	}
	if !applied {
		return ErrInvalidState
	}
	if b.ProviderID != nil && s.providers != nil {
		if err := s.providers.Release(ctx, *b.ProviderID); err != nil {
			log.Printf("[booking] %s: release provider %s: %v", id, *b.ProviderID, err)
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Booking, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID types.ID, limit int) ([]Booking, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

func (s *Service) confirmWith(ctx context.Context, id types.ID, p *Provider, actor string) (bool, error) {
	pid := p.ID
	applied, err := s.TransitionState(ctx, id, StateConfirmed, Metadata{
		Reason:     ReasonProviderAssigned,
		ProviderID: &pid,
		Actor:      actor,
	})
	if err != nil || !applied {
		if rerr := s.providers.Release(ctx, p.ID); rerr != nil {
			log.Printf("[booking] %s: release provider %s: %v", id, p.ID, rerr)
		}
	}
	return applied, err
}

// issueCompensationOnce credits the owner of a booking resting in terminal
// and then records the credit on the booking. The issuer is idempotent per
// booking, so a failure between the two steps is finished by a redelivery.
func (s *Service) issueCompensationOnce(ctx context.Context, id types.ID, terminal State) error {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if b.State != terminal || b.CompensationIssued {
		return nil
	}
	if s.compensation != nil {
		if err := s.compensation.IssueCompensation(ctx, b.UserID, b.UserPhone, id); err != nil {
			return fmt.Errorf("issue compensation: %w", err)
		}
	}
	_, err = s.store.ConditionalUpdate(ctx, id, terminal, func(b *Booking) error {
		if b.CompensationIssued {
			return ErrNoChange
		}
		b.CompensationIssued = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark compensation issued: %w", err)
	}
	return nil
}

func (s *Service) appendEvent(ctx context.Context, e *Event) {
	if err := s.store.AppendEvent(ctx, e); err != nil {
		log.Printf("[booking] %s: append event %s->%s: %v", e.BookingID, e.FromState, e.ToState, err)
	}
}

func (s *Service) notify(ctx context.Context, b Booking) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, b.UserID, b); err != nil {
		log.Printf("[booking] %s: notify %s: %v", b.ID, b.UserID, err)
	}
}

func (s *Service) publish(ctx context.Context, b Booking) {
	if s.events == nil {
		return
	}
	key := RoutingKey(b.State)
	if err := s.events.PublishJSON(ctx, key, b); err != nil {
		log.Printf("[booking] %s: publish %s: %v", b.ID, key, err)
	}
}

// RoutingKey maps a state to its event-bus routing key, booking.<state>.
// A freshly created booking is published as booking.created.
func RoutingKey(s State) string {
	if s == StateSearching {
		return "booking.created"
	}
	return "booking." + strings.ToLower(string(s))
}
