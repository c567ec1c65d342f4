// README: Booking lifecycle tests (edge table, timeout, recovery, compensation).
package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"movzz/internal/queue"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateSearching, StateConfirmed, true},
		{StateSearching, StateFailed, true},
		{StateSearching, StateCancelled, true},
		{StateSearching, StateManualEscalation, true},
		{StateConfirmed, StateCompleted, true},
		{StateConfirmed, StateCancelled, true},
		// skipping or reversing
		{StateSearching, StateCompleted, false},
		{StateConfirmed, StateSearching, false},
		{StateConfirmed, StateFailed, false},
		{StateSearching, StateSearching, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStatesAbsorb(t *testing.T) {
	all := []State{StateSearching, StateConfirmed, StateFailed, StateCancelled, StateCompleted, StateManualEscalation}
	terminal := []State{StateFailed, StateCancelled, StateCompleted, StateManualEscalation}
	for _, from := range terminal {
		if !from.Terminal() {
			t.Errorf("%s should be terminal", from)
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("terminal %s must not move to %s", from, to)
			}
		}
	}

	env := newTestEnv(t)
	ctx := context.Background()
	id := env.mustCreate(t, "u_absorb")
	if err := env.svc.Cancel(ctx, CancelCommand{BookingID: id, UserID: "u_absorb"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, to := range all {
		applied, err := env.svc.TransitionState(ctx, id, to, Metadata{Reason: "late"})
		if err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
		if applied {
			t.Fatalf("transition out of CANCELLED to %s was applied", to)
		}
	}
	assertState(t, env, id, StateCancelled)
}

func TestTransitionStateUnknownBooking(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.TransitionState(context.Background(), "missing", StateConfirmed, Metadata{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateAndScheduleEnqueuesTimeout(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustCreate(t, "u_create")

	b := env.mustGet(t, id)
	if b.State != StateSearching || b.RecoveryAttempts != 0 || b.CompensationIssued {
		t.Fatalf("unexpected new booking: %+v", b)
	}
	jobs := env.jobs.take(QueueTimeout)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 timeout job, got %d", len(jobs))
	}
	if jobs[0].Delay != 5*time.Minute || jobs[0].Payload.BookingID != id {
		t.Fatalf("unexpected timeout job: %+v", jobs[0])
	}
	events, _ := env.store.Events(context.Background(), id)
	if len(events) != 1 || events[0].ToState != StateSearching {
		t.Fatalf("expected creation event, got %+v", events)
	}
	if len(env.events.keys) != 1 || env.events.keys[0] != "booking.created" {
		t.Fatalf("expected booking.created, got %v", env.events.keys)
	}
}

func TestCreateAndScheduleRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.svc.CreateAndSchedule(ctx, CreateCommand{TransportMode: ModeCab}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("missing user: expected ErrBadRequest, got %v", err)
	}
	if _, err := env.svc.CreateAndSchedule(ctx, CreateCommand{UserID: "u1", TransportMode: "rocket"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("bad mode: expected ErrBadRequest, got %v", err)
	}
}

func TestCreateAndScheduleFailsBookingWhenTimeoutNotScheduled(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.err = errors.New("redis down")

	id, err := env.svc.CreateAndSchedule(context.Background(), CreateCommand{UserID: "u_noqueue", TransportMode: ModeBike})
	if err == nil {
		t.Fatal("expected error when the timeout cannot be scheduled")
	}
	b := env.mustGet(t, id)
	if b.State != StateFailed {
		t.Fatalf("expected FAILED, got %s", b.State)
	}
	if b.FailureReason == nil || *b.FailureReason != ReasonScheduleFailed {
		t.Fatalf("unexpected failure reason: %v", b.FailureReason)
	}
	if n := env.comp.count(id); n != 0 {
		t.Fatalf("expected no compensation, got %d", n)
	}
}

// no provider is ever found; the timeout fires while still SEARCHING
func TestScenarioTimeoutFailsAndCompensates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.mustCreate(t, "u_s1")

	if err := env.svc.HandleTimeout(ctx, jobFor(t, QueueTimeout, id)); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	b := env.mustGet(t, id)
	if b.State != StateFailed || !b.CompensationIssued {
		t.Fatalf("expected FAILED with compensation, got %+v", b)
	}
	if b.FailureReason == nil || *b.FailureReason != ReasonTimeout {
		t.Fatalf("unexpected failure reason: %v", b.FailureReason)
	}
	if n := env.comp.count(id); n != 1 {
		t.Fatalf("expected 1 compensation, got %d", n)
	}
	if states := env.notifier.states(); len(states) != 1 || states[0] != StateFailed {
		t.Fatalf("expected one FAILED notification, got %v", states)
	}

	// a duplicate delivery changes nothing
	if err := env.svc.HandleTimeout(ctx, jobFor(t, QueueTimeout, id)); err != nil {
		t.Fatalf("second timeout: %v", err)
	}
	if n := env.comp.count(id); n != 1 {
		t.Fatalf("expected compensation to stay at 1, got %d", n)
	}
	if len(env.notifier.states()) != 1 {
		t.Fatal("duplicate timeout must not notify again")
	}
}

// no provider at t0; recovery fires and finds one
func TestScenarioRecoveryConfirms(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.mustCreate(t, "u_s2")

	assigned, err := env.svc.AssignProvider(ctx, id)
	if err != nil || assigned {
		t.Fatalf("assign: assigned=%v err=%v", assigned, err)
	}
	jobs := env.jobs.take(QueueRecovery)
	if len(jobs) != 1 || jobs[0].Delay != 2*time.Second {
		t.Fatalf("expected one recovery job after 2s, got %+v", jobs)
	}

	env.providers.add("prov_1")
	if err := env.svc.HandleRecovery(ctx, jobFor(t, QueueRecovery, id)); err != nil {
		t.Fatalf("recovery: %v", err)
	}
	b := env.mustGet(t, id)
	if b.State != StateConfirmed || b.RecoveryAttempts != 1 {
		t.Fatalf("expected CONFIRMED after 1 attempt, got %s/%d", b.State, b.RecoveryAttempts)
	}
	if b.ProviderID == nil || *b.ProviderID != "prov_1" {
		t.Fatalf("unexpected provider: %v", b.ProviderID)
	}
	if n := env.comp.count(id); n != 0 {
		t.Fatalf("expected no compensation, got %d", n)
	}

	// the timeout still fires later and must be a no-op
	if err := env.svc.HandleTimeout(ctx, jobFor(t, QueueTimeout, id)); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	assertState(t, env, id, StateConfirmed)
	// and so is a late recovery delivery
	res, err := env.svc.AttemptRecovery(ctx, id)
	if err != nil || res.Outcome != OutcomeAlreadyResolved || !res.Recovered() {
		t.Fatalf("late recovery: %+v err=%v", res, err)
	}
}

// recovery fails three times in a row
func TestScenarioRecoveryExhaustionEscalates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.mustCreate(t, "u_s3")

	if err := env.svc.ReportNoProviderFound(ctx, id); err != nil {
		t.Fatalf("report: %v", err)
	}
	for cycle := 1; cycle <= 3; cycle++ {
		jobs := env.jobs.take(QueueRecovery)
		if len(jobs) != 1 {
			t.Fatalf("cycle %d: expected 1 recovery job, got %d", cycle, len(jobs))
		}
		if jobs[0].Delay != 2*time.Second {
			t.Fatalf("cycle %d: expected 2s delay, got %s", cycle, jobs[0].Delay)
		}
		if err := env.svc.HandleRecovery(ctx, jobFor(t, QueueRecovery, id)); err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
	}
	if jobs := env.jobs.take(QueueRecovery); len(jobs) != 0 {
		t.Fatalf("no recovery job expected after escalation, got %d", len(jobs))
	}
	b := env.mustGet(t, id)
	if b.State != StateManualEscalation || b.RecoveryAttempts != 3 || !b.CompensationIssued {
		t.Fatalf("unexpected escalated booking: %+v", b)
	}
	if n := env.comp.count(id); n != 1 {
		t.Fatalf("expected 1 compensation, got %d", n)
	}

	if err := env.svc.HandleRecovery(ctx, jobFor(t, QueueRecovery, id)); err != nil {
		t.Fatalf("extra delivery: %v", err)
	}
	if err := env.svc.HandleTimeout(ctx, jobFor(t, QueueTimeout, id)); err != nil {
		t.Fatalf("timeout after escalation: %v", err)
	}
	if n := env.comp.count(id); n != 1 {
		t.Fatalf("expected compensation to stay at 1, got %d", n)
	}
	if got := env.mustGet(t, id).RecoveryAttempts; got != 3 {
		t.Fatalf("recovery attempts moved past 3: %d", got)
	}
}

// confirmed out of band; the timeout still fires
func TestScenarioManualConfirmBeatsTimeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.mustCreate(t, "u_s4")

	if err := env.svc.Confirm(ctx, id, "prov_manual"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := env.svc.HandleTimeout(ctx, jobFor(t, QueueTimeout, id)); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	b := env.mustGet(t, id)
	if b.State != StateConfirmed || b.CompensationIssued {
		t.Fatalf("unexpected booking after stale timeout: %+v", b)
	}
	if n := env.comp.count(id); n != 0 {
		t.Fatalf("expected no compensation, got %d", n)
	}
	if err := env.svc.Confirm(ctx, id, "prov_other"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second confirm: expected ErrInvalidState, got %v", err)
	}
}

func TestRecoveryReleasesProviderWhenConfirmLoses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.mustCreate(t, "u_lost")
	env.providers.add("prov_late")
	env.providers.onFind = func() {
		env.providers.onFind = nil
		if err := env.svc.HandleTimeout(ctx, jobFor(t, QueueTimeout, id)); err != nil {
			t.Errorf("timeout during lookup: %v", err)
		}
	}

	res, err := env.svc.AttemptRecovery(ctx, id)
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if res.Outcome != OutcomeAlreadyResolved || res.State != StateFailed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if rel := env.providers.releasedIDs(); len(rel) != 1 || rel[0] != "prov_late" {
		t.Fatalf("expected prov_late to be released, got %v", rel)
	}
	if n := env.comp.count(id); n != 1 {
		t.Fatalf("expected timeout compensation only, got %d", n)
	}
}

func TestRecoveryProviderErrorIsRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.mustCreate(t, "u_err")
	env.providers.err = errors.New("geo index unavailable")

	if err := env.svc.HandleRecovery(ctx, jobFor(t, QueueRecovery, id)); err == nil {
		t.Fatal("expected provider error to be returned for redelivery")
	}
	assertState(t, env, id, StateSearching)
}

func TestHandlersIgnoreUnknownBooking(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.svc.HandleTimeout(ctx, jobFor(t, QueueTimeout, "ghost")); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if err := env.svc.HandleRecovery(ctx, jobFor(t, QueueRecovery, "ghost")); err != nil {
		t.Fatalf("recovery: %v", err)
	}
}

func TestHandlersRejectMalformedPayload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bad := &queue.Job{ID: "j1", Queue: QueueTimeout, Payload: []byte(`{"booking_id":42}`)}
	if err := env.svc.HandleTimeout(ctx, bad); !errors.Is(err, queue.ErrPermanent) {
		t.Fatalf("timeout: expected ErrPermanent, got %v", err)
	}
	empty := &queue.Job{ID: "j2", Queue: QueueRecovery, Payload: []byte(`{}`)}
	if err := env.svc.HandleRecovery(ctx, empty); !errors.Is(err, queue.ErrPermanent) {
		t.Fatalf("recovery: expected ErrPermanent, got %v", err)
	}
}

func TestTimeoutRedeliveryAfterFlagWriteFailure(t *testing.T) {
	var flaky *flakyStore
	env := newTestEnvWithStore(t, func(m *MemoryStore) Store {
		flaky = &flakyStore{MemoryStore: m, failMarks: 1}
		return flaky
	})
	ctx := context.Background()
	id := env.mustCreate(t, "u_flaky")

	if err := env.svc.HandleTimeout(ctx, jobFor(t, QueueTimeout, id)); err == nil {
		t.Fatal("expected flag write failure to surface")
	}
	if b := env.mustGet(t, id); b.State != StateFailed || b.CompensationIssued {
		t.Fatalf("unexpected booking after failed flag write: %+v", b)
	}
	if err := env.svc.HandleTimeout(ctx, jobFor(t, QueueTimeout, id)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if n := env.comp.count(id); n != 1 {
		t.Fatalf("expected 1 compensation after redelivery, got %d", n)
	}
	if n := env.comp.attemptsFor(id); n != 2 {
		t.Errorf("issuer called %d times, want 2", n)
	}
	if !env.mustGet(t, id).CompensationIssued {
		t.Error("flag should be recorded after redelivery")
	}
}

func TestTimeoutRedeliveryAfterIssuerFailure(t *testing.T) {
	env := newTestEnv(t)
	ledgerDown := errors.New("ledger down")
	env.comp.setErr(ledgerDown)
	env.notifier.err = errors.New("no subscriber")
	ctx := context.Background()
	id := env.mustCreate(t, "u_ledger")

	if err := env.svc.HandleTimeout(ctx, jobFor(t, QueueTimeout, id)); !errors.Is(err, ledgerDown) {
		t.Fatalf("first delivery: expected issuer error, got %v", err)
	}
	b := env.mustGet(t, id)
	if b.State != StateFailed || b.CompensationIssued {
		t.Fatalf("credit must not be recorded before it is written: %+v", b)
	}
	if n := env.comp.count(id); n != 0 {
		t.Fatalf("expected no credit yet, got %d", n)
	}

	env.comp.setErr(nil)
	if err := env.svc.HandleTimeout(ctx, jobFor(t, QueueTimeout, id)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if b := env.mustGet(t, id); !b.CompensationIssued {
		t.Fatalf("expected credit recorded after redelivery: %+v", b)
	}
	if n := env.comp.count(id); n != 1 {
		t.Fatalf("expected 1 credit, got %d", n)
	}

	if err := env.svc.HandleTimeout(ctx, jobFor(t, QueueTimeout, id)); err != nil {
		t.Fatalf("late delivery: %v", err)
	}
	if n := env.comp.attemptsFor(id); n != 2 {
		t.Errorf("issuer called %d times, want 2", n)
	}
}

func TestRecoveryRedeliveryAfterIssuerFailure(t *testing.T) {
	env := newTestEnv(t)
	ledgerDown := errors.New("ledger down")
	ctx := context.Background()
	id := env.mustCreate(t, "u_ledger_r")

	for cycle := 1; cycle < 3; cycle++ {
		if err := env.svc.HandleRecovery(ctx, jobFor(t, QueueRecovery, id)); err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
	}
	env.comp.setErr(ledgerDown)
	if err := env.svc.HandleRecovery(ctx, jobFor(t, QueueRecovery, id)); !errors.Is(err, ledgerDown) {
		t.Fatalf("escalating delivery: expected issuer error, got %v", err)
	}
	if b := env.mustGet(t, id); b.State != StateManualEscalation || b.CompensationIssued {
		t.Fatalf("unexpected booking after failed credit: %+v", b)
	}

	env.comp.setErr(nil)
	if err := env.svc.HandleRecovery(ctx, jobFor(t, QueueRecovery, id)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	b := env.mustGet(t, id)
	if !b.CompensationIssued || b.RecoveryAttempts != 3 {
		t.Fatalf("unexpected booking after redelivery: %+v", b)
	}
	if n := env.comp.count(id); n != 1 {
		t.Fatalf("expected 1 credit, got %d", n)
	}
}

func TestCancelAndComplete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.mustCreate(t, "u_owner")
	if err := env.svc.Cancel(ctx, CancelCommand{BookingID: id, UserID: "someone_else"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign cancel: expected ErrNotFound, got %v", err)
	}
	if err := env.svc.Complete(ctx, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("complete while searching: expected ErrInvalidState, got %v", err)
	}

	env.providers.add("prov_c")
	assigned, err := env.svc.AssignProvider(ctx, id)
	if err != nil || !assigned {
		t.Fatalf("assign: assigned=%v err=%v", assigned, err)
	}
	if err := env.svc.Complete(ctx, id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	assertState(t, env, id, StateCompleted)
	if rel := env.providers.releasedIDs(); len(rel) != 1 || rel[0] != "prov_c" {
		t.Fatalf("expected provider release on completion, got %v", rel)
	}

	other := env.mustCreate(t, "u_owner")
	if err := env.svc.Confirm(ctx, other, "prov_d"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := env.svc.Cancel(ctx, CancelCommand{BookingID: other, UserID: "u_owner"}); err != nil {
		t.Fatalf("cancel confirmed: %v", err)
	}
	if err := env.svc.Cancel(ctx, CancelCommand{BookingID: other, UserID: "u_owner"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double cancel: expected ErrInvalidState, got %v", err)
	}

	list, err := env.svc.ListByUser(ctx, "u_owner", 10)
	if err != nil || len(list) != 2 {
		t.Fatalf("list: %d bookings, err=%v", len(list), err)
	}
}

func TestRecoveryBackoff(t *testing.T) {
	cfg := testBookingConfig()
	fixed := NewService(Deps{}, cfg)
	for attempt := 1; attempt <= 3; attempt++ {
		if got := fixed.RecoveryBackoff(attempt); got != 2*time.Second {
			t.Errorf("fixed backoff attempt %d = %s, want 2s", attempt, got)
		}
	}

	cfg.RecoveryBackoffFactor = 2
	growing := NewService(Deps{}, cfg)
	cases := map[int]time.Duration{0: 2 * time.Second, 1: 2 * time.Second, 2: 4 * time.Second, 3: 8 * time.Second}
	for attempt, want := range cases {
		if got := growing.RecoveryBackoff(attempt); got != want {
			t.Errorf("backoff attempt %d = %s, want %s", attempt, got, want)
		}
	}
}

func TestRoutingKey(t *testing.T) {
	cases := map[State]string{
		StateSearching:        "booking.created",
		StateConfirmed:        "booking.confirmed",
		StateFailed:           "booking.failed",
		StateManualEscalation: "booking.manual_escalation",
	}
	for s, want := range cases {
		if got := RoutingKey(s); got != want {
			t.Errorf("RoutingKey(%s) = %q, want %q", s, got, want)
		}
	}
}
