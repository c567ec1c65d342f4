// README: In-memory collaborators shared by the booking service tests.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"movzz/internal/clock"
	"movzz/internal/config"
	"movzz/internal/queue"
	"movzz/internal/types"
)

type scheduledJob struct {
	Queue   string
	Payload JobPayload
	Delay   time.Duration
}

type fakeScheduler struct {
	mu   sync.Mutex
	jobs []scheduledJob
	err  error
}

func (f *fakeScheduler) Enqueue(_ context.Context, q string, payload any, delay time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	p, _ := payload.(JobPayload)
	f.jobs = append(f.jobs, scheduledJob{Queue: q, Payload: p, Delay: delay})
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

// take removes and returns the pending jobs of queue q.
func (f *fakeScheduler) take(q string) []scheduledJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out, rest []scheduledJob
	for _, j := range f.jobs {
		if j.Queue == q {
			out = append(out, j)
		} else {
			rest = append(rest, j)
		}
	}
	f.jobs = rest
	return out
}

type fakeProviders struct {
	mu        sync.Mutex
	available []string
	released  []string
	err       error
	onFind    func()
}

func (f *fakeProviders) FindProvider(_ context.Context, _ types.ID) (*Provider, error) {
	if f.onFind != nil {
		f.onFind()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.available) == 0 {
		return nil, nil
	}
	id := f.available[0]
	f.available = f.available[1:]
	return &Provider{ID: id, Mode: ModeCab}, nil
}

func (f *fakeProviders) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

func (f *fakeProviders) add(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = append(f.available, ids...)
}

func (f *fakeProviders) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

// fakeCompensator keeps one credit per booking, like the credit ledger.
type fakeCompensator struct {
	mu       sync.Mutex
	attempts []types.ID
	credited map[types.ID]int
	err      error
}

func (f *fakeCompensator) IssueCompensation(_ context.Context, _ types.ID, _ string, bookingID types.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, bookingID)
	if f.err != nil {
		return f.err
	}
	if f.credited == nil {
		f.credited = make(map[types.ID]int)
	}
	if f.credited[bookingID] == 0 {
		f.credited[bookingID] = 1
	}
	return nil
}

// count is the number of credits written for id.
func (f *fakeCompensator) count(id types.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credited[id]
}

func (f *fakeCompensator) attemptsFor(id types.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.attempts {
		if a == id {
			n++
		}
	}
	return n
}

func (f *fakeCompensator) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeNotifier struct {
	mu        sync.Mutex
	snapshots []Booking
	err       error
}

func (f *fakeNotifier) Notify(_ context.Context, _ types.ID, b Booking) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, b)
	return f.err
}

func (f *fakeNotifier) states() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]State, len(f.snapshots))
	for i, b := range f.snapshots {
		out[i] = b.State
	}
	return out
}

type fakePublisher struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakePublisher) PublishJSON(_ context.Context, key string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

// flakyStore fails the first failMarks updates of bookings already in a
// terminal state.
type flakyStore struct {
	*MemoryStore
	mu         sync.Mutex
	failMarks int
}

func (s *flakyStore) ConditionalUpdate(ctx context.Context, id types.ID, expected State, mutate Mutator) (bool, error) {
	if expected.Terminal() {
		s.mu.Lock()
		fail := s.failMarks > 0
		if fail {
			s.failMarks--
		}
		s.mu.Unlock()
		if fail {
			return false, errors.New("connection reset")
		}
	}
	return s.MemoryStore.ConditionalUpdate(ctx, id, expected, mutate)
}

type testEnv struct {
	svc       *Service
	store     *MemoryStore
	jobs      *fakeScheduler
	providers *fakeProviders
	comp      *fakeCompensator
	notifier  *fakeNotifier
	events    *fakePublisher
}

func testBookingConfig() config.BookingConfig {
	return config.BookingConfig{
		Timeout:               5 * time.Minute,
		RecoveryDelay:         2 * time.Second,
		RecoveryBackoffFactor: 1,
		MaxRecoveryAttempts:   3,
		CompensationPaise:     10000,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, nil)
}

func newTestEnvWithStore(t *testing.T, wrap func(*MemoryStore) Store) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     NewMemoryStore(testClock()),
		jobs:      &fakeScheduler{},
		providers: &fakeProviders{},
		comp:      &fakeCompensator{},
		notifier:  &fakeNotifier{},
		events:    &fakePublisher{},
	}
	var store Store = env.store
	if wrap != nil {
		store = wrap(env.store)
	}
	env.svc = NewService(Deps{
		Store:        store,
		Jobs:         env.jobs,
		Providers:    env.providers,
		Compensation: env.comp,
		Notifier:     env.notifier,
		Events:       env.events,
		Clock:        testClock(),
	}, testBookingConfig())
	return env
}

func (e *testEnv) mustCreate(t *testing.T, userID types.ID) types.ID {
	t.Helper()
	id, err := e.svc.CreateAndSchedule(context.Background(), CreateCommand{
		UserID:        userID,
		UserPhone:     "+919800000000",
		Pickup:        types.Point{Lat: 12.9716, Lng: 77.5946},
		Dropoff:       types.Point{Lat: 12.9352, Lng: 77.6245},
		TransportMode: ModeCab,
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return id
}

func (e *testEnv) mustGet(t *testing.T, id types.ID) *Booking {
	t.Helper()
	b, err := e.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	return b
}

func assertState(t *testing.T, e *testEnv, id types.ID, want State) {
	t.Helper()
	if got := e.mustGet(t, id).State; got != want {
		t.Fatalf("expected state %s, got %s", want, got)
	}
}

func jobFor(t *testing.T, q string, id types.ID) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(JobPayload{BookingID: id})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &queue.Job{ID: "job-" + string(id), Queue: q, Payload: raw, DeliveryCount: 1, MaxDeliveries: 5}
}

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func testClock() clock.Clock { return clock.NewFixed(testNow) }
