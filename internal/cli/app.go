// README: Process wiring shared by the api and worker commands.
package cli

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"movzz/internal/clock"
	"movzz/internal/config"
	"movzz/internal/infra"
	"movzz/internal/modules/booking"
	"movzz/internal/modules/compensation"
	"movzz/internal/modules/matching"
	"movzz/internal/modules/notify"
	"movzz/internal/modules/pricing"
	"movzz/internal/modules/sms"
	"movzz/internal/queue"
)

type app struct {
	cfg      config.Config
	db       *pgxpool.Pool
	redis    *redis.Client
	jobs     *queue.Client
	bookings *booking.Service
	matching *matching.Service
	credits  *compensation.Service
	sms      *sms.Service
	events   *notify.Publisher

	closers []func()
}

// declareQueues registers the three job queues with their delivery policy.
func declareQueues(jobs *queue.Client) {
	jobs.Declare(booking.QueueTimeout, queue.Options{KeepFailed: 100})
	jobs.Declare(booking.QueueRecovery, queue.Options{KeepFailed: 100})
	jobs.Declare(sms.QueueDispatch, queue.Options{
		Concurrency:   5,
		MaxDeliveries: 3,
		BaseBackoff:   2 * time.Second,
		KeepFailed:    200,
	})
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}

	shutdown, err := infra.InitTracer(ctx, cfg.Otel.Endpoint, cfg.Otel.ServiceName, Version)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	})

	a.db, err = infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, a.db.Close)

	a.redis, err = infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.redis.Close() })

	clk := clock.NewSystem()
	a.jobs = queue.NewClient(a.redis, clk, cfg.Queue)
	declareQueues(a.jobs)

	notifiers := notify.Multi{notify.NewRedisNotifier(a.redis)}
	if cfg.Firebase.Push {
		push, err := a.pushNotifier(ctx)
		if err != nil {
			a.close()
			return nil, err
		}
		notifiers = append(notifiers, push)
	}

	deps := booking.Deps{
		Store:    booking.NewPGStore(a.db, clk),
		Jobs:     a.jobs,
		Notifier: notifiers,
		Fares:    pricing.NewService(pricing.DefaultRates, clk),
		Clock:    clk,
	}
	if cfg.Rabbit.URL != "" {
		a.events, err = notify.NewPublisher(cfg.Rabbit.URL, cfg.Rabbit.Exchange)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = a.events.Close() })
		deps.Events = a.events
	} else {
		log.Printf("[app] MOVZZ_RABBIT_URL not set; booking events are not published")
	}

	a.sms = sms.NewService(a.jobs, sms.LogSender{})
	a.credits = compensation.NewService(compensation.NewPGStore(a.db), a.sms, clk, cfg.Booking.CompensationPaise)
	deps.Compensation = a.credits

	// matching reads bookings from the same store the booking service writes
	a.matching = matching.NewService(matching.NewStore(a.redis), deps.Store, clk, cfg.Matching)
	deps.Providers = a.matching

	a.bookings = booking.NewService(deps, cfg.Booking)
	return a, nil
}

func (a *app) pushNotifier(ctx context.Context) (*notify.PushNotifier, error) {
	fb, err := infra.NewFirebaseApp(ctx, a.cfg.Firebase.ProjectID, a.cfg.Firebase.CredentialsFile)
	if err != nil {
		return nil, err
	}
	client, err := infra.NewMessaging(ctx, fb)
	if err != nil {
		return nil, err
	}
	return notify.NewPushNotifier(client), nil
}

// registerHandlers binds every queue to its handler for the worker process.
func (a *app) registerHandlers() error {
	handlers := map[string]queue.Handler{
		booking.QueueTimeout:  a.bookings.HandleTimeout,
		booking.QueueRecovery: a.bookings.HandleRecovery,
		sms.QueueDispatch:     a.sms.HandleDispatch,
	}
	for name, h := range handlers {
		if err := a.jobs.Register(name, h); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
