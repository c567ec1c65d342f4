// README: api and worker commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"movzz/internal/config"
	httptransport "movzz/internal/http"
	"movzz/internal/http/handlers"
	"movzz/internal/infra"
	"movzz/internal/modules/notify"
	"movzz/migrations"
)

func newAPICmd() *cobra.Command {
	var (
		migrateUp  bool
		withWorker bool
	)
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the HTTP API and the realtime stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if migrateUp {
				if err := runMigrations(ctx, a); err != nil {
					return err
				}
			}

			verifier, err := newVerifier(ctx, cfg)
			if err != nil {
				return err
			}

			hub := notify.NewHub(a.redis, 0)
			go func() {
				if err := hub.Run(ctx); err != nil {
					log.Printf("[api] notify hub: %v", err)
				}
			}()

			if withWorker {
				if err := a.registerHandlers(); err != nil {
					return err
				}
				go func() {
					if err := a.jobs.Run(ctx); err != nil {
						log.Printf("[api] embedded worker: %v", err)
					}
				}()
			}

			router := httptransport.NewRouter(httptransport.RouterDeps{
				Booking:  a.bookings,
				Matching: a.matching,
				Credits:  a.credits,
				Hub:      hub,
				Verifier: verifier,
				Checks: map[string]handlers.Check{
					"postgres": func(ctx context.Context) error { return a.db.Ping(ctx) },
					"redis":    func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
				},
			})
			return serveHTTP(ctx, cfg.HTTP.Addr, router)
		},
	}
	cmd.Flags().BoolVar(&migrateUp, "migrate", false, "apply database migrations on startup")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the job workers in this process")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the booking-timeout, recovery-retry and sms-dispatch workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.registerHandlers(); err != nil {
				return err
			}
			log.Printf("[worker] started, queues=%v", a.jobs.Queues())
			err = a.jobs.Run(ctx)
			log.Printf("[worker] stopped")
			return err
		},
	}
}

func newVerifier(ctx context.Context, cfg config.Config) (infra.TokenVerifier, error) {
	if cfg.Auth.InsecureDevTokens {
		log.Printf("[api] WARNING: accepting insecure dev tokens")
		return infra.DevVerifier{}, nil
	}
	if cfg.Firebase.ProjectID == "" {
		return nil, errors.New("MOVZZ_FIREBASE_PROJECT_ID is required (or MOVZZ_AUTH_INSECURE_DEV_TOKENS=true for local runs)")
	}
	fb, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return nil, err
	}
	return infra.NewFirebaseVerifier(ctx, fb)
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("[api] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func runMigrations(ctx context.Context, a *app) error {
	applied, err := migrations.Apply(ctx, a.db)
	if err != nil {
		return err
	}
	for _, name := range applied {
		log.Printf("[migrate] applied %s", name)
	}
	return nil
}
