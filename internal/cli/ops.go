// README: Operator commands: migrate, queue inspection and event tailing.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"movzz/internal/clock"
	"movzz/internal/config"
	"movzz/internal/infra"
	"movzz/internal/modules/notify"
	"movzz/internal/queue"
	"movzz/migrations"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := infra.NewDB(ctx, cfg.DB.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := migrations.Apply(ctx, db)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			return nil
		},
	}
}

// queueClient opens Redis only; inspection does not need Postgres.
func queueClient(ctx context.Context) (*queue.Client, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return nil, nil, err
	}
	jobs := queue.NewClient(rdb, clock.NewSystem(), cfg.Queue)
	declareQueues(jobs)
	return jobs, func() { _ = rdb.Close() }, nil
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the job queues",
	}
	cmd.AddCommand(newJobsStatsCmd())
	cmd.AddCommand(newJobsFailedCmd())
	return cmd
}

func newJobsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show delayed, active and failed counts per queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, closeFn, err := queueClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			names := jobs.Queues()
			sort.Strings(names)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tDELAYED\tACTIVE\tFAILED")
			for _, name := range names {
				st, err := jobs.Stats(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("stats %s: %w", name, err)
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", name, st.Delayed, st.Active, st.Failed)
			}
			return tw.Flush()
		},
	}
}

func newJobsFailedCmd() *cobra.Command {
	var limit int64
	c := &cobra.Command{
		Use:   "failed <queue>",
		Short: "List archived jobs of a queue, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, closeFn, err := queueClient(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			failed, err := jobs.Failed(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDELIVERIES\tFAILED AT\tPAYLOAD\tERROR")
			for _, j := range failed {
				at := "-"
				if j.FailedAt != nil {
					at = j.FailedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%d/%d\t%s\t%s\t%s\n", j.ID, j.DeliveryCount, j.MaxDeliveries, at, j.Payload, j.LastError)
			}
			return tw.Flush()
		},
	}
	c.Flags().Int64Var(&limit, "limit", 20, "maximum number of jobs to show")
	return c
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Work with the booking event bus",
	}
	cmd.AddCommand(newEventsTailCmd())
	return cmd
}

func newEventsTailCmd() *cobra.Command {
	var keys []string
	c := &cobra.Command{
		Use:   "tail",
		Short: "Print booking events as they are published",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Rabbit.URL == "" {
				return fmt.Errorf("MOVZZ_RABBIT_URL is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			consumer, err := notify.NewConsumer(cfg.Rabbit.URL, cfg.Rabbit.Exchange, "", keys)
			if err != nil {
				return err
			}
			defer consumer.Close()

			deliveries, err := consumer.Deliveries(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					_ = enc.Encode(map[string]any{
						"routing_key": d.RoutingKey,
						"at":          d.Timestamp,
						"booking":     json.RawMessage(d.Body),
					})
				}
			}
		},
	}
	c.Flags().StringSliceVar(&keys, "keys", notify.RoutingKeys, "routing keys to bind")
	return c
}
