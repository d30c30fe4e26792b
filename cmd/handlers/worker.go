package handlers

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"genpost/internal/bandit"
	"genpost/internal/jobs"
	"genpost/internal/publisher"

	"github.com/spf13/cobra"
)

// NewWorkerCmd creates the worker command
func NewWorkerCmd() *cobra.Command {
	var (
		workerID    string
		concurrency int
		once        bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the publish worker",
		Long: `Run the publish worker.

On every poll the worker expands due schedules, then claims pending jobs
under a lease lock and runs each one: generate, check for duplicates,
publish to WordPress, record. Expired leases are swept periodically and
their jobs returned to pending. Ctrl+C stops the worker; jobs in flight
are left for the sweep.

Examples:
  genpost worker
  genpost worker --concurrency 5 --id worker-a
  genpost worker --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			w, err := a.worker(workerID, concurrency)
			if err != nil {
				return err
			}

			if once {
				claimed, err := w.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Processed %d job(s)\n", claimed)
				return nil
			}

			a.log.Info().Str("worker_id", w.ID()).Msg("Worker started, press Ctrl+C to stop")
			if err := w.Run(ctx); err != nil {
				return err
			}
			a.log.Info().Msg("Worker stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&workerID, "id", "", "worker id (default: hostname plus a random suffix)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "jobs processed in parallel (default from config)")
	cmd.Flags().BoolVar(&once, "once", false, "process one batch of due jobs and exit")

	cmd.AddCommand(newWorkerSweepCmd())
	cmd.AddCommand(newWorkerRequeueCmd())

	return cmd
}

func (a *app) worker(workerID string, concurrency int) (*jobs.Worker, error) {
	pub, err := publisher.NewFromConfig(a.cfg.WordPress)
	if err != nil {
		return nil, err
	}

	opts := jobs.OptionsFromConfig(a.cfg)
	if workerID != "" {
		opts.ID = workerID
	}
	if concurrency > 0 {
		opts.Concurrency = concurrency
	}

	return jobs.NewWorker(jobs.Deps{
		DB:        a.db,
		Generator: a.orchestrator(),
		Dedup:     a.detector(),
		Publisher: pub,
		Bandit:    bandit.NewOptimizer(a.db.Bandits()),
		RAG:       a.retriever(),
		Observer:  a.telemetry,
		Scheduler: jobs.NewScheduler(a.db),
	}, opts)
}

func newWorkerSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release expired job locks and reset orphaned jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			now := time.Now()
			locks, err := a.db.Locks().SweepExpired(ctx, now)
			if err != nil {
				return err
			}
			orphans, err := a.db.Jobs().ResetOrphaned(ctx, now)
			if err != nil {
				return err
			}
			fmt.Printf("Released %d expired lock(s), reset %d orphaned job(s)\n", locks, orphans)
			return nil
		},
	}
}

func newWorkerRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Return a failed job to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := jobs.Requeue(ctx, a.db.Jobs(), args[0]); err != nil {
				return err
			}
			fmt.Printf("✅ Job %s requeued\n", args[0])
			return nil
		},
	}
}
