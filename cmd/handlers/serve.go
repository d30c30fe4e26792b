package handlers

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"genpost/internal/server"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

// NewServeCmd creates the serve command for starting the ops HTTP server
func NewServeCmd() *cobra.Command {
	var (
		addr       string
		withWorker bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ops HTTP API",
		Long: `Start the genpost ops API.

The server provides:
  • Health check at /healthz
  • Job listing, stats and requeue under /api/jobs
  • Dead letter queue under /api/dlq
  • CTA bandit stats, pick and feedback under /api/bandit
  • Generation metrics under /api/metrics
  • Site document search under /api/rag

Mutating endpoints need "Authorization: Bearer <server.admin_key>".

Examples:
  genpost serve
  genpost serve --addr :3000
  genpost serve --worker`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), addr, withWorker)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config: :8080)")
	cmd.Flags().BoolVar(&withWorker, "worker", false, "also run the publish worker in this process")

	return cmd
}

func runServe(ctx context.Context, addr string, withWorker bool) error {
	a, err := newApp(ctx, withWorker)
	if err != nil {
		return err
	}
	defer a.close()

	serverCfg := a.cfg.Server
	if addr != "" {
		serverCfg.Addr = addr
	}
	srv := server.New(server.Deps{
		DB:      a.db,
		Metrics: a.telemetry,
		RAG:     a.retriever(),
	}, serverCfg)

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	workerDone := make(chan error, 1)
	if withWorker {
		w, err := a.worker("", 0)
		if err != nil {
			return err
		}
		go func() { workerDone <- w.Run(workerCtx) }()
	}

	// Channel to listen for errors coming from the server
	serverErrors := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", serverCfg.Addr).Msg("Press Ctrl+C to stop")
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case err := <-workerDone:
		return fmt.Errorf("worker stopped: %w", err)

	case sig := <-shutdown:
		a.log.Info().Str("signal", sig.String()).Msg("Server shutdown initiated")
		stopWorker()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error().Err(err).Msg("Server shutdown failed, forcing close")
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		a.log.Info().Msg("Server stopped successfully")
	}

	return nil
}
