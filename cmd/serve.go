package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/githubkpis/analyzer/internal/api"
	"github.com/githubkpis/analyzer/internal/scheduler"
)

const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime analysis server.",
		Long: `serve starts the websocket server. Connected clients submit analysis
jobs and receive queue updates, per-phase progress and the aggregate
server status as they happen. Jobs run one at a time.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer svc.close()

			hub := api.NewHub(svc.logger, svc.metrics)
			sched := scheduler.New(ctx, svc.analyzer, hub,
				svc.cfg.Scheduler.MaxPending, svc.logger, svc.metrics)
			hub.SetJobs(sched)

			server := api.NewServer(svc.cfg.Server, hub, svc.registry, svc.logger)

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			svc.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				svc.logger.Error("shutdown incomplete", zap.Error(err))
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}
