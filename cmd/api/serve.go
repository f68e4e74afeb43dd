package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Cypherspark/message-scheduler/internal/app"
	"github.com/Cypherspark/message-scheduler/internal/config"
	httpapi "github.com/Cypherspark/message-scheduler/internal/http"
	"github.com/Cypherspark/message-scheduler/internal/metrics"
	"github.com/Cypherspark/message-scheduler/internal/worker"
)

type ServeCommand struct {
	Logger *log.Logger
}

func (cmd ServeCommand) Command(ctx context.Context, cfg *config.Config) *cobra.Command {
	var noSweep bool
	c := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP API",
		RunE: func(_ *cobra.Command, _ []string) error {
			return cmd.main(ctx, cfg, !noSweep)
		},
	}
	c.Flags().BoolVar(&noSweep, "no-sweep", false, "do not sweep stale PENDING messages in this process")
	return c
}

func (cmd ServeCommand) main(ctx context.Context, cfg *config.Config, sweep bool) error {
	a, err := app.Build(ctx, cfg, cmd.Logger)
	if err != nil {
		return errors.Wrap(err, "serve: failed to build service")
	}
	defer func() {
		if err := a.Close(); err != nil {
			cmd.Logger.WithError(err).Error("serve: close")
		}
	}()

	if a.Postgres != nil {
		stop := make(chan struct{})
		defer close(stop)
		go metrics.NewPGXPoolStats(a.Postgres.Pool).Start(10*time.Second, stop)
	}

	if sweep {
		// Deferred after a.Close, so the sweeper is joined before the store closes.
		stopSweep := worker.StartSweeper(ctx, a.Service, worker.SweeperOptions{
			Interval:   cfg.Sweep.Interval,
			StaleAfter: cfg.Sweep.StaleAfter,
			BatchSize:  cfg.Sweep.Batch,
		}, cmd.Logger)
		defer stopSweep()
	}

	srv := httpapi.NewServer(a.Service, httpapi.Options{
		Logger:         cmd.Logger,
		Ready:          a.Store,
		CallbackSecret: cfg.Gateway.CallbackSecret,
	})
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		cmd.Logger.WithField("addr", server.Addr).Info("HTTP listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serve: listen")
	case <-ctx.Done():
	}

	cmd.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
