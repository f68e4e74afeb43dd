package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Cypherspark/message-scheduler/internal/app"
	"github.com/Cypherspark/message-scheduler/internal/config"
	"github.com/Cypherspark/message-scheduler/internal/logging"
	"github.com/Cypherspark/message-scheduler/internal/worker"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(rootCtx)
	if err != nil {
		log.WithError(err).Error("config")
		exitCode = 1
		return
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.WithError(err).Error("logger")
		exitCode = 1
		return
	}
	if cfg.Store.Driver == config.DriverMemory {
		logger.Error("the memory store is per process; the standalone sweeper needs postgres or sqlite")
		exitCode = 1
		return
	}

	a, err := app.Build(rootCtx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("build")
		exitCode = 1
		return
	}
	defer a.Close()

	// ---- Healthz ----
	go serveHealthz(logger, cfg.Sweep.HealthAddr)

	// ---- Sweeper ----
	opts := worker.SweeperOptions{
		Interval:   cfg.Sweep.Interval,
		StaleAfter: cfg.Sweep.StaleAfter,
		BatchSize:  cfg.Sweep.Batch,
	}
	if err := worker.RunSweeper(rootCtx, a.Service, opts, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("sweeper exited")
		exitCode = 1
	}
}

func serveHealthz(logger log.FieldLogger, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.WithError(err).Warn("healthz listener stopped")
	}
}
