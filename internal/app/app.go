// Package app assembles the service from configuration. Both binaries use it.
package app

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/Cypherspark/message-scheduler/internal/cache"
	"github.com/Cypherspark/message-scheduler/internal/config"
	"github.com/Cypherspark/message-scheduler/internal/core"
	"github.com/Cypherspark/message-scheduler/internal/db"
	"github.com/Cypherspark/message-scheduler/internal/events"
	"github.com/Cypherspark/message-scheduler/internal/provider"
	"github.com/Cypherspark/message-scheduler/internal/store/memory"
	"github.com/Cypherspark/message-scheduler/internal/store/sqlite"
)

type storage interface {
	core.UserStore
	core.MessageStore
	Ping(ctx context.Context) error
}

// App holds the wired service and whatever needs closing on shutdown.
type App struct {
	Service *core.Service
	Store   storage
	// Postgres is set only for the postgres driver.
	Postgres *db.DB

	closers []io.Closer
}

func Build(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	a := &App{}

	if err := a.openStore(ctx, cfg); err != nil {
		return nil, err
	}

	var messages core.MessageStore = a.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The cache falls through to the store, so a cold redis is not fatal.
			logger.WithError(err).Warn("redis not reachable at startup")
		}
		a.closers = append(a.closers, rdb)
		messages = cache.NewMessageStore(a.Store, rdb, cfg.Redis.TTL, logger)
	}

	var publisher core.StatusPublisher = events.LogPublisher{Logger: logger}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.StatusTopic))
		a.closers = append(a.closers, kp)
		publisher = kp
	}

	a.Service = core.NewService(core.Deps{
		Users:     a.Store,
		Messages:  messages,
		Gateway:   newGateway(cfg, logger),
		Publisher: publisher,
		Logger:    logger,
		HashCost:  cfg.Store.TokenHashCost,
	})
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := db.Open(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return err
		}
		a.Postgres = pg
		a.Store = pg
		a.closers = append(a.closers, closerFunc(func() error { pg.Close(); return nil }))
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		a.Store = s
		a.closers = append(a.closers, s)
	case config.DriverMemory:
		a.Store = memory.New()
	default:
		return errors.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return nil
}

func newGateway(cfg *config.Config, logger log.FieldLogger) core.Gateway {
	var gw core.Gateway
	if cfg.Gateway.URL != "" {
		gw = provider.NewGupshup(provider.GupshupConfig{
			URL:     cfg.Gateway.URL,
			APIKey:  cfg.Gateway.APIKey,
			Source:  cfg.Gateway.Source,
			AppName: cfg.Gateway.AppName,
			Timeout: cfg.Gateway.Timeout,
		})
	} else {
		logger.Warn("GATEWAY_URL not set, using the simulated gateway")
		gw = provider.NewDummy()
	}
	return provider.NewGuard(gw, cfg.Gateway.QPS, cfg.Gateway.Burst, cfg.Gateway.Timeout)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
