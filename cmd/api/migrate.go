package main

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Cypherspark/message-scheduler/internal/config"
	"github.com/Cypherspark/message-scheduler/internal/db"
)

type MigrateCommand struct {
	Logger *log.Logger
}

func (cmd MigrateCommand) Command(ctx context.Context, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "apply or roll back the postgres schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(_ *cobra.Command, args []string) error {
			return cmd.main(ctx, cfg, args[0])
		},
	}
}

func (cmd MigrateCommand) main(ctx context.Context, cfg *config.Config, direction string) error {
	if cfg.Store.Driver != config.DriverPostgres {
		return errors.Errorf("migrate: nothing to do for store driver %q", cfg.Store.Driver)
	}

	pg, err := db.Open(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "migrate: failed to connect to postgresql")
	}
	defer pg.Close()

	switch direction {
	case "up":
		err = pg.MigrateUp(cmd.Logger)
	case "down":
		err = pg.MigrateDown(cmd.Logger)
	}
	if err != nil {
		return err
	}
	cmd.Logger.WithField("direction", direction).Info("migration done")
	return nil
}
