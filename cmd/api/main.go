package main

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Cypherspark/message-scheduler/internal/config"
	"github.com/Cypherspark/message-scheduler/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New()
	if err := newRootCommand(ctx, logger).Execute(); err != nil {
		logger.WithContext(ctx).Fatalf("failed to execute root command: %v", err)
	}
}

// newRootCommand builds the CLI. Configuration is read once a subcommand is
// about to run, so help output never depends on the environment.
func newRootCommand(ctx context.Context, logger *log.Logger) *cobra.Command {
	cfg := &config.Config{}
	root := &cobra.Command{
		Use:           "scheduler",
		Short:         "Message scheduler API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			loaded, err := config.Load(ctx)
			if err != nil {
				return err
			}
			*cfg = *loaded
			return logging.Apply(logger, cfg.LogLevel, cfg.LogFormat)
		},
	}
	root.AddCommand(
		ServeCommand{Logger: logger}.Command(ctx, cfg),
		MigrateCommand{Logger: logger}.Command(ctx, cfg),
	)
	return root
}
