package main

import (
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"orderflow/internal/config"
	"orderflow/internal/infra/db"
	"orderflow/internal/server"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var autoMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			gormDB, err := connectDB(cfg)
			if err != nil {
				return err
			}
			if autoMigrate {
				if err := db.Migrate(gormDB); err != nil {
					return err
				}
			}

			a, err := newApp(ctx, cfg, gormDB, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.sweeper != nil {
				go a.sweeper.RunSweeper(ctx, 5*time.Minute)
			}

			addr := ":" + cfg.Port
			log.Info("starting orderflow", slog.String("version", Version), slog.String("env", cfg.GoEnv))
			return server.Start(ctx, server.New(*a.deps), addr, log)
		},
	}

	cmd.Flags().BoolVar(&autoMigrate, "migrate", false, "run migrations before serving")
	return cmd
}
