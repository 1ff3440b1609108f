package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"magical-music-backend/internal/config"
	"magical-music-backend/internal/database"
	"magical-music-backend/internal/logging"
	"magical-music-backend/internal/maintenance"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "backend",
		Usage:   "Magical Music HTTP API and realtime server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env-file",
				Aliases: []string{"e"},
				Usage:   "load variables from this file without overriding the environment",
				Value:   ".env",
			},
			&cli.StringFlag{
				Name:  "policy",
				Usage: "startup policy: fail-fast or degraded (overrides STARTUP_POLICY)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "connect to the database and serve HTTP and websocket traffic",
				Action: serveAction,
			},
			{
				Name:   "migrate",
				Usage:  "apply pending database migrations and exit",
				Action: migrateAction,
			},
			{
				Name:   "sweep",
				Usage:  "empty the upload staging directory once and exit",
				Action: sweepAction,
			},
		},
		Action: serveAction,
	}
}

// setup loads the configuration and builds the process logger.
func setup(cmd *cli.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cmd.String("env-file"))
	if err != nil {
		return nil, nil, err
	}
	if p := cmd.String("policy"); p != "" {
		cfg.StartupPolicy = p
	}
	log, err := logging.New(cfg.IsProduction(), cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, log, nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := serve(ctx, cfg, log); err != nil {
		log.Error("backend_exit", zap.Error(err))
		return err
	}
	return nil
}

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.DatabaseURL == "" {
		return database.ErrEmptyURL
	}
	if err := database.Migrate(ctx, cfg.DatabaseURL); err != nil {
		log.Error("migration_failed", zap.Error(err))
		return err
	}
	log.Info("migrations_complete")
	return nil
}

func sweepAction(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	sweeper := &maintenance.Sweeper{
		Dir:            cfg.UploadDir,
		MinAge:         cfg.SweepMinAge,
		IncomingMaxAge: cfg.UploadTimeout,
		Log:            log,
	}
	_, err = sweeper.Sweep(ctx)
	return err
}
