package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"magical-music-backend/internal/auth"
	"magical-music-backend/internal/config"
	"magical-music-backend/internal/database"
	"magical-music-backend/internal/lifecycle"
	"magical-music-backend/internal/maintenance"
	"magical-music-backend/internal/media"
	"magical-music-backend/internal/metrics"
	"magical-music-backend/internal/realtime"
	"magical-music-backend/internal/server"
)

// serve wires every component and runs the lifecycle until a signal
// arrives or startup fails.
func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	policy, err := lifecycle.ParsePolicy(cfg.StartupPolicy)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	pool := database.NewPool(database.Options{
		URL:            cfg.DatabaseURL,
		MaxOpenConns:   cfg.DBMaxOpenConns,
		ConnectTimeout: cfg.DBConnectTimeout,
		Migrate:        cfg.DBMigrate,
	}, log)

	deps := server.Deps{DB: pool, Log: log, Metrics: m}

	if cfg.MediaEnabled() {
		store, err := media.New(ctx, media.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
		}, log)
		if err != nil {
			return fmt.Errorf("object storage: %w", err)
		}
		deps.Media = store
	}

	authn, err := newAuthenticator(cfg, log)
	if err != nil {
		return err
	}

	hub := realtime.NewHub(realtime.Options{
		CheckOrigin: server.OriginAllowed(cfg.CORSOrigins()),
		Log:         log,
		Metrics:     m,
	})
	deps.Realtime = hub

	sweeper := &maintenance.Sweeper{
		Dir:            cfg.UploadDir,
		MinAge:         cfg.SweepMinAge,
		IncomingMaxAge: cfg.UploadTimeout,
		Log:            log,
		Metrics:        m,
	}
	sched, err := maintenance.NewScheduler(cfg.SweepSchedule, sweeper, log)
	if err != nil {
		return err
	}

	// Requests only arrive after Bind, which happens inside Run.
	var ctrl *lifecycle.Controller
	deps.State = func() string { return ctrl.State().String() }

	handler, err := server.NewRouter(server.Config{
		Production:     cfg.IsProduction(),
		CORSOrigins:    cfg.CORSOrigins(),
		JSONBodyLimit:  cfg.JSONBodyLimit,
		UploadDir:      cfg.UploadDir,
		MaxFileBytes:   cfg.UploadMaxFileBytes,
		UploadTimeout:  cfg.UploadTimeout,
		RequestTimeout: cfg.RequestTimeout,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Auth:           authn,
	}, deps, server.Routes{})
	if err != nil {
		return err
	}

	listener := lifecycle.NewListener(lifecycle.ListenerConfig{
		Addr:              cfg.Addr(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}, handler)

	ctrl = lifecycle.New(lifecycle.Options{
		Policy:          policy,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Log:             log,
		Metrics:         m,
	}, listener, pool, sched, hub)

	log.Info("starting",
		zap.String("version", version),
		zap.String("env", cfg.Environment()),
		zap.String("policy", policy.String()),
		zap.String("upload_dir", cfg.UploadDir),
	)
	return ctrl.Run(ctx)
}

func newAuthenticator(cfg *config.Config, log *zap.Logger) (auth.Authenticator, error) {
	clerkCfg := auth.ClerkConfig{
		SecretKey:         cfg.ClerkSecretKey,
		JWTKey:            cfg.ClerkJWTKey,
		APIURL:            cfg.ClerkAPIURL,
		AuthorizedParties: cfg.AuthorizedParties(),
	}
	if !clerkCfg.Enabled() {
		log.Warn("auth_disabled", zap.String("reason", "CLERK_SECRET_KEY and CLERK_JWT_KEY are empty"))
		return auth.Disabled{}, nil
	}
	clerk, err := auth.NewClerk(clerkCfg, log)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return clerk, nil
}
