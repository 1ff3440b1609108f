package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"

	"magical-music-backend/internal/auth"
	"magical-music-backend/internal/database"
	"magical-music-backend/internal/metrics"
	"magical-music-backend/internal/realtime"
)

// MediaStore is the object storage used by upload-handling groups.
type MediaStore interface {
	Check(ctx context.Context) error
	Promote(ctx context.Context, key, path, contentType string) (minio.UploadInfo, error)
}

// Deps are the collaborators shared by every handler group.
type Deps struct {
	DB       *database.Pool
	Realtime *realtime.Hub
	Media    MediaStore
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	// State reports the lifecycle state for /ready.
	State func() string
}

// Config selects the middleware behaviour.
type Config struct {
	Production     bool
	CORSOrigins    []string
	JSONBodyLimit  int64
	UploadDir      string
	MaxFileBytes   int64
	UploadTimeout  time.Duration
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	// Auth defaults to auth.Disabled.
	Auth auth.Authenticator
}

// NewRouter assembles the middleware chain and route table. The chain is
// identical for every route. The outer layers (request id, security
// headers, access log, error boundary, optional rate limit, request
// timeout) wrap CORS, JSON body parsing, authentication and upload
// staging, in that order.
func NewRouter(cfg Config, deps Deps, routes Routes) (http.Handler, error) {
	if err := routes.validate(); err != nil {
		return nil, err
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if cfg.Auth == nil {
		cfg.Auth = auth.Disabled{}
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "tmp"
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(securityHeaders(cfg.Production))
	r.Use(accessLog(deps.Log.Named("http"), deps.Metrics))
	r.Use(errorBoundary(cfg.Production, deps.Log))
	if cfg.RateLimitRPS > 0 {
		r.Use(newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).middleware)
	}
	r.Use(requestTimeout(cfg.RequestTimeout))

	r.Use(corsPolicy(cfg.CORSOrigins))
	r.Use(parseJSON(cfg.JSONBodyLimit))
	r.Use(authenticate(cfg.Auth, deps.Log))
	r.Use((&uploadStager{
		dir:          cfg.UploadDir,
		maxFileBytes: cfg.MaxFileBytes,
		timeout:      cfg.UploadTimeout,
		log:          deps.Log,
		metrics:      deps.Metrics,
	}).middleware)

	if deps.Realtime != nil {
		realtime.Attach(r, deps.Realtime)
	}
	mountRoutes(r, deps, routes)
	return r, nil
}
