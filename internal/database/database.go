// Package database owns the PostgreSQL connection pool and schema
// migrations.
package database

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var (
	// ErrEmptyURL is returned by Connect when no DATABASE_URL is configured.
	ErrEmptyURL = errors.New("DATABASE_URL is empty")
	// ErrNotConnected is returned when the pool is used before Connect succeeds.
	ErrNotConnected = errors.New("database is not connected")
)

// Options configures the pool.
type Options struct {
	URL            string
	MaxOpenConns   int
	ConnectTimeout time.Duration
	Migrate        bool
}

// OpenFunc opens an unverified handle. Connect pings it afterwards.
type OpenFunc func(url string) (*sqlx.DB, error)

// MigrateFunc brings the schema at url up to date.
type MigrateFunc func(ctx context.Context, url string) error

// Pool is a lazily connected database handle safe for concurrent use.
type Pool struct {
	opts    Options
	log     *zap.Logger
	open    OpenFunc
	migrate MigrateFunc
	db      atomic.Pointer[sqlx.DB]
}

// Option customises a Pool.
type Option func(*Pool)

// WithOpener replaces the pgx opener, mainly for tests.
func WithOpener(fn OpenFunc) Option {
	return func(p *Pool) { p.open = fn }
}

// WithMigrator replaces the embedded migration runner.
func WithMigrator(fn MigrateFunc) Option {
	return func(p *Pool) { p.migrate = fn }
}

// NewPool returns a Pool that has not connected yet.
func NewPool(opts Options, log *zap.Logger, options ...Option) *Pool {
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 10
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{opts: opts, log: log, open: openPgx, migrate: Migrate}
	for _, o := range options {
		o(p)
	}
	return p
}

func openPgx(url string) (*sqlx.DB, error) {
	return sqlx.Open("pgx", url)
}

// Connect opens the pool, verifies connectivity and applies migrations
// when enabled. It is a no-op if the pool is already connected.
func (p *Pool) Connect(ctx context.Context) error {
	if p.db.Load() != nil {
		return nil
	}
	if p.opts.URL == "" {
		return ErrEmptyURL
	}

	db, err := p.open(p.opts.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(p.opts.MaxOpenConns)
	db.SetMaxIdleConns(p.opts.MaxOpenConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if p.opts.Migrate {
		if err := p.migrate(ctx, p.opts.URL); err != nil {
			_ = db.Close()
			return err
		}
		p.log.Info("database_migrated")
	}

	if !p.db.CompareAndSwap(nil, db) {
		_ = db.Close()
	}
	return nil
}

// DB returns the live handle.
func (p *Pool) DB() (*sqlx.DB, error) {
	db := p.db.Load()
	if db == nil {
		return nil, ErrNotConnected
	}
	return db, nil
}

// Ping checks the live handle within ctx.
func (p *Pool) Ping(ctx context.Context) error {
	db, err := p.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Connected reports whether Connect has succeeded.
func (p *Pool) Connected() bool {
	return p.db.Load() != nil
}

// Close releases the pool. Closing an unconnected pool is a no-op.
func (p *Pool) Close() error {
	db := p.db.Swap(nil)
	if db == nil {
		return nil
	}
	return db.Close()
}
