package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"magical-music-backend/internal/metrics"
)

// ErrDatabaseUnavailable is returned by Run when the fail-fast policy
// could not connect the database.
var ErrDatabaseUnavailable = errors.New("database unavailable")

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Server is the HTTP listener.
type Server interface {
	Bind() error
	Serve() error
	Shutdown(ctx context.Context) error
	Addr() string
}

// Database is the connection the policies order against the listener.
type Database interface {
	Connect(ctx context.Context) error
	Close() error
}

// Maintenance is a background job started before the database connects
// and stopped first at shutdown.
type Maintenance interface {
	Start()
	Stop(ctx context.Context) error
}

// Closer releases a component at shutdown.
type Closer interface {
	Close() error
}

// Options configures a Controller.
type Options struct {
	Policy          Policy
	ShutdownTimeout time.Duration
	Log             *zap.Logger
	Metrics         *metrics.Metrics
}

// Controller owns the process lifecycle. Routes and middleware must be
// registered on the server's handler before Run.
type Controller struct {
	opts     Options
	log      *zap.Logger
	srv      Server
	db       Database
	maint    Maintenance
	realtime Closer
	machine  *Machine

	bg sync.WaitGroup
}

// New wires a controller. maint and realtime may be nil.
func New(opts Options, srv Server, db Database, maint Maintenance, realtime Closer) *Controller {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	c := &Controller{
		opts:     opts,
		log:      opts.Log,
		srv:      srv,
		db:       db,
		maint:    maint,
		realtime: realtime,
	}
	c.machine = NewMachine(func(from, to State) {
		opts.Metrics.SetLifecycleState(to.String())
		if from != to {
			c.log.Debug("state_changed", zap.Stringer("from", from), zap.Stringer("to", to))
		}
	})
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return c.machine.State()
}

// Run starts the process under the configured policy and blocks until
// ctx is cancelled or the listener fails, then shuts everything down.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info("starting", zap.Stringer("policy", c.opts.Policy))
	if c.maint != nil {
		c.maint.Start()
	}

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	serveErr := make(chan error, 1)

	switch c.opts.Policy {
	case PolicyDegraded:
		if err := c.listen(serveErr); err != nil {
			return errors.Join(err, c.shutdown(nil))
		}
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			_ = c.connect(bgCtx)
		}()
	default:
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return c.shutdown(nil)
			}
			return errors.Join(fmt.Errorf("%w: %w", ErrDatabaseUnavailable, err), c.shutdown(nil))
		}
		if err := c.listen(serveErr); err != nil {
			return errors.Join(err, c.shutdown(nil))
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			c.log.Error("serve_failed", zap.Error(err))
			runErr = err
		}
		serveErr = nil
	}
	cancelBg()

	return errors.Join(runErr, c.shutdown(serveErr))
}

// connect moves through db_connecting and logs the outcome. A connect
// aborted because ctx ended is not reported as a database failure.
func (c *Controller) connect(ctx context.Context) error {
	if err := c.machine.To(StateDBConnecting); err != nil {
		return err
	}

	err := c.db.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.log.Info("database_connect_cancelled")
			return err
		}
		_ = c.machine.To(StateDBFailed)
		c.opts.Metrics.SetDatabaseUp(false)
		c.log.Error("database_failed", zap.Stringer("policy", c.opts.Policy), zap.Error(err))
		return err
	}

	_ = c.machine.To(StateDBConnected)
	c.opts.Metrics.SetDatabaseUp(true)
	c.log.Info("database_connected")

	if c.opts.Policy == PolicyDegraded {
		_ = c.machine.To(StateListening)
	}
	return nil
}

func (c *Controller) listen(serveErr chan<- error) error {
	if err := c.srv.Bind(); err != nil {
		c.log.Error("listen_failed", zap.String("addr", c.srv.Addr()), zap.Error(err))
		return fmt.Errorf("failed to bind %s: %w", c.srv.Addr(), err)
	}
	_ = c.machine.To(StateListening)
	c.log.Info("server_listening", zap.String("addr", c.srv.Addr()))

	go func() { serveErr <- c.srv.Serve() }()
	return nil
}

// shutdown stops components in reverse dependency order. serveErr, when
// non-nil, is drained so Serve has returned before the database closes.
func (c *Controller) shutdown(serveErr <-chan error) error {
	_ = c.machine.To(StateShuttingDown)
	c.log.Info("shutting_down")

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ShutdownTimeout)
	defer cancel()

	var errs []error
	if c.maint != nil {
		errs = append(errs, c.maint.Stop(ctx))
	}
	if c.realtime != nil {
		errs = append(errs, c.realtime.Close())
	}
	errs = append(errs, c.srv.Shutdown(ctx))
	if serveErr != nil {
		select {
		case err := <-serveErr:
			errs = append(errs, err)
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	c.bg.Wait()
	errs = append(errs, c.db.Close())

	_ = c.machine.To(StateTerminated)
	err := errors.Join(errs...)
	if err != nil {
		c.log.Warn("terminated", zap.Error(err))
	} else {
		c.log.Info("terminated")
	}
	return err
}
