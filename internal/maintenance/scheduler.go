package maintenance

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs at minute zero of every hour.
const DefaultSchedule = "0 * * * *"

// Scheduler runs a Sweeper on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// NewScheduler validates schedule and registers the sweep job.
func NewScheduler(schedule string, sweeper *Sweeper, log *zap.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if log == nil {
		log = zap.NewNop()
	}

	cl := cronLogger{log: log.Named("cron")}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, sweeper: sweeper, log: log, ctx: ctx, cancel: cancel}

	if _, err := c.AddFunc(schedule, s.run); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	_, _ = s.sweeper.Sweep(s.ctx)
}

// Start begins firing the schedule in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.log.Info("sweep_scheduled", zap.String("dir", s.sweeper.Dir))
}

// Stop halts the schedule, cancels a running sweep and waits for it to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	s.cancel()
	if !started {
		return nil
	}

	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
