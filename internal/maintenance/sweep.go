// Package maintenance empties the upload temp directory on a schedule.
package maintenance

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"magical-music-backend/internal/metrics"
)

// IncomingDir is the private subdirectory holding files still being
// written. Sweeps only reclaim entries in it older than IncomingMaxAge.
const IncomingDir = ".incoming"

// Sweeper removes entries from one directory.
type Sweeper struct {
	Dir string
	// MinAge skips entries modified more recently than this. Zero removes
	// everything.
	MinAge time.Duration
	// IncomingMaxAge is the age after which a partial upload left in
	// IncomingDir is considered abandoned. Zero leaves IncomingDir alone.
	IncomingMaxAge time.Duration
	Log            *zap.Logger
	Metrics        *metrics.Metrics

	now func() time.Time
}

// Result summarises one sweep.
type Result struct {
	Removed int
	Skipped int
	Failed  int
}

// Sweep removes every entry of Dir except IncomingDir, then abandoned
// entries inside IncomingDir. A missing directory is not an error. A
// failure to list the directory is logged and returned; failures on
// individual entries are only counted.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}

	var res Result
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug("sweep_skipped", zap.String("dir", s.Dir), zap.String("reason", "missing"))
			s.Metrics.SweepRun("missing", 0)
			return res, nil
		}
		log.Error("sweep_read_failed", zap.String("dir", s.Dir), zap.Error(err))
		s.Metrics.SweepRun("read_failed", 0)
		return res, err
	}

	start := now()
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			s.Metrics.SweepRun("cancelled", res.Removed)
			return res, err
		}
		if entry.Name() == IncomingDir {
			if entry.IsDir() {
				s.sweepIncoming(start, &res, log)
			}
			continue
		}
		if s.MinAge > 0 {
			info, err := entry.Info()
			if err == nil && start.Sub(info.ModTime()) < s.MinAge {
				res.Skipped++
				continue
			}
		}

		s.remove(filepath.Join(s.Dir, entry.Name()), &res, log)
	}

	log.Info("sweep_complete",
		zap.String("dir", s.Dir),
		zap.Int("removed", res.Removed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
		zap.Duration("duration", now().Sub(start)),
	)
	s.Metrics.SweepRun("ok", res.Removed)
	return res, nil
}

func (s *Sweeper) sweepIncoming(start time.Time, res *Result, log *zap.Logger) {
	if s.IncomingMaxAge <= 0 {
		return
	}
	dir := filepath.Join(s.Dir, IncomingDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		res.Failed++
		log.Debug("sweep_incoming_read_failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || start.Sub(info.ModTime()) < s.IncomingMaxAge {
			continue
		}
		s.remove(filepath.Join(dir, entry.Name()), res, log)
	}
}

func (s *Sweeper) remove(path string, res *Result, log *zap.Logger) {
	if err := os.RemoveAll(path); err != nil {
		res.Failed++
		log.Debug("sweep_remove_failed", zap.String("path", path), zap.Error(err))
		return
	}
	res.Removed++
}
