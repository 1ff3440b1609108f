package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func names(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func TestSweep_RemovesEverythingButIncoming(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.tmp"))
	touch(t, filepath.Join(dir, "b.tmp"))
	touch(t, filepath.Join(dir, "nested", "c.tmp"))
	touch(t, filepath.Join(dir, IncomingDir, "partial.tmp"))

	s := &Sweeper{Dir: dir, Log: zaptest.NewLogger(t)}
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Removed)
	assert.Equal(t, []string{IncomingDir}, names(t, dir))
	assert.FileExists(t, filepath.Join(dir, IncomingDir, "partial.tmp"))
}

func TestSweep_SecondRunIsNoop(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.tmp"))

	s := &Sweeper{Dir: dir}
	_, err := s.Sweep(context.Background())
	require.NoError(t, err)

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, names(t, dir))
}

func TestSweep_MissingDirectory(t *testing.T) {
	s := &Sweeper{Dir: filepath.Join(t.TempDir(), "does-not-exist")}
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestSweep_ReadFailureIsLogged(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced")
	}
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := filepath.Join(t.TempDir(), "locked")
	require.NoError(t, os.Mkdir(dir, 0o000))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	core, logs := observer.New(zap.InfoLevel)
	s := &Sweeper{Dir: dir, Log: zap.New(core)}
	_, err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, logs.FilterMessage("sweep_read_failed").Len())
}

func TestSweep_NotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	touch(t, file)

	core, logs := observer.New(zap.InfoLevel)
	s := &Sweeper{Dir: file, Log: zap.New(core)}
	_, err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, logs.FilterMessage("sweep_read_failed").Len())
	assert.FileExists(t, file)
}

func TestSweep_MinAge(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.tmp")
	fresh := filepath.Join(dir, "fresh.tmp")
	touch(t, old)
	touch(t, fresh)

	now := time.Now()
	require.NoError(t, os.Chtimes(old, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))

	s := &Sweeper{Dir: dir, MinAge: time.Hour, now: func() time.Time { return now }}
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"fresh.tmp"}, names(t, dir))
}

func TestSweep_Cancelled(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.tmp"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &Sweeper{Dir: dir}
	_, err := s.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a.tmp"}, names(t, dir))
}

func TestSweep_RemoveFailuresAreCountedNotLogged(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced")
	}
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.tmp"))
	locked := filepath.Join(dir, "locked")
	touch(t, filepath.Join(locked, "inner.tmp"))
	require.NoError(t, os.Chmod(locked, 0o555))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	core, logs := observer.New(zap.InfoLevel)
	s := &Sweeper{Dir: dir, Log: zap.New(core)}
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, logs.FilterMessage("sweep_remove_failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("sweep_complete").Len())
}

func TestSweep_ReclaimsAbandonedIncoming(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, IncomingDir, "stale.part")
	live := filepath.Join(dir, IncomingDir, "live.part")
	touch(t, stale)
	touch(t, live)

	now := time.Now()
	require.NoError(t, os.Chtimes(stale, now.Add(-time.Hour), now.Add(-time.Hour)))

	s := &Sweeper{Dir: dir, IncomingMaxAge: 5 * time.Minute, now: func() time.Time { return now }}
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, []string{IncomingDir}, names(t, dir))
	assert.Equal(t, []string{"live.part"}, names(t, filepath.Join(dir, IncomingDir)))
}
