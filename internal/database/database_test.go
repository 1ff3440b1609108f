package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func mockOpener(t *testing.T) (OpenFunc, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	return func(string) (*sqlx.DB, error) {
		return sqlx.NewDb(db, "sqlmock"), nil
	}, mock
}

func TestConnect_EmptyURL(t *testing.T) {
	p := NewPool(Options{}, zaptest.NewLogger(t))
	err := p.Connect(context.Background())
	assert.ErrorIs(t, err, ErrEmptyURL)
	assert.False(t, p.Connected())
}

func TestConnect_Success(t *testing.T) {
	open, mock := mockOpener(t)
	mock.ExpectPing()
	mock.ExpectClose()

	migrated := false
	p := NewPool(Options{URL: "postgres://example", Migrate: true}, zaptest.NewLogger(t),
		WithOpener(open),
		WithMigrator(func(ctx context.Context, url string) error {
			migrated = true
			assert.Equal(t, "postgres://example", url)
			return nil
		}),
	)

	require.NoError(t, p.Connect(context.Background()))
	assert.True(t, p.Connected())
	assert.True(t, migrated)

	// Second call reuses the live handle.
	require.NoError(t, p.Connect(context.Background()))

	require.NoError(t, p.Close())
	assert.False(t, p.Connected())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnect_PingFailureClosesHandle(t *testing.T) {
	open, mock := mockOpener(t)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	mock.ExpectClose()

	p := NewPool(Options{URL: "postgres://example"}, zaptest.NewLogger(t), WithOpener(open))

	err := p.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.False(t, p.Connected())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnect_MigrationFailure(t *testing.T) {
	open, mock := mockOpener(t)
	mock.ExpectPing()
	mock.ExpectClose()

	p := NewPool(Options{URL: "postgres://example", Migrate: true}, zaptest.NewLogger(t),
		WithOpener(open),
		WithMigrator(func(context.Context, string) error { return errors.New("dirty schema") }),
	)

	err := p.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, p.Connected())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnect_PingRespectsTimeout(t *testing.T) {
	open, mock := mockOpener(t)
	mock.ExpectPing().WillDelayFor(time.Second)
	mock.ExpectClose()

	p := NewPool(Options{URL: "postgres://example", ConnectTimeout: 20 * time.Millisecond},
		zaptest.NewLogger(t), WithOpener(open))

	err := p.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, p.Connected())
}

func TestPing_NotConnected(t *testing.T) {
	p := NewPool(Options{}, nil)
	assert.ErrorIs(t, p.Ping(context.Background()), ErrNotConnected)
	_, err := p.DB()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, p.Close())
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "000001_music_schema.up.sql")
	assert.Contains(t, names, "000001_music_schema.down.sql")
}
