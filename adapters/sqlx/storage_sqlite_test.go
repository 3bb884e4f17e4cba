package sqlx_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	storage "statboard/adapters/sqlx"
	"statboard/core"
	"statboard/engine"
	"statboard/engine/enginetest"
)

func newSQLiteStore(t *testing.T) *storage.Store {
	t.Helper()
	cfg := storage.DefaultConfig(storage.DriverSQLite)
	cfg.DSN = filepath.Join(t.TempDir(), "board.db")
	cfg.ScanBatchSize = 3
	s, err := storage.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) engine.EntryStore { return newSQLiteStore(t) })
}

func TestSQLiteStore_ReopenKeepsEntries(t *testing.T) {
	ctx := context.Background()
	cfg := storage.DefaultConfig(storage.DriverSQLite)
	cfg.DSN = filepath.Join(t.TempDir(), "board.db")

	s, err := storage.New(cfg)
	require.NoError(t, err)
	id, err := s.Insert(ctx, core.NewEntry(42, 75))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = storage.New(cfg)
	require.NoError(t, err)
	defer s.Close()
	e, err := s.GetByUser(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, id, e.EntryID)
	require.Equal(t, int64(75), e.HighScore)
	require.False(t, e.CreatedAt.IsZero())
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, storage.DefaultConfig(storage.DriverPostgres).Validate())
	require.Error(t, storage.Config{Driver: "oracle", DSN: "x"}.Validate())
	require.Error(t, storage.Config{Driver: storage.DriverMySQL}.Validate())
}
