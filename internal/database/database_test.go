package database

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"sparkles/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	return db
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "sparkles.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
}

func TestNewDB_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sparkles.db")

	db, err := NewDB(dbPath, nil)
	require.NoError(t, err)
	require.NoError(t, db.CreateEvent(context.Background(), &models.PendingEvent{
		ID: "keep", Kind: models.KindSend, AccountID: 1,
	}))
	require.NoError(t, db.Close())

	// createTables is idempotent
	db, err = NewDB(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	ev, err := db.GetEvent(context.Background(), "keep")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, ev.Status)
}

func TestDB_Ping(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	assert.NoError(t, db.PingContext(context.Background()))
}

func TestDB_ErrorPaths(t *testing.T) {
	db := setupTestDB(t)
	db.Close()

	ctx := context.Background()

	_, err := db.ListEvents(ctx, models.KindSend)
	assert.Error(t, err)
	assert.Error(t, db.CreateEvent(ctx, &models.PendingEvent{ID: "x", Kind: models.KindSend}))
	assert.Error(t, db.UpdateEventStatus(ctx, "x", models.StatusDone, ""))
	assert.Error(t, db.CreateSyncTask(ctx, &models.SyncTask{}))
}
