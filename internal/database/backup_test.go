package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sparkles/internal/config"
	"sparkles/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupService(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "source.db")
	storagePath := filepath.Join(tempDir, "backups")

	logger := zerolog.Nop()
	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	require.NoError(t, db.CreateEvent(context.Background(), &models.PendingEvent{ID: "e1", Kind: models.KindSend, AccountID: 1}))
	require.NoError(t, db.Close())

	cfg := config.BackupConfig{
		Enabled:       true,
		StoragePath:   storagePath,
		RetentionDays: 1,
	}
	s := NewBackupService(dbPath, cfg, &logger)

	t.Run("PerformBackup", func(t *testing.T) {
		require.NoError(t, s.PerformBackup(context.Background()))

		files, err := os.ReadDir(storagePath)
		require.NoError(t, err)
		require.Len(t, files, 1)

		restored, err := NewDB(filepath.Join(storagePath, files[0].Name()), &logger)
		require.NoError(t, err)
		defer restored.Close()
		ev, err := restored.GetEvent(context.Background(), "e1")
		require.NoError(t, err)
		assert.Equal(t, models.KindSend, ev.Kind)
	})

	t.Run("CleanupOldBackups", func(t *testing.T) {
		oldFile := filepath.Join(storagePath, backupPrefix+"old.db")
		require.NoError(t, os.WriteFile(oldFile, []byte("old"), 0o644))
		foreign := filepath.Join(storagePath, "notes.txt")
		require.NoError(t, os.WriteFile(foreign, []byte("keep"), 0o644))

		oldTime := time.Now().AddDate(0, 0, -2)
		require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))
		require.NoError(t, os.Chtimes(foreign, oldTime, oldTime))

		assert.Equal(t, 1, s.CleanupOldBackups())

		assert.NoFileExists(t, oldFile)
		assert.FileExists(t, foreign)
	})
}

func TestBackupService_Disabled(_ *testing.T) {
	logger := zerolog.Nop()
	s := NewBackupService("any", config.BackupConfig{Enabled: false}, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)
}
