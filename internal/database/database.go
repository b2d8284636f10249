package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3" // драйвер sqlite3
	"github.com/rs/zerolog"
)

// DB хранилище отложенных событий и задач зеркала на SQLite.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	// Создаем директорию для БД, если её нет
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// каждое соединение :memory: видит свою базу
		sqlDB.SetMaxOpenConns(1)
	}

	// Проверяем соединение
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{DB: sqlDB, logger: logger}
	if err := db.createTables(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("База данных инициализирована")
	return db, nil
}

func (db *DB) createTables() error {
	queries := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		// Таблица отложенных событий
		`CREATE TABLE IF NOT EXISTS scheduled_events (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            account_id INTEGER NOT NULL,
            fire_at INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            payload TEXT,
            last_error TEXT,
            attempts INTEGER NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		// Очередь синхронизации с Google Sheets
		`CREATE TABLE IF NOT EXISTS sync_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            task_type TEXT NOT NULL,
            event_id TEXT NOT NULL,
            payload TEXT,
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at DATETIME NOT NULL,
            processed_at DATETIME,
            next_retry_at DATETIME
        )`,

		`CREATE INDEX IF NOT EXISTS idx_events_kind_status ON scheduled_events(kind, status)`,
		`CREATE INDEX IF NOT EXISTS idx_events_fire_at ON scheduled_events(fire_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_account ON scheduled_events(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, next_retry_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}
