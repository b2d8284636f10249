package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sparkles/internal/models"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrEventNotFound     = errors.New("event not found")
	ErrEventExists       = errors.New("event already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const eventColumns = `id, kind, account_id, fire_at, status, payload, last_error, attempts, created_at, updated_at`

// CreateEvent вставляет новое событие. fire_at после этого не меняется.
func (db *DB) CreateEvent(ctx context.Context, ev *models.PendingEvent) error {
	if ev.ID == "" {
		return errors.New("event id is required")
	}
	if !ev.Kind.Valid() {
		return fmt.Errorf("invalid event kind %q", ev.Kind)
	}
	if ev.Status == "" {
		ev.Status = models.StatusPending
	}
	if !ev.Status.Valid() {
		return fmt.Errorf("invalid event status %q", ev.Status)
	}

	now := time.Now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now

	query := `INSERT INTO scheduled_events (` + eventColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		ev.ID,
		string(ev.Kind),
		ev.AccountID,
		ev.FireAtMillis(),
		string(ev.Status),
		nullableJSON(ev.Payload),
		nullableString(ev.LastError),
		ev.Attempts,
		ev.CreatedAt,
		ev.UpdatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", ErrEventExists, ev.ID)
		}
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

// GetEvent возвращает событие по ID
func (db *DB) GetEvent(ctx context.Context, id string) (*models.PendingEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM scheduled_events WHERE id = ?`
	ev, err := scanEvent(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

// ListEvents возвращает все события вида kind по возрастанию fire_at. Пустой kind значит все виды.
func (db *DB) ListEvents(ctx context.Context, kind models.Kind) ([]models.PendingEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM scheduled_events`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY fire_at ASC, id ASC`
	return db.queryEvents(ctx, query, args...)
}

// GetPendingEvents возвращает события, которые ещё видит пользователь: pending, firing и failed.
func (db *DB) GetPendingEvents(ctx context.Context, kind models.Kind) ([]models.PendingEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM scheduled_events
              WHERE kind = ? AND status IN ('pending', 'firing', 'failed')
              ORDER BY fire_at ASC, id ASC`
	return db.queryEvents(ctx, query, string(kind))
}

// UpdateEventStatus записывает переход статуса. Переход в firing увеличивает attempts.
func (db *DB) UpdateEventStatus(ctx context.Context, id string, status models.Status, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid event status %q", status)
	}

	var query string
	var args []interface{}
	now := time.Now().UTC()

	switch status {
	case models.StatusFiring:
		query = `UPDATE scheduled_events SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`
		args = []interface{}{string(status), now, id}
	case models.StatusFailed:
		query = `UPDATE scheduled_events SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`
		args = []interface{}{string(status), errMsg, now, id}
	default:
		query = `UPDATE scheduled_events SET status = ?, last_error = NULL, updated_at = ? WHERE id = ?`
		args = []interface{}{string(status), now, id}
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	return expectOne(res, id)
}

// ResetEvent возвращает failed событие в pending для повторного запуска. attempts сохраняется.
func (db *DB) ResetEvent(ctx context.Context, id string) error {
	query := `UPDATE scheduled_events SET status = 'pending', updated_at = ? WHERE id = ? AND status = 'failed'`
	res, err := db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to reset event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := db.GetEvent(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is not failed", ErrInvalidTransition, id)
}

// ResetStaleFiring переводит зависшие в firing события обратно в pending.
// Вызывается при старте, пока ни одно действие не выполняется.
func (db *DB) ResetStaleFiring(ctx context.Context, kind models.Kind) (int64, error) {
	query := `UPDATE scheduled_events SET status = 'pending', updated_at = ? WHERE kind = ? AND status = 'firing'`
	res, err := db.ExecContext(ctx, query, time.Now().UTC(), string(kind))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale events: %w", err)
	}
	return res.RowsAffected()
}

// DeleteDoneEvents удаляет выполненные события, которые не успели убрать до рестарта.
func (db *DB) DeleteDoneEvents(ctx context.Context, kind models.Kind) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM scheduled_events WHERE kind = ? AND status = 'done'`, string(kind))
	if err != nil {
		return 0, fmt.Errorf("failed to delete done events: %w", err)
	}
	return res.RowsAffected()
}

// DeleteEvent удаляет событие по ID
func (db *DB) DeleteEvent(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM scheduled_events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return expectOne(res, id)
}

// DeleteEventIn удаляет событие, только если его статус входит в statuses.
// Проверка и удаление одним запросом: событие могли взять в работу между чтением и удалением.
func (db *DB) DeleteEventIn(ctx context.Context, id string, statuses ...models.Status) error {
	if len(statuses) == 0 {
		return db.DeleteEvent(ctx, id)
	}

	args := make([]interface{}, 0, len(statuses)+1)
	args = append(args, id)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	query := `DELETE FROM scheduled_events WHERE id = ? AND status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	ev, err := db.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, ev.Status)
}

func (db *DB) queryEvents(ctx context.Context, query string, args ...interface{}) ([]models.PendingEvent, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := make([]models.PendingEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.PendingEvent, error) {
	var (
		ev        models.PendingEvent
		kind      string
		status    string
		fireAt    int64
		payload   sql.NullString
		lastError sql.NullString
	)
	err := row.Scan(
		&ev.ID, &kind, &ev.AccountID, &fireAt, &status, &payload, &lastError, &ev.Attempts, &ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Kind = models.Kind(kind)
	ev.Status = models.Status(status)
	ev.FireAt = time.UnixMilli(fireAt).UTC()
	if payload.Valid && payload.String != "" {
		ev.Payload = json.RawMessage(payload.String)
	}
	ev.LastError = lastError.String
	return &ev, nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
