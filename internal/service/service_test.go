package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"sparkles/internal/database"
	"sparkles/internal/events"
	"sparkles/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type mockMail struct {
	mock.Mock
}

func (m *mockMail) SendDraft(ctx context.Context, eventID string, accountID int64, p models.SendPayload) error {
	return m.Called(ctx, eventID, accountID, p).Error(0)
}

func (m *mockMail) Unsnooze(ctx context.Context, eventID string, accountID int64, p models.SnoozePayload) error {
	return m.Called(ctx, eventID, accountID, p).Error(0)
}

// busRecorder collects bus traffic by type.
type busRecorder struct {
	mu       sync.Mutex
	changes  []events.ScheduleChangedPayload
	statuses []events.StatusChangedPayload
}

func recordBus(bus *events.EventBus) *busRecorder {
	rec := &busRecorder{}
	bus.Subscribe(events.EventScheduleChanged, func(ev *events.Event) error {
		var p events.ScheduleChangedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		rec.mu.Lock()
		rec.changes = append(rec.changes, p)
		rec.mu.Unlock()
		return nil
	})
	bus.Subscribe(events.EventStatusChanged, func(ev *events.Event) error {
		var p events.StatusChangedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		rec.mu.Lock()
		rec.statuses = append(rec.statuses, p)
		rec.mu.Unlock()
		return nil
	})
	return rec
}

func (r *busRecorder) reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.Reason)
	}
	return out
}

func (r *busRecorder) statusesFor(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.statuses {
		if s.EventID == id {
			out = append(out, s.Status)
		}
	}
	return out
}

func (r *busRecorder) changedAtFor(id string) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []time.Time
	for _, s := range r.statuses {
		if s.EventID == id {
			out = append(out, s.ChangedAt)
		}
	}
	return out
}
