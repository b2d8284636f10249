package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sparkles/internal/database"
	"sparkles/internal/events"
	"sparkles/internal/models"
	"sparkles/internal/scheduler"
	"sparkles/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type capturedNotice struct {
	accountID   int64
	title, body string
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []capturedNotice
}

func (n *fakeNotifier) Notify(_ context.Context, accountID int64, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, capturedNotice{accountID, title, body})
	return nil
}

func (n *fakeNotifier) all() []capturedNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]capturedNotice(nil), n.notices...)
}

type watcherEnv struct {
	db       *database.DB
	bus      *events.EventBus
	clock    *testutil.FakeClock
	mail     *mockMail
	notifier *fakeNotifier
	svc      *EventService
	watcher  *Watcher
	bus2     *busRecorder
}

func newWatcherEnv(t *testing.T) *watcherEnv {
	t.Helper()
	env := &watcherEnv{
		db:       setupTestDB(t),
		bus:      events.NewEventBus(),
		clock:    testutil.NewFakeClock(testStart),
		mail:     new(mockMail),
		notifier: &fakeNotifier{},
	}
	env.bus2 = recordBus(env.bus)
	env.svc = NewEventService(env.db, env.bus, nil)
	env.watcher = NewWatcher(env.db, env.bus, []Feature{SendFeature(env.mail), SnoozeFeature(env.mail)}, WatcherOptions{
		Clock:    env.clock,
		Notifier: env.notifier,
	})
	env.watcher.Subscribe(env.bus)
	t.Cleanup(func() {
		env.watcher.Stop()
		env.watcher.Wait()
	})
	return env
}

func (e *watcherEnv) status(t *testing.T, id string) models.Status {
	t.Helper()
	ev, err := e.db.GetEvent(context.Background(), id)
	require.NoError(t, err)
	return ev.Status
}

func TestWatcher_FiresDueAndTimedEvents(t *testing.T) {
	ctx := context.Background()
	env := newWatcherEnv(t)

	draft := models.SendPayload{DraftID: "d1", To: []string{"boss@example.com"}, Subject: "Report"}
	due, err := env.svc.ScheduleSend(ctx, 7, draft, testStart.Add(-time.Second))
	require.NoError(t, err)
	later, err := env.svc.ScheduleSend(ctx, 7, draft, testStart.Add(5*time.Second))
	require.NoError(t, err)

	env.mail.On("SendDraft", mock.Anything, mock.Anything, int64(7), draft).Return(nil)

	require.NoError(t, env.watcher.Start(ctx))
	assert.True(t, env.watcher.Running())
	env.watcher.Wait()

	assert.Equal(t, models.StatusDone, env.status(t, due.ID))
	assert.Equal(t, []string{later.ID}, env.watcher.Timers(models.KindSend))
	assert.Equal(t, []string{"firing", "done"}, env.bus2.statusesFor(due.ID))

	env.clock.Advance(models.DefaultRemoveGrace)
	_, err = env.db.GetEvent(ctx, due.ID)
	assert.ErrorIs(t, err, database.ErrEventNotFound)

	env.clock.Advance(5 * time.Second)
	env.watcher.Wait()
	assert.Equal(t, models.StatusDone, env.status(t, later.ID))
	env.mail.AssertNumberOfCalls(t, "SendDraft", 2)

	notices := env.notifier.all()
	require.Len(t, notices, 2)
	assert.Equal(t, capturedNotice{7, "Message sent", "Report to boss@example.com"}, notices[0])
}

func TestWatcher_StatusTimesFollowClock(t *testing.T) {
	ctx := context.Background()
	env := newWatcherEnv(t)

	ev, err := env.svc.Snooze(ctx, 2, models.SnoozePayload{MessageID: "m1"}, testStart.Add(30*time.Second))
	require.NoError(t, err)
	env.mail.On("Unsnooze", mock.Anything, ev.ID, int64(2), mock.Anything).Return(nil)

	require.NoError(t, env.watcher.Start(ctx))
	env.clock.Advance(30 * time.Second)
	env.watcher.Wait()

	fired := testStart.Add(30 * time.Second)
	assert.Equal(t, []string{"firing", "done"}, env.bus2.statusesFor(ev.ID))
	for _, at := range env.bus2.changedAtFor(ev.ID) {
		assert.True(t, fired.Equal(at), "changed_at %s, want %s", at, fired)
	}
}

func TestWatcher_FailureThenRetry(t *testing.T) {
	ctx := context.Background()
	env := newWatcherEnv(t)
	require.NoError(t, env.watcher.Start(ctx))

	snooze := models.SnoozePayload{MessageID: "m1", Subject: "Lunch"}
	env.mail.On("Unsnooze", mock.Anything, mock.Anything, int64(3), snooze).Return(errors.New("boom")).Once()
	env.mail.On("Unsnooze", mock.Anything, mock.Anything, int64(3), snooze).Return(nil).Once()

	ev, err := env.svc.Snooze(ctx, 3, snooze, testStart)
	require.NoError(t, err)
	env.watcher.Wait()

	failed, err := env.db.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.LastError)
	assert.Equal(t, 1, failed.Attempts)

	// failed events stay until the user retries
	env.clock.Advance(time.Minute)
	env.watcher.Wait()
	env.mail.AssertNumberOfCalls(t, "Unsnooze", 1)

	_, err = env.svc.Retry(ctx, ev.ID)
	require.NoError(t, err)
	env.watcher.Wait()

	assert.Equal(t, models.StatusDone, env.status(t, ev.ID))
	env.mail.AssertNumberOfCalls(t, "Unsnooze", 2)

	notices := env.notifier.all()
	require.Len(t, notices, 2)
	assert.Equal(t, "Could not unsnooze message", notices[0].title)
	assert.Equal(t, "Lunch: boom", notices[0].body)
	assert.Equal(t, "Snoozed message is back", notices[1].title)
}

func TestWatcher_CancelAndReschedule(t *testing.T) {
	ctx := context.Background()
	env := newWatcherEnv(t)
	require.NoError(t, env.watcher.Start(ctx))

	draft := models.SendPayload{DraftID: "d", To: []string{"x@y"}}
	cancelled, err := env.svc.ScheduleSend(ctx, 1, draft, testStart.Add(10*time.Second))
	require.NoError(t, err)
	moved, err := env.svc.ScheduleSend(ctx, 1, draft, testStart.Add(10*time.Second))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{cancelled.ID, moved.ID}, env.watcher.Timers(models.KindSend))

	require.NoError(t, env.svc.Cancel(ctx, cancelled.ID))
	next, err := env.svc.Reschedule(ctx, moved.ID, testStart.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{next.ID}, env.watcher.Timers(models.KindSend))

	env.clock.Advance(20 * time.Second)
	env.watcher.Wait()
	env.mail.AssertNotCalled(t, "SendDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWatcher_StartRecoversStore(t *testing.T) {
	ctx := context.Background()
	env := newWatcherEnv(t)

	stale := &models.PendingEvent{ID: "stale", Kind: models.KindSnooze, AccountID: 5, FireAt: testStart.Add(-time.Minute),
		Status: models.StatusFiring, Attempts: 1, Payload: []byte(`{"message_id":"m"}`)}
	done := &models.PendingEvent{ID: "done", Kind: models.KindSnooze, AccountID: 5, FireAt: testStart.Add(-time.Hour),
		Status: models.StatusDone, Payload: []byte(`{"message_id":"n"}`)}
	require.NoError(t, env.db.CreateEvent(ctx, stale))
	require.NoError(t, env.db.CreateEvent(ctx, done))

	env.mail.On("Unsnooze", mock.Anything, "stale", int64(5), models.SnoozePayload{MessageID: "m"}).Return(nil).Once()

	require.NoError(t, env.watcher.Start(ctx))
	env.watcher.Wait()

	_, err := env.db.GetEvent(ctx, "done")
	assert.ErrorIs(t, err, database.ErrEventNotFound)

	recovered, err := env.db.GetEvent(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, recovered.Status)
	assert.Equal(t, 2, recovered.Attempts)
	env.mail.AssertExpectations(t)
}

func TestWatcher_FireNow(t *testing.T) {
	ctx := context.Background()
	env := newWatcherEnv(t)

	assert.ErrorIs(t, env.watcher.FireNow(models.KindSend, "x"), scheduler.ErrStopped)
	require.NoError(t, env.watcher.Start(ctx))

	draft := models.SendPayload{DraftID: "d", To: []string{"x@y"}}
	ev, err := env.svc.ScheduleSend(ctx, 1, draft, testStart.Add(48*time.Hour))
	require.NoError(t, err)

	gate := make(chan struct{})
	env.mail.On("SendDraft", mock.Anything, ev.ID, int64(1), draft).
		Run(func(mock.Arguments) { <-gate }).
		Return(nil).Once()

	require.NoError(t, env.watcher.FireNow(models.KindSend, ev.ID))
	assert.Equal(t, models.StatusFiring, env.status(t, ev.ID))
	assert.ErrorIs(t, env.watcher.FireNow(models.KindSend, ev.ID), scheduler.ErrAlreadyFiring)
	assert.ErrorIs(t, env.watcher.FireNow(models.KindSend, "missing"), scheduler.ErrUnknownEvent)
	assert.ErrorIs(t, env.watcher.FireNow("reminder", ev.ID), ErrUnknownFeature)

	close(gate)
	env.watcher.Wait()
	assert.Equal(t, models.StatusDone, env.status(t, ev.ID))
}

func TestWatcher_StopKeepsStore(t *testing.T) {
	ctx := context.Background()
	env := newWatcherEnv(t)
	require.NoError(t, env.watcher.Start(ctx))

	ev, err := env.svc.Snooze(ctx, 1, models.SnoozePayload{MessageID: "m"}, testStart.Add(3*time.Second))
	require.NoError(t, err)

	env.watcher.Stop()
	env.watcher.Stop()
	assert.False(t, env.watcher.Running())

	env.clock.Advance(time.Hour)
	env.watcher.Wait()
	assert.Equal(t, models.StatusPending, env.status(t, ev.ID))
	env.mail.AssertNotCalled(t, "Unsnooze", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestFeatureMessages(t *testing.T) {
	mail := new(mockMail)
	send := SendFeature(mail)

	ev := models.PendingEvent{ID: "e", Kind: models.KindSend, Payload: []byte(`{"draft_id":"d","to":["a@b","c@d"],"subject":""}`)}
	title, body, ok := send.Message(ev, models.StatusDone, nil)
	require.True(t, ok)
	assert.Equal(t, "Message sent", title)
	assert.Equal(t, "(no subject) to a@b, c@d", body)

	_, _, ok = send.Message(ev, models.StatusFiring, nil)
	assert.False(t, ok)

	err := send.Execute(context.Background(), models.PendingEvent{ID: "bad", Payload: []byte(`{`)})
	assert.ErrorContains(t, err, "bad payload")
	err = send.Execute(context.Background(), models.PendingEvent{ID: "empty"})
	assert.ErrorContains(t, err, "has no payload")
	mail.AssertNotCalled(t, "SendDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
