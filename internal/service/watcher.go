package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sparkles/internal/clock"
	"sparkles/internal/database"
	"sparkles/internal/domain"
	"sparkles/internal/events"
	"sparkles/internal/models"
	"sparkles/internal/scheduler"

	"github.com/rs/zerolog"
)

var ErrUnknownFeature = errors.New("unknown feature")

// WatcherOptions общие настройки всех планировщиков watcher.
type WatcherOptions struct {
	Clock         clock.Clock
	SweepInterval time.Duration
	MaxTimerDelay time.Duration
	Notifier      scheduler.Notifier
	Recorder      scheduler.Recorder
	Logger        *zerolog.Logger
}

// Watcher связывает хранилище событий с планировщиком на каждую фичу.
// Изменения хранилища превращаются в Observe, переходы пишутся обратно.
type Watcher struct {
	store    domain.EventStore
	eventBus domain.EventPublisher
	feeds    map[models.Kind]*feed
	kinds    []models.Kind
	clock    clock.Clock
	logger   *zerolog.Logger
}

// feed сериализует цикл снимок-Observe одного планировщика.
// Вызовы во время идущего Observe схлопываются в один повтор горутиной,
// которая держит mu, поэтому хуки могут просить refresh изнутри Observe.
type feed struct {
	kind  models.Kind
	rec   *scheduler.Reconciler
	mu    sync.Mutex
	dirty atomic.Bool
	w     *Watcher
}

func NewWatcher(store domain.EventStore, eventBus domain.EventPublisher, features []Feature, opts WatcherOptions) *Watcher {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	w := &Watcher{
		store:    store,
		eventBus: eventBus,
		feeds:    make(map[models.Kind]*feed, len(features)),
		clock:    clk,
		logger:   logger,
	}

	for _, f := range features {
		fd := &feed{kind: f.Kind, w: w}
		fd.rec = scheduler.New(string(f.Kind), f.Execute, scheduler.Options{
			Clock:         clk,
			MaxTimerDelay: opts.MaxTimerDelay,
			SweepInterval: opts.SweepInterval,
			RemoveGrace:   f.RemoveGrace,
			Hooks: scheduler.Hooks{
				OnStatus: fd.onStatus,
				OnRemove: fd.onRemove,
			},
			Notifier: opts.Notifier,
			Message:  f.Message,
			Recorder: opts.Recorder,
			Logger:   logger,
		})
		w.feeds[f.Kind] = fd
		w.kinds = append(w.kinds, f.Kind)
	}
	return w
}

// Subscribe подписывает watcher на изменения хранилища из шины.
func (w *Watcher) Subscribe(bus domain.EventSubscriber) {
	bus.Subscribe(events.EventScheduleChanged, func(ev *events.Event) error {
		var p events.ScheduleChangedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if p.Kind == "" {
			for _, k := range w.kinds {
				w.feeds[k].refresh()
			}
			return nil
		}
		if fd, ok := w.feeds[models.Kind(p.Kind)]; ok {
			fd.refresh()
		}
		return nil
	})
}

// Start возвращает в pending события, зависшие в firing, удаляет выполненные
// и запускает планировщики. Наступившие события захватываются до возврата.
func (w *Watcher) Start(ctx context.Context) error {
	for _, k := range w.kinds {
		if err := w.feeds[k].start(ctx); err != nil {
			return fmt.Errorf("start %s watcher: %w", k, err)
		}
	}
	return nil
}

// Stop отменяет все таймеры. Выполняющиеся действия дождаться через Wait.
func (w *Watcher) Stop() {
	for _, k := range w.kinds {
		w.feeds[k].rec.Stop()
	}
}

// Wait ждёт завершения всех запущенных действий.
func (w *Watcher) Wait() {
	for _, k := range w.kinds {
		w.feeds[k].rec.Wait()
	}
}

// FireNow запускает наблюдаемое pending событие досрочно.
func (w *Watcher) FireNow(kind models.Kind, id string) error {
	fd, ok := w.feeds[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFeature, kind)
	}
	return fd.rec.FireNow(id)
}

// Running сообщает, что все планировщики запущены.
func (w *Watcher) Running() bool {
	if len(w.kinds) == 0 {
		return false
	}
	for _, k := range w.kinds {
		if !w.feeds[k].rec.Running() {
			return false
		}
	}
	return true
}

// Timers возвращает id с живым таймером для вида kind.
func (w *Watcher) Timers(kind models.Kind) []string {
	fd, ok := w.feeds[kind]
	if !ok {
		return nil
	}
	return fd.rec.Timers()
}

func (f *feed) start(ctx context.Context) error {
	store := f.w.store
	log := f.w.logger.With().Str("feature", string(f.kind)).Logger()

	f.mu.Lock()
	reset, err := store.ResetStaleFiring(ctx, f.kind)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	if reset > 0 {
		log.Warn().Int64("events", reset).Msg("events left firing by previous run reset to pending")
	}
	if _, err := store.DeleteDoneEvents(ctx, f.kind); err != nil {
		f.mu.Unlock()
		return err
	}
	pending, err := store.GetPendingEvents(ctx, f.kind)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.rec.Start(pending)
	f.mu.Unlock()

	// хуки во время Start не могли взять mu
	f.refresh()
	return nil
}

// refresh перечитывает хранилище и вызывает Observe. Параллельные вызовы схлопываются.
func (f *feed) refresh() {
	f.dirty.Store(true)
	for f.dirty.Load() {
		if !f.mu.TryLock() {
			return
		}
		for f.dirty.Swap(false) {
			f.observe()
		}
		f.mu.Unlock()
	}
}

// observe передаёт и done события, чтобы отработала задержка удаления.
func (f *feed) observe() {
	snapshot, err := f.w.store.ListEvents(context.Background(), f.kind)
	if err != nil {
		f.w.logger.Error().Err(err).Str("feature", string(f.kind)).Msg("failed to load events")
		return
	}
	f.rec.Observe(snapshot)
}

func (f *feed) onStatus(ev models.PendingEvent, status models.Status, cause error) {
	ctx := context.Background()
	w := f.w

	var errMsg string
	if cause != nil {
		errMsg = cause.Error()
	}
	if err := w.store.UpdateEventStatus(ctx, ev.ID, status, errMsg); err != nil {
		w.logger.Error().Err(err).Str("event_id", ev.ID).Str("status", string(status)).Msg("failed to record status")
		return
	}

	stored, err := w.store.GetEvent(ctx, ev.ID)
	if err == nil {
		ev = *stored
	}
	w.publishStatus(ev, status, errMsg)
	f.refresh()
}

func (f *feed) onRemove(id string) {
	w := f.w
	if err := w.store.DeleteEvent(context.Background(), id); err != nil && !errors.Is(err, database.ErrEventNotFound) {
		w.logger.Error().Err(err).Str("event_id", id).Msg("failed to remove event")
		return
	}
	w.logger.Debug().Str("event_id", id).Msg("event removed after grace")
	f.refresh()
}

func (w *Watcher) publishStatus(ev models.PendingEvent, status models.Status, errMsg string) {
	if w.eventBus == nil {
		return
	}

	payload := events.StatusChangedPayload{
		EventID:   ev.ID,
		Kind:      string(ev.Kind),
		AccountID: ev.AccountID,
		FireAt:    ev.FireAt,
		Status:    string(status),
		Error:     errMsg,
		Attempts:  ev.Attempts,
		ChangedAt: w.clock.Now().UTC(),
	}
	if err := w.eventBus.PublishJSON(events.EventStatusChanged, payload); err != nil {
		w.logger.Error().Err(err).Str("event_id", ev.ID).Msg("publish event error")
	}
}
