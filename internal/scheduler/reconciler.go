package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sparkles/internal/clock"
	"sparkles/internal/models"

	"github.com/rs/zerolog"
)

type liveTimer struct {
	timer  clock.Timer
	fireAt time.Time
}

// claim отмечает id, выполнение которого началось. Держится, пока хранилище
// не подтвердит исход или не забудет id.
type claim struct {
	attempts int
	finished bool
}

// Reconciler держит по таймеру на pending событие и запускает каждое один раз.
type Reconciler struct {
	name string
	exec Executor
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	running  bool
	events   map[string]models.PendingEvent
	order    []string
	timers   map[string]*liveTimer
	claims   map[string]*claim
	removals map[string]clock.Timer
	sweep    clock.Timer

	inflight sync.WaitGroup
}

// New создаёт остановленный планировщик. name метка для логов и метрик.
func New(name string, exec Executor, opts Options) *Reconciler {
	opts = opts.withDefaults()

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "reconciler").Str("feature", name).Logger()
	}

	r := &Reconciler{
		name: name,
		exec: exec,
		opts: opts,
		log:  log,
	}
	r.reset()
	return r
}

func (r *Reconciler) reset() {
	r.events = make(map[string]models.PendingEvent)
	r.order = nil
	r.timers = make(map[string]*liveTimer)
	r.claims = make(map[string]*claim)
	r.removals = make(map[string]clock.Timer)
}

// Start запускает наблюдение. Наступившие события захватываются до возврата
// из Start, остальные получают таймеры. Повторный Start равен Observe.
func (r *Reconciler) Start(events []models.PendingEvent) {
	r.mu.Lock()
	if !r.running {
		r.running = true
		r.armSweepLocked()
		r.log.Info().Int("events", len(events)).Dur("sweep_interval", r.opts.SweepInterval).Msg("reconciler started")
	}
	jobs := r.syncLocked(events)
	r.mu.Unlock()

	r.launch(jobs)
}

// Observe сверяет таймеры с текущим содержимым хранилища.
// До Start ничего не делает.
func (r *Reconciler) Observe(events []models.PendingEvent) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	jobs := r.syncLocked(events)
	r.mu.Unlock()

	r.launch(jobs)
}

// Stop отменяет все таймеры и забывает состояние. Выполняющиеся действия
// доходят до конца. Повторный вызов безопасен.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.running = false

	for id, t := range r.timers {
		t.timer.Stop()
		delete(r.timers, id)
	}
	for id, t := range r.removals {
		t.Stop()
		delete(r.removals, id)
	}
	if r.sweep != nil {
		r.sweep.Stop()
		r.sweep = nil
	}
	r.reset()
	r.opts.Recorder.LiveTimers(r.name, 0)
	r.log.Info().Msg("reconciler stopped")
}

// FireNow сразу выполняет наблюдаемое pending событие, не глядя на FireAt.
func (r *Reconciler) FireNow(id string) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrStopped
	}
	ev, ok := r.events[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEvent, id)
	}
	if _, claimed := r.claims[id]; claimed || ev.Status == models.StatusFiring {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyFiring, id)
	}
	if ev.Status != models.StatusPending {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, ev.Status)
	}
	r.cancelTimerLocked(id)
	job := r.claimLocked(ev)
	r.reportTimersLocked()
	r.mu.Unlock()

	r.log.Info().Str("event_id", id).Msg("manual fire")
	r.launch([]models.PendingEvent{job})
	return nil
}

// Wait ждёт завершения всех запущенных действий.
func (r *Reconciler) Wait() {
	r.inflight.Wait()
}

// Timers возвращает отсортированные id с живым таймером.
func (r *Reconciler) Timers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.timers))
	for id := range r.timers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasTimer сообщает, есть ли у id живой таймер.
func (r *Reconciler) HasTimer(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[id]
	return ok
}

// Running сообщает, что Start был, а Stop ещё нет.
func (r *Reconciler) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// syncLocked сравнивает events с текущим состоянием и возвращает события,
// захваченные для немедленного выполнения.
func (r *Reconciler) syncLocked(events []models.PendingEvent) []models.PendingEvent {
	now := r.opts.Clock.Now()
	next := make(map[string]models.PendingEvent, len(events))
	order := make([]string, 0, len(events))
	var jobs []models.PendingEvent

	for _, ev := range events {
		if ev.ID == "" {
			continue
		}
		if _, dup := next[ev.ID]; dup {
			r.log.Warn().Str("event_id", ev.ID).Msg("duplicate event id in snapshot, keeping first")
			continue
		}
		next[ev.ID] = ev
		order = append(order, ev.ID)

		if c, ok := r.claims[ev.ID]; ok {
			if !r.releasable(c, ev) {
				r.cancelTimerLocked(ev.ID)
				continue
			}
			delete(r.claims, ev.ID)
		}

		if ev.Status != models.StatusPending {
			r.cancelTimerLocked(ev.ID)
			continue
		}

		if ev.Due(now) {
			r.cancelTimerLocked(ev.ID)
			jobs = append(jobs, r.claimLocked(ev))
			continue
		}

		delay := ev.FireAt.Sub(now)
		if delay > r.opts.MaxTimerDelay {
			_, known := r.events[ev.ID]
			if r.cancelTimerLocked(ev.ID) || !known {
				r.log.Debug().Str("event_id", ev.ID).Dur("delay", delay).Msg("delay beyond timer ceiling, left to sweep")
			}
			continue
		}

		if t, ok := r.timers[ev.ID]; ok && t.fireAt.Equal(ev.FireAt) {
			continue
		}
		r.cancelTimerLocked(ev.ID)
		r.armLocked(ev.ID, ev.FireAt, delay)
	}

	for id := range r.events {
		if _, ok := next[id]; ok {
			continue
		}
		r.cancelTimerLocked(id)
		delete(r.claims, id)
		if t, ok := r.removals[id]; ok {
			t.Stop()
			delete(r.removals, id)
		}
	}

	r.events = next
	r.order = order
	r.reportTimersLocked()
	return jobs
}

// releasable сообщает, что захват больше не нужен ev: хранилище записало
// конечный статус или вернуло событие в pending после попытки (ручной retry).
func (r *Reconciler) releasable(c *claim, ev models.PendingEvent) bool {
	if !c.finished {
		return false
	}
	if ev.Status.Terminal() {
		return true
	}
	return ev.Status == models.StatusPending && ev.Attempts > c.attempts
}

func (r *Reconciler) claimLocked(ev models.PendingEvent) models.PendingEvent {
	r.claims[ev.ID] = &claim{attempts: ev.Attempts}
	r.inflight.Add(1)
	ev.Status = models.StatusFiring
	return ev
}

func (r *Reconciler) armLocked(id string, fireAt time.Time, delay time.Duration) {
	t := r.opts.Clock.AfterFunc(delay, func() { r.onTimer(id, fireAt) })
	r.timers[id] = &liveTimer{timer: t, fireAt: fireAt}
}

// cancelTimerLocked останавливает таймер id и сообщает, был ли он.
func (r *Reconciler) cancelTimerLocked(id string) bool {
	t, ok := r.timers[id]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(r.timers, id)
	return true
}

func (r *Reconciler) reportTimersLocked() {
	r.opts.Recorder.LiveTimers(r.name, len(r.timers))
}

func (r *Reconciler) onTimer(id string, fireAt time.Time) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	t, ok := r.timers[id]
	if !ok || !t.fireAt.Equal(fireAt) {
		// таймер заменён новым или отменён, когда callback уже был в очереди
		r.mu.Unlock()
		return
	}
	delete(r.timers, id)

	ev, ok := r.events[id]
	_, claimed := r.claims[id]
	if !ok || claimed || ev.Status != models.StatusPending {
		r.reportTimersLocked()
		r.mu.Unlock()
		return
	}
	job := r.claimLocked(ev)
	r.reportTimersLocked()
	r.mu.Unlock()

	r.launch([]models.PendingEvent{job})
}

func (r *Reconciler) armSweepLocked() {
	r.sweep = r.opts.Clock.AfterFunc(r.opts.SweepInterval, r.onSweep)
}

func (r *Reconciler) onSweep() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	snapshot := make([]models.PendingEvent, 0, len(r.order))
	for _, id := range r.order {
		snapshot = append(snapshot, r.events[id])
	}
	jobs := r.syncLocked(snapshot)
	r.armSweepLocked()
	r.mu.Unlock()

	if len(jobs) > 0 {
		r.log.Info().Int("due", len(jobs)).Msg("sweep found due events")
	}
	r.launch(jobs)
}

// launch сообщает firing для каждого захваченного события и запускает действие.
func (r *Reconciler) launch(jobs []models.PendingEvent) {
	for _, ev := range jobs {
		r.emit(ev, models.StatusFiring, nil)
		go r.run(ev)
	}
}

func (r *Reconciler) run(ev models.PendingEvent) {
	defer r.inflight.Done()

	ctx := context.Background()
	started := r.opts.Clock.Now()
	if late := started.Sub(ev.FireAt); late > 0 {
		r.opts.Recorder.FireLateness(r.name, late)
	}

	err := r.execute(ctx, ev)
	if err != nil {
		r.log.Error().Err(err).Str("event_id", ev.ID).Msg("event action failed")
		ev.Status = models.StatusFailed
		ev.LastError = err.Error()
		r.emit(ev, models.StatusFailed, err)
		r.finish(ev.ID, false)
	} else {
		r.log.Info().Str("event_id", ev.ID).Dur("lateness", started.Sub(ev.FireAt)).Msg("event fired")
		ev.Status = models.StatusDone
		r.emit(ev, models.StatusDone, nil)
		r.finish(ev.ID, true)
	}

	r.opts.Recorder.EventFired(r.name, ev.Status)
	r.notify(ctx, ev, err)
}

// execute выполняет действие, паника превращается в ошибку.
func (r *Reconciler) execute(ctx context.Context, ev models.PendingEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("action panic: %v", rec)
		}
	}()
	if r.exec == nil {
		return fmt.Errorf("no executor for %s", r.name)
	}
	return r.exec(ctx, ev)
}

func (r *Reconciler) finish(id string, remove bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.claims[id]; ok {
		c.finished = true
	}
	if !remove || !r.running || r.opts.Hooks.OnRemove == nil {
		return
	}
	if _, ok := r.events[id]; !ok {
		return
	}
	if old, ok := r.removals[id]; ok {
		old.Stop()
	}
	var t clock.Timer
	t = r.opts.Clock.AfterFunc(r.opts.RemoveGrace, func() {
		r.mu.Lock()
		if cur, ok := r.removals[id]; !ok || cur != t {
			r.mu.Unlock()
			return
		}
		delete(r.removals, id)
		r.mu.Unlock()
		r.opts.Hooks.OnRemove(id)
	})
	r.removals[id] = t
}

func (r *Reconciler) emit(ev models.PendingEvent, status models.Status, err error) {
	if r.opts.Hooks.OnStatus == nil {
		return
	}
	r.opts.Hooks.OnStatus(ev, status, err)
}

func (r *Reconciler) notify(ctx context.Context, ev models.PendingEvent, cause error) {
	if r.opts.Notifier == nil || r.opts.Message == nil {
		return
	}
	title, body, ok := r.opts.Message(ev, ev.Status, cause)
	if !ok {
		return
	}
	if err := r.opts.Notifier.Notify(ctx, ev.AccountID, title, body); err != nil {
		r.log.Warn().Err(err).Str("event_id", ev.ID).Msg("notification failed")
	}
}
