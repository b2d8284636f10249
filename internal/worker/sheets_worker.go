package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sparkles/internal/database"
	"sparkles/internal/domain"
	"sparkles/internal/events"
	"sparkles/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	TaskUpsert = "upsert"
	TaskDelete = "delete"
	TaskResync = "resync"
)

// SheetTask единица работы для Sheets.
type SheetTask struct {
	Type    string
	EventID string
	Event   *models.PendingEvent
}

// sheetTaskPayload хранится в SyncTask.Payload как JSON.
type sheetTaskPayload struct {
	EventID string               `json:"event_id,omitempty"`
	Event   *models.PendingEvent `json:"event,omitempty"`
}

// SheetsClient часть зеркала Sheets, которой управляет воркер.
type SheetsClient interface {
	UpsertEvent(ctx context.Context, ev *models.PendingEvent) error
	DeleteEventRow(ctx context.Context, id string) error
	ReplaceEvents(ctx context.Context, evs []models.PendingEvent) error
}

// EventSource читает события для задач, в которых только id.
type EventSource interface {
	GetEvent(ctx context.Context, id string) (*models.PendingEvent, error)
	ListEvents(ctx context.Context, kind models.Kind) ([]models.PendingEvent, error)
}

// SheetsWorker разбирает задачи sync_queue и применяет их к Google Sheets.
type SheetsWorker struct {
	db            *database.DB
	sheets        SheetsClient
	source        EventSource
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan models.SyncTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	retention     time.Duration
	now           func() time.Time
	jitter        func() float64
	logger        zerolog.Logger
}

// NewSheetsWorker создаёт воркер с настройками по умолчанию.
func NewSheetsWorker(db *database.DB, sheets SheetsClient, source EventSource, redisClient *redis.Client, retry RetryPolicy, logger *zerolog.Logger) *SheetsWorker {
	retry = retry.withDefaults()
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "sheets_worker").Logger()
	}

	return &SheetsWorker{
		db:            db,
		sheets:        sheets,
		source:        source,
		redis:         redisClient,
		retryPolicy:   retry,
		queue:         make(chan models.SyncTask, models.WorkerQueueSize),
		redisQueueKey: "sheets:queue",
		deadLetterKey: "sheets:deadletter",
		pollInterval:  2 * time.Second,
		batchSize:     20,
		retention:     7 * 24 * time.Hour,
		now:           time.Now,
		logger:        log,
	}
}

// Subscribe зеркалирует изменения хранилища и переходы статусов из шины.
func (w *SheetsWorker) Subscribe(bus domain.EventSubscriber) {
	bus.Subscribe(events.EventStatusChanged, func(ev *events.Event) error {
		var p events.StatusChangedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return w.EnqueueTask(context.Background(), SheetTask{Type: TaskUpsert, Event: &models.PendingEvent{
			ID:        p.EventID,
			Kind:      models.Kind(p.Kind),
			AccountID: p.AccountID,
			FireAt:    p.FireAt,
			Status:    models.Status(p.Status),
			LastError: p.Error,
			Attempts:  p.Attempts,
			UpdatedAt: p.ChangedAt,
		}})
	})
	bus.Subscribe(events.EventScheduleChanged, func(ev *events.Event) error {
		var p events.ScheduleChangedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		switch p.Reason {
		case "created", "rescheduled", "retry":
			return w.EnqueueTask(context.Background(), SheetTask{Type: TaskUpsert, EventID: p.EventID})
		case "cancelled":
			return w.EnqueueTask(context.Background(), SheetTask{Type: TaskDelete, EventID: p.EventID})
		}
		// удалено после done: строка остаётся как запись аудита
		return nil
	})
}

// EnqueueResync ставит полную перезапись листа из хранилища.
func (w *SheetsWorker) EnqueueResync(ctx context.Context) error {
	return w.EnqueueTask(ctx, SheetTask{Type: TaskResync})
}

// EnqueueTask сохраняет задачу в БД и ставит её в очередь Redis или в памяти.
func (w *SheetsWorker) EnqueueTask(ctx context.Context, task SheetTask) error {
	if task.Type == "" {
		return errors.New("task type is required")
	}

	payload := sheetTaskPayload{EventID: task.EventID, Event: task.Event}
	if payload.EventID == "" && task.Event != nil {
		payload.EventID = task.Event.ID
	}
	if payload.EventID == "" && task.Type != TaskResync {
		return errors.New("event id is required")
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	syncTask := models.SyncTask{
		TaskType: task.Type,
		EventID:  payload.EventID,
		Payload:  string(payloadBytes),
		Status:   models.SyncStatusPending,
	}
	if err := w.db.CreateSyncTask(ctx, &syncTask); err != nil {
		return fmt.Errorf("persist sync task: %w", err)
	}

	if w.redis != nil {
		if err := w.pushRedis(ctx, syncTask); err != nil {
			w.logger.Warn().Err(err).Msg("redis push failed, fallback to memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- syncTask:
	default:
		w.logger.Warn().Int64("task_id", syncTask.ID).Msg("in-memory queue full, task left to polling")
	}
	return nil
}

// Start запускает основной цикл до отмены ctx.
func (w *SheetsWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("started")
	defer w.logger.Info().Msg("stopped")

	lastPurge := w.now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		if w.now().Sub(lastPurge) > time.Hour {
			lastPurge = w.now()
			if n, err := w.db.PurgeCompletedSyncTasks(ctx, lastPurge.Add(-w.retention)); err != nil {
				w.logger.Error().Err(err).Msg("purge completed tasks")
			} else if n > 0 {
				w.logger.Debug().Int64("tasks", n).Msg("purged completed tasks")
			}
		}

		tasks, err := w.db.GetPendingSyncTasks(ctx, w.batchSize)
		if err != nil {
			w.logger.Error().Err(err).Msg("fetch pending tasks")
			w.sleep(ctx)
			continue
		}
		if len(tasks) == 0 {
			w.sleep(ctx)
			continue
		}

		for i := range tasks {
			w.processTask(ctx, &tasks[i])
		}
	}
}

func (w *SheetsWorker) sleep(ctx context.Context) {
	t := time.NewTimer(w.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *SheetsWorker) tryLocalQueue() (models.SyncTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.SyncTask{}, false
	}
}

func (w *SheetsWorker) tryRedis(ctx context.Context) (models.SyncTask, bool) {
	if w.redis == nil {
		return models.SyncTask{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) && !errors.Is(err, redis.Nil) {
			w.logger.Error().Err(err).Msg("redis BRPOP error")
		}
		return models.SyncTask{}, false
	}
	if len(res) != 2 {
		return models.SyncTask{}, false
	}
	var task models.SyncTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("decode redis task")
		return models.SyncTask{}, false
	}
	return task, true
}

func (w *SheetsWorker) processTask(ctx context.Context, task *models.SyncTask) {
	payload, err := w.decodePayload(task.Payload)
	if err != nil {
		w.failTask(ctx, task, fmt.Errorf("decode payload: %w", err))
		return
	}

	if err := w.handleSheetTask(ctx, task.TaskType, payload); err != nil {
		w.retryOrFail(ctx, task, err)
		return
	}

	if err := w.db.UpdateSyncTaskStatus(ctx, task.ID, models.SyncStatusCompleted, "", nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark completed")
	}
}

func (w *SheetsWorker) handleSheetTask(ctx context.Context, taskType string, payload sheetTaskPayload) error {
	switch taskType {
	case TaskUpsert:
		ev := payload.Event
		if ev == nil {
			if payload.EventID == "" {
				return errors.New("event id missing")
			}
			if w.source == nil {
				return errors.New("no event source for id-only upsert")
			}
			stored, err := w.source.GetEvent(ctx, payload.EventID)
			if errors.Is(err, database.ErrEventNotFound) {
				// удалено раньше, чем дошла очередь
				return nil
			}
			if err != nil {
				return err
			}
			ev = stored
		}
		return w.sheets.UpsertEvent(ctx, ev)
	case TaskDelete:
		if payload.EventID == "" {
			return errors.New("event id missing")
		}
		return w.sheets.DeleteEventRow(ctx, payload.EventID)
	case TaskResync:
		if w.source == nil {
			return errors.New("no event source for resync")
		}
		evs, err := w.source.ListEvents(ctx, "")
		if err != nil {
			return err
		}
		return w.sheets.ReplaceEvents(ctx, evs)
	default:
		return fmt.Errorf("unknown task type: %s", taskType)
	}
}

func (w *SheetsWorker) retryOrFail(ctx context.Context, task *models.SyncTask, cause error) {
	attempt := task.RetryCount + 1
	if w.retryPolicy.Exhausted(attempt) {
		w.failTask(ctx, task, cause)
		return
	}

	nextTime := w.retryPolicy.NextRetryAt(w.now(), attempt, w.jitter)
	w.logger.Warn().Err(cause).Int64("task_id", task.ID).Int("attempt", attempt).Time("next_retry_at", nextTime).Msg("task failed, will retry")
	if err := w.db.UpdateSyncTaskStatus(ctx, task.ID, models.SyncStatusRetry, cause.Error(), &nextTime); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark retry")
	}
}

func (w *SheetsWorker) failTask(ctx context.Context, task *models.SyncTask, cause error) {
	w.logger.Error().Err(cause).Int64("task_id", task.ID).Str("event_id", task.EventID).Msg("task failed permanently")
	if err := w.db.UpdateSyncTaskStatus(ctx, task.ID, models.SyncStatusFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark failed")
	}
	w.pushDeadLetter(ctx, task)
}

func (w *SheetsWorker) decodePayload(raw string) (sheetTaskPayload, error) {
	var payload sheetTaskPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return payload, err
	}
	return payload, nil
}

func (w *SheetsWorker) pushRedis(ctx context.Context, task models.SyncTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, w.redisQueueKey, data).Err()
}

func (w *SheetsWorker) pushDeadLetter(ctx context.Context, task *models.SyncTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("encode deadletter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("deadletter push")
	}
}
