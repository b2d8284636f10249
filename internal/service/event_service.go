package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sparkles/internal/database"
	"sparkles/internal/domain"
	"sparkles/internal/events"
	"sparkles/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidEvent = errors.New("invalid event")
	ErrEventFiring  = errors.New("event is firing")
	ErrEventDone    = errors.New("event already fired")
)

// EventService пишет в хранилище событий. О каждом изменении сообщает
// в шину, чтобы watcher пересмотрел расписание.
type EventService struct {
	store    domain.EventStore
	eventBus domain.EventPublisher
	now      func() time.Time
	logger   *zerolog.Logger
}

func NewEventService(store domain.EventStore, eventBus domain.EventPublisher, logger *zerolog.Logger) *EventService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &EventService{
		store:    store,
		eventBus: eventBus,
		now:      time.Now,
		logger:   logger,
	}
}

// ScheduleSend ставит черновик на отправку в момент at. Прошедший момент
// срабатывает при ближайшем observe.
func (s *EventService) ScheduleSend(ctx context.Context, accountID int64, draft models.SendPayload, at time.Time) (*models.PendingEvent, error) {
	if strings.TrimSpace(draft.DraftID) == "" {
		return nil, fmt.Errorf("%w: draft_id is required", ErrInvalidEvent)
	}
	if len(draft.To) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidEvent)
	}
	return s.create(ctx, models.KindSend, accountID, draft, at)
}

// Snooze прячет письмо до момента until.
func (s *EventService) Snooze(ctx context.Context, accountID int64, p models.SnoozePayload, until time.Time) (*models.PendingEvent, error) {
	if strings.TrimSpace(p.MessageID) == "" {
		return nil, fmt.Errorf("%w: message_id is required", ErrInvalidEvent)
	}
	return s.create(ctx, models.KindSnooze, accountID, p, until)
}

// Cancel удаляет событие. Событие в firing отменить нельзя, действие
// уже выполняется.
func (s *EventService) Cancel(ctx context.Context, id string) error {
	ev, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	if ev.Status == models.StatusFiring {
		return ErrEventFiring
	}
	// событие могли взять в работу после чтения
	err = s.store.DeleteEventIn(ctx, id, models.StatusPending, models.StatusFailed, models.StatusDone)
	if errors.Is(err, database.ErrInvalidTransition) {
		return fmt.Errorf("%w: %w", ErrEventFiring, err)
	}
	if err != nil {
		return err
	}
	s.publishChange(ev.Kind, id, "cancelled")
	return nil
}

// Retry возвращает failed событие в pending. Время уже прошло,
// поэтому оно срабатывает при ближайшем observe.
func (s *EventService) Retry(ctx context.Context, id string) (*models.PendingEvent, error) {
	ev, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.ResetEvent(ctx, id); err != nil {
		return nil, err
	}
	s.publishChange(ev.Kind, id, "retry")
	return s.store.GetEvent(ctx, id)
}

// Reschedule заменяет событие копией на новый момент. fire_at не меняется,
// поэтому у копии новый id. Переносятся только pending и failed:
// done уже доставлено.
func (s *EventService) Reschedule(ctx context.Context, id string, at time.Time) (*models.PendingEvent, error) {
	if at.IsZero() {
		return nil, fmt.Errorf("%w: fire time is required", ErrInvalidEvent)
	}
	old, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	switch old.Status {
	case models.StatusFiring:
		return nil, ErrEventFiring
	case models.StatusDone:
		return nil, fmt.Errorf("%w: %s", ErrEventDone, id)
	}

	ev := s.newEvent(old.Kind, old.AccountID, old.Payload, at)
	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return nil, err
	}
	if err := s.store.DeleteEventIn(ctx, id, models.StatusPending, models.StatusFailed); err != nil {
		// откатываем копию, чтобы не сработало дважды
		if rbErr := s.store.DeleteEvent(ctx, ev.ID); rbErr != nil {
			s.logger.Error().Err(rbErr).Str("event_id", ev.ID).Msg("reschedule rollback failed")
		}
		if errors.Is(err, database.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %w", ErrEventFiring, err)
		}
		return nil, err
	}

	s.logger.Info().
		Str("old_id", id).
		Str("event_id", ev.ID).
		Time("fire_at", ev.FireAt).
		Msg("event rescheduled")
	s.publishChange(ev.Kind, ev.ID, "rescheduled")
	return ev, nil
}

func (s *EventService) Get(ctx context.Context, id string) (*models.PendingEvent, error) {
	return s.store.GetEvent(ctx, id)
}

// List возвращает все события вида kind, пустой kind значит все.
func (s *EventService) List(ctx context.Context, kind models.Kind) ([]models.PendingEvent, error) {
	if kind != "" && !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, kind)
	}
	return s.store.ListEvents(ctx, kind)
}

// Pending возвращает события, которые ещё видит пользователь.
func (s *EventService) Pending(ctx context.Context, kind models.Kind) ([]models.PendingEvent, error) {
	if kind != "" {
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, kind)
		}
		return s.store.GetPendingEvents(ctx, kind)
	}

	var all []models.PendingEvent
	for _, k := range models.Kinds() {
		evs, err := s.store.GetPendingEvents(ctx, k)
		if err != nil {
			return nil, err
		}
		all = append(all, evs...)
	}
	return all, nil
}

func (s *EventService) create(ctx context.Context, kind models.Kind, accountID int64, payload interface{}, at time.Time) (*models.PendingEvent, error) {
	if accountID <= 0 {
		return nil, fmt.Errorf("%w: account_id must be positive", ErrInvalidEvent)
	}
	if at.IsZero() {
		return nil, fmt.Errorf("%w: fire time is required", ErrInvalidEvent)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	ev := s.newEvent(kind, accountID, raw, at)
	if err := s.store.CreateEvent(ctx, ev); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("event_id", ev.ID).
		Str("kind", string(kind)).
		Int64("account_id", accountID).
		Time("fire_at", ev.FireAt).
		Msg("event scheduled")
	s.publishChange(kind, ev.ID, "created")
	return ev, nil
}

func (s *EventService) newEvent(kind models.Kind, accountID int64, payload json.RawMessage, at time.Time) *models.PendingEvent {
	now := s.now().UTC()
	return &models.PendingEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		AccountID: accountID,
		// хранилище держит миллисекунды
		FireAt:    at.UTC().Truncate(time.Millisecond),
		Status:    models.StatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *EventService) publishChange(kind models.Kind, id, reason string) {
	if s.eventBus == nil {
		return
	}

	payload := events.ScheduleChangedPayload{
		Kind:    string(kind),
		EventID: id,
		Reason:  reason,
	}
	if err := s.eventBus.PublishJSON(events.EventScheduleChanged, payload); err != nil {
		s.logger.Error().Err(err).Str("event_id", id).Str("reason", reason).Msg("publish event error")
	}
}
