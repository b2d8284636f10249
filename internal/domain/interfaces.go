package domain

import (
	"context"

	"sparkles/internal/events"
	"sparkles/internal/models"
)

// EventStore источник истины для отложенных событий.
type EventStore interface {
	CreateEvent(ctx context.Context, ev *models.PendingEvent) error
	GetEvent(ctx context.Context, id string) (*models.PendingEvent, error)
	ListEvents(ctx context.Context, kind models.Kind) ([]models.PendingEvent, error)
	GetPendingEvents(ctx context.Context, kind models.Kind) ([]models.PendingEvent, error)
	UpdateEventStatus(ctx context.Context, id string, status models.Status, errMsg string) error
	ResetEvent(ctx context.Context, id string) error
	ResetStaleFiring(ctx context.Context, kind models.Kind) (int64, error)
	DeleteDoneEvents(ctx context.Context, kind models.Kind) (int64, error)
	DeleteEvent(ctx context.Context, id string) error
	DeleteEventIn(ctx context.Context, id string, statuses ...models.Status) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type EventSubscriber interface {
	Subscribe(eventType string, handler events.EventHandler)
}

// MailSender выполняет сетевую часть отложенных действий.
type MailSender interface {
	SendDraft(ctx context.Context, eventID string, accountID int64, p models.SendPayload) error
	Unsnooze(ctx context.Context, eventID string, accountID int64, p models.SnoozePayload) error
}
