package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// EventScheduleChanged публикуется после вставки, удаления или сброса события.
	EventScheduleChanged = "schedule_changed"
	// EventStatusChanged публикуется после записи перехода статуса.
	EventStatusChanged = "status_changed"
)

// ScheduleChangedPayload указывает вид, события которого изменились.
type ScheduleChangedPayload struct {
	Kind    string `json:"kind"`
	EventID string `json:"event_id,omitempty"`
	Reason  string `json:"reason"`
}

// StatusChangedPayload снимок события после смены статуса.
type StatusChangedPayload struct {
	EventID   string    `json:"event_id"`
	Kind      string    `json:"kind"`
	AccountID int64     `json:"account_id"`
	FireAt    time.Time `json:"fire_at"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	ChangedAt time.Time `json:"changed_at"`
}

// Event лёгкое доменное событие.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode разбирает JSON payload в v.
func (e *Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// EventHandler обработчик события.
type EventHandler func(event *Event) error

// EventBus pub/sub внутри процесса.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus создаёт пустую шину.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe регистрирует обработчик для типа события.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish вызывает подписчиков типа и объединяет их ошибки.
// Обработчики выполняются синхронно в горутине вызывающего и могут сами публиковать.
func (b *EventBus) Publish(event *Event) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var errs []error
	for _, handler := range handlers {
		if err := handler(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishJSON сериализует payload и публикует событие.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	return b.Publish(&event)
}

// NewJSONEvent собирает Event с JSON payload для ручной публикации.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
