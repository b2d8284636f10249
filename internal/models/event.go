package models

import (
	"encoding/json"
	"time"
)

// Status состояние отложенного события.
type Status string

const (
	StatusPending Status = "pending"
	StatusFiring  Status = "firing"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal сообщает, завершает ли статус попытку.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Valid сообщает, известен ли статус.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFiring, StatusDone, StatusFailed:
		return true
	default:
		return false
	}
}

// Kind вид события, определяет фичу.
type Kind string

const (
	KindSend   Kind = "send"
	KindSnooze Kind = "snooze"
)

// Kinds все виды в порядке отображения.
func Kinds() []Kind {
	return []Kind{KindSend, KindSnooze}
}

// Valid сообщает, известен ли вид.
func (k Kind) Valid() bool {
	return k == KindSend || k == KindSnooze
}

// PendingEvent действие по времени, хранится во внешнем хранилище.
// FireAt после создания не меняется, перенос это удаление и новое событие.
type PendingEvent struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	AccountID int64           `json:"account_id"`
	FireAt    time.Time       `json:"fire_at"`
	Status    Status          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Due сообщает, пора ли событию сработать в момент now.
func (e *PendingEvent) Due(now time.Time) bool {
	return !e.FireAt.After(now)
}

// FireAtMillis возвращает FireAt в миллисекундах эпохи.
func (e *PendingEvent) FireAtMillis() int64 {
	return e.FireAt.UnixMilli()
}

// SendPayload данные отложенной отправки.
type SendPayload struct {
	DraftID string   `json:"draft_id"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body,omitempty"`
}

// SnoozePayload данные возврата отложенного письма.
type SnoozePayload struct {
	MessageID string `json:"message_id"`
	Subject   string `json:"subject,omitempty"`
	Folder    string `json:"folder,omitempty"`
}
