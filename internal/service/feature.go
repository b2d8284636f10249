package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sparkles/internal/domain"
	"sparkles/internal/models"
	"sparkles/internal/scheduler"
)

// Feature профиль вида для планировщика: действие, текст уведомления
// и задержка удаления.
type Feature struct {
	Kind        models.Kind
	Execute     scheduler.Executor
	Message     scheduler.MessageFunc
	RemoveGrace time.Duration
}

// SendFeature отправляет отложенные черновики.
func SendFeature(mail domain.MailSender) Feature {
	return Feature{
		Kind: models.KindSend,
		Execute: func(ctx context.Context, ev models.PendingEvent) error {
			var p models.SendPayload
			if err := decodePayload(ev, &p); err != nil {
				return err
			}
			return mail.SendDraft(ctx, ev.ID, ev.AccountID, p)
		},
		Message: func(ev models.PendingEvent, status models.Status, cause error) (string, string, bool) {
			var p models.SendPayload
			_ = decodePayload(ev, &p)
			subject := subjectOrDefault(p.Subject)
			switch status {
			case models.StatusDone:
				if len(p.To) > 0 {
					return "Message sent", fmt.Sprintf("%s to %s", subject, strings.Join(p.To, ", ")), true
				}
				return "Message sent", subject, true
			case models.StatusFailed:
				return "Scheduled send failed", fmt.Sprintf("%s: %v", subject, cause), true
			}
			return "", "", false
		},
	}
}

// SnoozeFeature возвращает отложенные письма во входящие.
func SnoozeFeature(mail domain.MailSender) Feature {
	return Feature{
		Kind: models.KindSnooze,
		Execute: func(ctx context.Context, ev models.PendingEvent) error {
			var p models.SnoozePayload
			if err := decodePayload(ev, &p); err != nil {
				return err
			}
			return mail.Unsnooze(ctx, ev.ID, ev.AccountID, p)
		},
		Message: func(ev models.PendingEvent, status models.Status, cause error) (string, string, bool) {
			var p models.SnoozePayload
			_ = decodePayload(ev, &p)
			subject := subjectOrDefault(p.Subject)
			switch status {
			case models.StatusDone:
				return "Snoozed message is back", subject, true
			case models.StatusFailed:
				return "Could not unsnooze message", fmt.Sprintf("%s: %v", subject, cause), true
			}
			return "", "", false
		},
	}
}

func decodePayload(ev models.PendingEvent, v interface{}) error {
	if len(ev.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", ev.ID)
	}
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("event %s payload: %w", ev.ID, err)
	}
	return nil
}

func subjectOrDefault(subject string) string {
	if strings.TrimSpace(subject) == "" {
		return "(no subject)"
	}
	return subject
}
