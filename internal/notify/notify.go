// Package notify доставляет пользователю сообщения о сработавших событиях.
package notify

import (
	"context"
	"errors"
	"time"

	"sparkles/internal/metrics"
	"sparkles/internal/models"
	"sparkles/internal/repository"

	"github.com/rs/zerolog"
)

// Permission может ли канал достучаться до аккаунта.
type Permission string

const (
	PermissionGranted     Permission = "granted"
	PermissionDenied      Permission = "denied"
	PermissionUnsupported Permission = "unsupported"
)

// Notifier доставляет одно сообщение аккаунту.
type Notifier interface {
	Notify(ctx context.Context, accountID int64, title, body string) error
}

// Sink канал доставки со своей моделью разрешений.
type Sink interface {
	Name() string
	Permission(ctx context.Context, accountID int64) Permission
	Send(ctx context.Context, accountID int64, title, body string) error
}

// Gate перед доставкой проверяет настройки аккаунта, разрешение канала и
// лимит частоты. Отброшенные сообщения не считаются ошибкой.
type Gate struct {
	sink     Sink
	settings repository.SettingsRepository
	limit    int
	window   time.Duration
	logger   *zerolog.Logger
}

func NewGate(sink Sink, settings repository.SettingsRepository, limit int, window time.Duration, logger *zerolog.Logger) *Gate {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if limit <= 0 {
		limit = models.NotifyRateLimit
	}
	if window <= 0 {
		window = models.NotifyRateWindow
	}
	return &Gate{sink: sink, settings: settings, limit: limit, window: window, logger: logger}
}

func (g *Gate) Notify(ctx context.Context, accountID int64, title, body string) error {
	name := g.sink.Name()
	log := g.logger.With().Str("sink", name).Int64("account_id", accountID).Logger()

	settings := loadSettings(ctx, g.settings, accountID, &log)
	if !settings.NotificationsEnabled {
		metrics.IncNotification(name, "disabled")
		log.Debug().Msg("notifications disabled for account")
		return nil
	}

	// без разрешения квоту не тратим
	if perm := g.sink.Permission(ctx, accountID); perm != PermissionGranted {
		metrics.IncNotification(name, string(perm))
		log.Debug().Str("permission", string(perm)).Msg("notification skipped")
		return nil
	}

	if g.settings != nil {
		allowed, err := g.settings.CheckRateLimit(ctx, accountID, g.limit, g.window)
		if err != nil {
			log.Warn().Err(err).Msg("rate limit check failed")
		} else if !allowed {
			metrics.IncNotification(name, "rate_limited")
			log.Warn().Msg("notification rate limit exceeded")
			return nil
		}
	}

	if err := g.sink.Send(ctx, accountID, title, body); err != nil {
		metrics.IncNotification(name, "failed")
		return err
	}
	metrics.IncNotification(name, "sent")
	return nil
}

// Multi рассылает во все каналы, которые могут достучаться до аккаунта.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Name() string { return "multi" }

// Permission: granted если хоть один канал granted, denied если кто-то
// denied и никто не granted, иначе unsupported.
func (m *Multi) Permission(ctx context.Context, accountID int64) Permission {
	result := PermissionUnsupported
	for _, s := range m.sinks {
		switch s.Permission(ctx, accountID) {
		case PermissionGranted:
			return PermissionGranted
		case PermissionDenied:
			result = PermissionDenied
		}
	}
	return result
}

func (m *Multi) Send(ctx context.Context, accountID int64, title, body string) error {
	var errs []error
	for _, s := range m.sinks {
		if s.Permission(ctx, accountID) != PermissionGranted {
			continue
		}
		if err := s.Send(ctx, accountID, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func loadSettings(ctx context.Context, repo repository.SettingsRepository, accountID int64, log *zerolog.Logger) *models.AccountSettings {
	if repo == nil {
		return models.DefaultAccountSettings(accountID)
	}
	settings, err := repo.GetSettings(ctx, accountID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load account settings, using defaults")
		return models.DefaultAccountSettings(accountID)
	}
	if settings == nil {
		return models.DefaultAccountSettings(accountID)
	}
	return settings
}
