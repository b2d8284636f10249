package models

import "time"

const (
	// MaxTimerDelay самая длинная задержка одного таймера (2^31-1 мс).
	MaxTimerDelay = time.Duration(1<<31-1) * time.Millisecond

	// DefaultSweepInterval ограничивает опоздание событий дальше MaxTimerDelay.
	DefaultSweepInterval = 30 * time.Second

	// DefaultRemoveGrace сколько выполненное событие видно до удаления.
	DefaultRemoveGrace = 1500 * time.Millisecond

	// DefaultSettingsTTL время жизни настроек аккаунта в Redis
	DefaultSettingsTTL = 30 * 24 * time.Hour

	// NotifyRateLimit количество уведомлений в окне
	NotifyRateLimit = 20

	// NotifyRateWindow окно ограничения частоты уведомлений
	NotifyRateWindow = time.Minute

	// WorkerQueueSize размер очереди воркера
	WorkerQueueSize = 128

	// MailIdempotencyTTL сколько id выполненного события блокирует повторную отправку.
	MailIdempotencyTTL = 7 * 24 * time.Hour
)
