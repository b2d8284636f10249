package repository

import (
	"context"
	"time"

	"sparkles/internal/models"
)

// SettingsRepository хранит настройки аккаунтов и лимиты уведомлений.
// GetSettings возвращает nil, nil, если аккаунт ничего не сохранял.
type SettingsRepository interface {
	GetSettings(ctx context.Context, accountID int64) (*models.AccountSettings, error)
	SetSettings(ctx context.Context, settings *models.AccountSettings) error
	ClearSettings(ctx context.Context, accountID int64) error
	CheckRateLimit(ctx context.Context, accountID int64, limit int, window time.Duration) (bool, error)
}
