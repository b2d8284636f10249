package repository

import (
	"context"
	"sync"
	"time"

	"sparkles/internal/models"

	"github.com/rs/zerolog"
)

const recoveryCheckInterval = time.Minute

// FailoverSettingsRepository работает через primary до первой ошибки, потом
// через fallback и раз в минуту пробует вернуться на primary.
type FailoverSettingsRepository struct {
	primary  SettingsRepository
	fallback SettingsRepository
	logger   *zerolog.Logger

	mu        sync.Mutex
	down      bool
	lastCheck time.Time
	now       func() time.Time
}

func NewFailoverSettingsRepository(primary, fallback SettingsRepository, logger *zerolog.Logger) *FailoverSettingsRepository {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverSettingsRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// usePrimary сообщает, идти ли следующему вызову в primary.
func (r *FailoverSettingsRepository) usePrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.down {
		return true
	}
	// Пробуем восстановиться раз в минуту
	if r.now().Sub(r.lastCheck) > recoveryCheckInterval {
		r.lastCheck = r.now()
		return true
	}
	return false
}

func (r *FailoverSettingsRepository) markDown(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.down {
		r.logger.Error().Err(err).Msg("Primary settings repository failed, falling back to memory")
	}
	r.down = true
	r.lastCheck = r.now()
}

func (r *FailoverSettingsRepository) markUp() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		r.logger.Info().Msg("Primary settings repository recovered")
	}
	r.down = false
}

// Degraded сообщает, что сейчас работает fallback.
func (r *FailoverSettingsRepository) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.down
}

func (r *FailoverSettingsRepository) GetSettings(ctx context.Context, accountID int64) (*models.AccountSettings, error) {
	if r.usePrimary() {
		settings, err := r.primary.GetSettings(ctx, accountID)
		if err == nil {
			r.markUp()
			return settings, nil
		}
		r.markDown(err)
	}
	return r.fallback.GetSettings(ctx, accountID)
}

func (r *FailoverSettingsRepository) SetSettings(ctx context.Context, settings *models.AccountSettings) error {
	if r.usePrimary() {
		err := r.primary.SetSettings(ctx, settings)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.SetSettings(ctx, settings)
}

func (r *FailoverSettingsRepository) ClearSettings(ctx context.Context, accountID int64) error {
	if r.usePrimary() {
		err := r.primary.ClearSettings(ctx, accountID)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.ClearSettings(ctx, accountID)
}

func (r *FailoverSettingsRepository) CheckRateLimit(ctx context.Context, accountID int64, limit int, window time.Duration) (bool, error) {
	if r.usePrimary() {
		allowed, err := r.primary.CheckRateLimit(ctx, accountID, limit, window)
		if err == nil {
			r.markUp()
			return allowed, nil
		}
		r.markDown(err)
	}
	return r.fallback.CheckRateLimit(ctx, accountID, limit, window)
}
