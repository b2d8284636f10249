package repository

import (
	"context"
	"sync"
	"time"

	"sparkles/internal/models"
)

type MemorySettingsRepository struct {
	settings sync.Map

	mu         sync.Mutex
	rateLimits map[int64]*rateLimitEntry
	now        func() time.Time
}

func NewMemorySettingsRepository() *MemorySettingsRepository {
	return &MemorySettingsRepository{
		rateLimits: make(map[int64]*rateLimitEntry),
		now:        time.Now,
	}
}

func (r *MemorySettingsRepository) GetSettings(_ context.Context, accountID int64) (*models.AccountSettings, error) {
	val, ok := r.settings.Load(accountID)
	if !ok {
		return nil, nil
	}
	// копия, чтобы вызывающий не менял сохранённое значение
	cp := *val.(*models.AccountSettings)
	return &cp, nil
}

func (r *MemorySettingsRepository) SetSettings(_ context.Context, settings *models.AccountSettings) error {
	cp := *settings
	r.settings.Store(settings.AccountID, &cp)
	return nil
}

func (r *MemorySettingsRepository) ClearSettings(_ context.Context, accountID int64) error {
	r.settings.Delete(accountID)
	return nil
}

type rateLimitEntry struct {
	count     int
	expiresAt time.Time
}

func (r *MemorySettingsRepository) CheckRateLimit(_ context.Context, accountID int64, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, ok := r.rateLimits[accountID]
	if !ok || !now.Before(entry.expiresAt) {
		entry = &rateLimitEntry{expiresAt: now.Add(window)}
		r.rateLimits[accountID] = entry
	}
	entry.count++

	return entry.count <= limit, nil
}
