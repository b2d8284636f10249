package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sparkles/internal/config"
	"sparkles/internal/models"

	"github.com/redis/go-redis/v9"
)

type RedisSettingsRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisSettingsRepository(client *redis.Client, ttl time.Duration) *RedisSettingsRepository {
	if ttl <= 0 {
		ttl = models.DefaultSettingsTTL
	}
	return &RedisSettingsRepository{
		client: client,
		ttl:    ttl,
	}
}

func settingsKey(accountID int64) string {
	return fmt.Sprintf("account_settings:%d", accountID)
}

func (r *RedisSettingsRepository) GetSettings(ctx context.Context, accountID int64) (*models.AccountSettings, error) {
	if r.client == nil {
		return nil, errors.New("redis client is nil")
	}
	val, err := r.client.Get(ctx, settingsKey(accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings from redis: %w", err)
	}

	var settings models.AccountSettings
	if err := json.Unmarshal([]byte(val), &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &settings, nil
}

func (r *RedisSettingsRepository) SetSettings(ctx context.Context, settings *models.AccountSettings) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := r.client.Set(ctx, settingsKey(settings.AccountID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set settings in redis: %w", err)
	}
	return nil
}

func (r *RedisSettingsRepository) ClearSettings(ctx context.Context, accountID int64) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	if err := r.client.Del(ctx, settingsKey(accountID)).Err(); err != nil {
		return fmt.Errorf("failed to delete settings from redis: %w", err)
	}
	return nil
}

// CheckRateLimit считает уведомления аккаунта в фиксированном окне (INCR + EXPIRE).
func (r *RedisSettingsRepository) CheckRateLimit(ctx context.Context, accountID int64, limit int, window time.Duration) (bool, error) {
	if r.client == nil {
		return false, errors.New("redis client is nil")
	}
	key := fmt.Sprintf("notify_rate:%d", accountID)

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("failed to set rate limit window: %w", err)
		}
	}

	return count <= int64(limit), nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return errors.New("redis client is nil")
	}
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
