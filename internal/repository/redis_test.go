package repository

import (
	"context"
	"testing"
	"time"

	"sparkles/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSettingsRepository(t *testing.T) {
	s := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	defer client.Close()

	repo := NewRedisSettingsRepository(client, time.Hour)
	ctx := context.Background()

	t.Run("SetAndGetSettings", func(t *testing.T) {
		settings := &models.AccountSettings{
			AccountID:            123,
			NotificationsEnabled: true,
			TelegramChatID:       777,
		}
		require.NoError(t, repo.SetSettings(ctx, settings))

		got, err := repo.GetSettings(ctx, 123)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, *settings, *got)
		assert.Equal(t, time.Hour, s.TTL("account_settings:123"))
	})

	t.Run("GetMissingSettings", func(t *testing.T) {
		got, err := repo.GetSettings(ctx, 999)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("CorruptSettings", func(t *testing.T) {
		require.NoError(t, s.Set("account_settings:500", "{not json"))
		_, err := repo.GetSettings(ctx, 500)
		assert.Error(t, err)
	})

	t.Run("ClearSettings", func(t *testing.T) {
		require.NoError(t, repo.SetSettings(ctx, &models.AccountSettings{AccountID: 456}))
		require.NoError(t, repo.ClearSettings(ctx, 456))

		got, err := repo.GetSettings(ctx, 456)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("RateLimit", func(t *testing.T) {
		accountID := int64(789)
		limit := 2
		window := time.Second

		allowed, err := repo.CheckRateLimit(ctx, accountID, limit, window)
		require.NoError(t, err)
		assert.True(t, allowed)

		allowed, err = repo.CheckRateLimit(ctx, accountID, limit, window)
		require.NoError(t, err)
		assert.True(t, allowed)

		allowed, err = repo.CheckRateLimit(ctx, accountID, limit, window)
		require.NoError(t, err)
		assert.False(t, allowed)

		s.FastForward(window + time.Millisecond)

		allowed, err = repo.CheckRateLimit(ctx, accountID, limit, window)
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("NilClient", func(t *testing.T) {
		repo := NewRedisSettingsRepository(nil, time.Hour)
		_, err := repo.GetSettings(ctx, 123)
		assert.ErrorContains(t, err, "redis client is nil")
		assert.Error(t, Ping(ctx, nil))
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, Ping(ctx, client))
	})

	t.Run("Unavailable", func(t *testing.T) {
		dead := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
		defer dead.Close()
		_, err := NewRedisSettingsRepository(dead, 0).GetSettings(ctx, 1)
		assert.Error(t, err)
	})
}
