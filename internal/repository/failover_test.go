package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"sparkles/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) GetSettings(ctx context.Context, accountID int64) (*models.AccountSettings, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AccountSettings), args.Error(1)
}

func (m *mockRepo) SetSettings(ctx context.Context, settings *models.AccountSettings) error {
	args := m.Called(ctx, settings)
	return args.Error(0)
}

func (m *mockRepo) ClearSettings(ctx context.Context, accountID int64) error {
	args := m.Called(ctx, accountID)
	return args.Error(0)
}

func (m *mockRepo) CheckRateLimit(ctx context.Context, accountID int64, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, accountID, limit, window)
	return args.Bool(0), args.Error(1)
}

func (r *FailoverSettingsRepository) setDown(down bool, lastCheck time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
	r.lastCheck = lastCheck
}

func TestFailoverSettingsRepository(t *testing.T) {
	primary := new(mockRepo)
	fallback := new(mockRepo)
	logger := zerolog.New(io.Discard)
	repo := NewFailoverSettingsRepository(primary, fallback, &logger)
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		settings := &models.AccountSettings{AccountID: 1}
		primary.On("GetSettings", ctx, int64(1)).Return(settings, nil).Once()

		got, err := repo.GetSettings(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, settings, got)
		assert.False(t, repo.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		settings := &models.AccountSettings{AccountID: 2}
		primary.On("GetSettings", ctx, int64(2)).Return(nil, errors.New("fail")).Once()
		fallback.On("GetSettings", ctx, int64(2)).Return(settings, nil).Once()

		got, err := repo.GetSettings(ctx, 2)
		assert.NoError(t, err)
		assert.Equal(t, settings, got)
		assert.True(t, repo.Degraded())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("DownSkipsPrimary", func(t *testing.T) {
		repo.setDown(true, time.Now())
		settings := &models.AccountSettings{AccountID: 44}
		fallback.On("SetSettings", ctx, settings).Return(nil).Once()
		fallback.On("ClearSettings", ctx, int64(55)).Return(nil).Once()
		fallback.On("CheckRateLimit", ctx, int64(66), 10, time.Minute).Return(true, nil).Once()

		assert.NoError(t, repo.SetSettings(ctx, settings))
		assert.NoError(t, repo.ClearSettings(ctx, 55))
		allowed, err := repo.CheckRateLimit(ctx, 66, 10, time.Minute)
		assert.NoError(t, err)
		assert.True(t, allowed)
		fallback.AssertExpectations(t)
		primary.AssertNotCalled(t, "SetSettings", ctx, settings)
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		repo.setDown(true, time.Now().Add(-2*time.Minute))

		settings := &models.AccountSettings{AccountID: 3}
		primary.On("GetSettings", ctx, int64(3)).Return(settings, nil).Once()

		got, err := repo.GetSettings(ctx, 3)
		assert.NoError(t, err)
		assert.Equal(t, settings, got)
		assert.False(t, repo.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("RecoveryAttemptFail", func(t *testing.T) {
		repo.setDown(true, time.Now().Add(-2*time.Minute))

		primary.On("GetSettings", ctx, int64(33)).Return(nil, errors.New("still fail")).Once()
		fallback.On("GetSettings", ctx, int64(33)).Return(nil, nil).Once()

		_, err := repo.GetSettings(ctx, 33)
		assert.NoError(t, err)
		assert.True(t, repo.Degraded())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("WritesFailover", func(t *testing.T) {
		repo.setDown(false, time.Time{})
		settings := &models.AccountSettings{AccountID: 4}
		primary.On("SetSettings", ctx, settings).Return(errors.New("fail")).Once()
		fallback.On("SetSettings", ctx, settings).Return(nil).Once()

		assert.NoError(t, repo.SetSettings(ctx, settings))
		assert.True(t, repo.Degraded())

		repo.setDown(false, time.Time{})
		primary.On("ClearSettings", ctx, int64(5)).Return(errors.New("fail")).Once()
		fallback.On("ClearSettings", ctx, int64(5)).Return(nil).Once()
		assert.NoError(t, repo.ClearSettings(ctx, 5))

		repo.setDown(false, time.Time{})
		primary.On("CheckRateLimit", ctx, int64(6), 10, time.Minute).Return(false, errors.New("fail")).Once()
		fallback.On("CheckRateLimit", ctx, int64(6), 10, time.Minute).Return(true, nil).Once()
		allowed, err := repo.CheckRateLimit(ctx, 6, 10, time.Minute)
		assert.NoError(t, err)
		assert.True(t, allowed)

		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})
}
