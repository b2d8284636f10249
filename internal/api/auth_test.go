package api

import (
	"context"
	"testing"

	"sparkles/internal/config"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestAuthInterceptor(t *testing.T) {
	cfg := config.APIConfig{
		Enabled: true,
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "x-api-key",
			HeaderExtra:  "x-api-extra",
			APIKeys: []config.APIClientKey{
				{Key: "valid-key", Extra: "valid-extra", Permissions: []string{permReadEvents}},
			},
		},
		RateLimit: config.APIRateLimitConfig{
			RPS:   100,
			Burst: 200,
		},
	}

	auth := NewAuthInterceptor(&cfg)
	interceptor := auth.Unary()

	handler := func(_ context.Context, req any) (any, error) {
		return "ok", nil
	}

	info := &grpc.UnaryServerInfo{FullMethod: methodListPending}

	t.Run("Success", func(t *testing.T) {
		md := metadata.Pairs("x-api-key", "valid-key", "x-api-extra", "valid-extra")
		ctx := metadata.NewIncomingContext(context.Background(), md)
		resp, err := interceptor(ctx, "req", info, handler)
		assert.NoError(t, err)
		assert.Equal(t, "ok", resp)
	})

	t.Run("MissingMetadata", func(t *testing.T) {
		_, err := interceptor(context.Background(), "req", info, handler)
		assert.Error(t, err)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("MissingHeaders", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs())
		_, err := interceptor(ctx, "req", info, handler)
		assert.Error(t, err)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("InvalidKey", func(t *testing.T) {
		md := metadata.Pairs("x-api-key", "invalid", "x-api-extra", "valid-extra")
		ctx := metadata.NewIncomingContext(context.Background(), md)
		_, err := interceptor(ctx, "req", info, handler)
		assert.Error(t, err)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("InvalidExtra", func(t *testing.T) {
		md := metadata.Pairs("x-api-key", "valid-key", "x-api-extra", "invalid")
		ctx := metadata.NewIncomingContext(context.Background(), md)
		_, err := interceptor(ctx, "req", info, handler)
		assert.Error(t, err)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("PermissionDenied", func(t *testing.T) {
		md := metadata.Pairs("x-api-key", "valid-key", "x-api-extra", "valid-extra")
		ctx := metadata.NewIncomingContext(context.Background(), md)
		badInfo := &grpc.UnaryServerInfo{FullMethod: methodFireNow}
		_, err := interceptor(ctx, "req", badInfo, handler)
		assert.Error(t, err)
		assert.Equal(t, codes.PermissionDenied, status.Code(err))
	})

	t.Run("HealthExempt", func(t *testing.T) {
		healthInfo := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
		resp, err := interceptor(context.Background(), "req", healthInfo, handler)
		assert.NoError(t, err)
		assert.Equal(t, "ok", resp)
	})
}

func TestAuthInterceptor_RateLimit(t *testing.T) {
	cfg := config.APIConfig{
		Enabled: true,
		Auth:    config.APIAuthConfig{Enabled: false},
		RateLimit: config.APIRateLimitConfig{
			RPS:   1,
			Burst: 1,
		},
	}

	auth := NewAuthInterceptor(&cfg)
	interceptor := auth.Unary()
	info := &grpc.UnaryServerInfo{FullMethod: "test"}
	handler := func(_ context.Context, req any) (any, error) { return "ok", nil }

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "key1"))

	// First request - ok
	_, err := interceptor(ctx, "req", info, handler)
	assert.NoError(t, err)

	// Second request - blocked
	_, err = interceptor(ctx, "req", info, handler)
	assert.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	// другой ключ - своя корзина
	other := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "key2"))
	_, err = interceptor(other, "req", info, handler)
	assert.NoError(t, err)
}

func TestLoggingUnaryInterceptor(t *testing.T) {
	interceptor := LoggingUnaryInterceptor(nil)
	handler := func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: "test"}

	// Test basic execution
	resp, err := interceptor(context.Background(), "req", info, handler)
	assert.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestRecoveryUnaryInterceptor(t *testing.T) {
	interceptor := RecoveryUnaryInterceptor(nil)
	info := &grpc.UnaryServerInfo{FullMethod: "test"}

	_, err := interceptor(context.Background(), "req", info, func(context.Context, any) (any, error) {
		panic("boom")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestChainUnaryInterceptors_Order(t *testing.T) {
	var calls []string
	mark := func(name string) grpc.UnaryServerInterceptor {
		return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			calls = append(calls, name)
			return handler(ctx, req)
		}
	}

	chain := ChainUnaryInterceptors(mark("a"), mark("b"))
	_, err := chain(context.Background(), "req", &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
		calls = append(calls, "handler")
		return nil, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "handler"}, calls)
}

func TestRequiredPermission(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{methodListPending, permReadEvents},
		{methodFireNow, permWriteEvents},
		{"other", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, requiredPermission(tt.method))
	}
}

func TestKeyring_Check(t *testing.T) {
	k := newKeyring(config.APIAuthConfig{
		APIKeys: []config.APIClientKey{
			{Key: "admin", Extra: "x"},
			{Key: "reader", Extra: "y", Permissions: []string{permReadEvents, " " + permReadSettings}},
		},
	})

	assert.NoError(t, k.check("admin", "x", permWriteSettings))
	assert.NoError(t, k.check("reader", "y", permReadSettings))
	assert.ErrorIs(t, k.check("reader", "y", permWriteEvents), errPermissionDenied)
	assert.ErrorIs(t, k.check("", "y", ""), errMissingHeaders)
	assert.ErrorIs(t, k.check("nobody", "y", ""), errInvalidKey)
	assert.ErrorIs(t, k.check("reader", "x", ""), errInvalidExtra)

	assert.Equal(t, apiKeyHeaderDefault, k.apiKeyHeader())
	assert.Equal(t, apiExtraHeaderDefault, k.extraHeader())
}
