package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"sparkles/internal/config"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	apiKeyHeaderDefault   = "x-api-key"
	apiExtraHeaderDefault = "x-api-extra"
	clientKeyUnknown      = "unknown"

	permReadEvents    = "read:events"
	permWriteEvents   = "write:events"
	permReadSettings  = "read:settings"
	permWriteSettings = "write:settings"
)

var (
	errMissingHeaders   = errors.New("missing api key headers")
	errInvalidKey       = errors.New("invalid api key")
	errInvalidExtra     = errors.New("invalid extra header")
	errPermissionDenied = errors.New("permission denied")
	errRateLimited      = errors.New("rate limit exceeded")
)

// keyring проверяет пары ключей и права для HTTP и gRPC.
type keyring struct {
	cfg     config.APIAuthConfig
	clients map[string]config.APIClientKey
}

func newKeyring(cfg config.APIAuthConfig) *keyring {
	m := make(map[string]config.APIClientKey, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		m[k.Key] = k
	}
	return &keyring{cfg: cfg, clients: m}
}

func (k *keyring) apiKeyHeader() string {
	h := strings.ToLower(strings.TrimSpace(k.cfg.HeaderAPIKey))
	if h == "" {
		return apiKeyHeaderDefault
	}
	return h
}

func (k *keyring) extraHeader() string {
	h := strings.ToLower(strings.TrimSpace(k.cfg.HeaderExtra))
	if h == "" {
		return apiExtraHeaderDefault
	}
	return h
}

// check проверяет пару ключей и нужное право.
// Ключ без списка прав может всё.
func (k *keyring) check(apiKey, extra, required string) error {
	if apiKey == "" || extra == "" {
		return errMissingHeaders
	}
	client, ok := k.clients[apiKey]
	if !ok {
		return errInvalidKey
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return errInvalidExtra
	}

	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

type AuthInterceptor struct {
	cfg     *config.APIConfig
	keys    *keyring
	limiter *rateLimiter
}

func NewAuthInterceptor(cfg *config.APIConfig) *AuthInterceptor {
	return &AuthInterceptor{
		cfg:     cfg,
		keys:    newKeyring(cfg.Auth),
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !a.cfg.Enabled || isHealthMethod(info.FullMethod) {
			return handler(ctx, req)
		}

		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(ctx, info.FullMethod); err != nil {
				return nil, err
			}
		}
		if !a.limiter.allow(a.clientKey(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, errRateLimited.Error())
		}

		return handler(ctx, req)
	}
}

func (a *AuthInterceptor) checkAuth(ctx context.Context, fullMethod string) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	apiKey := first(md.Get(a.keys.apiKeyHeader()))
	extra := first(md.Get(a.keys.extraHeader()))
	err := a.keys.check(apiKey, extra, requiredPermission(fullMethod))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errPermissionDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	default:
		return status.Error(codes.Unauthenticated, err.Error())
	}
}

func requiredPermission(fullMethod string) string {
	switch fullMethod {
	case methodListPending:
		return permReadEvents
	case methodFireNow:
		return permWriteEvents
	default:
		return ""
	}
}

func isHealthMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/")
}

func (a *AuthInterceptor) clientKey(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if apiKey := first(md.Get(a.keys.apiKeyHeader())); apiKey != "" {
		return apiKey
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

func LoggingUnaryInterceptor(logger *zerolog.Logger) grpc.UnaryServerInterceptor {
	base := zerolog.Nop()
	if logger != nil {
		base = logger.With().Str("component", "grpc").Logger()
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := requestIDFromMetadata(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDHeader, requestID))

		start := time.Now()
		resp, err := handler(ctx, req)
		dur := time.Since(start)

		code := codes.OK
		if err != nil {
			code = status.Code(err)
		}

		remote := clientKeyUnknown
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			remote = p.Addr.String()
		}

		base.Info().
			Str("request_id", requestID).
			Str("method", info.FullMethod).
			Str("remote", remote).
			Str("code", code.String()).
			Dur("duration", dur).
			Msg("grpc request")

		return resp, err
	}
}

const requestIDHeader = "x-request-id"

func requestIDFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if id := first(md.Get(requestIDHeader)); id != "" {
			return id
		}
	}
	return uuid.NewString()
}
