package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"sparkles/internal/config"
	"sparkles/internal/metrics"
	"sparkles/internal/models"
	"sparkles/internal/repository"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// EventAPI часть сервиса событий, которой пользуется API.
type EventAPI interface {
	ScheduleSend(ctx context.Context, accountID int64, draft models.SendPayload, at time.Time) (*models.PendingEvent, error)
	Snooze(ctx context.Context, accountID int64, p models.SnoozePayload, until time.Time) (*models.PendingEvent, error)
	Cancel(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (*models.PendingEvent, error)
	Reschedule(ctx context.Context, id string, at time.Time) (*models.PendingEvent, error)
	Get(ctx context.Context, id string) (*models.PendingEvent, error)
	List(ctx context.Context, kind models.Kind) ([]models.PendingEvent, error)
	Pending(ctx context.Context, kind models.Kind) ([]models.PendingEvent, error)
}

// Firer запускает события вне расписания и сообщает, работает ли планировщик.
type Firer interface {
	FireNow(kind models.Kind, id string) error
	Running() bool
}

// Pinger проверяет доступность БД для /readyz.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps зависимости API от остального демона.
type Deps struct {
	Events   EventAPI
	Watcher  Firer
	Settings repository.SettingsRepository
	DB       Pinger
}

// HTTPServer отдаёт JSON API, health-эндпоинты и /metrics.
type HTTPServer struct {
	cfg    config.APIConfig
	deps   Deps
	server *http.Server
	auth   *HTTPAuth
	log    zerolog.Logger
	now    func() time.Time
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:  cfg,
		deps: deps,
		auth: NewHTTPAuth(cfg),
		log:  zerolog.Nop(),
		now:  time.Now,
	}
	if logger != nil {
		srv.log = logger.With().Str("component", "http").Logger()
	}

	mux := http.NewServeMux()

	srv.route(mux, "GET /api/v1/events", permReadEvents, srv.handleListEvents)
	srv.route(mux, "GET /api/v1/events/export", permReadEvents, srv.handleExport)
	srv.route(mux, "GET /api/v1/events/{id}", permReadEvents, srv.handleGetEvent)
	srv.route(mux, "POST /api/v1/events/send", permWriteEvents, srv.handleScheduleSend)
	srv.route(mux, "POST /api/v1/events/snooze", permWriteEvents, srv.handleSnooze)
	srv.route(mux, "DELETE /api/v1/events/{id}", permWriteEvents, srv.handleCancel)
	srv.route(mux, "POST /api/v1/events/{id}/retry", permWriteEvents, srv.handleRetry)
	srv.route(mux, "POST /api/v1/events/{id}/reschedule", permWriteEvents, srv.handleReschedule)
	srv.route(mux, "POST /api/v1/events/{id}/fire", permWriteEvents, srv.handleFire)

	srv.route(mux, "GET /api/v1/settings/{account}", permReadSettings, srv.handleGetSettings)
	srv.route(mux, "PUT /api/v1/settings/{account}", permWriteSettings, srv.handlePutSettings)
	srv.route(mux, "DELETE /api/v1/settings/{account}", permWriteSettings, srv.handleDeleteSettings)

	// health и метрики без авторизации
	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.HandleFunc("GET /readyz", srv.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

func (s *HTTPServer) route(mux *http.ServeMux, pattern, perm string, h http.HandlerFunc) {
	mux.Handle(pattern, s.auth.Require(perm, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.IncHTTP(pattern)
		h(w, r)
	})))
}

// Handler возвращает полную цепочку middleware, нужна тестам.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.PingContext(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	if s.deps.Watcher != nil && !s.deps.Watcher.Running() {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HTTPAuth авторизация по API-ключу и лимит запросов на ключ для HTTP.
type HTTPAuth struct {
	cfg     config.APIConfig
	keys    *keyring
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{
		cfg:     cfg,
		keys:    newKeyring(cfg.Auth),
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

// Require пропускает к next только с правом perm и в пределах лимита.
func (a *HTTPAuth) Require(perm string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled || !a.cfg.HTTP.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			apiKey := strings.TrimSpace(r.Header.Get(a.keys.apiKeyHeader()))
			extra := strings.TrimSpace(r.Header.Get(a.keys.extraHeader()))
			if err := a.keys.check(apiKey, extra, perm); err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.keys.apiKeyHeader())); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
