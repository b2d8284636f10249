package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sparkles/internal/api"
	"sparkles/internal/clock"
	"sparkles/internal/config"
	"sparkles/internal/database"
	"sparkles/internal/events"
	"sparkles/internal/google"
	"sparkles/internal/logging"
	"sparkles/internal/mailapi"
	"sparkles/internal/metrics"
	"sparkles/internal/notify"
	"sparkles/internal/repository"
	"sparkles/internal/scheduler"
	"sparkles/internal/service"
	"sparkles/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Backup.Enabled {
		backupService := database.NewBackupService(cfg.Database.Path, cfg.Backup, &logger)
		go backupService.Start(ctx)
	}

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}
	settings := repository.NewFailoverSettingsRepository(
		repository.NewRedisSettingsRepository(redisClient, 0),
		repository.NewMemorySettingsRepository(),
		&logger,
	)

	mail := mailapi.NewClient(cfg.MailAPI, &logger)
	if redisClient != nil {
		mail.UseIdempotency(redisClient, cfg.MailAPI.IdempotencyTTL)
	}

	metrics.Register()
	startMetrics(ctx, cfg, &logger)

	eventBus := events.NewEventBus()

	sheetsWorker := initSheetsWorker(ctx, cfg, db, redisClient, eventBus, &logger)

	eventService := service.NewEventService(db, eventBus, &logger)
	watcher := service.NewWatcher(db, eventBus, enabledFeatures(cfg, mail), service.WatcherOptions{
		Clock:         clock.New(),
		SweepInterval: cfg.Scheduler.SweepInterval,
		MaxTimerDelay: cfg.Scheduler.MaxTimerDelay,
		Notifier:      initNotifier(cfg, settings, &logger),
		Recorder:      metrics.Reconciler{},
		Logger:        &logger,
	})
	watcher.Subscribe(eventBus)

	if err := watcher.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("start scheduler")
		return err
	}
	defer func() {
		watcher.Stop()
		// ждём выполняющиеся действия, иначе статус не запишется
		watcher.Wait()
		logger.Info().Msg("scheduler stopped")
	}()

	if sheetsWorker != nil {
		if err := sheetsWorker.EnqueueResync(ctx); err != nil {
			logger.Warn().Err(err).Msg("enqueue sheets resync")
		}
		go sheetsWorker.Start(ctx)
	}

	deps := api.Deps{
		Events:   eventService,
		Watcher:  watcher,
		Settings: settings,
		DB:       db,
	}
	return serve(ctx, cfg, deps, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "sparklesd").Logger()

	return cfg, logger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func enabledFeatures(cfg *config.Config, mail *mailapi.Client) []service.Feature {
	all := []service.Feature{
		service.SendFeature(mail),
		service.SnoozeFeature(mail),
	}

	features := make([]service.Feature, 0, len(all))
	for _, f := range all {
		if !cfg.FeatureEnabled(f.Kind) {
			continue
		}
		f.RemoveGrace = cfg.Scheduler.RemoveGrace
		features = append(features, f)
	}
	return features
}

func initNotifier(cfg *config.Config, settings repository.SettingsRepository, logger *zerolog.Logger) scheduler.Notifier {
	if !cfg.Notifications.Enabled {
		return nil
	}

	var sinks []notify.Sink
	if token := cfg.Notifications.Telegram.BotToken; token != "" {
		bot, err := notify.NewTelegramBot(token, cfg.Notifications.Telegram.Debug)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram init failed, continuing without telegram")
		} else {
			sinks = append(sinks, notify.NewTelegram(bot, settings))
		}
	}
	if cfg.Notifications.Desktop.Enabled {
		sinks = append(sinks, notify.NewDesktop(settings))
	}
	if len(sinks) == 0 {
		logger.Warn().Msg("notifications enabled but no sink configured")
		return nil
	}

	return notify.NewGate(notify.NewMulti(sinks...), settings, cfg.Notifications.RateLimit, cfg.Notifications.RateLimitWindow, logger)
}

func initSheetsWorker(
	ctx context.Context,
	cfg *config.Config,
	db *database.DB,
	redisClient *redis.Client,
	bus *events.EventBus,
	logger *zerolog.Logger,
) *worker.SheetsWorker {
	if !cfg.Google.Enabled() {
		return nil
	}

	sheetsService, err := google.NewSheetsService(ctx, cfg.Google.CredentialsFile, cfg.Google.SpreadsheetID, cfg.Google.SheetName)
	if err != nil {
		logger.Warn().Err(err).Msg("google sheets init failed, continuing without audit mirror")
		return nil
	}
	if err := sheetsService.TestConnection(ctx); err != nil {
		logger.Warn().Err(err).Msg("google sheets connection test failed, continuing without audit mirror")
		return nil
	}
	if err := sheetsService.EnsureHeader(ctx); err != nil {
		logger.Warn().Err(err).Msg("google sheets header")
	}

	retryPolicy := worker.RetryPolicy{MaxRetries: 5, InitialDelay: 2 * time.Second, MaxDelay: time.Minute, BackoffFactor: 2, Jitter: 0.2}
	sheetsWorker := worker.NewSheetsWorker(db, sheetsService, db, redisClient, retryPolicy, logger)
	sheetsWorker.Subscribe(bus)

	logger.Info().Str("spreadsheet_id", cfg.Google.SpreadsheetID).Msg("google sheets mirror enabled")
	return sheetsWorker
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func serve(ctx context.Context, cfg *config.Config, deps api.Deps, logger *zerolog.Logger) error {
	var (
		grpcServer *api.GRPCServer
		httpServer *api.HTTPServer
	)

	if cfg.API.Enabled && cfg.API.GRPC.Enabled {
		s, err := api.NewGRPCServer(&cfg.API, deps, logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
		grpcServer = s
		grpcServer.SetServing(deps.Watcher.Running())
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	if cfg.API.Enabled && cfg.API.HTTP.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, deps, logger)
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	logger.Info().Bool("api", cfg.API.Enabled).Msg("sparklesd started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
