package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/stsix/leaflow-auto-beta/internal/analytics"
	"github.com/stsix/leaflow-auto-beta/internal/api"
	"github.com/stsix/leaflow-auto-beta/internal/circuitbreaker"
	"github.com/stsix/leaflow-auto-beta/internal/classifier"
	"github.com/stsix/leaflow-auto-beta/internal/config"
	"github.com/stsix/leaflow-auto-beta/internal/cron"
	"github.com/stsix/leaflow-auto-beta/internal/domain"
	"github.com/stsix/leaflow-auto-beta/internal/executor"
	"github.com/stsix/leaflow-auto-beta/internal/leaderelection"
	"github.com/stsix/leaflow-auto-beta/internal/metrics"
	"github.com/stsix/leaflow-auto-beta/internal/notifier"
	"github.com/stsix/leaflow-auto-beta/internal/scheduler"
	"github.com/stsix/leaflow-auto-beta/internal/store/postgres"
	"github.com/stsix/leaflow-auto-beta/internal/store/sqlite"
	"github.com/stsix/leaflow-auto-beta/internal/store/sqlstore"
	"github.com/stsix/leaflow-auto-beta/internal/transport/channel"
)

func runServe(parent context.Context, cfg config.Config) int {
	logConfigWarnings(&cfg)

	ctx, stopSignals := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	db, dialect, err := openStore(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("easycheckin: failed to open database")
		return exitRuntimeError
	}
	defer db.Close()

	store := sqlstore.New(db, dialect).WithOpTimeout(cfg.DBOpTimeout)

	if err := seedNotifications(ctx, store, cfg); err != nil {
		log.Error().Err(err).Msg("easycheckin: failed to seed notification settings")
		return exitRuntimeError
	}

	checker, err := newClassifier(cfg)
	if err != nil {
		log.Error().Err(err).Msg("easycheckin: failed to load classifier rules")
		return exitRuntimeError
	}

	exec := executor.New(executor.Config{
		PageURL:      cfg.CheckinPageURL,
		SubmitURL:    cfg.CheckinSubmitURL,
		SubmitMethod: cfg.CheckinSubmitMethod,
		SubmitBody:   cfg.CheckinSubmitBody,
		Timeout:      cfg.CheckinTimeout,
		UserAgent:    cfg.UserAgent,
	}, checker)

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
	} else {
		log.Info().Msg("easycheckin: METRICS_ENABLED not set; metrics disabled")
	}

	var busOpts []channel.Option
	if metricsSink != nil {
		busOpts = append(busOpts, channel.WithMetrics(metricsSink))
	}
	bus := channel.NewEventBus(cfg.EventBusBufferSize, busOpts...)

	disp := notifier.New(store).
		WithTimeout(cfg.NotifyTimeout).
		WithRetries(cfg.NotifyRetries).
		WithDrainTimeout(cfg.DispatcherDrainTimeout)
	if cfg.CircuitBreakerThreshold > 0 {
		disp = disp.WithCircuitBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}
	if metricsSink != nil {
		disp = disp.WithMetrics(metricsSink)
	}

	mgr := scheduler.New(
		scheduler.Config{
			TickInterval:      cfg.TickInterval,
			Workers:           cfg.Workers,
			StaleRunThreshold: cfg.StaleRunThreshold,
			Jitter:            cfg.CheckinJitter,
			DefaultTimezone:   cfg.DefaultTimezone,
		},
		store,
		exec,
		cron.NewParser(),
		bus,
	)
	if metricsSink != nil {
		mgr = mgr.WithMetrics(metricsSink)
	}

	apiHandler := api.NewHandler(store, mgr, disp).WithHealthChecker(db)
	if loc, err := time.LoadLocation(cfg.DefaultTimezone); err == nil {
		apiHandler = apiHandler.WithLocation(loc)
	}

	// Wire analytics if Redis is configured
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		sink := analytics.NewRedisSink(redisClient).WithRetention(cfg.AnalyticsRetention)
		mgr = mgr.WithAnalytics(sink)
		apiHandler = apiHandler.WithAnalytics(sink)
		log.Info().Str("redis", cfg.RedisAddr).Msg("easycheckin: analytics enabled")
	}

	runner := newSchedulerRunner(mgr.Run)

	var elector *leaderelection.Elector
	if cfg.LeaderElectionEnabled {
		elector = leaderelection.New(
			db,
			cfg.LeaderLockKey,
			cfg.LeaderRetryInterval,
			cfg.LeaderHeartbeatInterval,
			runner.start,
			runner.stop,
		)
		if metricsSink != nil {
			elector = elector.WithMetrics(metricsSink)
		}
		mgr = mgr.WithLeadership(elector)
		apiHandler = apiHandler.WithLeaderStatus(elector)
	}

	mux := http.NewServeMux()
	var metricsServer *http.Server
	if metricsSink != nil {
		if cfg.MetricsPort != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
			metricsServer = &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux}
		} else {
			mux.Handle(cfg.MetricsPath, promhttp.Handler())
		}
		log.Info().Str("port", cfg.MetricsPort).Str("path", cfg.MetricsPath).Msg("easycheckin: metrics enabled")
	}
	mux.Handle("/", apiHandler)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	serverErr := make(chan error, 2)
	listen(httpServer, "http", serverErr)
	if metricsServer != nil {
		listen(metricsServer, "metrics", serverErr)
	}

	// Separate contexts for each background loop enable ordered shutdown.
	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()

	var electorWg, dispatcherWg, watchWg sync.WaitGroup

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx, bus.Channel())
	}()

	if cfg.ClassifierRulesFile != "" {
		watchWg.Add(1)
		go func() {
			defer watchWg.Done()
			if err := classifier.Watch(watchCtx, cfg.ClassifierRulesFile, checker); err != nil {
				log.Warn().Err(err).Str("path", cfg.ClassifierRulesFile).Msg("easycheckin: rules hot reload disabled")
			}
		}()
	}

	if elector != nil {
		electorWg.Add(1)
		go func() {
			defer electorWg.Done()
			elector.Run(schedulerCtx)
		}()
		log.Info().Int64("lock_key", cfg.LeaderLockKey).Msg("easycheckin: leader election enabled")
	} else {
		runner.start(schedulerCtx)
	}

	log.Info().
		Str("version", version).
		Str("db_driver", cfg.DBDriver).
		Dur("tick", cfg.TickInterval).
		Int("workers", cfg.Workers).
		Str("http", cfg.HTTPAddr).
		Msg("easycheckin: started")

	exitCode := exitSuccess
	select {
	case <-ctx.Done():
		log.Info().Msg("easycheckin: received signal, shutting down")
	case err := <-serverErr:
		log.Error().Err(err).Msg("easycheckin: server failed, shutting down")
		exitCode = exitRuntimeError
	}

	// Phase 1: stop the scheduler. In-flight check-ins finish and emit.
	log.Info().Msg("easycheckin: stopping scheduler...")
	cancelScheduler()
	electorWg.Wait()
	runner.stop()

	// Phase 2: stop HTTP servers. Shutdown waits for in-flight manual
	// check-ins, whose outcome events still reach the dispatcher.
	shutdown(httpServer, "http", cfg)
	if metricsServer != nil {
		shutdown(metricsServer, "metrics", cfg)
	}

	// Phase 3: stop the dispatcher, draining buffered outcome events.
	log.Info().Msg("easycheckin: stopping dispatcher (draining events)...")
	cancelDispatcher()
	dispatcherWg.Wait()
	log.Info().Msg("easycheckin: dispatcher stopped")

	cancelWatch()
	watchWg.Wait()

	log.Info().Msg("easycheckin: stopped")
	return exitCode
}

// openStore opens and migrates the configured backend.
func openStore(ctx context.Context, cfg config.Config) (*sql.DB, sqlstore.Dialect, error) {
	switch cfg.DBDriver {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		return db, sqlstore.Postgres, err
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, 0, fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err := sqlite.Open(cfg.SQLitePath)
		if err == nil {
			log.Info().Str("path", cfg.SQLitePath).Msg("easycheckin: sqlite store opened")
		}
		return db, sqlstore.SQLite, err
	default:
		return nil, 0, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}

// notificationSeeder stores initial settings only when none exist.
type notificationSeeder interface {
	SeedNotificationConfig(ctx context.Context, c domain.NotificationConfig) error
}

// seedNotifications turns TG_BOT_TOKEN, TG_USER_ID and QYWX_KEY into stored
// settings on first start. Later edits through the API are never overwritten.
func seedNotifications(ctx context.Context, store notificationSeeder, cfg config.Config) error {
	seed, ok := notificationSeed(cfg)
	if !ok {
		return nil
	}
	return store.SeedNotificationConfig(ctx, seed)
}

func notificationSeed(cfg config.Config) (domain.NotificationConfig, bool) {
	var c domain.NotificationConfig
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		c.Telegram = domain.TelegramConfig{Enabled: true, BotToken: cfg.TelegramBotToken, ChatID: cfg.TelegramChatID}
	}
	if cfg.WeComKey != "" {
		c.WeCom = domain.WeComConfig{Enabled: true, WebhookKey: cfg.WeComKey}
	}
	c.Enabled = c.Telegram.Enabled || c.WeCom.Enabled
	return c, c.Enabled
}

func newClassifier(cfg config.Config) (*classifier.Classifier, error) {
	rules := classifier.DefaultRules()
	if cfg.ClassifierRulesFile != "" {
		loaded, err := classifier.LoadRules(cfg.ClassifierRulesFile)
		if err != nil {
			return nil, err
		}
		rules = loaded
		log.Info().Str("path", cfg.ClassifierRulesFile).Msg("easycheckin: classifier rules loaded")
	}
	return classifier.New(rules)
}

func listen(srv *http.Server, name string, errc chan<- error) {
	go func() {
		log.Info().Str("addr", srv.Addr).Msgf("easycheckin: %s server listening", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
}

func shutdown(srv *http.Server, name string, cfg config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msgf("easycheckin: %s server shutdown error", name)
	}
	log.Info().Msgf("easycheckin: %s server stopped", name)
}
