// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/quocanhdayyy/QLDChehe/internal/audit"
	"github.com/quocanhdayyy/QLDChehe/internal/broker"
	"github.com/quocanhdayyy/QLDChehe/internal/citizen"
	"github.com/quocanhdayyy/QLDChehe/internal/clock"
	"github.com/quocanhdayyy/QLDChehe/internal/config"
	"github.com/quocanhdayyy/QLDChehe/internal/database"
	"github.com/quocanhdayyy/QLDChehe/internal/handler"
	"github.com/quocanhdayyy/QLDChehe/internal/logger"
	"github.com/quocanhdayyy/QLDChehe/internal/metrics"
	"github.com/quocanhdayyy/QLDChehe/internal/model"
	"github.com/quocanhdayyy/QLDChehe/internal/notify"
	"github.com/quocanhdayyy/QLDChehe/internal/repository"
	"github.com/quocanhdayyy/QLDChehe/internal/repository/memory"
	sqliterepo "github.com/quocanhdayyy/QLDChehe/internal/repository/sqlite"
	"github.com/quocanhdayyy/QLDChehe/internal/service"
	"github.com/quocanhdayyy/QLDChehe/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

// stores bundles the persistence chosen by STORE_DRIVER.
type stores struct {
	events        service.EventStore
	registrations service.RegistrationStore
	citizens      citizen.Directory
	close         func()
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	clk := clock.SystemClock{}

	// ── 1. Persistence ───────────────────────────────────────────────────
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()
	log.Info("store ready", zap.String("driver", cfg.StoreDriver))

	// ── 2. Citizen profile cache ─────────────────────────────────────────
	directory := st.citizens
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		directory = citizen.NewCachedDirectory(directory, rdb, cfg.CitizenCacheTTL, log)
		log.Info("citizen cache enabled", zap.Duration("ttl", cfg.CitizenCacheTTL))
	}

	// ── 3. Audit and notification sinks ──────────────────────────────────
	var (
		recorder audit.Recorder    = audit.NewLogRecorder(log, clk)
		notifier notify.Dispatcher = notify.NewLogDispatcher(log)
	)
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := broker.NewProducer(cfg.KafkaBrokers, log)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			producer.Close(closeCtx)
		}()
		if err := producer.Ping(ctx); err != nil {
			log.Warn("kafka not reachable yet", zap.Error(err))
		}
		recorder = audit.NewKafkaRecorder(producer, cfg.AuditTopic, clk)
		notifier = notify.NewKafkaDispatcher(producer, cfg.NotificationTopic, clk)
		log.Info("publishing to kafka", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	// ── 4. Services ──────────────────────────────────────────────────────
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	events := service.NewEventService(st.events, clk, log, m)
	registrations, err := service.NewRegistrationService(st.events, st.registrations, directory,
		service.WithClock(clk),
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithTracer(otel.Tracer("giftevents")),
	)
	if err != nil {
		return err
	}

	// ── 5. Background jobs ───────────────────────────────────────────────
	sweeper := worker.NewExpirySweeper(events, recorder, cfg.ExpirySweepInterval, log)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		sweeper.Run(ctx)
	}()

	// ── 6. HTTP server with graceful shutdown ────────────────────────────
	h := handler.NewHandler(events, registrations, recorder, notifier, log)
	router := handler.NewRouter(handler.RouterConfig{
		Handler:  h,
		Auth:     handler.NewAuthenticator(cfg.JWTSigningKey, log),
		Gatherer: registry,
		Log:      log,
	})
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	<-workerDone
	h.Wait()
	log.Info("server stopped")
	return nil
}

func openStores(ctx context.Context, cfg config.Config, log *zap.Logger) (*stores, error) {
	var seed []model.CitizenProfile
	if cfg.CitizenSeedFile != "" {
		profiles, err := citizen.LoadProfiles(cfg.CitizenSeedFile)
		if err != nil {
			return nil, err
		}
		seed = profiles
	}

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := database.NewPool(ctx, cfg.DB, log)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		if err := database.MigratePostgres(ctx, pool, database.PostgresMigrations()); err != nil {
			pool.Close()
			return nil, err
		}
		for _, p := range seed {
			if err := citizen.UpsertPostgres(ctx, pool, p); err != nil {
				pool.Close()
				return nil, fmt.Errorf("seed citizen %s: %w", p.ID, err)
			}
		}
		return &stores{
			events:        repository.NewEventRepository(pool),
			registrations: repository.NewRegistrationRepository(pool),
			citizens:      citizen.NewPostgresDirectory(pool),
			close:         pool.Close,
		}, nil

	case config.DriverSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		for _, p := range seed {
			if err := citizen.UpsertSQLite(ctx, db, p); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("seed citizen %s: %w", p.ID, err)
			}
		}
		return &stores{
			events:        sqliterepo.NewEventRepository(db),
			registrations: sqliterepo.NewRegistrationRepository(db),
			citizens:      citizen.NewSQLiteDirectory(db),
			close:         func() { _ = db.Close() },
		}, nil

	default:
		store := memory.NewStore()
		log.Warn("using in-memory store; data is lost on restart")
		return &stores{
			events:        store.Events(),
			registrations: store.Registrations(),
			citizens:      citizen.NewMemoryDirectory(seed...),
			close:         func() {},
		}, nil
	}
}
