package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"stockledger/backend/internal/cache"
	"stockledger/backend/internal/config"
	"stockledger/backend/internal/consolidation"
	"stockledger/backend/internal/events"
	"stockledger/backend/internal/httpapi"
	"stockledger/backend/internal/ledger"
	"stockledger/backend/internal/lock"
	"stockledger/backend/internal/logging"
	"stockledger/backend/internal/metrics"
	"stockledger/backend/internal/reorder"
	"stockledger/backend/internal/reservation"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/store/memory"
	pgstore "stockledger/backend/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	closers := make([]func() error, 0, 4)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close error", zap.Error(err))
			}
		}
	}()

	startupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	repo, closeRepo, err := openRepository(startupCtx, cfg, logger)
	if err != nil {
		return err
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	cacheStore := cache.Cache(cache.Noop{})
	locker := lock.Locker(lock.Noop{})
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedis(client, "stockledger:")
		if err := redisCache.Ping(startupCtx); err != nil {
			if cfg.DistributedLock {
				return fmt.Errorf("redis required for distributed locks: %w", err)
			}
			logger.Warn("redis unavailable, using noop cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			cacheStore = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
			if cfg.DistributedLock {
				locker = lock.NewRedis(client, logger)
				logger.Info("locks: redis")
			}
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(registry)

	publisher := events.Publisher(events.Noop{})
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaLedgerTopic)
		publisher = kafkaPublisher
		closers = append(closers, kafkaPublisher.Close)
		logger.Info("ledger events: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaLedgerTopic))
	}

	engine := ledger.NewEngine(repo,
		ledger.WithLocker(locker),
		ledger.WithPublisher(publisher),
		ledger.WithMetrics(mt),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithRetry(cfg.LedgerMaxRetries, cfg.RetryBase()),
	)
	manager := reservation.NewManager(engine, repo,
		reservation.WithTTL(cfg.ReservationTTL()),
		reservation.WithMetrics(mt),
		reservation.WithLogger(logger.Named("reservation")),
	)
	inventory := consolidation.NewService(repo, cacheStore, cfg.SummaryCacheTTL(), logger.Named("consolidation"))
	advisor := reorder.NewAdvisor(inventory, engine, cacheStore, cfg.SummaryCacheTTL(), cfg.ReorderLeadDays, cfg.ReorderWindowDays, logger.Named("reorder"))

	// Registered after the closers so the workers are gone before they run.
	workers := newWorkerGroup(ctx)
	defer workers.Stop()

	sweeper := reservation.NewSweeper(manager, cfg.SweepInterval(), cfg.SweepBatchSize, logger.Named("sweeper"))
	workers.Go(sweeper.Run)

	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaQuotationTopic != "" {
		listener := events.NewQuotationListener(cfg.KafkaBrokers, cfg.KafkaQuotationTopic, cfg.KafkaGroupID, manager, logger.Named("quotations"))
		closers = append(closers, listener.Close)
		workers.Go(listener.Start)
	}

	api := httpapi.New(httpapi.Dependencies{
		Ledger:        engine,
		Reservations:  manager,
		Inventory:     inventory,
		Reorder:       advisor,
		Auth:          httpapi.NewTokenVerifier(cfg.AuthSecret, ""),
		Metrics:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:        logger.Named("http"),
		AllowedOrigin: cfg.AllowedOrigin,
		SweepBatch:    cfg.SweepBatchSize,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("stock ledger listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	workers.Stop()
	logger.Info("server stopped")
	return nil
}

// workerGroup runs background loops under one context and waits for them on Stop.
type workerGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWorkerGroup(parent context.Context) *workerGroup {
	ctx, cancel := context.WithCancel(parent)
	return &workerGroup{ctx: ctx, cancel: cancel}
}

func (g *workerGroup) Go(fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn(g.ctx)
	}()
}

// Stop cancels every worker and blocks until all of them returned. It is
// safe to call more than once.
func (g *workerGroup) Stop() {
	g.cancel()
	g.wg.Wait()
}

// openRepository picks Postgres when DATABASE_URL is set. A configured but
// unreachable database is fatal rather than silently falling back to memory.
func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("repository: in-memory", zap.Bool("seeded", cfg.SeedDemo))
		if cfg.SeedDemo {
			return memory.NewSeeded(), nil, nil
		}
		return memory.New(), nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL, pgstore.Options{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
	}
	applied, err := pg.Migrate(ctx)
	if err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	logger.Info("repository: postgres", zap.Int64s("migrations_applied", applied))
	return pg, pg.Close, nil
}
