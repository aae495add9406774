package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/tempus/internal/api"
	"github.com/nidhogg/tempus/internal/config"
	"github.com/nidhogg/tempus/internal/feed"
	"github.com/nidhogg/tempus/internal/metrics"
	pgstore "github.com/nidhogg/tempus/internal/store"
	"github.com/nidhogg/tempus/internal/store/memory"
	"github.com/nidhogg/tempus/internal/store/sqlite"
	"github.com/nidhogg/tempus/internal/telemetry"
	"github.com/nidhogg/tempus/internal/travel"
)

func main() {
	_ = godotenv.Load()

	boot, _ := zap.NewDevelopment()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/tempus.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		boot.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		boot.Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()
	logger.Info("Starting tempus...", zap.String("config", cfgPath))

	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		logger.Warn("tracing unavailable", zap.Error(err))
	}

	store := openStore(ctx, cfg.Storage, logger)

	engine := travel.NewEngine(store, logger)
	if !cfg.Index.Enabled {
		engine.DisableIndex()
		logger.Info("current-state index disabled, reads scan the log")
	}
	m := metrics.New()
	engine.SetObserver(m)

	handler := api.NewHandler(engine, logger)
	handler.SetMetrics(m.Handler())

	var bus *feed.Bus
	if cfg.Redis.FeedEnabled {
		bus, err = feed.New(ctx, cfg.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, relocation feed disabled", zap.Error(err))
		} else {
			engine.SetPublisher(bus)
			handler.SetFeed(bus)
			logger.Info("Relocation feed connected")
		}
	}

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Feed streams hold their request open; cancelling the base context
		// ends them at shutdown.
		BaseContext: func(net.Listener) context.Context { return serveCtx },
	}

	go func() {
		logger.Info("tempus listening", zap.String("port", port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down tempus...")
	stopServing()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if bus != nil {
		bus.Close()
	}
	if err := store.Close(); err != nil {
		logger.Warn("close store", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("flush traces", zap.Error(err))
	}
}

// openStore connects the configured backend, falling back to the in-memory
// store when it is unreachable.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) travel.Store {
	switch cfg.Backend {
	case "postgres":
		ps, err := pgstore.New(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(err))
			break
		}
		if err := ps.Migrate(ctx); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		return ps
	case "sqlite":
		ss, err := sqlite.New(ctx, cfg.SQLite.Path, logger)
		if err != nil {
			logger.Warn("SQLite unavailable, running without persistence", zap.Error(err))
			break
		}
		return ss
	}
	logger.Info("Using in-memory relocation log")
	return memory.New(logger)
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
