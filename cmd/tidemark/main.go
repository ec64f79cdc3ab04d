// Command tidemark launches the market data synchronization engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/harwell/tidemark/internal/config"
	"github.com/harwell/tidemark/internal/consumer"
	"github.com/harwell/tidemark/internal/engine"
	"github.com/harwell/tidemark/internal/observability"
	"github.com/harwell/tidemark/internal/schema"
	"github.com/harwell/tidemark/internal/snapshot"
	"github.com/harwell/tidemark/internal/telemetry"
)

const (
	defaultConfigPath = "config/tidemark.yaml"

	connectTimeout           = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	collectorDrainTimeout    = 2 * time.Second
)

func main() {
	configPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	// Local development keeps credentials in a .env file; absence is fine.
	_ = godotenv.Load()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tidemark: %v\n", err)
		os.Exit(1)
	}

	zlog, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tidemark: initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zlog.Sync() }()
	logger := observability.NewZapLogger(zlog)
	observability.SetLogger(logger)

	telemetryProvider, err := initTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("initialise telemetry", observability.F("error", err.Error()))
		os.Exit(1)
	}
	if telemetryProvider != nil {
		observability.SetMetrics(telemetry.NewRecorder(telemetryProvider))
	}

	eng, err := engine.New(cfg.Engine(), logger)
	if err != nil {
		logger.Error("initialise engine", observability.F("error", err.Error()))
		os.Exit(1)
	}

	var store *snapshot.MemoryStore
	var collector *consumer.Collector
	if cfg.Snapshot.Enabled {
		store = snapshot.NewMemoryStore()
		collector = consumer.NewCollector(eng.Bus(), store, cfg.Snapshot.TTL, logger)
		collector.Start(ctx, []schema.EventType{
			schema.EventTypeKline,
			schema.EventTypeOrderBook,
			schema.EventTypeTicker,
		})
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, connectTimeout)
	err = eng.InitConnections(connectCtx)
	connectCancel()
	if err != nil {
		logger.Error("establish connections", observability.F("error", err.Error()))
		shutdown(logger, eng, collector, store, telemetryProvider)
		os.Exit(1)
	}

	logger.Info("tidemark started",
		observability.F("symbols", len(cfg.Market.Symbols)),
		observability.F("intervals", len(cfg.Market.Intervals)))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case fatalErr := <-eng.Fatal():
		logger.Error("connection abandoned, shutting down", observability.F("error", fatalErr.Error()))
	}

	cancel()
	shutdownStart := time.Now()
	shutdown(logger, eng, collector, store, telemetryProvider)
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
}

func parseFlags() string {
	path := flag.String("config", "", fmt.Sprintf("path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *path
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// loadConfig falls back to built-in defaults when neither the explicit nor
// the default config file exists.
func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg, err := config.Load(defaultConfigPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.Load("")
	}
	return config.Config{}, err
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zapCfg.Level = level
	}
	return zapCfg.Build()
}

func initTelemetry(ctx context.Context, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = true
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	return telemetry.NewProvider(ctx, telemetryCfg)
}

// shutdown tears the stack down in dependency order: engine first so the bus
// closes and the collector drains, telemetry last so final metrics flush.
func shutdown(logger observability.Logger, eng *engine.Engine, collector *consumer.Collector, store *snapshot.MemoryStore, provider *telemetry.Provider) {
	eng.CloseAll()

	if collector != nil {
		select {
		case <-collector.Done():
		case <-time.After(collectorDrainTimeout):
			logger.Warn("collector did not drain before timeout")
		}
	}
	if store != nil {
		store.Close()
	}
	if provider != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", observability.F("error", err.Error()))
		}
	}
}
