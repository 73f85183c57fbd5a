package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"archimedes/config"
	"archimedes/core"
	nativecommon "archimedes/native/common"
	"archimedes/observability/logging"
	telemetry "archimedes/observability/otel"
	"archimedes/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	writeDefault := flag.Bool("write-default", false, "Write the default configuration to -config and exit")
	metricsAddress := flag.String("metrics", ":9100", "Address for the Prometheus metrics endpoint")
	blockInterval := flag.Duration("block-interval", time.Second, "Interval between simulated blocks")
	flag.Parse()

	if *writeDefault {
		if err := config.Persist(*configFile, config.Default()); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(os.Getenv("ARCHIMEDES_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger, logCloser := logging.SetupWithFile(cfg.Service, env, logging.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: cfg.Service,
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialise telemetry: %v", err))
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	height, err := core.LastHeight(db)
	if err != nil {
		panic(fmt.Sprintf("Failed to read height: %v", err))
	}
	clock := nativecommon.NewManualClock(height)

	node, err := core.NewNode(cfg, db, clock, core.Options{Logger: logger})
	if err != nil {
		panic(fmt.Sprintf("Failed to create node: %v", err))
	}
	defer node.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              *metricsAddress,
		Handler:           otelhttp.NewHandler(mux, "metrics"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("archimedes started",
		slog.Uint64("height", clock.Height()),
		slog.String("metrics", *metricsAddress),
		slog.Int("pools", len(node.Pools())))

	ticker := time.NewTicker(*blockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = server.Shutdown(shutdownCtx)
			cancel()
			if err := node.Commit(); err != nil {
				logger.Error("final commit failed", slog.Any("error", err))
			}
			logger.Info("archimedes stopped", slog.Uint64("height", clock.Height()))
			return
		case <-ticker.C:
			clock.Advance(1)
			if _, err := node.HarvestStrategies(ctx); err != nil {
				logger.Warn("keeper harvest failed", slog.Any("error", err))
			}
			if err := node.Commit(); err != nil {
				logger.Error("commit failed", slog.Any("error", err))
			}
		}
	}
}

func openDatabase(dir string) (storage.Database, error) {
	if strings.TrimSpace(dir) == "" {
		return storage.NewMemDB(), nil
	}
	return storage.NewLevelDB(dir)
}
