package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"

	"github.com/jacaudi/wunderground_like/internal/archive"
	"github.com/jacaudi/wunderground_like/internal/cache"
	"github.com/jacaudi/wunderground_like/internal/config"
	"github.com/jacaudi/wunderground_like/internal/engine"
	"github.com/jacaudi/wunderground_like/internal/logger"
	"github.com/jacaudi/wunderground_like/internal/metrics"
	"github.com/jacaudi/wunderground_like/internal/mqtt"
	"github.com/jacaudi/wunderground_like/internal/restful"
)

const version = "1.0.0"

func main() {
	log.SetPrefix("wunderground_like: ")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	configDir := lo.CoalesceOrEmpty(os.Getenv("WUNDERGROUND_LIKE_CONFIG_DIR"), "/config")

	cfg := config.Load(configDir, "wunderground_like")

	appLogger := logger.New(cfg)
	slog.SetDefault(appLogger.Logger)

	go func() {
		<-sigCh
		appLogger.Info("Received shutdown signal")
		cancel()
	}()

	appLogger.Info("Starting wunderground_like",
		slog.String("config_dir", cfg.Config_Dir),
		slog.String("version", version))

	appLogger.Info("Service configuration loaded",
		slog.Bool("verbose", cfg.Verbose),
		slog.Bool("debug", cfg.Debug),
		slog.Bool("noop", cfg.Noop),
		slog.String("mqtt_broker", cfg.MQTT_Broker),
		slog.String("mqtt_topic_loop", cfg.MQTT_Topic_Loop),
		slog.String("mqtt_topic_archive", cfg.MQTT_Topic_Archive),
		slog.String("archive_database", cfg.Archive_Database),
		slog.String("metrics_address", cfg.Metrics_Address))

	if err := run(ctx, cfg, appLogger); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Relay error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, appLogger *logger.AppLogger) error {
	db, err := archive.Open(cfg.Archive_Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("db close", slog.String("error", err.Error()))
		}
	}()

	// Loop packets older than the stored archive were already covered by it.
	lastArchived, _, err := db.LastTimestamp(ctx)
	if err != nil {
		return err
	}

	eng := engine.New(engine.NewBus(), db)

	reg := prometheus.NewRegistry()
	recorder, err := metrics.New(reg)
	if err != nil {
		return err
	}

	binding := restful.New(eng, cfg.Services,
		restful.WithLogger(appLogger.Logger),
		restful.WithManager(db),
		restful.WithCacheFactory(func() restful.Deduper {
			return cache.New(cache.WithLastArchived(lastArchived))
		}),
		restful.WithMetrics(recorder),
		restful.WithSkipUpload(cfg.Noop),
	)
	if binding.State() != restful.StateListening {
		appLogger.Warn("No upload path is configured, nothing to do")
		return nil
	}

	metricsDone := make(chan error, 1)
	if cfg.Metrics_Address != "" {
		go func() {
			metricsDone <- metrics.Serve(ctx, cfg.Metrics_Address, reg, appLogger.Service("metrics"))
		}()
	} else {
		metricsDone <- nil
	}

	sub := mqtt.NewSubscriber(cfg, eng, appLogger.Service("mqtt"))

	// The client keeps retrying in the background when the broker is down.
	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	err = sub.Connect(connectCtx)
	connectCancel()
	if err != nil {
		appLogger.Warn("MQTT connection failed, retrying in background", slog.String("error", err.Error()))
	}

	<-ctx.Done()

	sub.Disconnect()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := binding.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Upload workers did not drain", slog.String("error", err.Error()))
	}

	if err := <-metricsDone; err != nil {
		return err
	}
	return ctx.Err()
}
