package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/tak-kam/cognito-dr/config"
	"github.com/tak-kam/cognito-dr/replicator"
	"github.com/tak-kam/cognito-dr/storage"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.ApplyLogging(log.StandardLogger())
	log.Info("replicator starting")

	if err := cfg.RequireStorage(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	store, err := storage.New(cfg.StorageConfig())
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	dir, err := cfg.NewDirectory(ctx, config.Secondary)
	if err != nil {
		log.Fatalf("directory: %v", err)
	}
	rc, err := cfg.NewRedisClient()
	if err != nil {
		log.Fatalf("redis: %v", err)
	}

	metrics := replicator.NewMetrics(prometheus.DefaultRegisterer)
	seq := replicator.NewRedisSequenceStore(rc, cfg.Redis.SequencePrefix, cfg.Redis.SequenceTTL)
	applier := replicator.NewApplier(dir, seq, cfg.ApplierConfig(), metrics)
	dispatcher := replicator.NewDispatcher(applier, cfg.Replicator.Parallelism)
	var notifier replicator.Notifier
	if cfg.Redis.NotifyChannel != "" {
		notifier = replicator.NewRedisNotifier(rc, cfg.Redis.NotifyChannel)
	}
	processor := replicator.NewProcessor(store.Feed(), dispatcher, notifier, metrics, cfg.ProcessorConfig())

	e := echo.New()
	e.HideBanner = true
	e.Use(echoprometheus.NewMiddleware("idr_replicator_http"))
	e.GET("/healthz", func(c echo.Context) error {
		if err := rc.Ping(c.Request().Context()).Err(); err != nil {
			return c.String(http.StatusServiceUnavailable, "redis unavailable")
		}
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echoprometheus.NewHandler())

	go func() {
		if err := e.Start(cfg.Replicator.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("metrics server: %v", err)
		}
	}()

	err = processor.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("replicator stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics server shutdown")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracer shutdown")
	}
	if err := rc.Close(); err != nil {
		log.WithError(err).Warn("redis close")
	}
	log.Info("replicator stopped")
}
