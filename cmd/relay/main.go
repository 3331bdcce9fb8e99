// Package main runs the outbox relay: it drains outbox entries from
// PostgreSQL and publishes them to NATS, exposing Prometheus metrics.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	natsadapter "github.com/sourcebox-io/sourcebox-go/adapters/nats"
	"github.com/sourcebox-io/sourcebox-go/adapters/postgres"
	promadapter "github.com/sourcebox-io/sourcebox-go/adapters/prometheus"
	"github.com/sourcebox-io/sourcebox-go/core/outbox"
	"github.com/sourcebox-io/sourcebox-go/internal/config"
	"github.com/sourcebox-io/sourcebox-go/internal/logger"
)

func main() {
	if err := run(); err != nil {
		slog.Error("relay failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := postgres.NewStore(pool, postgres.WithStoreLog(log))
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		log.Info("schema applied")
	}

	pub, err := natsadapter.NewPublisher(natsadapter.PublisherConfig{
		Connect:       natsadapter.ConnectURL(cfg.NatsURL),
		SubjectPrefix: cfg.SubjectPrefix,
	})
	if err != nil {
		return err
	}
	defer pub.Close() //nolint:errcheck

	reg := promclient.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	scheduler := outbox.NewScheduler(store.Outbox(), pub,
		outbox.WithLog(log),
		outbox.WithPollInterval(cfg.PollInterval),
		outbox.WithBatchSize(cfg.BatchSize),
		outbox.WithMaxConcurrency(cfg.MaxConcurrency),
		outbox.WithClaimLease(cfg.ClaimLease),
		outbox.WithBackoff(cfg.BackoffBase, cfg.BackoffMax),
		outbox.WithMaxAttempts(cfg.MaxAttempts),
		outbox.WithBreaker(cfg.BreakerTrips, cfg.BreakerTimeout),
		outbox.WithPublishTimeout(cfg.PublishTimeout),
		outbox.WithMetrics(promadapter.NewOutboxMetrics(reg)),
	)
	scheduler.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
