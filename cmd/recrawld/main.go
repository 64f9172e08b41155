// Package main wires together the recrawl scheduler daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/refdex/recrawl/internal/admission"
	"github.com/refdex/recrawl/internal/api"
	"github.com/refdex/recrawl/internal/batch"
	"github.com/refdex/recrawl/internal/clock/system"
	"github.com/refdex/recrawl/internal/config"
	"github.com/refdex/recrawl/internal/executor/httpexec"
	"github.com/refdex/recrawl/internal/id/uuid"
	"github.com/refdex/recrawl/internal/logging"
	"github.com/refdex/recrawl/internal/metrics"
	"github.com/refdex/recrawl/internal/monitor"
	memorypublisher "github.com/refdex/recrawl/internal/publisher/memory"
	pubsubpublisher "github.com/refdex/recrawl/internal/publisher/pubsub"
	"github.com/refdex/recrawl/internal/queue"
	"github.com/refdex/recrawl/internal/scheduler"
	memorystore "github.com/refdex/recrawl/internal/store/memory"
	postgresstore "github.com/refdex/recrawl/internal/store/postgres"
)

const eventTopic = "recrawl-events"

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	bootLogger, err := logging.New(true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}

	cfg, settings, err := config.WatchFile(*cfgPath, bootLogger)
	if err != nil {
		bootLogger.Error("load config failed", zap.Error(err))
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		bootLogger.Error("logger init failed", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	if err := run(ctx, cfg, settings, logger); err != nil {
		logger.Error("recrawld exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, settings *config.Watcher, logger *zap.Logger) error {
	ids := uuid.NewGenerator()
	clock := system.New()

	var store queue.Store
	if cfg.DB.DSN != "" {
		pg, err := postgresstore.New(ctx, postgresstore.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMin) * time.Minute,
		}, ids, clock, cfg.Scheduler.DefaultMaxRetries)
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		defer pg.Close()
		store = pg
		logger.Info("using postgres queue store")
	} else {
		store = memorystore.New(ids, clock, cfg.Scheduler.DefaultMaxRetries)
		logger.Warn("db.dsn not set, using in-memory queue store (single instance only)")
	}

	var publisher queue.Publisher
	switch cfg.PubSub.Provider {
	case "pubsub":
		ps, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		defer func() {
			if err := ps.Close(); err != nil {
				logger.Warn("pubsub close failed", zap.Error(err))
			}
		}()
		publisher = ps
		logger.Info("publishing events to pubsub", zap.String("topic", cfg.PubSub.TopicName))
	case "memory":
		publisher = memorypublisher.New()
	default:
		logger.Info("event publishing disabled")
	}

	executor, err := httpexec.New(cfg.Executor.Endpoint, time.Duration(cfg.Executor.TimeoutMinutes)*time.Minute)
	if err != nil {
		return fmt.Errorf("init executor client: %w", err)
	}

	tracker := batch.New(store, publisher, clock, eventTopic, logging.Component(logger, "batch"))
	admissionCtl := admission.New(admission.SystemSampler{}, logging.Component(logger, "admission"))
	mon := monitor.New(store, clock, settings)
	sched := scheduler.New(
		store,
		executor,
		admissionCtl,
		tracker,
		settings,
		clock,
		publisher,
		eventTopic,
		logging.Component(logger, "scheduler"),
	)

	server := api.NewServer(store, mon, tracker, clock, cfg, logging.Component(logger, "api"))
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}

	// The scheduler honors the configured grace period for in-flight crawls.
	<-schedDone
	logger.Info("recrawld stopped")
	return nil
}
