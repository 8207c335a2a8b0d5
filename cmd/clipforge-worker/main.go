// clipforge-worker is the pipeline execution process: it consumes queue
// tasks, drives the media stages, parks units on recognition submits, polls
// for delivered callbacks and runs the stale-task reaper.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipforge/clipforge/internal/blobstore"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/database"
	"github.com/clipforge/clipforge/internal/events"
	"github.com/clipforge/clipforge/internal/logger"
	"github.com/clipforge/clipforge/internal/mediatool"
	"github.com/clipforge/clipforge/internal/reaper"
	"github.com/clipforge/clipforge/internal/recognition"
	"github.com/clipforge/clipforge/internal/worker"
)

func main() {
	bootLog := logger.New(logger.Options{Name: "clipforge-worker"})

	mgr, err := config.NewManager(os.Getenv("CLIPFORGE_CONFIG"), bootLog)
	if err != nil {
		bootLog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := mgr.Snapshot()

	log := logger.New(logger.Options{
		Name:   "clipforge-worker",
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	if err := database.Migrate(db); err != nil {
		log.Error("failed to migrate schema", "error", err)
		os.Exit(1)
	}

	var blobs blobstore.Store
	switch cfg.Blobstore.Driver {
	case "filesystem":
		blobs, err = blobstore.NewFilesystem(cfg.Blobstore.Root)
		if err != nil {
			log.Error("failed to open blob store", "error", err)
			os.Exit(1)
		}
	default:
		blobs = blobstore.NewMemory()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bus events.Bus
	switch cfg.Broadcast.Driver {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		bus = events.NewRedisBus(rdb, log, cfg.Broadcast.BufferSize)
	default:
		bus = events.NewLocalBus(log, cfg.Broadcast.BufferSize)
	}
	if err := bus.Start(ctx); err != nil {
		log.Error("failed to start broadcast bus", "error", err)
		os.Exit(1)
	}
	coalescer := events.NewCoalescer(bus, cfg.Broadcast.CoalesceInterval, cfg.Broadcast.CoalesceMinDelta)

	store := worker.NewStore(db)
	corrStore := recognition.NewCorrelationStore(db)
	recognizer := recognition.NewClient(cfg.Recognition, corrStore, blobs, log)

	tool, err := mediatool.NewExecTool(cfg.Mediatool, blobs, log)
	if err != nil {
		log.Error("failed to set up media tool", "error", err)
		os.Exit(1)
	}
	classifier := mediatool.NewHTTPClassifier(cfg.Analysis)

	dispatcher := worker.NewQueueDispatcher(cfg.Redis, cfg.Queue, log)
	executor := worker.NewExecutor(store, recognizer, tool, classifier, blobs,
		worker.NewHTTPFetcher(), coalescer, dispatcher, cfg.Queue.MaxAttempts, log)

	consumer := worker.NewConsumer(cfg.Redis, cfg.Queue, executor, log)
	if err := consumer.Start(); err != nil {
		log.Error("failed to start queue consumer", "error", err)
		os.Exit(1)
	}

	poller := worker.NewPoller(store, corrStore, executor, cfg.Recognition.PollInterval, log)
	go poller.Run(ctx)

	sweeper := reaper.New(store, corrStore, coalescer, cfg.Reaper, log)
	go sweeper.Run(ctx)

	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watcher stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	cancel()
	consumer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := bus.Stop(shutdownCtx); err != nil {
		log.Warn("bus shutdown incomplete", "error", err)
	}
	if err := dispatcher.Close(); err != nil {
		log.Warn("dispatcher close failed", "error", err)
	}
	log.Info("clipforge-worker stopped")
}
