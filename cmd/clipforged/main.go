// clipforged is the control-plane process: the REST API for submitting and
// inspecting work units plus the realtime websocket gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/database"
	"github.com/clipforge/clipforge/internal/events"
	"github.com/clipforge/clipforge/internal/gateway"
	"github.com/clipforge/clipforge/internal/logger"
	"github.com/clipforge/clipforge/internal/server"
	"github.com/clipforge/clipforge/internal/worker"
)

func main() {
	bootLog := logger.New(logger.Options{Name: "clipforged"})

	mgr, err := config.NewManager(os.Getenv("CLIPFORGE_CONFIG"), bootLog)
	if err != nil {
		bootLog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := mgr.Snapshot()

	log := logger.New(logger.Options{
		Name:   "clipforged",
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

	store := worker.NewStore(db)
	dispatcher := worker.NewQueueDispatcher(cfg.Redis, cfg.Queue, log)
	service := worker.NewService(store, dispatcher, log)

	gw := gateway.New(bus, store, gateway.TokenAuthenticator{Token: cfg.Server.AuthToken}, cfg.Gateway, log)
	srv := server.New(cfg.Server, service, gw, bus, log)

	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watcher stopped", "error", err)
		}
	}()
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("http server failed", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		log.Warn("bus shutdown incomplete", "error", err)
	}
	if err := dispatcher.Close(); err != nil {
		log.Warn("dispatcher close failed", "error", err)
	}
	log.Info("clipforged stopped")
}
