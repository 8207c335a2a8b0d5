// clipforge-callbackd is the standalone recognition callback receiver. It is
// a singleton with a stable public URL: callbacks must never land on one of
// the interchangeable worker processes, so the receiver only persists results
// and leaves waking parked units to the workers' pollers.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/database"
	"github.com/clipforge/clipforge/internal/logger"
	"github.com/clipforge/clipforge/internal/recognition"
)

func main() {
	bootLog := logger.New(logger.Options{Name: "clipforge-callbackd"})

	mgr, err := config.NewManager(os.Getenv("CLIPFORGE_CONFIG"), bootLog)
	if err != nil {
		bootLog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := mgr.Snapshot()

	log := logger.New(logger.Options{
		Name:   "clipforge-callbackd",
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

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	receiver := recognition.NewReceiver(recognition.NewCorrelationStore(db), log)
	receiver.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         cfg.Recognition.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info("callback receiver listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("callback receiver failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	log.Info("clipforge-callbackd stopped")
}
