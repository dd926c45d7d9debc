// Package main is the entry point for the scan orchestrator service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aiforce-discovery-agent/discovery-core/internal/config"
	"github.com/aiforce-discovery-agent/discovery-core/internal/logging"
	"github.com/aiforce-discovery-agent/discovery-core/internal/orchestrator/consumer"
	"github.com/aiforce-discovery-agent/discovery-core/internal/orchestrator/handler"
	"github.com/aiforce-discovery-agent/discovery-core/internal/orchestrator/service"
	"github.com/aiforce-discovery-agent/discovery-core/internal/orchestrator/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	sugar, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer sugar.Sync()

	sugar.Info("Starting scan orchestrator service")

	// An empty DSN runs against a local SQLite file (dev mode).
	var st *store.Store
	if cfg.Orchestrator.DatabaseDSN != "" {
		st, err = store.Open(cfg.Orchestrator.DatabaseDSN)
	} else {
		sugar.Warn("No database DSN configured, using local SQLite database")
		st, err = store.OpenSQLite("orchestrator.db")
	}
	if err != nil {
		sugar.Fatalf("Failed to open database: %v", err)
	}

	collectors := service.NewCollectorClient(
		cfg.Orchestrator.Collectors,
		cfg.Orchestrator.InternalKey,
		cfg.Orchestrator.ProgressURL,
		cfg.Orchestrator.CompleteURL,
		sugar,
	)

	staleAfter := time.Duration(cfg.Orchestrator.StaleAfterMin) * time.Minute
	svc := service.New(st, collectors, staleAfter, sugar)

	server := handler.New(svc, cfg.Orchestrator.InternalKey, sugar)

	// Drain the engines' discovery exchange into the store; without this
	// bridge, runs would never see their discoveries.
	discoveries, err := consumer.New(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.Queue, svc, sugar)
	if err != nil {
		sugar.Fatalf("Failed to initialize discovery consumer: %v", err)
	}
	defer discoveries.Close()

	consumeCtx, stopConsuming := context.WithCancel(context.Background())
	defer stopConsuming()
	if err := discoveries.Start(consumeCtx); err != nil {
		sugar.Fatalf("Failed to start discovery consumer: %v", err)
	}

	// Periodic sweep for runs with no collector heartbeat.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Orchestrator.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := svc.SweepStuckRuns(ctx); err != nil {
			sugar.Errorw("Stuck-run sweep failed", "error", err)
		}
	}); err != nil {
		sugar.Fatalf("Invalid sweep schedule %q: %v", cfg.Orchestrator.SweepSchedule, err)
	}
	scheduler.Start()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Orchestrator.Port),
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sugar.Infof("HTTP server listening on port %d", cfg.Orchestrator.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sugar.Info("Shutting down server...")

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		sugar.Errorf("Server forced to shutdown: %v", err)
	}

	sugar.Info("Server stopped")
}
