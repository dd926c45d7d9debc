// Package main is the entry point for the network scanner service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aiforce-discovery-agent/discovery-core/internal/api"
	"github.com/aiforce-discovery-agent/discovery-core/internal/config"
	"github.com/aiforce-discovery-agent/discovery-core/internal/logging"
	"github.com/aiforce-discovery-agent/discovery-core/internal/publisher"
	"github.com/aiforce-discovery-agent/discovery-core/internal/scanner"
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

	sugar.Info("Starting network scanner service")
	sugar.Infow("Configuration loaded",
		"port", cfg.Server.Port,
		"subnets", cfg.Scanner.Subnets,
		"rate_limit", cfg.Scanner.RateLimit,
	)

	// Initialize RabbitMQ publisher
	pub, err := publisher.New(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, sugar)
	if err != nil {
		sugar.Fatalf("Failed to initialize publisher: %v", err)
	}
	defer pub.Close()

	// Initialize scanner
	scan := scanner.New(cfg.Scanner, pub, sugar)

	// Initialize API server
	server := api.New(cfg.Server, scan, sugar)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sugar.Infof("HTTP server listening on port %d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sugar.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	scan.Stop()

	if err := httpServer.Shutdown(ctx); err != nil {
		sugar.Errorf("Server forced to shutdown: %v", err)
	}

	sugar.Info("Server stopped")
}
