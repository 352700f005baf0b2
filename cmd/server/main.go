// Package main provides the API server entry point for the matrix engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matrix-engine/internal/api"
	"github.com/matrix-engine/internal/bootstrap"
	"github.com/matrix-engine/internal/config"
	"github.com/matrix-engine/internal/logging"
	"github.com/matrix-engine/internal/ratelimit"
	"github.com/matrix-engine/internal/worker"
)

func main() {
	fmt.Println("Matrix Engine API Server")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx := context.Background()
	rt, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize backends")
	}
	defer rt.Close()

	opts := make([]api.Option, 0, len(rt.Checks)+1)
	for name, check := range rt.Checks {
		opts = append(opts, api.WithHealthCheck(name, check))
	}
	budget, err := rt.Budget()
	if err != nil {
		logger.WithError(err).Warn("Failed to create request budget. Continuing with per-client limits only.")
	} else if budget != nil {
		opts = append(opts, api.WithBudget(budget, ratelimit.NewCostRegistry(nil)))
		logger.WithFields(map[string]interface{}{
			"total":    cfg.RateLimit.GlobalBudget,
			"reserved": cfg.RateLimit.ReservedBudget,
			"window":   cfg.RateLimit.BudgetWindow.String(),
		}).Info("Request budget initialized")
	}

	// The in-memory store is private to this process, so the background
	// jobs have to run here too.
	var scheduler *worker.Scheduler
	if cfg.Storage.Driver == config.DriverMemory {
		if scheduler, err = rt.Scheduler(); err != nil {
			logger.WithError(err).Fatal("Failed to schedule background jobs")
		}
		if err := scheduler.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start background jobs")
		}
	}

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		MetricsEnabled:    cfg.Metrics.Enabled,
		MetricsPath:       cfg.Metrics.Path,
	}
	server := api.NewServer(serverConfig, rt.Service, opts...)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":   cfg.Server.Host,
		"port":   cfg.Server.Port,
		"driver": cfg.Storage.Driver,
	}).Info("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Error("Background jobs did not stop cleanly")
		}
	}

	logger.Info("Server exited")
}
