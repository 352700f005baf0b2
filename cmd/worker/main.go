// Package main provides the background worker entry point for the matrix
// engine: the reward expiry sweep, the distribution retry queue and the
// matrix stats refresh.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matrix-engine/internal/bootstrap"
	"github.com/matrix-engine/internal/config"
	"github.com/matrix-engine/internal/logging"
	"github.com/matrix-engine/internal/worker"
)

func main() {
	once := flag.String("once", "", "Run a single job and exit: expiry_sweep, distribution_retry, stats_refresh, stats_consistency")
	flag.Parse()

	fmt.Println("Matrix Engine Worker")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.Named("worker")

	if cfg.Storage.Driver == config.DriverMemory {
		logger.Warn("Worker started with in-memory storage; it will not see the API server's state")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize backends")
	}
	defer rt.Close()

	scheduler, err := rt.Scheduler()
	if err != nil {
		logger.WithError(err).Fatal("Failed to schedule background jobs")
	}

	if *once != "" {
		runOnce(scheduler, *once, logger)
		return
	}

	if err := scheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}
	logger.WithFields(map[string]interface{}{
		"sweep":   cfg.Worker.SweepSchedule,
		"retry":   cfg.Worker.RetrySchedule,
		"refresh": cfg.Worker.RefreshSchedule,
	}).Info("Worker started")

	<-ctx.Done()
	logger.Info("Shutting down worker...")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("Jobs did not finish before shutdown")
	}

	for _, st := range scheduler.GetStatus() {
		logger.WithFields(map[string]interface{}{
			"job":      st.Name,
			"runs":     st.Runs,
			"failures": st.Failures,
		}).Info("Job summary")
	}
	logger.Info("Worker exited")
}

// runOnce triggers one registered job and prints its status.
func runOnce(s *worker.Scheduler, name string, logger *logging.Logger) {
	if !s.RunByName(name) {
		logger.Fatalf("Unknown job: %s", name)
	}
	for _, st := range s.GetStatus() {
		if st.Name != name {
			continue
		}
		out, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(out))
		if st.LastError != "" {
			os.Exit(1)
		}
	}
}
