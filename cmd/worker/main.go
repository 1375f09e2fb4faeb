// ============================================================================
// Zisk Worker - Standalone Worker Entry Point
// ============================================================================
//
// File: cmd/worker/main.go
// Purpose: A minimal entry point for one worker process, wired directly
// against internal/workerclient without going through the coordinator
// binary's cobra tree -- useful for launching many worker processes from a
// fleet manager or shell script with a single config file each.
//
// Usage:
//   ./zisk-worker -config configs/worker.yaml
//
// ============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/zisk-distributed/coordinator/internal/config"
	"github.com/zisk-distributed/coordinator/internal/workerclient"
)

func main() {
	configPath := flag.String("config", "", "YAML config file path")
	flag.Parse()

	log := slog.Default()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	client, err := workerclient.New(workerclient.Config{
		CoordinatorURL:           cfg.Worker.CoordinatorURL,
		WorkerID:                 cfg.Worker.WorkerID,
		Capacity:                 cfg.Worker.Capacity,
		ReconnectIntervalSeconds: cfg.Worker.ReconnectIntervalSeconds,
		InputsFolder:             cfg.Worker.InputsFolder,
		Engine:                   cfg.Worker.Engine,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "create worker client: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received, stopping worker")
		cancel()
	}()

	log.Info("starting worker", "worker_id", cfg.Worker.WorkerID, "coordinator_url", cfg.Worker.CoordinatorURL)
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "worker stopped: %v\n", err)
		os.Exit(1)
	}
}
