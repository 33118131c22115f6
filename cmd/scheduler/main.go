package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lei/pipeline-core/pkg/scheduler"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	// Load .env file (ignore error if file doesn't exist - env vars might be set externally)
	_ = godotenv.Load()

	// Determine config file paths from environment or use defaults
	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/scheduler.yaml"
	}
	pipelinesFile := os.Getenv("PIPELINES_FILE")
	if pipelinesFile == "" {
		pipelinesFile = "configs/pipelines.yaml"
	}

	// Create scheduler from configuration files
	sched, err := scheduler.NewFromEnv(configFile, pipelinesFile)
	if err != nil {
		return err
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Start the scheduler (blocks until shutdown)
	return sched.Start(ctx)
}
