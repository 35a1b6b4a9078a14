package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/dallay/cvix-sub006/internal/api"
	"github.com/dallay/cvix-sub006/internal/backend/docker"
	"github.com/dallay/cvix-sub006/internal/config"
	"github.com/dallay/cvix-sub006/internal/engine"
	"github.com/dallay/cvix-sub006/internal/health"
	"github.com/dallay/cvix-sub006/internal/latex"
	"github.com/dallay/cvix-sub006/internal/store"
)

func main() {
	// A missing .env file is fine; the environment still applies.
	_ = godotenv.Load()

	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if err := cfg.Compiler.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger.Info("latexd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"image", cfg.Compiler.Image,
		"max_concurrent_jobs", cfg.Compiler.MaxConcurrentJobs,
		"timeout_s", cfg.Compiler.TimeoutS,
	)

	rt, err := docker.NewClient(cfg.DockerHost, logger)
	if err != nil {
		log.Fatalf("failed to create docker client: %v", err)
	}
	defer rt.Close()

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	opts := engine.OptionsFromConfig(cfg.Compiler)
	eng, err := engine.NewEngine(opts, rt, db, latex.DefaultRegistry(), logger)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}
	eng.Prewarm()

	hr := health.NewReporter(rt, health.Settings{
		Image:             cfg.Compiler.Image,
		MaxConcurrentJobs: cfg.Compiler.MaxConcurrentJobs,
		Timeout:           cfg.Compiler.Timeout(),
	}, logger)

	srv := api.NewServer(cfg.ListenAddr, db, eng, hr, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
