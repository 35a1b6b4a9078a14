// testserver starts the compilation API on a simulated container runtime for
// E2E testing without a Docker daemon.
// Usage: go run ./cmd/testserver
package main

import (
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dallay/cvix-sub006/internal/api"
	"github.com/dallay/cvix-sub006/internal/backend/stub"
	"github.com/dallay/cvix-sub006/internal/engine"
	"github.com/dallay/cvix-sub006/internal/health"
	"github.com/dallay/cvix-sub006/internal/latex"
	"github.com/dallay/cvix-sub006/internal/store"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("CVIX_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	rt := stub.New(500 * time.Millisecond)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	opts := engine.Options{
		Image:             "texlive/texlive:stub",
		MaxConcurrentJobs: 2,
		Timeout:           10 * time.Second,
		MemoryLimitMB:     512,
		CPUQuota:          0.5,
		ContainerUser:     "1000:1000",
		WorkDir:           filepath.Join(os.TempDir(), "cvix-latex-testserver"),
		Engine:            latex.EngineAuto,
	}
	eng, err := engine.NewEngine(opts, rt, db, nil, logger)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}
	eng.Prewarm()

	hr := health.NewReporter(rt, health.Settings{
		Image:             opts.Image,
		MaxConcurrentJobs: opts.MaxConcurrentJobs,
		Timeout:           opts.Timeout,
	}, logger)
	srv := api.NewServer(addr, db, eng, hr, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
