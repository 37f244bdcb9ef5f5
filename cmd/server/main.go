// loom-server is the standalone execution server: it hosts kernel
// sessions behind the HTTP/SSE API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/HyphaGroup/loom/internal/config"
	"github.com/HyphaGroup/loom/internal/execserver"
	"github.com/HyphaGroup/loom/internal/logger"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	configDir := flag.String("config", "", "Directory containing loom.jsonc")
	host := flag.String("host", "", "Listen host (overrides config)")
	port := flag.Int("port", 0, "Listen port (overrides config)")
	workDir := flag.String("work-dir", "", "Work directory for session data (overrides config)")
	apiKey := flag.String("api-key", "", "Shared API key (overrides config and LOOM_SERVER_API_KEY)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("loom-server %s\n", Version)
		return
	}

	cfg, err := config.LoadOrDefault(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	applyEnvOverrides(cfg)
	if *host != "" {
		cfg.Execution.Server.Host = *host
	}
	if *port != 0 {
		cfg.Execution.Server.Port = *port
	}
	if *workDir != "" {
		cfg.Server.WorkDir = *workDir
	}
	if *apiKey != "" {
		cfg.Execution.Server.APIKey = *apiKey
	}

	if err := logger.Init(cfg.Logging.Dir); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()
	if err := logger.InitSlog(cfg.Logging.Dir, cfg.Logging.JSON); err != nil {
		logger.Error("failed to initialize structured logging: %v", err)
	}

	manager, err := execserver.NewManager(execserver.ManagerConfig{
		WorkDir:       cfg.Server.WorkDir,
		KernelCommand: cfg.Server.KernelCommand,
		ExecWorkers:   cfg.Server.ExecWorkers,
	})
	if err != nil {
		logger.Fatalf("failed to create session manager: %v", err)
	}
	defer func() { _ = manager.Close() }()

	server := execserver.NewServer(execserver.Config{
		Host:           cfg.Execution.Server.Host,
		Port:           cfg.Execution.Server.Port,
		APIKey:         cfg.Execution.Server.APIKey,
		AllowLocalhost: true,
		WorkDir:        cfg.Server.WorkDir,
		KernelCommand:  cfg.Server.KernelCommand,
		ExecTimeout:    time.Duration(cfg.Execution.Server.Timeout) * time.Second,
		IdleTimeout:    time.Duration(cfg.Server.IdleTimeoutMinutes) * time.Minute,
		CleanupCron:    cfg.Server.CleanupCron,
	}, manager)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error: %v", err)
		}
	}()

	logger.Info("loom-server %s starting", Version)
	if err := server.ListenAndServe(); err != nil {
		logger.Fatalf("server error: %v", err)
	}
}

// applyEnvOverrides maps LOOM_SERVER_* environment variables onto the
// configuration; container deployments configure the server this way
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("LOOM_SERVER_HOST"); v != "" {
		cfg.Execution.Server.Host = v
	}
	if v := os.Getenv("LOOM_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Execution.Server.Port = p
		}
	}
	if v := os.Getenv("LOOM_SERVER_WORK_DIR"); v != "" {
		cfg.Server.WorkDir = v
	}
	if v := os.Getenv("LOOM_SERVER_API_KEY"); v != "" {
		cfg.Execution.Server.APIKey = v
	}
	if v := os.Getenv("LOOM_SERVER_KERNEL_COMMAND"); v != "" {
		cfg.Server.KernelCommand = strings.Fields(v)
	}
}
