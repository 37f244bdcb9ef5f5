// loom is the orchestrator service: it hosts conversation sessions and
// the websocket gateway, driving the execution server for code work.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/loom/internal/config"
	"github.com/HyphaGroup/loom/internal/execclient"
	"github.com/HyphaGroup/loom/internal/gateway"
	"github.com/HyphaGroup/loom/internal/kernel"
	"github.com/HyphaGroup/loom/internal/llm"
	"github.com/HyphaGroup/loom/internal/logger"
	"github.com/HyphaGroup/loom/internal/orchestrator"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	configDir := flag.String("config", "", "Directory containing loom.jsonc")
	listenAddr := flag.String("listen", "127.0.0.1:8020", "Gateway listen address")
	flag.Parse()

	if *showVersion {
		fmt.Printf("loom %s\n", Version)
		return
	}

	cfg, err := config.LoadOrDefault(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Dir); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()

	// Bring the execution server up when configured to auto-start
	var launcher *execclient.Launcher
	serverURL := cfg.Execution.Server.URL
	if cfg.Execution.Server.AutoStart {
		launcher = execclient.NewLauncher(execclient.LauncherConfig{
			Host:           cfg.Execution.Server.Host,
			Port:           cfg.Execution.Server.Port,
			APIKey:         cfg.Execution.Server.APIKey,
			WorkDir:        cfg.Server.WorkDir,
			Container:      cfg.Execution.Server.Container,
			ContainerImage: cfg.Execution.Server.ContainerImage,
		})
		if err := launcher.Start(context.Background()); err != nil {
			logger.Fatalf("failed to start execution server: %v", err)
		}
		serverURL = launcher.ServerURL()
		defer launcher.Stop()
	}

	llmClient := buildLLMClient()

	manager := gateway.NewManager(func() (*orchestrator.Session, error) {
		return newConversation(cfg, serverURL, llmClient)
	})
	defer manager.Shutdown()

	httpServer := &http.Server{
		Addr:    *listenAddr,
		Handler: manager.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}()

	logger.Info("loom %s gateway listening on %s (execution server %s)", Version, *listenAddr, serverURL)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("gateway error: %v", err)
	}
}

// newConversation builds one conversation session wired to its own
// execution session
func newConversation(cfg *config.Config, serverURL string, llmClient llm.ChatCompleter) (*orchestrator.Session, error) {
	sessionID := "conv-" + uuid.NewString()
	execClient := execclient.NewClient(sessionID, execclient.Options{
		ServerURL: serverURL,
		APIKey:    cfg.Execution.Server.APIKey,
		Timeout:   time.Duration(cfg.Execution.Server.Timeout) * time.Second,
	})
	backend := &lazyExecutor{client: execClient}

	session, err := orchestrator.NewSession(orchestrator.Options{
		SessionID: sessionID,
		Config:    cfg,
		LLM:       llmClient,
		Executor:  backend,
		Uploader:  backend,
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// lazyExecutor creates the server-side session on first use, so idle
// conversations never hold a kernel
type lazyExecutor struct {
	mu     sync.Mutex
	client *execclient.Client
}

func (l *lazyExecutor) ensureStarted() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client.Start()
}

// Execute implements role.Executor
func (l *lazyExecutor) Execute(execID, code string, onOutput kernel.OnOutput) (*kernel.ExecutionResult, error) {
	if err := l.ensureStarted(); err != nil {
		return nil, err
	}
	return l.client.Execute(execID, code, onOutput)
}

// UploadFile implements orchestrator.Uploader
func (l *lazyExecutor) UploadFile(filename string, content []byte) (string, error) {
	if err := l.ensureStarted(); err != nil {
		return "", err
	}
	return l.client.UploadFile(filename, content)
}

// buildLLMClient returns the configured provider binding. Provider HTTP
// adapters register themselves here; without one, completions echo.
func buildLLMClient() llm.ChatCompleter {
	return &llm.StaticClient{}
}
