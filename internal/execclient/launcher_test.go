package execclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

// healthyStub serves only the health endpoint, standing in for a running
// execution server
func healthyStub(t *testing.T) (host string, port int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","version":"0.1.0","active_sessions":0}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	hostPort := ts.Listener.Addr().String()
	h, p, err := net.SplitHostPort(hostPort)
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", hostPort, err)
	}
	portNum, _ := strconv.Atoi(p)
	return h, portNum
}

func TestLauncher_ReusesRunningServer(t *testing.T) {
	host, port := healthyStub(t)

	l := NewLauncher(LauncherConfig{
		Host:         host,
		Port:         port,
		KillExisting: false,
	})

	if !l.IsServerRunning() {
		t.Fatal("IsServerRunning() = false against live stub")
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v, want reuse", err)
	}
	// Nothing was spawned
	if l.process != nil || l.containerID != "" {
		t.Error("launcher spawned a server despite one already running")
	}
	l.Stop()
}

func TestLauncher_StartupDeadline(t *testing.T) {
	// Nothing listens on this port; the fake binary exists but never
	// serves health. Use /bin/sleep so the process stays alive.
	l := NewLauncher(LauncherConfig{
		Host:           "127.0.0.1",
		Port:           59998,
		ServerBinary:   "/bin/sleep",
		StartupTimeout: 2 * time.Second,
	})
	// The sleep binary ignores our flags and just sleeps; health never
	// comes up, so the deadline must fire.
	l.config.ServerBinary = "/bin/sleep"

	start := time.Now()
	err := l.Start(context.Background())
	if !errors.Is(err, ErrServerStartFailed) {
		t.Fatalf("Start() error = %v, want ErrServerStartFailed", err)
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Errorf("Start() took %v, want bounded by startup timeout", elapsed)
	}
}

func TestLauncher_MissingBinary(t *testing.T) {
	l := NewLauncher(LauncherConfig{
		Host:           "127.0.0.1",
		Port:           59997,
		ServerBinary:   "/nonexistent/loom-server",
		StartupTimeout: 2 * time.Second,
	})

	if err := l.Start(context.Background()); !errors.Is(err, ErrServerStartFailed) {
		t.Errorf("Start() error = %v, want ErrServerStartFailed", err)
	}
}

func TestLauncher_Defaults(t *testing.T) {
	l := NewLauncher(LauncherConfig{})

	if l.config.Host != "localhost" {
		t.Errorf("Host = %q, want localhost", l.config.Host)
	}
	if l.config.Port == 0 {
		t.Error("Port not defaulted")
	}
	if l.config.ServerBinary != "loom-server" {
		t.Errorf("ServerBinary = %q, want loom-server", l.config.ServerBinary)
	}
	if l.config.ContainerImage != DefaultContainerImage {
		t.Errorf("ContainerImage = %q", l.config.ContainerImage)
	}
	if l.ServerURL() == "" {
		t.Error("ServerURL() empty")
	}
}
