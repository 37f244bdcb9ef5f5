package execclient

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HyphaGroup/loom/internal/execserver"
	"github.com/HyphaGroup/loom/internal/kernel"
	"github.com/HyphaGroup/loom/internal/testutil"
)

// newBackend spins up a real execution server with fake kernels
func newBackend(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()

	manager, err := execserver.NewManager(execserver.ManagerConfig{
		WorkDir: t.TempDir(),
		ClientFactory: func(sessionID, cwd string) kernel.Client {
			return testutil.NewFakeKernelClient(nil)
		},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() {
		manager.StopAll()
		_ = manager.Close()
	})

	server := execserver.NewServer(execserver.Config{
		APIKey:      apiKey,
		ExecTimeout: 10 * time.Second,
	}, manager)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestClient_StartExecuteStop(t *testing.T) {
	ts := newBackend(t, "")
	c := NewClient("s1", Options{ServerURL: ts.URL})
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if c.Cwd() == "" {
		t.Error("Cwd() empty after Start")
	}

	result, err := c.Execute("e1", "print('hello')", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsSuccess {
		t.Error("IsSuccess = false, want true")
	}
	if len(result.Stdout) != 1 || result.Stdout[0] != "hello\n" {
		t.Errorf("Stdout = %v, want [hello\\n]", result.Stdout)
	}

	if err := c.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestClient_StartReusesExistingSession(t *testing.T) {
	ts := newBackend(t, "")

	first := NewClient("shared", Options{ServerURL: ts.URL})
	defer first.Close()
	if err := first.Start(); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}

	second := NewClient("shared", Options{ServerURL: ts.URL})
	defer second.Close()
	if err := second.Start(); err != nil {
		t.Errorf("second Start() error = %v, want reuse of existing session", err)
	}
}

func TestClient_ExecuteStreaming(t *testing.T) {
	ts := newBackend(t, "")
	c := NewClient("s1", Options{ServerURL: ts.URL})
	defer c.Close()
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var chunks []string
	result, err := c.Execute("e2", "print('0')\nprint('1')\nprint('2')", func(stream, text string) {
		chunks = append(chunks, text)
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := []string{"0\n", "1\n", "2\n"}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %v, want %v", chunks, want)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunks[%d] = %q, want %q", i, chunks[i], want[i])
		}
	}

	// The result's collected stdout equals the streamed chunks
	if strings.Join(result.Stdout, "") != strings.Join(chunks, "") {
		t.Errorf("Stdout %v differs from streamed %v", result.Stdout, chunks)
	}
}

func TestClient_UploadAndDownload(t *testing.T) {
	ts := newBackend(t, "")
	c := NewClient("s1", Options{ServerURL: ts.URL})
	defer c.Close()
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := c.UploadFile("data.csv", []byte("a,b\n1,2\n")); err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}

	content, err := c.DownloadArtifact("data.csv")
	if err != nil {
		t.Fatalf("DownloadArtifact() error = %v", err)
	}
	if string(content) != "a,b\n1,2\n" {
		t.Errorf("downloaded %q", content)
	}
}

func TestClient_UploadTraversalRejected(t *testing.T) {
	ts := newBackend(t, "")
	c := NewClient("s1", Options{ServerURL: ts.URL})
	defer c.Close()
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, err := c.UploadFile("../escape.txt", []byte("x"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("UploadFile(../escape.txt) error = %v, want 400 APIError", err)
	}
}

func TestClient_AuthErrors(t *testing.T) {
	ts := newBackend(t, "sekrit")

	// httptest serves on 127.0.0.1, and the backend has no localhost bypass
	c := NewClient("s1", Options{ServerURL: ts.URL})
	defer c.Close()
	err := c.Start()
	if !errors.Is(err, ErrAuthRequired) {
		t.Errorf("Start() without key error = %v, want ErrAuthRequired", err)
	}

	authed := NewClient("s1", Options{ServerURL: ts.URL, APIKey: "sekrit"})
	defer authed.Close()
	if err := authed.Start(); err != nil {
		t.Errorf("Start() with key error = %v", err)
	}
}

func TestClient_ServerUnreachable(t *testing.T) {
	c := NewClient("s1", Options{
		ServerURL: "http://127.0.0.1:1",
		Timeout:   2 * time.Second,
	})
	defer c.Close()

	if _, err := c.HealthCheck(); !errors.Is(err, ErrServerUnreachable) {
		t.Errorf("HealthCheck() error = %v, want ErrServerUnreachable", err)
	}
}

func TestClient_HealthCheck(t *testing.T) {
	ts := newBackend(t, "")
	c := NewClient("s1", Options{ServerURL: ts.URL})
	defer c.Close()

	health, err := c.HealthCheck()
	if err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("status = %q, want healthy", health.Status)
	}
}
