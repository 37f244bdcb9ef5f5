package execclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/HyphaGroup/loom/internal/logger"
)

var ErrServerStartFailed = errors.New("execution server start failed")

// DefaultContainerImage is used when container mode is enabled without an
// explicit image
const DefaultContainerImage = "hyphagroup/loom-executor:latest"

// containerServerPort is the fixed port the server binds inside containers
const containerServerPort = 8010

// LauncherConfig configures the server launcher
type LauncherConfig struct {
	Host           string
	Port           int
	APIKey         string
	WorkDir        string
	Container      bool
	ContainerImage string
	// ServerBinary is the server executable for subprocess mode
	// (default "loom-server", resolved on PATH)
	ServerBinary string
	// StartupTimeout bounds the wait for the server to become healthy
	StartupTimeout time.Duration
	// KillExisting terminates a server already bound to the port before
	// starting a fresh one
	KillExisting bool
}

// Launcher manages the lifecycle of a local execution server
type Launcher struct {
	config LauncherConfig

	process     *exec.Cmd
	processDone chan struct{}
	containerID string
	started     bool
}

// NewLauncher creates a launcher with defaults applied
func NewLauncher(config LauncherConfig) *Launcher {
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = containerServerPort
	}
	if config.ContainerImage == "" {
		config.ContainerImage = DefaultContainerImage
	}
	if config.ServerBinary == "" {
		config.ServerBinary = "loom-server"
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = 60 * time.Second
	}
	if config.WorkDir == "" {
		config.WorkDir, _ = os.Getwd()
	}
	return &Launcher{config: config}
}

// ServerURL returns the URL the launched server listens on
func (l *Launcher) ServerURL() string {
	return fmt.Sprintf("http://%s:%d", l.config.Host, l.config.Port)
}

// IsServerRunning probes the health endpoint with a short timeout
func (l *Launcher) IsServerRunning() bool {
	httpClient := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequest(http.MethodGet, l.ServerURL()+"/api/v1/health", nil)
	if err != nil {
		return false
	}
	if l.config.APIKey != "" {
		req.Header.Set("X-API-Key", l.config.APIKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Start launches the execution server and waits until it is healthy. An
// already-running server is reused unless KillExisting is set.
func (l *Launcher) Start(ctx context.Context) error {
	if l.started {
		return nil
	}

	if l.IsServerRunning() {
		if l.config.KillExisting {
			logger.Info("found existing server at %s, replacing it", l.ServerURL())
			l.killExistingServer()
			time.Sleep(time.Second)
		} else {
			logger.Info("execution server already running at %s", l.ServerURL())
			l.started = true
			return nil
		}
	}

	var err error
	if l.config.Container {
		err = l.startContainer(ctx)
	} else {
		err = l.startSubprocess()
	}
	if err != nil {
		return err
	}

	if err := l.waitForReady(ctx); err != nil {
		l.Stop()
		return err
	}
	l.started = true
	return nil
}

func (l *Launcher) startSubprocess() error {
	logger.Info("starting execution server subprocess on %s:%d", l.config.Host, l.config.Port)

	args := []string{
		"--host", l.config.Host,
		"--port", strconv.Itoa(l.config.Port),
		"--work-dir", l.config.WorkDir,
	}
	if l.config.APIKey != "" {
		args = append(args, "--api-key", l.config.APIKey)
	}

	cmd := exec.Command(l.config.ServerBinary, args...)
	cmd.Env = os.Environ()
	// New session so Stop can terminate the whole server tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrServerStartFailed, err)
	}
	l.process = cmd
	l.processDone = make(chan struct{})
	// Reap the child so ProcessState reflects an early exit
	go func() {
		_ = cmd.Wait()
		close(l.processDone)
	}()
	logger.Info("execution server subprocess started with PID %d", cmd.Process.Pid)
	return nil
}

func (l *Launcher) startContainer(ctx context.Context) error {
	logger.Info("starting execution server container %s", l.config.ContainerImage)

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("%w: failed to connect to container runtime: %v", ErrServerStartFailed, err)
	}
	defer cli.Close()

	if _, err := cli.ImageInspect(ctx, l.config.ContainerImage); err != nil {
		logger.Info("pulling image %s", l.config.ContainerImage)
		reader, pullErr := cli.ImagePull(ctx, l.config.ContainerImage, image.PullOptions{})
		if pullErr != nil {
			return fmt.Errorf("%w: failed to pull image: %v", ErrServerStartFailed, pullErr)
		}
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
	}

	env := []string{
		"LOOM_SERVER_HOST=0.0.0.0",
		fmt.Sprintf("LOOM_SERVER_PORT=%d", containerServerPort),
		"LOOM_SERVER_WORK_DIR=/app/workspace",
	}
	if l.config.APIKey != "" {
		env = append(env, "LOOM_SERVER_API_KEY="+l.config.APIKey)
	}

	workDir, err := filepath.Abs(l.config.WorkDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerStartFailed, err)
	}

	innerPort := nat.Port(fmt.Sprintf("%d/tcp", containerServerPort))
	containerConfig := &dockercontainer.Config{
		Image:        l.config.ContainerImage,
		Env:          env,
		ExposedPorts: nat.PortSet{innerPort: struct{}{}},
	}
	hostConfig := &dockercontainer.HostConfig{
		AutoRemove: true,
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workDir,
			Target: "/app/workspace",
		}},
		PortBindings: nat.PortMap{
			innerPort: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: strconv.Itoa(l.config.Port),
			}},
		},
	}

	resp, err := cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return fmt.Errorf("%w: failed to create container: %v", ErrServerStartFailed, err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return fmt.Errorf("%w: failed to start container: %v", ErrServerStartFailed, err)
	}

	l.containerID = resp.ID
	logger.Info("execution server container started with ID %s", shortID(resp.ID))
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// waitForReady polls the health endpoint until the server answers or the
// startup deadline elapses
func (l *Launcher) waitForReady(ctx context.Context) error {
	logger.Info("waiting for execution server at %s", l.ServerURL())
	deadline := time.Now().Add(l.config.StartupTimeout)

	for time.Now().Before(deadline) {
		if l.IsServerRunning() {
			logger.Info("execution server ready")
			return nil
		}

		// A subprocess that already exited will never become healthy
		if l.process != nil {
			select {
			case <-l.processDone:
				return fmt.Errorf("%w: server process exited with %s",
					ErrServerStartFailed, l.process.ProcessState)
			default:
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrServerStartFailed, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("%w: server did not become ready within %s",
		ErrServerStartFailed, l.config.StartupTimeout)
}

// killExistingServer terminates whatever process is bound to the port
func (l *Launcher) killExistingServer() {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf(":%d", l.config.Port)).Output()
	if err != nil || len(strings.TrimSpace(string(out))) == 0 {
		return
	}

	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		logger.Info("killing existing server process %d on port %d", pid, l.config.Port)
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	// Give them a moment, then force
	time.Sleep(time.Second)
	for _, field := range strings.Fields(string(out)) {
		if pid, err := strconv.Atoi(field); err == nil {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
}

// Stop shuts the launched server down. Safe to call on a launcher that
// never started anything.
func (l *Launcher) Stop() {
	if l.process != nil {
		l.stopSubprocess()
	}
	if l.containerID != "" {
		l.stopContainer()
	}
	l.started = false
}

func (l *Launcher) stopSubprocess() {
	logger.Info("stopping execution server subprocess (PID %d)", l.process.Process.Pid)

	pgid, err := syscall.Getpgid(l.process.Process.Pid)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = l.process.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-l.processDone:
	case <-time.After(10 * time.Second):
		logger.Error("server did not stop gracefully, forcing kill")
		if pgid, err := syscall.Getpgid(l.process.Process.Pid); err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			_ = l.process.Process.Kill()
		}
		<-l.processDone
	}
	l.process = nil
	l.processDone = nil
}

func (l *Launcher) stopContainer() {
	logger.Info("stopping execution server container %s", shortID(l.containerID))

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Error("error connecting to container runtime: %v", err)
		l.containerID = ""
		return
	}
	defer cli.Close()

	timeout := 10
	if err := cli.ContainerStop(context.Background(), l.containerID, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		logger.Error("error stopping container: %v", err)
	}
	l.containerID = ""
}
