package execserver

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/HyphaGroup/loom/internal/audit"
	"github.com/HyphaGroup/loom/internal/kernel"
	"github.com/HyphaGroup/loom/internal/logger"
	"github.com/HyphaGroup/loom/internal/metrics"
	"github.com/HyphaGroup/loom/internal/validation"
)

// defaultExecWorkers bounds concurrent kernel executions server-wide
const defaultExecWorkers = 8

// ManagerConfig configures the session manager
type ManagerConfig struct {
	WorkDir       string
	KernelCommand []string
	// ExecWorkers bounds concurrent executions (default 8)
	ExecWorkers int
	// ClientFactory overrides kernel transport creation (tests)
	ClientFactory func(sessionID, cwd string) kernel.Client
}

// Manager owns the kernel sessions of one execution server
type Manager struct {
	workDir       string
	kernelCommand []string
	clientFactory func(sessionID, cwd string) kernel.Client
	index         *SessionIndex

	mu       sync.RWMutex
	sessions map[string]*kernel.Session

	execSlots chan struct{}
}

// NewManager creates a session manager rooted at cfg.WorkDir. The session
// index database lives under WorkDir/data.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	index, err := NewSessionIndex(filepath.Join(cfg.WorkDir, "data"))
	if err != nil {
		return nil, err
	}

	workers := cfg.ExecWorkers
	if workers <= 0 {
		workers = defaultExecWorkers
	}

	return &Manager{
		workDir:       cfg.WorkDir,
		kernelCommand: cfg.KernelCommand,
		clientFactory: cfg.ClientFactory,
		index:         index,
		sessions:      make(map[string]*kernel.Session),
		execSlots:     make(chan struct{}, workers),
	}, nil
}

// WorkDir returns the server work root
func (m *Manager) WorkDir() string {
	return m.workDir
}

// generateSessionID creates a session-RANDOMHEX identifier
func generateSessionID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "session-" + hex.EncodeToString(b)
}

// ActiveCount returns the number of live sessions
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Exists reports whether a live session has the given id
func (m *Manager) Exists(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// Get returns a live session
func (m *Manager) Get(sessionID string) (*kernel.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// List returns all live sessions sorted by id
func (m *Manager) List() []*kernel.Session {
	m.mu.RLock()
	result := make([]*kernel.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].SessionID() < result[j].SessionID()
	})
	return result
}

// Create starts a new kernel session. An empty sessionID is generated; an
// existing one fails with ErrSessionExists and leaves the existing session
// untouched. The kernel start happens outside the map lock.
func (m *Manager) Create(ctx context.Context, sessionID, cwd string) (*kernel.Session, error) {
	if sessionID == "" {
		sessionID = generateSessionID()
	}
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	sessionDir := filepath.Join(m.workDir, "sessions", sessionID)
	var client kernel.Client
	if m.clientFactory != nil {
		effectiveCwd := cwd
		if effectiveCwd == "" {
			effectiveCwd = filepath.Join(sessionDir, "cwd")
		}
		client = m.clientFactory(sessionID, effectiveCwd)
	}
	session := kernel.NewSession(sessionID, sessionDir, cwd, m.kernelCommand, client)

	// Reserve the id before the (slow) kernel start so concurrent creates
	// conflict here instead of racing the start.
	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	m.sessions[sessionID] = session
	m.mu.Unlock()

	if err := session.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		return nil, err
	}

	if err := m.index.Add(sessionID, session.Cwd()); err != nil {
		logger.Error("session index add failed for %s: %v", sessionID, err)
	}
	metrics.ActiveSessions.Inc()
	audit.LogSuccess(audit.OpSessionCreate, sessionID)
	logger.Info("created session %s (cwd=%s)", sessionID, session.Cwd())
	return session, nil
}

// Stop stops a session's kernel and removes the record
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	err := session.Stop()
	if indexErr := m.index.MarkStopped(sessionID); indexErr != nil {
		logger.Error("session index update failed for %s: %v", sessionID, indexErr)
	}
	metrics.ActiveSessions.Dec()
	audit.LogSuccess(audit.OpSessionStop, sessionID)
	logger.Info("stopped session %s", sessionID)
	return err
}

// StopAll stops every live session, used at server shutdown
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(id); err != nil {
			logger.Error("error stopping session %s: %v", id, err)
		}
	}
}

// LoadPlugin injects plugin source into a session. When configSchema is
// non-nil the plugin config is validated against it first.
func (m *Manager) LoadPlugin(sessionID, name, code string, config map[string]string, configSchema json.RawMessage) error {
	session, err := m.Get(sessionID)
	if err != nil {
		return err
	}

	if len(configSchema) > 0 {
		if err := validatePluginConfig(config, configSchema); err != nil {
			return fmt.Errorf("%w: %s: %v", kernel.ErrPluginLoadFailed, name, err)
		}
	}

	if err := session.RegisterPlugin(name, code, config); err != nil {
		audit.LogFailure(audit.OpPluginLoad, sessionID, err)
		return err
	}
	audit.Log(&audit.Event{
		Operation: audit.OpPluginLoad,
		SessionID: sessionID,
		Success:   true,
		Details:   map[string]any{"plugin": name},
	})
	return nil
}

// validatePluginConfig checks the config map against a JSON schema
func validatePluginConfig(config map[string]string, rawSchema json.RawMessage) error {
	schema := &jsonschema.Schema{}
	if err := json.Unmarshal(rawSchema, schema); err != nil {
		return fmt.Errorf("invalid config schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("invalid config schema: %w", err)
	}

	instance := make(map[string]any, len(config))
	for k, v := range config {
		instance[k] = v
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	return nil
}

// Execute runs code in a session under the bounded worker pool. Inline
// artifacts are persisted to the session cwd before the result returns.
func (m *Manager) Execute(ctx context.Context, sessionID, execID, code string, onOutput kernel.OnOutput) (*kernel.ExecutionResult, error) {
	session, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	select {
	case m.execSlots <- struct{}{}:
		defer func() { <-m.execSlots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	start := time.Now()
	result, err := session.Execute(ctx, execID, code, onOutput)
	if err != nil {
		metrics.RecordExecution("error", time.Since(start).Seconds())
		audit.Log(&audit.Event{Operation: audit.OpCodeExecute, SessionID: sessionID, ExecID: execID, Error: err.Error()})
		return nil, err
	}

	m.saveInlineArtifacts(session, result)

	status := "ok"
	if !result.IsSuccess {
		status = "failed"
	}
	metrics.RecordExecution(status, time.Since(start).Seconds())
	audit.Log(&audit.Event{Operation: audit.OpCodeExecute, SessionID: sessionID, ExecID: execID, Success: result.IsSuccess})
	return result, nil
}

// mimeExtensions maps artifact mime types onto file extensions
var mimeExtensions = map[string]string{
	"image/png":        ".png",
	"image/jpeg":       ".jpg",
	"image/gif":        ".gif",
	"image/svg+xml":    ".svg",
	"text/html":        ".html",
	"application/json": ".json",
}

// saveInlineArtifacts persists base64 display-data artifacts to disk so
// the download endpoint can serve them
func (m *Manager) saveInlineArtifacts(session *kernel.Session, result *kernel.ExecutionResult) {
	for i := range result.Artifacts {
		art := &result.Artifacts[i]
		if art.FileContent == "" || art.FileName != "" {
			continue
		}

		ext, ok := mimeExtensions[art.MimeType]
		if !ok {
			ext = ".bin"
		}
		fileName := art.Name + "_image" + ext
		path := filepath.Join(session.Cwd(), fileName)

		var err error
		if art.FileContentEncoding == "base64" {
			var content []byte
			content, err = base64.StdEncoding.DecodeString(art.FileContent)
			if err == nil {
				err = os.WriteFile(path, content, 0o644)
			}
		} else {
			err = os.WriteFile(path, []byte(art.FileContent), 0o644)
		}
		if err != nil {
			logger.Error("failed to save inline artifact %s: %v", art.Name, err)
			continue
		}

		art.FileName = fileName
		art.OriginalName = fileName
	}
}

// UpdateVariables writes session variables into a session's kernel
func (m *Manager) UpdateVariables(sessionID string, vars map[string]string) error {
	session, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return session.UpdateVariables(vars)
}

// UploadFile writes a file into a session's working directory
func (m *Manager) UploadFile(sessionID, filename string, content []byte) (string, error) {
	session, err := m.Get(sessionID)
	if err != nil {
		return "", err
	}
	path, err := session.UploadFile(filename, content)
	if err != nil {
		audit.LogFailure(audit.OpFileUpload, sessionID, err)
		return "", err
	}
	audit.Log(&audit.Event{
		Operation: audit.OpFileUpload,
		SessionID: sessionID,
		Success:   true,
		Details:   map[string]any{"filename": filename},
	})
	return path, nil
}

// ArtifactPath resolves an artifact for a live session. For stopped
// sessions it falls back to the persistent index, still confined to the
// recorded cwd.
func (m *Manager) ArtifactPath(sessionID, filename string) (string, error) {
	if session, err := m.Get(sessionID); err == nil {
		return session.GetArtifactPath(filename)
	}

	entry, err := m.index.Get(sessionID)
	if err != nil || entry == nil {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	path, err := validation.ResolveUnder(entry.Cwd, filename)
	if err != nil {
		return "", fmt.Errorf("%w: %s", kernel.ErrPathTraversal, filename)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("artifact %s: %w", filename, fs.ErrNotExist)
	}
	return path, nil
}

// ReapIdle stops sessions whose last activity is older than idleTimeout.
// Returns the ids of reaped sessions.
func (m *Manager) ReapIdle(idleTimeout time.Duration) []string {
	cutoff := time.Now().Add(-idleTimeout)

	m.mu.RLock()
	var idle []string
	for id, session := range m.sessions {
		if session.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		if err := m.Stop(id); err != nil {
			logger.Error("reaper: error stopping idle session %s: %v", id, err)
			continue
		}
		metrics.SessionsReaped.Inc()
		audit.LogSuccess(audit.OpSessionReap, id)
		logger.Info("reaper: stopped idle session %s", id)
	}
	return idle
}

// Close releases manager resources (the session index)
func (m *Manager) Close() error {
	return m.index.Close()
}
