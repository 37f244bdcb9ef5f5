package execserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/loom/internal/auth"
	"github.com/HyphaGroup/loom/internal/kernel"
	"github.com/HyphaGroup/loom/internal/logger"
	"github.com/HyphaGroup/loom/internal/metrics"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Config configures the execution server
type Config struct {
	Host           string
	Port           int
	APIKey         string
	AllowLocalhost bool
	WorkDir        string
	KernelCommand  []string
	// ExecTimeout is the soft deadline applied to each execution
	ExecTimeout time.Duration
	// IdleTimeout reaps sessions with no activity for this long (0 disables)
	IdleTimeout time.Duration
	// CleanupCron schedules the idle reaper (default every 5 minutes)
	CleanupCron string
}

// Server is the network surface of the session manager
type Server struct {
	config  Config
	manager *Manager
	hub     *StreamHub
	limiter *auth.RateLimiter

	httpServer *http.Server
	cron       *cron.Cron
}

// NewServer creates the execution server around an existing manager
func NewServer(config Config, manager *Manager) *Server {
	if config.ExecTimeout <= 0 {
		config.ExecTimeout = 300 * time.Second
	}
	if config.CleanupCron == "" {
		config.CleanupCron = "*/5 * * * *"
	}
	return &Server{
		config:  config,
		manager: manager,
		hub:     NewStreamHub(),
		limiter: auth.DefaultRateLimiter(),
	}
}

// Handler builds the full HTTP handler, including auth and metrics
// middleware. /health and /metrics stay unauthenticated.
func (s *Server) Handler() http.Handler {
	authed := http.NewServeMux()
	authed.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	authed.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	authed.HandleFunc("GET /api/v1/sessions/{id}", s.handleSessionInfo)
	authed.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleStopSession)
	authed.HandleFunc("POST /api/v1/sessions/{id}/plugins", s.handleLoadPlugin)
	authed.HandleFunc("POST /api/v1/sessions/{id}/execute", s.handleExecute)
	authed.HandleFunc("GET /api/v1/sessions/{id}/execute/{exec_id}/stream", s.handleExecuteStream)
	authed.HandleFunc("POST /api/v1/sessions/{id}/variables", s.handleUpdateVariables)
	authed.HandleFunc("POST /api/v1/sessions/{id}/files", s.handleUploadFile)
	authed.HandleFunc("GET /api/v1/sessions/{id}/artifacts/{filename...}", s.handleDownloadArtifact)

	authChain := auth.Middleware(auth.Config{
		APIKey:         s.config.APIKey,
		AllowLocalhost: s.config.AllowLocalhost,
	})(auth.RateLimitMiddleware(s.limiter)(authed))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("/api/v1/", authChain)

	return metrics.Middleware(mux)
}

// ListenAndServe starts the server and the idle reaper, blocking until
// shutdown
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	s.startReaper()

	logger.Info("execution server listening on %s", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) startReaper() {
	if s.config.IdleTimeout <= 0 {
		return
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.config.CleanupCron, func() {
		s.manager.ReapIdle(s.config.IdleTimeout)
	})
	if err != nil {
		logger.Error("invalid cleanup cron %q: %v", s.config.CleanupCron, err)
		return
	}
	s.cron.Start()
}

// Shutdown stops the HTTP server, the reaper, and all sessions
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cron != nil {
		s.cron.Stop()
	}
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.manager.StopAll()
	return err
}

// writeJSON writes a JSON response body
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps an error onto the API status contract
func writeError(w http.ResponseWriter, err error, operation string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrSessionExists):
		status = http.StatusConflict
	case errors.Is(err, ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, kernel.ErrPathTraversal):
		status = http.StatusBadRequest
	case errors.Is(err, kernel.ErrPluginLoadFailed):
		status = http.StatusBadRequest
	case errors.Is(err, fs.ErrNotExist):
		status = http.StatusNotFound
	}

	safe := SanitizeError(err, operation)
	writeJSON(w, status, ErrorResponse{Detail: safe.Error()})
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "healthy",
		Version:        Version,
		ActiveSessions: s.manager.ActiveCount(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()
	infos := make([]SessionInfoResponse, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, sessionInfo(session))
	}
	writeJSON(w, http.StatusOK, SessionListResponse{Sessions: infos, TotalCount: len(infos)})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: "malformed request body"})
		return
	}

	session, err := s.manager.Create(r.Context(), req.SessionID, req.Cwd)
	if err != nil {
		writeError(w, err, "create session")
		return
	}

	writeJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID: session.SessionID(),
		Status:    "created",
		Cwd:       session.Cwd(),
	})
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err, "get session")
		return
	}
	writeJSON(w, http.StatusOK, sessionInfo(session))
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := s.manager.Stop(sessionID); err != nil {
		writeError(w, err, "stop session")
		return
	}
	writeJSON(w, http.StatusOK, StopSessionResponse{SessionID: sessionID, Status: "stopped"})
}

func (s *Server) handleLoadPlugin(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req LoadPluginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: "malformed request body"})
		return
	}

	if err := s.manager.LoadPlugin(sessionID, req.Name, req.Code, req.Config, req.ConfigSchema); err != nil {
		writeError(w, err, "load plugin")
		return
	}
	writeJSON(w, http.StatusOK, LoadPluginResponse{Name: req.Name, Status: "loaded"})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req ExecuteCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExecID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: "malformed request body"})
		return
	}

	if !s.manager.Exists(sessionID) {
		writeError(w, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID), "execute")
		return
	}

	if req.Stream {
		s.startStreamingExecution(sessionID, req, baseURL(r))
		writeJSON(w, http.StatusAccepted, ExecuteStreamResponse{
			ExecutionID: req.ExecID,
			StreamURL: fmt.Sprintf("%s/api/v1/sessions/%s/execute/%s/stream",
				baseURL(r), sessionID, req.ExecID),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ExecTimeout)
	defer cancel()

	result, err := s.manager.Execute(ctx, sessionID, req.ExecID, req.Code, nil)
	if err != nil {
		writeError(w, err, "execute")
		return
	}
	writeJSON(w, http.StatusOK, executionResponse(result, sessionID, baseURL(r)))
}

// startStreamingExecution runs the execution in the background, feeding
// its stream of output events into the hub
func (s *Server) startStreamingExecution(sessionID string, req ExecuteCodeRequest, base string) {
	stream := s.hub.Open(sessionID, req.ExecID)

	go func() {
		defer s.hub.Finish(sessionID, req.ExecID)

		ctx, cancel := context.WithTimeout(context.Background(), s.config.ExecTimeout)
		defer cancel()

		onOutput := func(streamName, text string) {
			stream.Publish(&StreamEvent{
				Event: "output",
				Data:  map[string]any{"type": streamName, "text": text},
			})
		}

		result, err := s.manager.Execute(ctx, sessionID, req.ExecID, req.Code, onOutput)
		if err != nil {
			logger.Error("streaming execution %s failed: %v", req.ExecID, err)
			result = &kernel.ExecutionResult{
				ExecutionID: req.ExecID,
				Code:        req.Code,
				IsSuccess:   false,
				Error:       SanitizeError(err, "execute").Error(),
				Output:      []kernel.OutputItem{},
				Stdout:      []string{},
				Stderr:      []string{},
				Log:         []kernel.LogEntry{},
				Artifacts:   []kernel.Artifact{},
				Variables:   []kernel.VariablePair{},
			}
		}

		stream.Publish(&StreamEvent{Event: "result", Data: executionResponse(result, sessionID, base)})
		stream.Publish(&StreamEvent{Event: "done", Data: map[string]any{}})
	}()
}

func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	execID := r.PathValue("exec_id")

	stream, ok := s.hub.Get(sessionID, execID)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Detail: fmt.Sprintf("no active stream for execution %s", execID),
		})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Detail: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	doneSent := false
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case ev, open := <-stream.Events():
			if !open {
				// done is always sent, even if the queued one was dropped
				if !doneSent {
					writeSSE(w, flusher, &StreamEvent{Event: "done", Data: map[string]any{}})
				}
				return
			}
			writeSSE(w, flusher, ev)
			if ev.Event == "done" {
				doneSent = true
				return
			}
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev *StreamEvent) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		logger.Error("failed to marshal SSE event: %v", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, data)
	flusher.Flush()
}

func (s *Server) handleUpdateVariables(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req UpdateVariablesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: "malformed request body"})
		return
	}

	if err := s.manager.UpdateVariables(sessionID, req.Variables); err != nil {
		writeError(w, err, "update variables")
		return
	}
	writeJSON(w, http.StatusOK, UpdateVariablesResponse{Status: "updated", Variables: req.Variables})
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req UploadFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Filename == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: "malformed request body"})
		return
	}

	var content []byte
	if req.Encoding == "text" {
		content = []byte(req.Content)
	} else {
		var err error
		content, err = base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: "invalid base64 content"})
			return
		}
	}

	path, err := s.manager.UploadFile(sessionID, req.Filename, content)
	if err != nil {
		writeError(w, err, "upload file")
		return
	}
	writeJSON(w, http.StatusOK, UploadFileResponse{Filename: req.Filename, Status: "uploaded", Path: path})
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	filename := r.PathValue("filename")

	path, err := s.manager.ArtifactPath(sessionID, filename)
	if err != nil {
		writeError(w, err, "download artifact")
		return
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(filename)))
	http.ServeFile(w, r, path)
}
