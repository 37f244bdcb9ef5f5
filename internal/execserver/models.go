package execserver

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/HyphaGroup/loom/internal/kernel"
)

// Request bodies

// CreateSessionRequest creates a new execution session
type CreateSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
}

// LoadPluginRequest loads a plugin into a session
type LoadPluginRequest struct {
	Name         string            `json:"name"`
	Code         string            `json:"code"`
	Config       map[string]string `json:"config,omitempty"`
	ConfigSchema json.RawMessage   `json:"config_schema,omitempty"`
}

// ExecuteCodeRequest executes code in a session
type ExecuteCodeRequest struct {
	ExecID string `json:"exec_id"`
	Code   string `json:"code"`
	Stream bool   `json:"stream,omitempty"`
}

// UpdateVariablesRequest updates session variables
type UpdateVariablesRequest struct {
	Variables map[string]string `json:"variables"`
}

// UploadFileRequest uploads a file to a session's working directory
type UploadFileRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"` // "base64" or "text"
}

// Response bodies

// HealthResponse reports server liveness
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	ActiveSessions int    `json:"active_sessions"`
}

// CreateSessionResponse confirms session creation
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Cwd       string `json:"cwd"`
}

// StopSessionResponse confirms session removal
type StopSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// SessionInfoResponse describes one session
type SessionInfoResponse struct {
	SessionID      string    `json:"session_id"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	LoadedPlugins  []string  `json:"loaded_plugins"`
	ExecutionCount int       `json:"execution_count"`
	Cwd            string    `json:"cwd"`
}

// SessionListResponse lists sessions with metadata
type SessionListResponse struct {
	Sessions   []SessionInfoResponse `json:"sessions"`
	TotalCount int                   `json:"total_count"`
}

// LoadPluginResponse confirms plugin loading
type LoadPluginResponse struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ExecuteStreamResponse points the client at the SSE stream
type ExecuteStreamResponse struct {
	ExecutionID string `json:"execution_id"`
	StreamURL   string `json:"stream_url"`
}

// UpdateVariablesResponse confirms a variable update
type UpdateVariablesResponse struct {
	Status    string            `json:"status"`
	Variables map[string]string `json:"variables"`
}

// UploadFileResponse confirms a file upload
type UploadFileResponse struct {
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Path     string `json:"path"`
}

// ErrorResponse carries a client-facing failure message
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// ExecuteCodeResponse is the wire form of an ExecutionResult
type ExecuteCodeResponse struct {
	ExecutionID string                `json:"execution_id"`
	IsSuccess   bool                  `json:"is_success"`
	Error       string                `json:"error,omitempty"`
	Output      []kernel.OutputItem   `json:"output"`
	Stdout      []string              `json:"stdout"`
	Stderr      []string              `json:"stderr"`
	Log         []kernel.LogEntry     `json:"log"`
	Artifacts   []kernel.Artifact     `json:"artifacts"`
	Variables   []kernel.VariablePair `json:"variables"`
}

// sessionInfo builds the wire form of a session
func sessionInfo(s *kernel.Session) SessionInfoResponse {
	return SessionInfoResponse{
		SessionID:      s.SessionID(),
		Status:         "running",
		CreatedAt:      s.CreatedAt(),
		LastActivity:   s.LastActivity(),
		LoadedPlugins:  s.LoadedPlugins(),
		ExecutionCount: s.ExecutionCount(),
		Cwd:            s.Cwd(),
	}
}

// executionResponse builds the wire form of a result, filling artifact
// download URLs from the request base URL
func executionResponse(result *kernel.ExecutionResult, sessionID, baseURL string) ExecuteCodeResponse {
	artifacts := make([]kernel.Artifact, len(result.Artifacts))
	copy(artifacts, result.Artifacts)
	for i := range artifacts {
		if artifacts[i].FileName != "" {
			artifacts[i].DownloadURL = fmt.Sprintf(
				"%s/api/v1/sessions/%s/artifacts/%s", baseURL, sessionID, artifacts[i].FileName,
			)
		}
	}

	return ExecuteCodeResponse{
		ExecutionID: result.ExecutionID,
		IsSuccess:   result.IsSuccess,
		Error:       result.Error,
		Output:      result.Output,
		Stdout:      result.Stdout,
		Stderr:      result.Stderr,
		Log:         result.Log,
		Artifacts:   artifacts,
		Variables:   result.Variables,
	}
}
