// Package execclient binds a session to a remote execution server over
// HTTP/SSE, exposing the same interface shape as a local kernel session.
package execclient

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/HyphaGroup/loom/internal/execserver"
	"github.com/HyphaGroup/loom/internal/kernel"
	"github.com/HyphaGroup/loom/internal/logger"
)

var (
	ErrServerUnreachable = errors.New("execution server unreachable")
	ErrAuthRequired      = errors.New("execution server authentication failed")
)

// APIError is a non-2xx response from the execution server
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Detail)
}

// Is maps auth failures onto ErrAuthRequired
func (e *APIError) Is(target error) bool {
	return target == ErrAuthRequired && e.StatusCode == http.StatusUnauthorized
}

// Options configures a Client
type Options struct {
	ServerURL string
	APIKey    string
	// Timeout bounds each request including execution (default 300s)
	Timeout time.Duration
	// Cwd requests a specific working directory for the session
	Cwd string
}

// Client binds one session_id to an execution server
type Client struct {
	sessionID string
	serverURL string
	apiKey    string
	cwd       string
	timeout   time.Duration

	// httpClient holds the shared connection pool; lifetime equals the
	// client's
	httpClient *http.Client
	started    bool
}

// NewClient creates a client for the given session
func NewClient(sessionID string, opts Options) *Client {
	serverURL := strings.TrimSuffix(opts.ServerURL, "/")
	if serverURL == "" {
		serverURL = "http://localhost:8010"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	return &Client{
		sessionID: sessionID,
		serverURL: serverURL,
		apiKey:    opts.APIKey,
		cwd:       opts.Cwd,
		timeout:   timeout,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				DialContext: (&net.Dialer{
					Timeout: 30 * time.Second,
				}).DialContext,
			},
		},
	}
}

// SessionID returns the bound session id
func (c *Client) SessionID() string { return c.sessionID }

// Cwd returns the session working directory reported by the server
func (c *Client) Cwd() string { return c.cwd }

func (c *Client) apiURL(path string, args ...any) string {
	return c.serverURL + "/api/v1" + fmt.Sprintf(path, args...)
}

func (c *Client) do(method, url string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	return resp, nil
}

// handleResponse decodes the body into out (when non-nil) and maps non-2xx
// statuses onto structured errors with the body's detail field
func handleResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail := resp.Status
		var errBody execserver.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err == nil && errBody.Detail != "" {
			detail = errBody.Detail
		}
		return &APIError{StatusCode: resp.StatusCode, Detail: detail}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HealthCheck probes the server's health endpoint
func (c *Client) HealthCheck() (*execserver.HealthResponse, error) {
	resp, err := c.do(http.MethodGet, c.apiURL("/health"), nil)
	if err != nil {
		return nil, err
	}
	var health execserver.HealthResponse
	if err := handleResponse(resp, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Start creates the session on the server. An already existing session is
// reused.
func (c *Client) Start() error {
	if c.started {
		return nil
	}

	resp, err := c.do(http.MethodPost, c.apiURL("/sessions"), execserver.CreateSessionRequest{
		SessionID: c.sessionID,
		Cwd:       c.cwd,
	})
	if err != nil {
		return err
	}

	var created execserver.CreateSessionResponse
	err = handleResponse(resp, &created)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		c.started = true
		logger.Info("session %s already exists on server, reusing", c.sessionID)
		return nil
	}
	if err != nil {
		return err
	}

	c.cwd = created.Cwd
	c.started = true
	logger.Info("started session %s on %s", c.sessionID, c.serverURL)
	return nil
}

// Stop removes the session from the server. Missing sessions and
// unreachable servers are tolerated during shutdown.
func (c *Client) Stop() error {
	if !c.started {
		return nil
	}

	resp, err := c.do(http.MethodDelete, c.apiURL("/sessions/%s", c.sessionID), nil)
	if err != nil {
		if errors.Is(err, ErrServerUnreachable) {
			c.started = false
			return nil
		}
		return err
	}

	err = handleResponse(resp, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		err = nil
	}
	c.started = false
	return err
}

// SessionInfo fetches the session's server-side metadata
func (c *Client) SessionInfo() (*execserver.SessionInfoResponse, error) {
	resp, err := c.do(http.MethodGet, c.apiURL("/sessions/%s", c.sessionID), nil)
	if err != nil {
		return nil, err
	}
	var info execserver.SessionInfoResponse
	if err := handleResponse(resp, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// LoadPlugin loads a plugin into the session
func (c *Client) LoadPlugin(name, code string, config map[string]string) error {
	resp, err := c.do(http.MethodPost, c.apiURL("/sessions/%s/plugins", c.sessionID), execserver.LoadPluginRequest{
		Name:   name,
		Code:   code,
		Config: config,
	})
	if err != nil {
		return err
	}
	return handleResponse(resp, nil)
}

// UpdateVariables updates session variables on the server
func (c *Client) UpdateVariables(vars map[string]string) error {
	resp, err := c.do(http.MethodPost, c.apiURL("/sessions/%s/variables", c.sessionID), execserver.UpdateVariablesRequest{
		Variables: vars,
	})
	if err != nil {
		return err
	}
	return handleResponse(resp, nil)
}

// Execute runs code in the session. With an onOutput callback the
// streaming endpoint is used and chunks arrive in server order; without
// one the synchronous endpoint returns the full result.
func (c *Client) Execute(execID, code string, onOutput kernel.OnOutput) (*kernel.ExecutionResult, error) {
	if onOutput != nil {
		return c.executeStreaming(execID, code, onOutput)
	}
	return c.executeSync(execID, code)
}

func (c *Client) executeSync(execID, code string) (*kernel.ExecutionResult, error) {
	resp, err := c.do(http.MethodPost, c.apiURL("/sessions/%s/execute", c.sessionID), execserver.ExecuteCodeRequest{
		ExecID: execID,
		Code:   code,
	})
	if err != nil {
		return nil, err
	}

	var body execserver.ExecuteCodeResponse
	if err := handleResponse(resp, &body); err != nil {
		return nil, err
	}
	return resultFromResponse(&body, code), nil
}

func (c *Client) executeStreaming(execID, code string, onOutput kernel.OnOutput) (*kernel.ExecutionResult, error) {
	resp, err := c.do(http.MethodPost, c.apiURL("/sessions/%s/execute", c.sessionID), execserver.ExecuteCodeRequest{
		ExecID: execID,
		Code:   code,
		Stream: true,
	})
	if err != nil {
		return nil, err
	}
	var accepted execserver.ExecuteStreamResponse
	if err := handleResponse(resp, &accepted); err != nil {
		return nil, err
	}

	streamURL := accepted.StreamURL
	if !strings.HasPrefix(streamURL, "http") {
		streamURL = c.serverURL + streamURL
	}

	streamResp, err := c.do(http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, err
	}
	if streamResp.StatusCode >= 400 {
		return nil, handleResponse(streamResp, nil)
	}
	defer streamResp.Body.Close()

	var final *execserver.ExecuteCodeResponse
	eventType := ""

	scanner := bufio.NewScanner(streamResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			switch eventType {
			case "output":
				var out struct {
					Type string `json:"type"`
					Text string `json:"text"`
				}
				if err := json.Unmarshal([]byte(data), &out); err != nil {
					continue
				}
				onOutput(out.Type, out.Text)
			case "result":
				var body execserver.ExecuteCodeResponse
				if err := json.Unmarshal([]byte(data), &body); err != nil {
					return nil, fmt.Errorf("malformed result event: %w", err)
				}
				final = &body
			case "done":
				if final == nil {
					return nil, fmt.Errorf("stream ended without a result event")
				}
				return resultFromResponse(final, code), nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	return nil, fmt.Errorf("stream ended without a done event")
}

// resultFromResponse reconstructs an ExecutionResult from its wire form
func resultFromResponse(body *execserver.ExecuteCodeResponse, code string) *kernel.ExecutionResult {
	return &kernel.ExecutionResult{
		ExecutionID: body.ExecutionID,
		Code:        code,
		IsSuccess:   body.IsSuccess,
		Error:       body.Error,
		Output:      body.Output,
		Stdout:      body.Stdout,
		Stderr:      body.Stderr,
		Log:         body.Log,
		Artifacts:   body.Artifacts,
		Variables:   body.Variables,
	}
}

// UploadFile uploads a file into the session's working directory
func (c *Client) UploadFile(filename string, content []byte) (string, error) {
	resp, err := c.do(http.MethodPost, c.apiURL("/sessions/%s/files", c.sessionID), execserver.UploadFileRequest{
		Filename: filename,
		Content:  base64.StdEncoding.EncodeToString(content),
		Encoding: "base64",
	})
	if err != nil {
		return "", err
	}
	var body execserver.UploadFileResponse
	if err := handleResponse(resp, &body); err != nil {
		return "", err
	}
	return body.Path, nil
}

// DownloadArtifact fetches an artifact produced by an execution
func (c *Client) DownloadArtifact(filename string) ([]byte, error) {
	resp, err := c.do(http.MethodGet, c.apiURL("/sessions/%s/artifacts/%s", c.sessionID, filename), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail := resp.Status
		var errBody execserver.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err == nil && errBody.Detail != "" {
			detail = errBody.Detail
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Detail: detail}
	}
	return io.ReadAll(resp.Body)
}

// Close releases the connection pool
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
