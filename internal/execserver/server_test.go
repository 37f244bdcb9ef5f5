package execserver

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/HyphaGroup/loom/internal/kernel"
	"github.com/HyphaGroup/loom/internal/testutil"
)

// newTestServer builds a server around a manager with fake kernels
func newTestServer(t *testing.T, script func(*testutil.FakeKernelClient, *kernel.Request)) (*Server, *httptest.Server) {
	t.Helper()

	manager, err := NewManager(ManagerConfig{
		WorkDir: t.TempDir(),
		ClientFactory: func(sessionID, cwd string) kernel.Client {
			return testutil.NewFakeKernelClient(script)
		},
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() {
		manager.StopAll()
		_ = manager.Close()
	})

	server := NewServer(Config{WorkDir: manager.WorkDir(), ExecTimeout: 10 * time.Second}, manager)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return server, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func createSession(t *testing.T, ts *httptest.Server, sessionID string) {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/v1/sessions", CreateSessionRequest{SessionID: sessionID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %v, want 201", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	health := decodeBody[HealthResponse](t, resp)

	if health.Status != "healthy" {
		t.Errorf("status = %q, want healthy", health.Status)
	}
	if health.Version != Version {
		t.Errorf("version = %q, want %q", health.Version, Version)
	}
	if health.ActiveSessions != 0 {
		t.Errorf("active_sessions = %v, want 0", health.ActiveSessions)
	}
}

func TestBasicExecute(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createSession(t, ts, "s1")

	resp := postJSON(t, ts.URL+"/api/v1/sessions/s1/execute", ExecuteCodeRequest{
		ExecID: "e1",
		Code:   "print('hello')",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute status = %v, want 200", resp.StatusCode)
	}
	result := decodeBody[ExecuteCodeResponse](t, resp)

	if !result.IsSuccess {
		t.Error("is_success = false, want true")
	}
	if len(result.Stdout) != 1 || result.Stdout[0] != "hello\n" {
		t.Errorf("stdout = %v, want [hello\\n]", result.Stdout)
	}
	if len(result.Variables) != 0 {
		t.Errorf("variables = %v, want empty", result.Variables)
	}
	if len(result.Artifacts) != 0 {
		t.Errorf("artifacts = %v, want empty", result.Artifacts)
	}
}

func TestStreamingExecute(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createSession(t, ts, "s1")

	resp := postJSON(t, ts.URL+"/api/v1/sessions/s1/execute", ExecuteCodeRequest{
		ExecID: "e2",
		Code:   "print('0')\nprint('1')\nprint('2')",
		Stream: true,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("execute status = %v, want 202", resp.StatusCode)
	}
	streamInfo := decodeBody[ExecuteStreamResponse](t, resp)
	if !strings.Contains(streamInfo.StreamURL, "/execute/e2/stream") {
		t.Fatalf("stream_url = %q", streamInfo.StreamURL)
	}

	streamResp, err := http.Get(ts.URL + "/api/v1/sessions/s1/execute/e2/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer streamResp.Body.Close()
	if ct := streamResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q, want text/event-stream", ct)
	}

	var outputs []string
	var sawResult, sawDone bool
	var resultData ExecuteCodeResponse

	scanner := bufio.NewScanner(streamResp.Body)
	eventType := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch eventType {
			case "output":
				if sawResult {
					t.Error("output event after result event")
				}
				var out struct {
					Type string `json:"type"`
					Text string `json:"text"`
				}
				if err := json.Unmarshal([]byte(data), &out); err != nil {
					t.Fatalf("bad output event %q: %v", data, err)
				}
				outputs = append(outputs, out.Text)
			case "result":
				sawResult = true
				if err := json.Unmarshal([]byte(data), &resultData); err != nil {
					t.Fatalf("bad result event: %v", err)
				}
			case "done":
				if !sawResult {
					t.Error("done event before result event")
				}
				sawDone = true
			}
		}
		if sawDone {
			break
		}
	}

	want := []string{"0\n", "1\n", "2\n"}
	if len(outputs) != len(want) {
		t.Fatalf("outputs = %v, want %v", outputs, want)
	}
	for i := range want {
		if outputs[i] != want[i] {
			t.Errorf("outputs[%d] = %q, want %q", i, outputs[i], want[i])
		}
	}
	if !resultData.IsSuccess {
		t.Error("result is_success = false, want true")
	}
	if !sawDone {
		t.Error("done event not received")
	}
}

func TestVariableSurfacing(t *testing.T) {
	script := testutil.ScriptWithOutputs(nil, []kernel.VariablePair{
		{"x", "41"},
		{"y", "42"},
		{"_tmp", "9"},
		{"pd", "<module>"},
		{"np", "<module>"},
		{"plt", "<module>"},
	})
	_, ts := newTestServer(t, script)
	createSession(t, ts, "s1")

	resp := postJSON(t, ts.URL+"/api/v1/sessions/s1/execute", ExecuteCodeRequest{
		ExecID: "e3",
		Code:   "x = 41; y = x + 1",
	})
	result := decodeBody[ExecuteCodeResponse](t, resp)

	got := map[string]string{}
	for _, v := range result.Variables {
		got[v.Name()] = v.Repr()
	}
	if got["x"] != "41" || got["y"] != "42" {
		t.Errorf("variables = %v, want x=41 y=42", got)
	}
	for _, banned := range []string{"_tmp", "pd", "np", "plt"} {
		if _, ok := got[banned]; ok {
			t.Errorf("banned variable %q surfaced", banned)
		}
	}
}

func TestUploadPathTraversalRejected(t *testing.T) {
	server, ts := newTestServer(t, nil)
	createSession(t, ts, "s1")

	resp := postJSON(t, ts.URL+"/api/v1/sessions/s1/files", UploadFileRequest{
		Filename: "../escape.txt",
		Content:  base64.StdEncoding.EncodeToString([]byte("gotcha")),
		Encoding: "base64",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("upload status = %v, want 400", resp.StatusCode)
	}
	body := decodeBody[ErrorResponse](t, resp)
	if !strings.Contains(strings.ToLower(body.Detail), "traversal") {
		t.Errorf("detail = %q, want path traversal error", body.Detail)
	}

	// The escape target must not exist in the session directory or in the
	// directories above it up to the work root
	workDir := server.manager.WorkDir()
	for _, candidate := range []string{
		filepath.Join(workDir, "escape.txt"),
		filepath.Join(workDir, "sessions", "escape.txt"),
		filepath.Join(workDir, "sessions", "s1", "escape.txt"),
	} {
		if _, err := os.Stat(candidate); err == nil {
			t.Errorf("escape file exists at %s", candidate)
		}
	}
}

func TestUploadOverwrite(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createSession(t, ts, "s1")

	for _, content := range []string{"first", "second"} {
		resp := postJSON(t, ts.URL+"/api/v1/sessions/s1/files", UploadFileRequest{
			Filename: "data.csv",
			Content:  content,
			Encoding: "text",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("upload status = %v, want 200", resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/api/v1/sessions/s1/artifacts/data.csv")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	if buf.String() != "second" {
		t.Errorf("downloaded %q, want second (last write wins)", buf.String())
	}
}

func TestCreateConflict(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createSession(t, ts, "s1")

	resp := postJSON(t, ts.URL+"/api/v1/sessions", CreateSessionRequest{SessionID: "s1"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create status = %v, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	// The original session is untouched
	infoResp, err := http.Get(ts.URL + "/api/v1/sessions/s1")
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	info := decodeBody[SessionInfoResponse](t, infoResp)
	if info.SessionID != "s1" || info.Status != "running" {
		t.Errorf("session info = %+v", info)
	}
}

func TestStopUnknownSession(t *testing.T) {
	_, ts := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/ghost", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %v, want 404", resp.StatusCode)
	}
}

func TestArtifactFallbackAfterStop(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createSession(t, ts, "s1")

	resp := postJSON(t, ts.URL+"/api/v1/sessions/s1/files", UploadFileRequest{
		Filename: "report.txt",
		Content:  "kept",
		Encoding: "text",
	})
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sessions/s1", nil)
	stopResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	stopResp.Body.Close()

	// The artifact is still served via the persistent index
	dlResp, err := http.Get(ts.URL + "/api/v1/sessions/s1/artifacts/report.txt")
	if err != nil {
		t.Fatalf("download after stop: %v", err)
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode != http.StatusOK {
		t.Fatalf("download after stop status = %v, want 200", dlResp.StatusCode)
	}
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(dlResp.Body)
	if buf.String() != "kept" {
		t.Errorf("artifact content = %q, want kept", buf.String())
	}

	// Traversal through the fallback path is still rejected
	escResp, err := http.Get(ts.URL + "/api/v1/sessions/s1/artifacts/../../../etc/passwd")
	if err != nil {
		t.Fatalf("escape download: %v", err)
	}
	defer escResp.Body.Close()
	if escResp.StatusCode == http.StatusOK {
		t.Error("traversal through artifact fallback succeeded")
	}
}

func TestExecuteOnUnknownSession(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/v1/sessions/ghost/execute", ExecuteCodeRequest{
		ExecID: "e1", Code: "print('x')",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %v, want 404", resp.StatusCode)
	}
}

func TestKernelFailureReturns200(t *testing.T) {
	script := func(c *testutil.FakeKernelClient, req *kernel.Request) {
		switch req.Type {
		case kernel.RequestExecute:
			c.Emit(&kernel.Message{
				Type: kernel.MessageExecuteReply, ExecID: req.ExecID,
				Success: false, Error: "ZeroDivisionError: division by zero",
			})
			c.Emit(&kernel.Message{Type: kernel.MessageStatus, ExecID: req.ExecID, State: kernel.StateIdle})
		default:
			c.Emit(&kernel.Message{Type: kernel.MessageControlReply, ID: req.ID, Success: true})
		}
	}
	_, ts := newTestServer(t, script)
	createSession(t, ts, "s1")

	resp := postJSON(t, ts.URL+"/api/v1/sessions/s1/execute", ExecuteCodeRequest{
		ExecID: "e1", Code: "1/0",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %v, want 200 (kernel errors are in-band)", resp.StatusCode)
	}
	result := decodeBody[ExecuteCodeResponse](t, resp)
	if result.IsSuccess {
		t.Error("is_success = true, want false")
	}
	if !strings.Contains(result.Error, "ZeroDivisionError") {
		t.Errorf("error = %q, want ZeroDivisionError", result.Error)
	}
}

func TestLoadPluginWithSchemaValidation(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createSession(t, ts, "s1")

	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"dsn": {"type": "string"}},
		"required": ["dsn"]
	}`)

	// Valid config loads
	resp := postJSON(t, ts.URL+"/api/v1/sessions/s1/plugins", LoadPluginRequest{
		Name:         "sql_pull",
		Code:         "def pull(): ...",
		Config:       map[string]string{"dsn": "sqlite://"},
		ConfigSchema: schema,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("plugin load status = %v, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	// Config missing a required key is rejected before reaching the kernel
	resp = postJSON(t, ts.URL+"/api/v1/sessions/s1/plugins", LoadPluginRequest{
		Name:         "sql_pull2",
		Code:         "def pull(): ...",
		Config:       map[string]string{},
		ConfigSchema: schema,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid config status = %v, want 400", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	manager, err := NewManager(ManagerConfig{
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

	server := NewServer(Config{APIKey: "sekrit"}, manager)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	// Health needs no key
	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %v, want 200", resp.StatusCode)
	}

	// Session list does (localhost bypass is off)
	resp, err = http.Get(ts.URL + "/api/v1/sessions")
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %v, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/sessions", nil)
	req.Header.Set("X-API-Key", "sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET sessions with key: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %v, want 200", resp.StatusCode)
	}
}

func TestSessionListAndInfo(t *testing.T) {
	_, ts := newTestServer(t, nil)
	createSession(t, ts, "s1")
	createSession(t, ts, "s2")

	resp, err := http.Get(ts.URL + "/api/v1/sessions")
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	list := decodeBody[SessionListResponse](t, resp)
	if list.TotalCount != 2 || len(list.Sessions) != 2 {
		t.Fatalf("list = %+v, want 2 sessions", list)
	}
	if list.Sessions[0].SessionID != "s1" || list.Sessions[1].SessionID != "s2" {
		t.Errorf("session order = %v, %v", list.Sessions[0].SessionID, list.Sessions[1].SessionID)
	}
}

func TestGeneratedSessionID(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/v1/sessions", CreateSessionRequest{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %v, want 201", resp.StatusCode)
	}
	created := decodeBody[CreateSessionResponse](t, resp)
	if !strings.HasPrefix(created.SessionID, "session-") {
		t.Errorf("session_id = %q, want session- prefix", created.SessionID)
	}
	if created.Cwd == "" {
		t.Error("cwd is empty")
	}
}
