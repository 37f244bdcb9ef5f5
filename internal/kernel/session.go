package kernel

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/HyphaGroup/loom/internal/logger"
	"github.com/HyphaGroup/loom/internal/validation"
)

var (
	ErrPluginLoadFailed = errors.New("plugin load failed")
	ErrPathTraversal    = errors.New("path traversal")
	ErrKernelExited     = errors.New("kernel exited")
	ErrExecTimeout      = errors.New("execution timed out")
)

// variableReprLimit bounds the captured repr of each surfaced variable
const variableReprLimit = 500

// controlTimeout bounds control-channel request/reply round trips
const controlTimeout = 30 * time.Second

// moduleAliases are well-known import aliases excluded from variable
// surfacing alongside underscore-prefixed names
var moduleAliases = map[string]bool{
	"pd":  true,
	"np":  true,
	"plt": true,
	"sns": true,
	"tf":  true,
}

// OnOutput receives one stream chunk, in kernel order, without coalescing
type OnOutput func(stream, text string)

// Session is one isolated interactive kernel with its own working
// directory under the server work root
type Session struct {
	sessionID  string
	sessionDir string
	cwd        string
	client     Client

	mu             sync.Mutex
	createdAt      time.Time
	lastActivity   time.Time
	loadedPlugins  []string
	pluginConfigs  map[string]map[string]string
	executionCount int
	started        bool
	stopped        bool
	pending        map[string]chan *Message
	execs          map[string]chan *Message

	// execMu serializes executions: the kernel is a single interactive
	// interpreter
	execMu sync.Mutex

	pumpDone chan struct{}
}

// NewSession creates a kernel session rooted at sessionDir. An empty cwd
// defaults to sessionDir/cwd. The client defaults to a subprocess of the
// given command when nil.
func NewSession(sessionID, sessionDir, cwd string, command []string, client Client) *Session {
	if cwd == "" {
		cwd = filepath.Join(sessionDir, "cwd")
	}
	if client == nil {
		client = NewProcessClient(command, cwd, os.Environ())
	}
	now := time.Now()
	return &Session{
		sessionID:     sessionID,
		sessionDir:    sessionDir,
		cwd:           cwd,
		client:        client,
		createdAt:     now,
		lastActivity:  now,
		pluginConfigs: make(map[string]map[string]string),
		pending:       make(map[string]chan *Message),
		execs:         make(map[string]chan *Message),
		pumpDone:      make(chan struct{}),
	}
}

// SessionID returns the session identifier
func (s *Session) SessionID() string { return s.sessionID }

// Cwd returns the session's working directory
func (s *Session) Cwd() string { return s.cwd }

// CreatedAt returns the creation time
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// LastActivity returns the time of the last operation
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// LoadedPlugins returns the names of loaded plugins
func (s *Session) LoadedPlugins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]string, len(s.loadedPlugins))
	copy(result, s.loadedPlugins)
	return result
}

// ExecutionCount returns the number of completed executions
func (s *Session) ExecutionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executionCount
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Start creates the working directory, spawns the kernel and waits until
// it reports ready
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := os.MkdirAll(s.cwd, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrKernelStartFailed, err)
	}
	if err := os.MkdirAll(filepath.Join(s.sessionDir, "kernel"), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrKernelStartFailed, err)
	}

	if err := s.client.Start(ctx); err != nil {
		return err
	}

	go s.pump()
	logger.Info("kernel session %s started (cwd=%s)", s.sessionID, s.cwd)
	return nil
}

// Stop interrupts and shuts the kernel down. Idempotent.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	_ = s.client.Interrupt()
	err := s.client.Stop()

	select {
	case <-s.pumpDone:
	case <-time.After(5 * time.Second):
	}

	logger.Info("kernel session %s stopped", s.sessionID)
	return err
}

// pump routes kernel messages to waiting control and execution channels
func (s *Session) pump() {
	defer close(s.pumpDone)
	for msg := range s.client.Messages() {
		switch {
		case msg.Type == MessageControlReply && msg.ID != "":
			s.mu.Lock()
			ch := s.pending[msg.ID]
			delete(s.pending, msg.ID)
			s.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		case msg.ExecID != "":
			s.mu.Lock()
			ch := s.execs[msg.ExecID]
			s.mu.Unlock()
			if ch != nil {
				select {
				case ch <- msg:
				default:
					logger.Error("kernel session %s: exec %s channel full, dropping %s", s.sessionID, msg.ExecID, msg.Type)
				}
			}
		default:
			logger.Info("kernel session %s: unrouted message type %s", s.sessionID, msg.Type)
		}
	}

	// Kernel exited: release every waiter
	s.mu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	for id, ch := range s.execs {
		close(ch)
		delete(s.execs, id)
	}
	s.mu.Unlock()
}

// control performs one request/reply round trip on the privileged channel
func (s *Session) control(req *Request) (*Message, error) {
	req.ID = nextRequestID()
	ch := make(chan *Message, 1)

	s.mu.Lock()
	s.pending[req.ID] = ch
	s.mu.Unlock()

	if err := s.client.Send(req); err != nil {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrKernelExited
		}
		return msg, nil
	case <-time.After(controlTimeout):
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
		return nil, fmt.Errorf("control request %s timed out", req.Type)
	}
}

// RegisterPlugin injects plugin source into the kernel and stores its
// config keyed by name
func (s *Session) RegisterPlugin(name, source string, config map[string]string) error {
	reply, err := s.control(&Request{
		Type:   RequestRegisterPlugin,
		Name:   name,
		Source: source,
		Config: config,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPluginLoadFailed, name, err)
	}
	if !reply.Success {
		return fmt.Errorf("%w: %s: %s", ErrPluginLoadFailed, name, reply.Error)
	}

	s.mu.Lock()
	if _, loaded := s.pluginConfigs[name]; !loaded {
		s.loadedPlugins = append(s.loadedPlugins, name)
	}
	s.pluginConfigs[name] = config
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return nil
}

// UpdateVariables writes session-scoped variables into the kernel
// namespace
func (s *Session) UpdateVariables(vars map[string]string) error {
	reply, err := s.control(&Request{
		Type:      RequestUpdateVariables,
		Variables: vars,
	})
	if err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("update variables failed: %s", reply.Error)
	}
	s.touch()
	return nil
}

// Execute submits code and consumes kernel messages until the idle status
// for this exec_id. Stream chunks are collected and handed to onOutput
// synchronously, in kernel order, without coalescing. Kernel-level
// failures are reported inside the result, not as a Go error.
func (s *Session) Execute(ctx context.Context, execID, code string, onOutput OnOutput) (*ExecutionResult, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	ch := make(chan *Message, 1024)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrKernelExited
	}
	s.execs[execID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.execs, execID)
		s.mu.Unlock()
	}()

	if err := s.client.Send(&Request{Type: RequestExecute, ExecID: execID, Code: code}); err != nil {
		return nil, err
	}

	result := &ExecutionResult{
		ExecutionID: execID,
		Code:        code,
		Output:      []OutputItem{},
		Stdout:      []string{},
		Stderr:      []string{},
		Log:         []LogEntry{},
		Artifacts:   []Artifact{},
		Variables:   []VariablePair{},
	}
	replySeen := false

consume:
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil, ErrKernelExited
			}
			switch msg.Type {
			case MessageStream:
				if msg.Stream == StreamStderr {
					result.Stderr = append(result.Stderr, msg.Text)
				} else {
					result.Stdout = append(result.Stdout, msg.Text)
				}
				if onOutput != nil {
					onOutput(msg.Stream, msg.Text)
				}
			case MessageDisplayData, MessageExecuteResult:
				s.collectOutput(result, msg)
			case MessageLog:
				result.Log = append(result.Log, LogEntry{msg.Level, msg.Tag, msg.Text})
			case MessageExecuteReply:
				replySeen = true
				result.IsSuccess = msg.Success
				result.Error = msg.Error
			case MessageStatus:
				if msg.State == StateIdle && replySeen {
					break consume
				}
			}
		case <-ctx.Done():
			_ = s.client.Interrupt()
			return nil, fmt.Errorf("%w: %s", ErrExecTimeout, execID)
		}
	}

	if result.IsSuccess {
		result.Variables = s.inspectVariables()
	}

	s.mu.Lock()
	s.executionCount++
	s.lastActivity = time.Now()
	s.mu.Unlock()

	return result, nil
}

// collectOutput folds a display_data/execute_result message into the
// result; named base64 payloads become inline artifacts
func (s *Session) collectOutput(result *ExecutionResult, msg *Message) {
	if msg.Name != "" && msg.Encoding == "base64" {
		result.Artifacts = append(result.Artifacts, Artifact{
			Name:                msg.Name,
			Type:                artifactType(msg.Mime),
			MimeType:            msg.Mime,
			FileContent:         msg.Content,
			FileContentEncoding: msg.Encoding,
			Preview:             msg.Name,
		})
		return
	}
	result.Output = append(result.Output, OutputItem{Mime: msg.Mime, Content: msg.Content})
}

func artifactType(mime string) string {
	switch mime {
	case "image/png", "image/jpeg", "image/gif", "image/svg+xml":
		return "image"
	default:
		return "file"
	}
}

// inspectVariables asks the kernel for its data variables. The kernel
// excludes modules, builtins, functions and plugin instances; the session
// additionally drops underscore-prefixed names and well-known import
// aliases and truncates reprs.
func (s *Session) inspectVariables() []VariablePair {
	reply, err := s.control(&Request{Type: RequestInspectVariables})
	if err != nil {
		logger.Error("kernel session %s: variable inspection failed: %v", s.sessionID, err)
		return []VariablePair{}
	}

	result := make([]VariablePair, 0, len(reply.Variables))
	for _, v := range reply.Variables {
		name := v.Name()
		if name == "" || name[0] == '_' || moduleAliases[name] {
			continue
		}
		repr := v.Repr()
		if len(repr) > variableReprLimit {
			repr = repr[:variableReprLimit]
		}
		result = append(result, VariablePair{name, repr})
	}
	return result
}

// UploadFile writes content to cwd/<basename(filename)>, rejecting any
// name that would escape the working directory. A second upload with the
// same name overwrites the first.
func (s *Session) UploadFile(filename string, content []byte) (string, error) {
	base, err := validation.SafeBaseName(filename)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, filename)
	}
	path := filepath.Join(s.cwd, base)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", err
	}
	s.touch()
	return path, nil
}

// GetArtifactPath resolves an execution-produced file under cwd. Requests
// escaping cwd yield ErrPathTraversal; missing files yield fs.ErrNotExist.
func (s *Session) GetArtifactPath(name string) (string, error) {
	path, err := validation.ResolveUnder(s.cwd, name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, name)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fs.ErrNotExist
	}
	return path, nil
}
