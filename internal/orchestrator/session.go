// Package orchestrator drives turn-based conversations between the
// Planner and worker roles over the event bus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/loom/internal/config"
	"github.com/HyphaGroup/loom/internal/event"
	"github.com/HyphaGroup/loom/internal/llm"
	"github.com/HyphaGroup/loom/internal/logger"
	"github.com/HyphaGroup/loom/internal/memory"
	"github.com/HyphaGroup/loom/internal/role"
)

var (
	// ErrBusy rejects a message while a turn is already in flight
	ErrBusy = errors.New("a message is already being processed")
	// ErrStopped rejects messages after tear-down
	ErrStopped = errors.New("session is stopped")
)

// maxHops bounds Planner/worker exchanges within one round so a confused
// model cannot loop forever
const maxHops = 20

// Uploader is the optional file-upload surface of the execution backend
type Uploader interface {
	UploadFile(filename string, content []byte) (string, error)
}

// File is one attachment handed in with a user message
type File struct {
	Name    string
	Content []byte
}

/*
SESSION ORCHESTRATION

One Session drives one conversation. Each turn:

 1. A round is appended to the store and round_start goes out on the bus.
 2. The Planner replies through a fresh PostProxy; its send_to names the
    next participant.
 3. Worker replies loop back to the Planner until a post addresses the
    User or carries a stop attachment.
 4. The round finishes; on any role error it fails instead and round_error
    precedes round_end.

Turns run on the caller's goroutine; the session serializes them and
rejects overlapping sends with ErrBusy. Workers block on the confirmation
gate and the execution backend, never on the orchestrator itself.
*/

// Session is one conversation: store, bus, roles, compactors
type Session struct {
	id      string
	cfg     *config.Config
	mem     *memory.Memory
	emitter *event.Emitter

	planner role.Role
	workers map[string]role.Role

	compactors []*memory.Compactor
	uploader   Uploader

	mu         sync.Mutex
	processing bool
	stopped    bool
}

// Options wires the session's collaborators
type Options struct {
	// SessionID is generated when empty
	SessionID string
	Config    *config.Config
	LLM       llm.ChatCompleter
	Executor  role.Executor
	// Uploader receives files attached to user messages (usually the
	// execution client)
	Uploader Uploader
}

// NewSession builds a session with the roles named in the configuration
func NewSession(opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = "conv-" + uuid.NewString()
	}

	mem := memory.NewMemory(sessionID)
	emitter := event.NewEmitter()

	s := &Session{
		id:       sessionID,
		cfg:      cfg,
		mem:      mem,
		emitter:  emitter,
		workers:  make(map[string]role.Role),
		uploader: opts.Uploader,
	}

	deps := role.Deps{Config: cfg, LLM: opts.LLM, Executor: opts.Executor}
	for _, alias := range cfg.Session.Roles {
		r, err := role.Build(alias, deps)
		if err != nil {
			return nil, fmt.Errorf("building role %s: %w", alias, err)
		}
		mem.RegisterRole(alias)
		if alias == role.PlannerName {
			s.planner = r
		} else {
			s.workers[alias] = r
		}
	}
	if s.planner == nil {
		return nil, fmt.Errorf("session roles must include %s", role.PlannerName)
	}

	if cfg.Compaction.Enabled && opts.LLM != nil {
		s.startCompactors(opts.LLM)
	}

	return s, nil
}

// startCompactors attaches one background compactor per role
func (s *Session) startCompactors(client llm.ChatCompleter) {
	for _, alias := range s.cfg.Session.Roles {
		alias := alias
		compactorCfg := memory.CompactorConfig{
			Threshold:          s.cfg.Compaction.Threshold,
			RetainRecent:       s.cfg.Compaction.RetainRecent,
			PromptTemplatePath: s.cfg.Roles[alias].CompactionPromptPath,
		}

		var c *memory.Compactor
		summarize := func(ctx context.Context, prev, content string) (string, error) {
			prompt := c.RenderPrompt(prev, content)
			return client.ChatCompletion(ctx, []llm.Message{
				llm.SystemMessage("You are a helpful assistant that summarizes conversations."),
				llm.UserMessage(prompt),
			}, llm.Options{Temperature: 0.3})
		}
		c = memory.NewCompactor(alias, compactorCfg, summarize, func() []*memory.Round {
			rounds, err := s.mem.GetRoleRounds(alias, false)
			if err != nil {
				return nil
			}
			return rounds
		})
		c.Start()
		s.mem.RegisterCompactor(alias, c)
		s.compactors = append(s.compactors, c)
	}
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Memory returns the conversation store
func (s *Session) Memory() *memory.Memory { return s.mem }

// Emitter returns the session's event bus
func (s *Session) Emitter() *event.Emitter { return s.emitter }

// Processing reports whether a turn is in flight
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// UploadFile forwards a file to the execution backend's working directory
func (s *Session) UploadFile(filename string, content []byte) (string, error) {
	if s.uploader == nil {
		return "", fmt.Errorf("session has no upload backend")
	}
	return s.uploader.UploadFile(filename, content)
}

// SendMessage drives one full conversation turn and returns the finished
// round. Concurrent sends are rejected with ErrBusy.
func (s *Session) SendMessage(ctx context.Context, text string, files []File) (*memory.Round, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if s.processing {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.processing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
	}()

	for _, f := range files {
		if _, err := s.UploadFile(f.Name, f.Content); err != nil {
			logger.Error("session %s: uploading %s failed: %v", s.id, f.Name, err)
		}
	}

	round := s.mem.CreateRound(text)
	s.emitter.StartRound(round.ID)

	userPost := memory.NewPost(memory.RoleUser)
	userPost.SendTo = role.PlannerName
	userPost.Message = text
	if err := s.mem.AppendPost(round.ID, userPost); err != nil {
		return nil, s.failRound(round.ID, err)
	}

	if err := s.runTurn(ctx, round.ID); err != nil {
		return nil, err
	}

	if err := s.mem.SetRoundState(round.ID, memory.RoundFinished); err != nil {
		logger.Error("session %s: finishing round failed: %v", s.id, err)
	}
	s.emitter.EndRound(round.ID)

	return s.mem.GetRound(round.ID)
}

// runTurn loops Planner and workers until the round terminates
func (s *Session) runTurn(ctx context.Context, roundID string) error {
	current := s.planner

	for hop := 0; hop < maxHops; hop++ {
		if err := ctx.Err(); err != nil {
			return s.failRound(roundID, err)
		}

		proxy := s.emitter.CreatePostProxy(current.Name(), roundID)
		post, err := current.Reply(ctx, s.mem, proxy)
		if err != nil {
			return s.failRound(roundID, err)
		}

		if appendErr := s.mem.AppendPost(roundID, post); appendErr != nil {
			return s.failRound(roundID, appendErr)
		}

		if post.SendTo == memory.RoleUser || post.FirstAttachment(memory.KindStop) != nil {
			return nil
		}

		if worker, ok := s.workers[post.SendTo]; ok {
			current = worker
			continue
		}
		if post.SendTo == role.PlannerName {
			current = s.planner
			continue
		}
		return s.failRound(roundID, fmt.Errorf("%w: %s", memory.ErrUnknownRole, post.SendTo))
	}

	return s.failRound(roundID, fmt.Errorf("round exceeded %d role exchanges", maxHops))
}

// failRound marks the round failed and pushes the terminal events
func (s *Session) failRound(roundID string, cause error) error {
	if err := s.mem.SetRoundState(roundID, memory.RoundFailed); err != nil {
		logger.Error("session %s: marking round failed: %v", s.id, err)
	}
	s.emitter.EmitRoundError(roundID, cause.Error())
	s.emitter.EndRound(roundID)
	logger.Error("session %s: round %s failed: %v", s.id, roundID, cause)
	return cause
}

// Stop tears the session down: outstanding confirmations resolve to
// rejected, compactors stop, and no further messages are accepted
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.emitter.Gate().Cancel()
	_ = s.emitter.Emit(&event.Event{Scope: event.ScopeSession, Type: event.SessionEnd})
	for _, c := range s.compactors {
		c.Stop()
	}

	// Give an in-flight turn a moment to observe the cancellation
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Processing() {
		time.Sleep(10 * time.Millisecond)
	}

	logger.Info("session %s stopped", s.id)
}
