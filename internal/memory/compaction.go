package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/HyphaGroup/loom/internal/logger"
	"github.com/HyphaGroup/loom/internal/metrics"
)

/*
BACKGROUND COMPACTION

One Compactor per (session, role) that opts in. The worker goroutine is the
sole writer of the compacted summary; readers take it under the lock. A
cycle replaces the summary wholesale, so repeated reads are idempotent.

Trigger rule: when the number of uncompacted rounds exceeds the threshold,
signal the worker. The worker snapshots the rounds, summarizes everything up
to total-retainRecent through the callback (which may block on the network),
and atomically swaps in the new CompactedMessage. A failed cycle keeps the
previous summary and retries on the next trigger.
*/

// CompactedMessage is the single summarization artifact for a (session,
// role) pair. end_index is monotonically non-decreasing.
type CompactedMessage struct {
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
	Summary    string `json:"summary"`
}

// SystemMessage formats the summary for inclusion in a prompt
func (c *CompactedMessage) SystemMessage() string {
	return fmt.Sprintf("[Conversation History Summary (Rounds %d-%d)]\n%s", c.StartIndex, c.EndIndex, c.Summary)
}

// Summarizer produces a new summary from the previous one and the rendered
// conversation content. Implemented by the LLM adapter.
type Summarizer func(ctx context.Context, previousSummary, content string) (string, error)

// CompactorConfig configures a Compactor
type CompactorConfig struct {
	Threshold          int    // uncompacted round count that triggers a cycle
	RetainRecent       int    // recent rounds excluded from compaction
	PromptTemplatePath string // optional override for the summarization prompt
}

// DefaultCompactorConfig returns the default compaction settings
func DefaultCompactorConfig() CompactorConfig {
	return CompactorConfig{
		Threshold:    10,
		RetainRecent: 3,
	}
}

const defaultCompactionPrompt = `Summarize the following conversation history concisely.
Focus on: key decisions made, important information exchanged, and current state.
Preserve any critical details that would be needed to continue the conversation.

## Previous summary
{PREVIOUS_SUMMARY}

## Conversation to summarize
{CONTENT}

Provide a clear, structured summary:`

// messagePreviewLimit bounds per-post text in the summarization input
const messagePreviewLimit = 1024

// Compactor summarizes older conversation rounds for one role in the
// background. Implements CompactionProvider.
type Compactor struct {
	role         string
	config       CompactorConfig
	summarize    Summarizer
	roundsGetter func() []*Round
	prompt       string

	mu         sync.Mutex
	compacted  *CompactedMessage
	compacting bool

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// NewCompactor creates a compactor for the given role. roundsGetter must
// return the role-filtered rounds snapshot; it is called on the worker
// goroutine.
func NewCompactor(role string, config CompactorConfig, summarize Summarizer, roundsGetter func() []*Round) *Compactor {
	if config.Threshold <= 0 {
		config.Threshold = DefaultCompactorConfig().Threshold
	}
	if config.RetainRecent < 0 {
		config.RetainRecent = DefaultCompactorConfig().RetainRecent
	}
	return &Compactor{
		role:         role,
		config:       config,
		summarize:    summarize,
		roundsGetter: roundsGetter,
		prompt:       loadPromptTemplate(config.PromptTemplatePath),
		trigger:      make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func loadPromptTemplate(path string) string {
	if path == "" {
		return defaultCompactionPrompt
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("Compactor: failed to read prompt template %s: %v", path, err)
		return defaultCompactionPrompt
	}
	return string(data)
}

// Start launches the worker goroutine. Safe to call once.
func (c *Compactor) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.workerLoop()
	logger.Info("Compactor[%s]: worker started", c.role)
}

// Stop signals the worker and waits for it with a bounded timeout
func (c *Compactor) Stop() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}

	select {
	case <-c.stop:
		// already stopped
	default:
		close(c.stop)
	}

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		logger.Error("Compactor[%s]: worker did not stop in time", c.role)
	}
}

// GetCompaction returns the current summary, or nil if none exists yet
func (c *Compactor) GetCompaction() *CompactedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compacted
}

// NotifyRoundsChanged signals the worker when enough uncompacted rounds
// have accumulated. Non-blocking; called from the store's round-added path.
// The trigger channel has capacity one, so at most one cycle is pending
// while another runs.
func (c *Compactor) NotifyRoundsChanged(totalRounds int) {
	c.mu.Lock()
	compactedEnd := 0
	if c.compacted != nil {
		compactedEnd = c.compacted.EndIndex
	}
	c.mu.Unlock()

	if totalRounds-compactedEnd <= c.config.Threshold {
		return
	}

	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Compactor) workerLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case <-c.trigger:
		}

		select {
		case <-c.stop:
			return
		default:
		}

		c.tryCompact()
	}
}

func (c *Compactor) tryCompact() {
	c.mu.Lock()
	if c.compacting {
		c.mu.Unlock()
		return
	}
	c.compacting = true
	prev := c.compacted
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.compacting = false
		c.mu.Unlock()
	}()

	rounds := c.roundsGetter()
	total := len(rounds)
	if total == 0 {
		return
	}

	prevEnd := 0
	prevSummary := "None"
	if prev != nil {
		prevEnd = prev.EndIndex
		prevSummary = prev.Summary
	}

	newEnd := total - c.config.RetainRecent
	if newEnd <= 0 || newEnd <= prevEnd {
		return
	}

	content := renderRoundsForSummary(rounds, prevEnd, newEnd)

	summary, err := c.summarize(context.Background(), prevSummary, content)
	if err != nil {
		logger.Error("Compactor[%s]: summarization failed: %v", c.role, err)
		metrics.RecordCompaction(c.role, "error")
		return
	}
	if strings.TrimSpace(summary) == "" {
		logger.Error("Compactor[%s]: summarizer returned empty summary", c.role)
		metrics.RecordCompaction(c.role, "error")
		return
	}

	c.mu.Lock()
	c.compacted = &CompactedMessage{
		StartIndex: 1,
		EndIndex:   newEnd,
		Summary:    summary,
	}
	c.mu.Unlock()

	metrics.RecordCompaction(c.role, "ok")
	logger.Info("Compactor[%s]: compacted rounds 1-%d", c.role, newEnd)
}

// RenderPrompt fills the compactor's template with the previous summary and
// content. Exposed so the LLM adapter can build the final prompt.
func (c *Compactor) RenderPrompt(previousSummary, content string) string {
	out := strings.ReplaceAll(c.prompt, "{PREVIOUS_SUMMARY}", previousSummary)
	return strings.ReplaceAll(out, "{CONTENT}", content)
}

// renderRoundsForSummary renders rounds (prevEnd, newEnd] as text input for
// the summarizer. Round numbers are 1-based.
func renderRoundsForSummary(rounds []*Round, prevEnd, newEnd int) string {
	var b strings.Builder
	for i := prevEnd; i < newEnd && i < len(rounds); i++ {
		round := rounds[i]
		fmt.Fprintf(&b, "\n--- Round %d ---\n", i+1)
		fmt.Fprintf(&b, "User Query: %s\n", round.UserQuery)
		for _, post := range round.Posts {
			msg := post.Message
			if len(msg) > messagePreviewLimit {
				msg = msg[:messagePreviewLimit] + "..."
			}
			fmt.Fprintf(&b, "  %s -> %s: %s\n", post.SendFrom, post.SendTo, msg)
		}
	}
	return b.String()
}
