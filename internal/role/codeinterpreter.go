package role

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/HyphaGroup/loom/internal/event"
	"github.com/HyphaGroup/loom/internal/kernel"
	"github.com/HyphaGroup/loom/internal/llm"
	"github.com/HyphaGroup/loom/internal/logger"
	"github.com/HyphaGroup/loom/internal/memory"
)

// CodeInterpreterName is the code interpreter worker's role alias
const CodeInterpreterName = "CodeInterpreter"

// ErrExecutionNotConfirmed fails the round when the user rejects a code
// execution
var ErrExecutionNotConfirmed = errors.New("code execution was not confirmed by the user")

func init() {
	Register(CodeInterpreterName, func(deps Deps) (Role, error) {
		if deps.LLM == nil {
			return nil, fmt.Errorf("code interpreter requires an LLM client")
		}
		if deps.Executor == nil {
			return nil, fmt.Errorf("code interpreter requires an executor")
		}

		ci := deps.Config.CodeInterpreter
		return &CodeInterpreter{
			llm:                 deps.LLM,
			executor:            deps.Executor,
			requireConfirmation: ci.RequireConfirmation,
			maxRetryCount:       ci.MaxRetryCount,
			verification: VerificationConfig{
				Enabled:          ci.VerificationOn,
				AllowedModules:   ci.AllowedModules,
				BlockedModules:   ci.BlockedModules,
				BlockedFunctions: ci.BlockedFunctions,
			},
		}, nil
	})
}

const codeInterpreterSystemPrompt = `You are the CodeInterpreter. You translate the Planner's instruction
into code for a stateful interactive kernel. Variables persist across
executions within a session.

Respond with a single JSON object:
{
  "thought": "your reasoning",
  "code": "the code to execute"
}`

// ciResponse is the structured reply the code generation model produces
type ciResponse struct {
	Thought string `json:"thought"`
	Code    string `json:"code"`
}

// CodeInterpreter generates code from the Planner's instruction, verifies
// it, optionally gates it on user confirmation, executes it, and reports
// the outcome back to the Planner. Verification and kernel failures are
// recoverable: they feed the retry loop until the per-round budget runs
// out.
type CodeInterpreter struct {
	llm                 llm.ChatCompleter
	executor            Executor
	requireConfirmation bool
	maxRetryCount       int
	verification        VerificationConfig

	// The retry budget spans the whole round, not one invocation: a
	// Planner dispatching twice in a round shares the same budget.
	mu          sync.Mutex
	budgetRound string
	budgetUsed  int
}

// Name implements Role
func (c *CodeInterpreter) Name() string { return CodeInterpreterName }

// Reply implements Role
func (c *CodeInterpreter) Reply(ctx context.Context, mem *memory.Memory, proxy *event.PostProxy) (*memory.Post, error) {
	baseMessages, err := c.buildPrompt(mem)
	if err != nil {
		proxy.End(err)
		return nil, err
	}

	budget := c.maxRetryCount
	if budget <= 0 {
		budget = 3
	}

	c.mu.Lock()
	if c.budgetRound != proxy.RoundID() {
		c.budgetRound = proxy.RoundID()
		c.budgetUsed = 0
	}
	remaining := budget - c.budgetUsed
	c.mu.Unlock()

	messages := baseMessages
	lastFailure := errors.New("the retry budget for this round is already spent")

	for attempt := 0; attempt < remaining; attempt++ {
		result, code, err := c.runAttempt(ctx, messages, proxy)
		if err == nil {
			return c.successReply(proxy, result), nil
		}

		// The retry loop consumes the error type: verification and
		// kernel failures are recoverable and feed the next attempt,
		// anything else surfaces and fails the round.
		switch {
		case errors.Is(err, ErrCodeVerificationFailed):
			lastFailure = err
			proxy.UpdateStatus(fmt.Sprintf("code verification failed, retry %d/%d", attempt+1, remaining))
			logger.Info("code verification failed (attempt %d/%d)", attempt+1, remaining)
			c.consumeBudget()
			messages = c.withRevision(baseMessages, code,
				fmt.Sprintf("%s\n%s", err.Error(), CorrectionMessage()))
		case errors.Is(err, kernel.ErrExecutionFailed):
			lastFailure = err
			proxy.UpdateStatus(fmt.Sprintf("execution failed, retry %d/%d", attempt+1, remaining))
			logger.Info("kernel execution failed (attempt %d/%d): %s", attempt+1, remaining, firstLine(err.Error()))
			c.consumeBudget()
			messages = c.withRevision(baseMessages, code,
				fmt.Sprintf("The execution of the previous generated code has failed. "+
					"If you think you can fix the problem by rewriting the code, please generate better code. "+
					"The error message is:\n%s", err.Error()))
		default:
			proxy.End(err)
			return nil, err
		}
	}

	// Budget exhausted: surface the failure to the Planner as a normal
	// reply, not a round failure
	proxy.AddAttachment(memory.KindReviseMessage, lastFailure.Error())
	proxy.UpdateSendTo(PlannerName)
	proxy.UpdateMessage(fmt.Sprintf(
		"The code interpreter failed after %d attempts. The last error was:\n%s", budget, lastFailure.Error()), true)
	return proxy.End(nil), nil
}

// runAttempt performs one generate-verify-confirm-execute cycle. A nil
// error means the returned result succeeded. Recoverable failures come
// back as ErrCodeVerificationFailed or kernel.ErrExecutionFailed; any
// other error is fatal to the round.
func (c *CodeInterpreter) runAttempt(ctx context.Context, messages []llm.Message, proxy *event.PostProxy) (*kernel.ExecutionResult, string, error) {
	code, thought, err := c.generateCode(ctx, messages)
	if err != nil {
		return nil, "", err
	}
	if thought != "" {
		proxy.AddAttachment(memory.KindThought, thought)
	}
	proxy.AddAttachment(memory.KindReplyType, "code")
	proxy.AddAttachment(memory.KindReplyContent, code)

	// Static verification first: a rejected snippet never reaches the
	// kernel
	if findings := VerifyCode(code, c.verification); len(findings) > 0 {
		joined := strings.Join(findings, "\n")
		proxy.AddAttachment(memory.KindVerification, "INCORRECT")
		proxy.AddAttachment(memory.KindCodeError, joined)
		return nil, code, fmt.Errorf("%w:\n%s", ErrCodeVerificationFailed, joined)
	}
	if c.verification.Enabled {
		proxy.AddAttachment(memory.KindVerification, "CORRECT")
	}

	// Gate execution on user approval when configured
	if c.requireConfirmation {
		approved, confirmErr := proxy.RequestConfirmation(code)
		if confirmErr != nil || !approved {
			err := ErrExecutionNotConfirmed
			if confirmErr != nil {
				err = fmt.Errorf("%w: %v", ErrExecutionNotConfirmed, confirmErr)
			}
			proxy.UpdateSendTo(PlannerName)
			proxy.UpdateMessage("The user rejected the code execution.", true)
			return nil, code, err
		}
	}

	execID := "exec-" + uuid.NewString()
	proxy.UpdateStatus("executing code")
	result, execErr := c.executor.Execute(execID, code, func(stream, text string) {
		proxy.EmitExecutionOutput(stream, text)
	})
	if execErr != nil {
		// Transport-level failure: not recoverable by rewriting code
		return nil, code, fmt.Errorf("execution backend failed: %w", execErr)
	}

	if err := result.Err(); err != nil {
		proxy.AddAttachment(memory.KindExecutionStatus, "FAILURE")
		proxy.AddAttachment(memory.KindCodeError, result.Error)
		return nil, code, err
	}
	return result, code, nil
}

// consumeBudget charges one failed attempt against the round's budget
func (c *CodeInterpreter) consumeBudget() {
	c.mu.Lock()
	c.budgetUsed++
	c.mu.Unlock()
}

// generateCode asks the model for the next code snippet
func (c *CodeInterpreter) generateCode(ctx context.Context, messages []llm.Message) (code, thought string, err error) {
	raw, err := c.llm.ChatCompletion(ctx, messages, llm.Options{})
	if err != nil {
		return "", "", fmt.Errorf("code generation failed: %w", err)
	}

	resp, parseErr := parseCIResponse(raw)
	if parseErr != nil {
		// Treat the whole reply as code when the structure is missing;
		// verification and the kernel judge it from here
		return stripCodeFences(raw), "", nil
	}
	return resp.Code, resp.Thought, nil
}

// successReply assembles the worker's post for a successful execution
func (c *CodeInterpreter) successReply(proxy *event.PostProxy, result *kernel.ExecutionResult) *memory.Post {
	proxy.AddAttachment(memory.KindExecutionStatus, "SUCCESS")
	proxy.AddAttachment(memory.KindExecutionResult, formatResult(result))

	if len(result.Artifacts) > 0 {
		names := make([]string, 0, len(result.Artifacts))
		for _, a := range result.Artifacts {
			if a.FileName != "" {
				names = append(names, a.FileName)
			} else {
				names = append(names, a.Name)
			}
		}
		proxy.AddAttachment(memory.KindArtifactPaths, strings.Join(names, "\n"))
	}
	if len(result.Variables) > 0 {
		pairs := make([]string, 0, len(result.Variables))
		for _, v := range result.Variables {
			pairs = append(pairs, fmt.Sprintf("%s=%s", v.Name(), v.Repr()))
		}
		proxy.AddAttachment(memory.KindSessionVariables, strings.Join(pairs, "\n"))
	}

	proxy.UpdateSendTo(PlannerName)
	proxy.UpdateMessage(formatResult(result), true)
	return proxy.End(nil)
}

// buildPrompt assembles the worker's message list from its visible rounds
func (c *CodeInterpreter) buildPrompt(mem *memory.Memory) ([]llm.Message, error) {
	rounds, compacted, err := mem.GetRoleRoundsWithCompaction(CodeInterpreterName, false)
	if err != nil {
		return nil, err
	}

	messages := []llm.Message{llm.SystemMessage(codeInterpreterSystemPrompt)}
	startAfter := 0
	if compacted != nil {
		messages = append(messages, llm.SystemMessage(compacted.SystemMessage()))
		startAfter = compacted.EndIndex
	}

	for i, round := range rounds {
		if i < startAfter {
			continue
		}
		for _, post := range round.Posts {
			rendered := fmt.Sprintf("%s -> %s: %s", post.SendFrom, post.SendTo, post.Message)
			if post.SendFrom == CodeInterpreterName {
				messages = append(messages, llm.AssistantMessage(rendered))
			} else {
				messages = append(messages, llm.UserMessage(rendered))
			}
		}
	}
	return messages, nil
}

// withRevision extends the base prompt with the failed code and the
// correction instruction
func (c *CodeInterpreter) withRevision(base []llm.Message, failedCode, correction string) []llm.Message {
	messages := make([]llm.Message, len(base), len(base)+2)
	copy(messages, base)
	messages = append(messages,
		llm.AssistantMessage(failedCode),
		llm.UserMessage(correction),
	)
	return messages
}

// parseCIResponse decodes the model output, tolerating markdown fences
func parseCIResponse(raw string) (*ciResponse, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var resp ciResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, err
	}
	if resp.Code == "" {
		return nil, fmt.Errorf("response carries no code")
	}
	return &resp, nil
}

// stripCodeFences removes a surrounding markdown code fence, if any
func stripCodeFences(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.Index(text, "\n"); idx >= 0 {
		text = text[idx+1:]
	}
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// formatResult renders an execution result as the message body fed back to
// the Planner
func formatResult(result *kernel.ExecutionResult) string {
	var b strings.Builder
	b.WriteString("The execution of the generated code has succeeded.\n")

	if out := strings.Join(result.Stdout, ""); out != "" {
		fmt.Fprintf(&b, "The stdout is:\n%s\n", out)
	}
	for _, item := range result.Output {
		if item.Content != "" {
			fmt.Fprintf(&b, "The result is:\n%s\n", item.Content)
		}
	}
	if len(result.Variables) > 0 {
		b.WriteString("The variables are:\n")
		for _, v := range result.Variables {
			fmt.Fprintf(&b, "  %s = %s\n", v.Name(), v.Repr())
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// firstLine truncates a traceback to its first line for logging
func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
