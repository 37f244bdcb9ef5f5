package role

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/HyphaGroup/loom/internal/event"
	"github.com/HyphaGroup/loom/internal/llm"
	"github.com/HyphaGroup/loom/internal/memory"
)

// PlannerName is the planner's role alias
const PlannerName = "Planner"

func init() {
	Register(PlannerName, func(deps Deps) (Role, error) {
		if deps.LLM == nil {
			return nil, fmt.Errorf("planner requires an LLM client")
		}
		workers := []string{}
		for _, alias := range deps.Config.Session.Roles {
			if alias != PlannerName {
				workers = append(workers, alias)
			}
		}
		return &Planner{llm: deps.LLM, workers: workers}, nil
	})
}

// plannerSystemPrompt frames the planner's structured reply format
const plannerSystemPrompt = `You are the Planner of a multi-agent system. You decompose the user's
request, dispatch steps to workers, and assemble the final answer.

Respond with a single JSON object:
{
  "thought": "your reasoning",
  "plan": ["step 1", "step 2"],
  "current_plan_step": "the step being executed now",
  "message": "the instruction for the recipient or the answer for the user",
  "send_to": "one of: %s, User"
}`

// plannerResponse is the structured reply the planner model produces
type plannerResponse struct {
	Thought         string   `json:"thought"`
	Plan            []string `json:"plan,omitempty"`
	CurrentPlanStep string   `json:"current_plan_step,omitempty"`
	Message         string   `json:"message"`
	SendTo          string   `json:"send_to"`
}

// Planner drives the conversation: it answers the user directly or
// dispatches work to a worker role
type Planner struct {
	llm     llm.ChatCompleter
	workers []string
}

// Name implements Role
func (p *Planner) Name() string { return PlannerName }

// Reply implements Role. The model's output is parsed into the structured
// response; thought and plan stream out as attachments, then the message
// and recipient.
func (p *Planner) Reply(ctx context.Context, mem *memory.Memory, proxy *event.PostProxy) (*memory.Post, error) {
	messages, err := p.buildPrompt(mem)
	if err != nil {
		proxy.End(err)
		return nil, err
	}

	raw, err := p.llm.ChatCompletion(ctx, messages, llm.Options{})
	if err != nil {
		err = fmt.Errorf("planner completion failed: %w", err)
		proxy.End(err)
		return nil, err
	}

	resp, parseErr := parsePlannerResponse(raw)
	if parseErr != nil {
		// An unparseable reply still reaches the user rather than
		// failing the round
		proxy.AddAttachment(memory.KindInvalidResponse, raw)
		proxy.UpdateSendTo(memory.RoleUser)
		proxy.UpdateMessage(raw, true)
		return proxy.End(nil), nil
	}

	if resp.Thought != "" {
		proxy.AddAttachment(memory.KindThought, resp.Thought)
	}
	if len(resp.Plan) > 0 {
		proxy.AddAttachment(memory.KindPlan, strings.Join(resp.Plan, "\n"))
	}
	if resp.CurrentPlanStep != "" {
		proxy.AddAttachment(memory.KindCurrentPlanStep, resp.CurrentPlanStep)
	}

	sendTo := resp.SendTo
	if !p.knownRecipient(sendTo) {
		proxy.AddAttachment(memory.KindInvalidResponse,
			fmt.Sprintf("unknown recipient %q", sendTo))
		sendTo = memory.RoleUser
	}
	proxy.UpdateSendTo(sendTo)
	proxy.UpdateMessage(resp.Message, true)

	return proxy.End(nil), nil
}

func (p *Planner) knownRecipient(name string) bool {
	if name == memory.RoleUser {
		return true
	}
	for _, w := range p.workers {
		if w == name {
			return true
		}
	}
	return false
}

// buildPrompt assembles the planner's message list: system prompt, the
// compaction summary (when present), then the role's visible rounds
func (p *Planner) buildPrompt(mem *memory.Memory) ([]llm.Message, error) {
	rounds, compacted, err := mem.GetRoleRoundsWithCompaction(PlannerName, false)
	if err != nil {
		return nil, err
	}

	messages := []llm.Message{
		llm.SystemMessage(fmt.Sprintf(plannerSystemPrompt, strings.Join(p.workers, ", "))),
	}

	startAfter := 0
	if compacted != nil {
		messages = append(messages, llm.SystemMessage(compacted.SystemMessage()))
		startAfter = compacted.EndIndex
	}

	for i, round := range rounds {
		if i < startAfter {
			continue
		}
		messages = append(messages, llm.UserMessage(round.UserQuery))
		for _, post := range round.Posts {
			if post.SendFrom == memory.RoleUser {
				continue
			}
			rendered := fmt.Sprintf("%s -> %s: %s", post.SendFrom, post.SendTo, post.Message)
			if post.SendFrom == PlannerName {
				messages = append(messages, llm.AssistantMessage(rendered))
			} else {
				messages = append(messages, llm.UserMessage(rendered))
			}
		}
	}
	return messages, nil
}

// parsePlannerResponse decodes the model output, tolerating markdown
// fences around the JSON object
func parsePlannerResponse(raw string) (*plannerResponse, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var resp plannerResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("planner response is not valid JSON: %w", err)
	}
	if resp.SendTo == "" {
		resp.SendTo = memory.RoleUser
	}
	return &resp, nil
}
