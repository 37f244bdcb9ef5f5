// Package llm defines the interface the core consumes from LLM provider
// bindings. The provider HTTP adapters live outside the core; tests and
// offline runs use the static client below.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Message is one chat message handed to the model
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Options tunes a completion call
type Options struct {
	Temperature float64
	MaxTokens   int
}

// ChatCompleter produces one completion for a message list
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, messages []Message, opts Options) (string, error)
}

// StreamCompleter produces a completion as a token channel. The channel
// closes when the completion finishes; the consumer treats the stream as
// restartable at most once.
type StreamCompleter interface {
	ChatCompleter
	ChatCompletionStream(ctx context.Context, messages []Message, opts Options) (<-chan string, error)
}

// SystemMessage builds a system-role message
func SystemMessage(content string) Message {
	return Message{Role: "system", Content: content}
}

// UserMessage builds a user-role message
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// AssistantMessage builds an assistant-role message
func AssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}

// StaticClient answers every completion from a scripted function. Used in
// tests and as the default wiring when no provider is configured.
type StaticClient struct {
	// Respond maps the message list onto a completion. When nil, the
	// client echoes the last user message.
	Respond func(messages []Message) (string, error)
}

// ChatCompletion implements ChatCompleter
func (c *StaticClient) ChatCompletion(ctx context.Context, messages []Message, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.Respond != nil {
		return c.Respond(messages)
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content, nil
		}
	}
	return "", fmt.Errorf("no user message to echo")
}

// ChatCompletionStream implements StreamCompleter, emitting the completion
// in word-sized tokens
func (c *StaticClient) ChatCompletionStream(ctx context.Context, messages []Message, opts Options) (<-chan string, error) {
	full, err := c.ChatCompletion(ctx, messages, opts)
	if err != nil {
		return nil, err
	}

	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		words := strings.SplitAfter(full, " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			select {
			case ch <- w:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
