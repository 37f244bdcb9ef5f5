// Package role implements the conversation participants: the Planner and
// the workers it dispatches to. Role discovery is a static registry; the
// session instantiates the aliases named in its configuration.
package role

import (
	"context"
	"fmt"
	"sort"

	"github.com/HyphaGroup/loom/internal/config"
	"github.com/HyphaGroup/loom/internal/event"
	"github.com/HyphaGroup/loom/internal/kernel"
	"github.com/HyphaGroup/loom/internal/llm"
	"github.com/HyphaGroup/loom/internal/memory"
)

// Role is one participant in a conversation. Reply builds the role's post
// through the proxy and returns the frozen post. A non-nil error fails the
// round.
type Role interface {
	Name() string
	Reply(ctx context.Context, mem *memory.Memory, proxy *event.PostProxy) (*memory.Post, error)
}

// Executor abstracts the code execution backend a worker drives. Satisfied
// by the execution client; kernel.Session's Execute takes a context first
// and does not satisfy it directly.
type Executor interface {
	Execute(execID, code string, onOutput kernel.OnOutput) (*kernel.ExecutionResult, error)
}

// Deps carries the collaborators handed to role factories
type Deps struct {
	Config   *config.Config
	LLM      llm.ChatCompleter
	Executor Executor
}

// Factory builds one role instance
type Factory func(deps Deps) (Role, error)

var registry = map[string]Factory{}

// Register adds a role factory to the static table. Called from init
// functions; the table never changes after startup.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// Build instantiates a registered role
func Build(name string, deps Deps) (Role, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", memory.ErrUnknownRole, name)
	}
	return factory(deps)
}

// Registered returns the registered role names in sorted order
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
