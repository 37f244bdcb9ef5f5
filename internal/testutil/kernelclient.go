// Package testutil provides shared test doubles.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/HyphaGroup/loom/internal/kernel"
)

// FakeKernelClient is a test double for kernel.Client.
// It scripts kernel reactions per request and records calls for assertions.
type FakeKernelClient struct {
	mu       sync.Mutex
	msgs     chan *kernel.Message
	requests []*kernel.Request
	stopped  bool

	// OnRequest scripts the kernel's reaction to each request. When nil,
	// DefaultScript is used.
	OnRequest func(c *FakeKernelClient, req *kernel.Request)

	// StartError makes Start fail, simulating a kernel that never comes up
	StartError error
}

// NewFakeKernelClient creates a fake kernel with the given script
func NewFakeKernelClient(onRequest func(c *FakeKernelClient, req *kernel.Request)) *FakeKernelClient {
	return &FakeKernelClient{
		msgs:      make(chan *kernel.Message, 1024),
		OnRequest: onRequest,
	}
}

// Start implements kernel.Client
func (c *FakeKernelClient) Start(ctx context.Context) error {
	return c.StartError
}

// Stop implements kernel.Client
func (c *FakeKernelClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.msgs)
	}
	return nil
}

// Interrupt implements kernel.Client
func (c *FakeKernelClient) Interrupt() error { return nil }

// Send implements kernel.Client
func (c *FakeKernelClient) Send(req *kernel.Request) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("kernel not running")
	}
	c.requests = append(c.requests, req)
	script := c.OnRequest
	c.mu.Unlock()

	if script == nil {
		script = DefaultScript
	}
	script(c, req)
	return nil
}

// Messages implements kernel.Client
func (c *FakeKernelClient) Messages() <-chan *kernel.Message { return c.msgs }

// Emit delivers one message from the fake kernel
func (c *FakeKernelClient) Emit(msg *kernel.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.msgs <- msg
}

// Requests returns a copy of all requests received so far
func (c *FakeKernelClient) Requests() []*kernel.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]*kernel.Request, len(c.requests))
	copy(result, c.requests)
	return result
}

// RequestsOfType returns the received requests with the given type
func (c *FakeKernelClient) RequestsOfType(reqType string) []*kernel.Request {
	var result []*kernel.Request
	for _, req := range c.Requests() {
		if req.Type == reqType {
			result = append(result, req)
		}
	}
	return result
}

// DefaultScript emulates a simple echo kernel: every print-like line of
// code produces one stdout chunk, executions succeed, control requests
// succeed, and variable inspection returns nothing.
func DefaultScript(c *FakeKernelClient, req *kernel.Request) {
	switch req.Type {
	case kernel.RequestExecute:
		c.Emit(&kernel.Message{Type: kernel.MessageStatus, ExecID: req.ExecID, State: kernel.StateBusy})
		for _, text := range EchoOutputs(req.Code) {
			c.Emit(&kernel.Message{
				Type: kernel.MessageStream, ExecID: req.ExecID,
				Stream: kernel.StreamStdout, Text: text,
			})
		}
		c.Emit(&kernel.Message{Type: kernel.MessageExecuteReply, ExecID: req.ExecID, Success: true})
		c.Emit(&kernel.Message{Type: kernel.MessageStatus, ExecID: req.ExecID, State: kernel.StateIdle})
	case kernel.RequestInterrupt, kernel.RequestShutdown:
		// no reply expected
	default:
		c.Emit(&kernel.Message{Type: kernel.MessageControlReply, ID: req.ID, Success: true})
	}
}

// EchoOutputs derives scripted stdout chunks from code: each
// print('text') call becomes one "text\n" chunk
func EchoOutputs(code string) []string {
	var outputs []string
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "print('") || !strings.HasSuffix(line, "')") {
			continue
		}
		text := strings.TrimSuffix(strings.TrimPrefix(line, "print('"), "')")
		outputs = append(outputs, text+"\n")
	}
	return outputs
}

// ScriptWithOutputs returns a script that answers every execute request
// with the given stdout chunks and variables
func ScriptWithOutputs(stdout []string, vars []kernel.VariablePair) func(*FakeKernelClient, *kernel.Request) {
	return func(c *FakeKernelClient, req *kernel.Request) {
		switch req.Type {
		case kernel.RequestExecute:
			c.Emit(&kernel.Message{Type: kernel.MessageStatus, ExecID: req.ExecID, State: kernel.StateBusy})
			for _, text := range stdout {
				c.Emit(&kernel.Message{
					Type: kernel.MessageStream, ExecID: req.ExecID,
					Stream: kernel.StreamStdout, Text: text,
				})
			}
			c.Emit(&kernel.Message{Type: kernel.MessageExecuteReply, ExecID: req.ExecID, Success: true})
			c.Emit(&kernel.Message{Type: kernel.MessageStatus, ExecID: req.ExecID, State: kernel.StateIdle})
		case kernel.RequestInspectVariables:
			c.Emit(&kernel.Message{Type: kernel.MessageControlReply, ID: req.ID, Success: true, Variables: vars})
		case kernel.RequestInterrupt, kernel.RequestShutdown:
		default:
			c.Emit(&kernel.Message{Type: kernel.MessageControlReply, ID: req.ID, Success: true})
		}
	}
}
