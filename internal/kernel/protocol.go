// Package kernel manages isolated interactive execution kernels.
//
// protocol.go - kernel wire protocol
//
// The kernel is a subprocess speaking newline-delimited JSON over
// stdin/stdout, IPython-style: executions produce stream, display_data and
// execute_result messages followed by an execute_reply and an idle status,
// all keyed by exec_id. Control operations (plugin registration, variable
// updates, introspection) are request/reply pairs matched by request id on
// a privileged channel multiplexed over the same pipe.
package kernel

import (
	"strconv"
	"sync/atomic"
)

// Request types sent to the kernel
const (
	RequestExecute          = "execute"
	RequestRegisterPlugin   = "register_plugin"
	RequestUpdateVariables  = "update_variables"
	RequestInspectVariables = "inspect_variables"
	RequestInterrupt        = "interrupt"
	RequestShutdown         = "shutdown"
)

// Message types received from the kernel
const (
	MessageReady         = "ready"
	MessageStatus        = "status"
	MessageStream        = "stream"
	MessageDisplayData   = "display_data"
	MessageExecuteResult = "execute_result"
	MessageExecuteReply  = "execute_reply"
	MessageControlReply  = "control_reply"
	MessageLog           = "log"
)

// Kernel status states
const (
	StateBusy = "busy"
	StateIdle = "idle"
)

// Stream names
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Request is a message sent to the kernel
type Request struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	ExecID    string            `json:"exec_id,omitempty"`
	Code      string            `json:"code,omitempty"`
	Name      string            `json:"name,omitempty"`
	Source    string            `json:"source,omitempty"`
	Config    map[string]string `json:"config,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Message is a message received from the kernel
type Message struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`      // matches a Request.ID for control replies
	ExecID string `json:"exec_id,omitempty"` // keys execution-scoped messages

	// status
	State string `json:"state,omitempty"`

	// stream
	Stream string `json:"stream,omitempty"`
	Text   string `json:"text,omitempty"`

	// display_data / execute_result
	Mime     string `json:"mime,omitempty"`
	Content  string `json:"content,omitempty"`
	Encoding string `json:"encoding,omitempty"` // "base64" for binary payloads
	Name     string `json:"name,omitempty"`

	// execute_reply / control_reply
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`

	// inspect_variables reply
	Variables []VariablePair `json:"variables,omitempty"`

	// log
	Level string `json:"level,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

var requestIDCounter int64

func nextRequestID() string {
	return "req-" + strconv.FormatInt(atomic.AddInt64(&requestIDCounter, 1), 10)
}
