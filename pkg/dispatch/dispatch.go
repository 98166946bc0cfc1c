package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fieldcam/agent/pkg/state"
)

// ResponseSink is implemented by each transport so handlers can reply without
// knowing which link the command arrived on.
type ResponseSink interface {
	// Send delivers one text payload to the requesting client.
	Send(payload string) error
	// SupportsChunking reports whether the transport can split oversized
	// payloads into an envelope sequence.
	SupportsChunking() bool
	// Name identifies the transport in diagnostics.
	Name() string
}

// Context carries one inbound command through a single handler call. It is
// never retained past the call.
type Context struct {
	Request map[string]interface{}
	Sender  ResponseSink
	State   *state.SystemState
}

// String returns the named top-level request field as a string, or "".
func (c *Context) String(field string) string {
	v, _ := c.Request[field].(string)
	return v
}

// HandlerFunc processes one command and reports whether it succeeded.
type HandlerFunc func(ctx *Context) bool

// Dispatcher routes commands by exact name to registered handlers. Command
// families register themselves; dispatch logic never changes per command.
type Dispatcher struct {
	handlers    map[string]HandlerFunc
	chunkedOnly map[string]bool
	state       *state.SystemState
	logger      *logrus.Logger
	mu          sync.RWMutex
}

// NewDispatcher creates a dispatcher bound to the shared device state.
func NewDispatcher(st *state.SystemState, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		chunkedOnly: map[string]bool{
			"get_image":    true,
			"get_logs":     true,
			"request_logs": true,
			"list_images":  true,
		},
		state:  st,
		logger: logger,
	}
}

// Register adds a handler for the named command. Registering the same name
// twice replaces the previous handler.
func (d *Dispatcher) Register(command string, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[command] = handler
}

// Registered reports whether a handler exists for the command.
func (d *Dispatcher) Registered(command string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[command]
	return ok
}

// ProcessCommand parses one raw JSON command and routes it. Protocol errors
// yield a structured error response and false; they never escalate further.
func (d *Dispatcher) ProcessCommand(raw []byte, sink ResponseSink) bool {
	var request map[string]interface{}
	if err := json.Unmarshal(raw, &request); err != nil {
		d.logger.WithError(err).WithField("transport", sink.Name()).Warn("malformed command payload")
		SendError(sink, "invalid JSON")
		return false
	}

	command, _ := request["command"].(string)
	if command == "" {
		SendError(sink, "missing command field")
		return false
	}

	if d.chunkedOnly[command] && !sink.SupportsChunking() {
		SendError(sink, fmt.Sprintf("command %s requires chunked transfer, unsupported on %s", command, sink.Name()))
		return false
	}

	d.mu.RLock()
	handler, ok := d.handlers[command]
	d.mu.RUnlock()
	if !ok {
		SendError(sink, fmt.Sprintf("unknown command: %s", command))
		return false
	}

	d.state.CommandsHandled++
	d.logger.WithFields(logrus.Fields{
		"command":   command,
		"transport": sink.Name(),
	}).Info("dispatching command")

	return handler(&Context{
		Request: request,
		Sender:  sink,
		State:   d.state,
	})
}

// SendJSON marshals a response object and delivers it through the sink.
func SendJSON(sink ResponseSink, response map[string]interface{}) error {
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	return sink.Send(string(data))
}

// SendError delivers a structured error response. Delivery failures are
// swallowed; there is nowhere left to report them.
func SendError(sink ResponseSink, message string) {
	_ = SendJSON(sink, map[string]interface{}{
		"type":  "error",
		"error": message,
	})
}
