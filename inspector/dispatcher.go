// Package inspector hosts the per-connection protocol session: a command
// dispatcher with explicit handler tables and the DOM, CSS, Runtime and
// Overlay domain implementations behind it.
package inspector

import (
	"log/slog"

	"github.com/couikit/devtools/protocol"
)

// NoResponse is the sentinel a handler returns for actions that only have
// side effects or answer asynchronously via events. The dispatcher emits no
// reply for them.
var NoResponse = &noResponse{}

type noResponse struct{}

// Handler executes one domain action. Failures surface inside the returned
// payload (protocol.ErrorResult or exceptionDetails); handlers never return
// Go errors across the dispatcher boundary.
type Handler func(params []byte) any

// Dispatcher resolves "Domain.action" commands against registered handler
// tables. Unknown domains and unknown actions both answer with an empty
// result rather than a protocol error, so clients probing capabilities get
// a benign reply.
type Dispatcher struct {
	domains map[string]map[string]Handler
	logger  *slog.Logger
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		domains: make(map[string]map[string]Handler),
		logger:  logger,
	}
}

// Register installs the handler table for one domain, replacing any
// previous table.
func (d *Dispatcher) Register(domain string, handlers map[string]Handler) {
	d.domains[domain] = handlers
}

// Dispatch runs the handler for req and wraps its result in a response
// envelope. The second return is false when no reply must be sent.
func (d *Dispatcher) Dispatch(req *protocol.Request) (*protocol.Response, bool) {
	domain, action, err := protocol.SplitMethod(req.Method)
	if err != nil {
		d.logger.Warn("dropping malformed method", "method", req.Method)
		return nil, false
	}

	table, ok := d.domains[domain]
	if !ok {
		d.logger.Debug("unknown domain", "method", req.Method)
		return &protocol.Response{ID: req.ID, Result: map[string]any{}}, true
	}
	handler, ok := table[action]
	if !ok {
		d.logger.Debug("unknown action", "method", req.Method)
		return &protocol.Response{ID: req.ID, Result: map[string]any{}}, true
	}

	result := handler(req.Params)
	if result == NoResponse {
		return nil, false
	}
	if result == nil {
		result = map[string]any{}
	}
	return &protocol.Response{ID: req.ID, Result: result}, true
}
