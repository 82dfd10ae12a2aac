package inspector

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/couikit/devtools/cssom"
	"github.com/couikit/devtools/dom"
	"github.com/couikit/devtools/page"
	"github.com/couikit/devtools/protocol"
	"github.com/couikit/devtools/remote"
)

// State is the session lifecycle phase.
type State int

const (
	// StateDisconnected means no domain state exists; the first valid
	// command constructs everything fresh.
	StateDisconnected State = iota
	// StateActive means registries, the mutation bridge and the serializer
	// are live.
	StateActive
)

// EmitFunc delivers outbound events to the transport.
type EmitFunc func(ev protocol.Event)

// Highlighter renders the visual node highlight. The box drawing itself is
// host-specific; a nil highlighter makes Overlay.highlightNode a no-op.
type Highlighter interface {
	Highlight(n *html.Node, config json.RawMessage)
	Hide()
}

// DefaultRevealStepDelay spaces the steps of a hierarchy-reveal walk so a
// deep reveal does not starve the host frame loop.
const DefaultRevealStepDelay = 16 * time.Millisecond

// Session owns all inspector state for one logical connection. Every
// registry, buffer and timer is constructed on activation and torn down
// synchronously on disconnect; nothing survives a reconnect cycle.
type Session struct {
	page        *page.Page
	emit        EmitFunc
	logger      *slog.Logger
	throttle    time.Duration
	revealDelay time.Duration
	highlighter Highlighter

	// opMu serializes command dispatch with deferred timer steps so domain
	// state is only ever touched by one logical operation at a time.
	opMu  sync.Mutex
	state State

	disp   *Dispatcher
	reg    *dom.Registry
	bridge *dom.Bridge
	sheets *cssom.Registry
	ser    *remote.Serializer

	domDomain     *domDomain
	cssDomain     *cssDomain
	runtimeDomain *runtimeDomain
	overlayDomain *overlayDomain

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets a custom logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithAttributeThrottle overrides the attribute-event flush interval.
func WithAttributeThrottle(d time.Duration) SessionOption {
	return func(s *Session) { s.throttle = d }
}

// WithRevealStepDelay overrides the delay between reveal-walk steps.
func WithRevealStepDelay(d time.Duration) SessionOption {
	return func(s *Session) { s.revealDelay = d }
}

// WithHighlighter installs the host's highlight renderer.
func WithHighlighter(h Highlighter) SessionOption {
	return func(s *Session) { s.highlighter = h }
}

// NewSession returns a session in the Disconnected state. No domain state
// is allocated until the first valid command arrives.
func NewSession(p *page.Page, emit EmitFunc, opts ...SessionOption) *Session {
	s := &Session{
		page:        p,
		emit:        emit,
		logger:      slog.Default(),
		throttle:    dom.DefaultAttributeThrottle,
		revealDelay: DefaultRevealStepDelay,
		timers:      make(map[*time.Timer]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State reports the lifecycle phase.
func (s *Session) State() State {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.state
}

// HandleCommand decodes and dispatches one raw inbound message. Malformed
// envelopes are logged and dropped; the second return is false when no
// reply must be sent.
func (s *Session) HandleCommand(data []byte) (*protocol.Response, bool) {
	req, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("dropping malformed command", "error", err)
		return nil, false
	}
	return s.Dispatch(req)
}

// Dispatch runs one decoded command, activating the session first if
// needed.
func (s *Session) Dispatch(req *protocol.Request) (*protocol.Response, bool) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.state != StateActive {
		if err := s.activate(); err != nil {
			s.logger.Error("session activation failed", "error", err)
			return nil, false
		}
	}
	return s.disp.Dispatch(req)
}

// Disconnect tears down all domain state synchronously: the mutation
// observer is detached, pending timers and buffers are cleared, and every
// issued object id is released. A later command re-activates from scratch.
func (s *Session) Disconnect() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.state != StateActive {
		return
	}
	s.state = StateDisconnected

	s.page.SetObserver(nil)
	s.page.OnConsole(nil)
	s.stopTimers()
	s.bridge.Close()
	s.ser.Reset()
	s.sheets.Reset()
	s.cssDomain = nil
	s.domDomain = nil
	s.runtimeDomain = nil
	s.overlayDomain = nil
	s.logger.Info("session disconnected", "page", s.page.ID())
}

func (s *Session) activate() error {
	ser, err := remote.NewSerializer(s.page.VM(), s.page, remote.WithLogger(s.logger))
	if err != nil {
		return err
	}
	s.ser = ser
	s.reg = dom.NewRegistry(s.page)
	s.sheets = cssom.NewRegistry()
	s.bridge = dom.NewBridge(s.reg, s.emitEvent,
		dom.WithThrottle(s.throttle),
		dom.WithBridgeLogger(s.logger),
	)

	s.domDomain = newDOMDomain(s)
	s.cssDomain = newCSSDomain(s)
	s.runtimeDomain = newRuntimeDomain(s)
	s.overlayDomain = newOverlayDomain(s)

	s.disp = NewDispatcher(s.logger)
	s.disp.Register("DOM", s.domDomain.handlers())
	s.disp.Register("CSS", s.cssDomain.handlers())
	s.disp.Register("Runtime", s.runtimeDomain.handlers())
	s.disp.Register("Overlay", s.overlayDomain.handlers())

	s.page.SetObserver(s.bridge.OnMutation)
	s.page.OnConsole(s.runtimeDomain.onConsole)

	s.state = StateActive
	s.logger.Info("session active", "page", s.page.ID())
	return nil
}

// emitEvent forwards an event to the transport while the session is
// active. Events raced past a disconnect are discarded.
func (s *Session) emitEvent(method string, params any) {
	if s.emit == nil {
		return
	}
	s.emit(protocol.Event{Method: method, Params: params})
}

// after schedules a cancellable deferred step. The callback re-enters the
// session lock so it never interleaves with command dispatch, and is
// skipped entirely when the session disconnected in the meantime.
func (s *Session) after(d time.Duration, fn func()) {
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.timerMu.Lock()
		delete(s.timers, t)
		s.timerMu.Unlock()

		s.opMu.Lock()
		defer s.opMu.Unlock()
		if s.state != StateActive {
			return
		}
		fn()
	})
	s.timerMu.Lock()
	s.timers[t] = struct{}{}
	s.timerMu.Unlock()
}

func (s *Session) stopTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	for t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[*time.Timer]struct{})
}

// RevealNode walks the ancestor chain of n from the document downward,
// emitting a setChildNodes event per step so a tree view can expand to the
// node. Steps run as chained deferred timers with a small delay and stop
// silently on disconnect.
func (s *Session) RevealNode(n *html.Node) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.state != StateActive {
		return
	}
	s.revealLocked(n)
}

func (s *Session) revealLocked(n *html.Node) {
	var path []*html.Node
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		path = append([]*html.Node{cur}, path...)
	}
	s.revealStep(path, 0)
}

func (s *Session) revealStep(path []*html.Node, i int) {
	if i >= len(path) {
		return
	}
	s.domDomain.emitChildren(path[i])
	s.after(s.revealDelay, func() {
		s.revealStep(path, i+1)
	})
}

// InspectNode is the host's pick callback for inspect mode: it reveals the
// node's ancestry and tells the client which node was chosen.
func (s *Session) InspectNode(n *html.Node) {
	s.opMu.Lock()
	if s.state != StateActive || !s.overlayDomain.inspecting {
		s.opMu.Unlock()
		return
	}
	id := s.reg.IDFor(n)
	s.opMu.Unlock()

	s.RevealNode(n)
	s.emitEvent("Overlay.inspectNodeRequested", map[string]any{"backendNodeId": id})
}
