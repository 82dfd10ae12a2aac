// Package bridge is the reference host transport: an HTTP server exposing
// the DevTools discovery endpoints and one websocket per inspectable page,
// each backed by its own inspector session.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/couikit/devtools/idgen"
	"github.com/couikit/devtools/inspector"
	"github.com/couikit/devtools/page"
)

// DefaultFlushInterval batches outbound traffic at the host frame rate.
const DefaultFlushInterval = time.Second / 30

const (
	browserName     = "CouiKitDevTools/1.0"
	protocolVersion = "1.3"
)

// SessionHook observes session creation, letting callers install
// highlighters or record connections per page.
type SessionHook func(pageID string, s *inspector.Session)

// Observer receives transport lifecycle and traffic notifications.
// The audit recorder satisfies it.
type Observer interface {
	SessionStarted(sessionID, pageID, remoteAddr string)
	SessionEnded(sessionID string)
	Command(sessionID, method string, params []byte)
	Event(sessionID, method string)
}

// Server hosts discovery and websocket endpoints for a set of pages.
type Server struct {
	addr        string
	logger      *slog.Logger
	flushEvery  time.Duration
	sessionOpts []inspector.SessionOption
	hook        SessionHook
	observer    Observer
	newID       idgen.Generator
	upgrader    websocket.Upgrader

	mu    sync.RWMutex
	pages map[string]*page.Page
	order []string

	httpServer *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets a custom logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithFlushInterval overrides the outbound batch interval.
func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.flushEvery = d }
}

// WithSessionOptions passes options through to every created session.
func WithSessionOptions(opts ...inspector.SessionOption) ServerOption {
	return func(s *Server) { s.sessionOpts = opts }
}

// WithSessionHook installs a session-creation observer.
func WithSessionHook(hook SessionHook) ServerOption {
	return func(s *Server) { s.hook = hook }
}

// WithObserver records attachments and protocol traffic through o.
func WithObserver(o Observer) ServerOption {
	return func(s *Server) { s.observer = o }
}

// NewServer returns a server listening on addr once Run is called.
func NewServer(addr string, opts ...ServerOption) *Server {
	s := &Server{
		addr:       addr,
		logger:     slog.Default(),
		flushEvery: DefaultFlushInterval,
		newID:      idgen.Prefixed("sess_", idgen.NanoID(12)),
		pages:      make(map[string]*page.Page),
		upgrader: websocket.Upgrader{
			// Discovery and debugging are same-host concerns; the DevTools
			// frontend connects without an Origin the upgrader would accept.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddPage registers a page for discovery and websocket attachment.
func (s *Server) AddPage(p *page.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pages[p.ID()]; !exists {
		s.order = append(s.order, p.ID())
	}
	s.pages[p.ID()] = p
}

func (s *Server) pageByID(id string) (*page.Page, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[id]
	return p, ok
}

// Handler builds the route table: discovery plus the per-page websocket.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/json/version", s.handleVersion)
	r.Get("/json/list", s.handleList)
	r.Get("/json", s.handleList)
	r.Get("/ws/{pageID}", s.handleWebsocket)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.logger.Info("devtools bridge listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":              browserName,
		"Protocol-Version":     protocolVersion,
		"User-Agent":           browserName,
		"webSocketDebuggerUrl": fmt.Sprintf("ws://%s/ws", r.Host),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	targets := make([]map[string]string, 0, len(s.order))
	for _, id := range s.order {
		p := s.pages[id]
		wsURL := fmt.Sprintf("ws://%s/ws/%s", r.Host, id)
		targets = append(targets, map[string]string{
			"id":    id,
			"title": p.Name(),
			"type":  "page",
			"url":   p.URL(),
			"devtoolsFrontendUrl": fmt.Sprintf(
				"devtools://devtools/bundled/inspector.html?ws=%s/ws/%s", r.Host, id),
			"webSocketDebuggerUrl": wsURL,
		})
	}
	writeJSON(w, targets)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageID")
	p, ok := s.pageByID(pageID)
	if !ok {
		http.Error(w, "unknown page", http.StatusNotFound)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "page", pageID, "error", err)
		return
	}
	sessionID := s.newID()
	logger := s.logger.With("page", pageID, "session", sessionID)
	logger.Info("inspector connected", "remote", ws.RemoteAddr().String())

	c := newConn(ws, s.flushEvery, logger)
	c.observer = s.observer
	c.sessionID = sessionID
	opts := append([]inspector.SessionOption{inspector.WithSessionLogger(logger)}, s.sessionOpts...)
	session := inspector.NewSession(p, c.enqueueEvent, opts...)
	if s.hook != nil {
		s.hook(pageID, session)
	}
	if s.observer != nil {
		s.observer.SessionStarted(sessionID, pageID, ws.RemoteAddr().String())
	}
	c.serve(session)
	if s.observer != nil {
		s.observer.SessionEnded(sessionID)
	}
	logger.Info("inspector disconnected")
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Debug("write discovery body", "error", err)
	}
}
