package cssom

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/couikit/devtools/idgen"
)

// Stylesheet origins as reported on the wire.
const (
	OriginRegular   = "regular"
	OriginInjected  = "injected"
	OriginUserAgent = "user-agent"
	OriginInspector = "inspector"
)

const inlinePrefix = "inline::"

// UnknownSheetError reports a lookup for a sheet id that was never
// registered.
type UnknownSheetError struct {
	ID string
}

func (e *UnknownSheetError) Error() string {
	return fmt.Sprintf("cssom: unknown stylesheet %q", e.ID)
}

// Sheet pairs an engine with its registry identity.
type Sheet struct {
	ID        string
	SourceURL string
	Engine    *Engine
}

// Registry assigns stable ids to stylesheets. Ids for sheet text are
// content-hash based so the same source registered twice resolves to the
// same id; inline styles get synthetic per-node ids instead.
type Registry struct {
	mu     sync.RWMutex
	sheets map[string]*Sheet
	order  []string
}

// NewRegistry returns an empty stylesheet registry.
func NewRegistry() *Registry {
	return &Registry{sheets: make(map[string]*Sheet)}
}

// Register parses text into an engine and records it under a content-hash
// id. Registering identical text again returns the existing sheet.
func (r *Registry) Register(text, origin, sourceURL string, matcher MatchFunc, opts ...EngineOption) *Sheet {
	id := idgen.ContentHash([]byte(text), 16)

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sheets[id]; ok {
		return s
	}
	s := &Sheet{
		ID:        id,
		SourceURL: sourceURL,
		Engine:    NewEngine(text, origin, matcher, opts...),
	}
	r.sheets[id] = s
	r.order = append(r.order, id)
	return s
}

// Get resolves a sheet id. Inline ids and not-yet-registered ids return a
// typed error so callers can distinguish "unknown" from "inline".
func (r *Registry) Get(id string) (*Sheet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sheets[id]
	if !ok {
		return nil, &UnknownSheetError{ID: id}
	}
	return s, nil
}

// All returns the registered sheets in registration order.
func (r *Registry) All() []*Sheet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Sheet, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sheets[id])
	}
	return out
}

// Reset drops all registered sheets.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sheets = make(map[string]*Sheet)
	r.order = nil
}

// InlineID builds the synthetic stylesheet id for a node's style attribute.
func InlineID(nodeID int64) string {
	return inlinePrefix + strconv.FormatInt(nodeID, 10)
}

// ParseInlineID extracts the node id from an inline stylesheet id.
func ParseInlineID(id string) (int64, bool) {
	rest, ok := strings.CutPrefix(id, inlinePrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsInlineID reports whether id names an inline style block.
func IsInlineID(id string) bool {
	return strings.HasPrefix(id, inlinePrefix)
}
