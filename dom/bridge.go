package dom

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/couikit/devtools/page"
)

// Protocol event methods emitted by the bridge.
const (
	EventChildNodeInserted     = "DOM.childNodeInserted"
	EventChildNodeRemoved      = "DOM.childNodeRemoved"
	EventAttributeModified     = "DOM.attributeModified"
	EventAttributeRemoved      = "DOM.attributeRemoved"
	EventCharacterDataModified = "DOM.characterDataModified"
)

// EventFunc receives outbound protocol events.
type EventFunc func(method string, params any)

// DefaultAttributeThrottle is the flush interval for coalesced attribute
// changes.
const DefaultAttributeThrottle = 300 * time.Millisecond

// Bridge turns page mutations into protocol events, but only for subtrees
// the client has already been told about: mutations whose context node was
// never registered are suppressed.
//
// Attribute changes are coalesced per node per attribute (last value wins)
// and flushed on a fixed throttle interval. Structural and character-data
// changes pass through immediately, so a removal can never be overtaken by
// a stale attribute event: removing a node drops its buffered attribute
// state instead of flushing it.
type Bridge struct {
	reg    *Registry
	emit   EventFunc
	logger *slog.Logger

	throttle time.Duration

	mu      sync.Mutex
	pending map[int64]map[string]*string // nodeId -> attr -> value (nil = removed)
	timer   *time.Timer
	closed  bool
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithThrottle overrides the attribute flush interval.
func WithThrottle(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.throttle = d
		}
	}
}

// WithBridgeLogger sets a custom logger.
func WithBridgeLogger(l *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.logger = l }
}

// NewBridge creates a bridge feeding events into emit.
func NewBridge(reg *Registry, emit EventFunc, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		reg:      reg,
		emit:     emit,
		logger:   slog.Default(),
		throttle: DefaultAttributeThrottle,
		pending:  make(map[int64]map[string]*string),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// OnMutation consumes one change record from the live document watcher.
func (b *Bridge) OnMutation(m page.Mutation) {
	switch m.Kind {
	case page.MutChildInserted:
		b.onInserted(m)
	case page.MutChildRemoved:
		b.onRemoved(m)
	case page.MutAttributeSet:
		b.bufferAttribute(m.Target, m.Name, &m.Value)
	case page.MutAttributeRemoved:
		b.bufferAttribute(m.Target, m.Name, nil)
	case page.MutCharacterData:
		b.onCharacterData(m)
	}
}

func (b *Bridge) onInserted(m page.Mutation) {
	parentID, known := b.reg.Lookup(m.Target)
	if !known {
		return
	}
	if IsFiltered(m.Node) {
		return
	}
	var prevID int64
	for prev := m.Node.PrevSibling; prev != nil; prev = prev.PrevSibling {
		if IsFiltered(prev) {
			continue
		}
		prevID = b.reg.IDFor(prev)
		break
	}
	b.emit(EventChildNodeInserted, map[string]any{
		"parentNodeId":   parentID,
		"previousNodeId": prevID,
		"node":           b.reg.Serialize(m.Node, 1, false),
	})
}

func (b *Bridge) onRemoved(m page.Mutation) {
	nodeID, known := b.reg.Lookup(m.Node)
	parentID, parentKnown := b.reg.Lookup(m.Target)

	// Deregister in every case to reclaim memory; filtered or untracked
	// subtrees just go silently.
	forgotten := b.reg.ForgetSubtree(m.Node)
	b.dropPending(forgotten)

	if !known || !parentKnown || IsFiltered(m.Node) {
		return
	}
	b.emit(EventChildNodeRemoved, map[string]any{
		"parentNodeId": parentID,
		"nodeId":       nodeID,
	})
}

func (b *Bridge) onCharacterData(m page.Mutation) {
	nodeID, known := b.reg.Lookup(m.Target)
	if !known || IsFiltered(m.Target.Parent) {
		return
	}
	b.emit(EventCharacterDataModified, map[string]any{
		"nodeId":        nodeID,
		"characterData": m.Value,
	})
}

func (b *Bridge) bufferAttribute(el *html.Node, name string, value *string) {
	nodeID, known := b.reg.Lookup(el)
	if !known || IsFiltered(el) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	attrs, ok := b.pending[nodeID]
	if !ok {
		attrs = make(map[string]*string)
		b.pending[nodeID] = attrs
	}
	attrs[name] = value

	if b.timer == nil {
		b.timer = time.AfterFunc(b.throttle, b.flushTimer)
	}
}

func (b *Bridge) flushTimer() {
	b.mu.Lock()
	b.timer = nil
	b.mu.Unlock()
	b.Flush()
}

// dropPending discards buffered attribute state for removed nodes so a
// removal is never followed by a stale attribute event.
func (b *Bridge) dropPending(nodeIDs []int64) {
	if len(nodeIDs) == 0 {
		return
	}
	b.mu.Lock()
	for _, id := range nodeIDs {
		delete(b.pending, id)
	}
	b.mu.Unlock()
}

// Flush emits every buffered attribute change now. Called by the throttle
// timer; exported so hosts can force a flush (and tests can avoid timing).
func (b *Bridge) Flush() {
	b.mu.Lock()
	if b.closed || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make(map[int64]map[string]*string)
	b.mu.Unlock()

	ids := make([]int64, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		names := make([]string, 0, len(batch[id]))
		for name := range batch[id] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if value := batch[id][name]; value != nil {
				b.emit(EventAttributeModified, map[string]any{
					"nodeId": id,
					"name":   name,
					"value":  *value,
				})
			} else {
				b.emit(EventAttributeRemoved, map[string]any{
					"nodeId": id,
					"name":   name,
				})
			}
		}
	}
}

// Close halts the bridge: the pending buffer is discarded and the throttle
// timer cancelled. Subsequent mutations are ignored.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
