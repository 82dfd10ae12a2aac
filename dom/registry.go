// Package dom tracks stable identifiers for live document nodes and turns
// tree mutations into protocol events. The registry owns the id maps
// exclusively; callers mutate them only through its methods.
package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/couikit/devtools/idgen"
	"github.com/couikit/devtools/page"
)

// IgnoreMarkerAttr flags elements injected by the engine itself (overlay
// chrome, highlight boxes). Marked subtrees never leak into the inspected
// tree: they serialize as opaque comment placeholders and never surface
// through events.
const IgnoreMarkerAttr = "data-couikit-internal"

// Node is the wire shape of a document node.
type Node struct {
	NodeID         int64    `json:"nodeId"`
	BackendNodeID  int64    `json:"backendNodeId"`
	NodeType       int      `json:"nodeType"`
	NodeName       string   `json:"nodeName"`
	LocalName      string   `json:"localName,omitempty"`
	NodeValue      string   `json:"nodeValue"`
	ChildNodeCount *int     `json:"childNodeCount,omitempty"`
	Attributes     []string `json:"attributes,omitempty"`
	Children       []*Node  `json:"children,omitempty"`
	DocumentURL    string   `json:"documentURL,omitempty"`
	BaseURL        string   `json:"baseURL,omitempty"`
	IsShadowRoot   bool     `json:"isShadowRoot,omitempty"`
	ShadowRootType string   `json:"shadowRootType,omitempty"`
}

// Host supplies the page-level facts the registry cannot read off the raw
// tree: shadow root attachments and document URLs.
type Host interface {
	ShadowRoot(host *html.Node) (*html.Node, page.ShadowMode, bool)
	IsShadowRoot(n *html.Node) (page.ShadowMode, bool)
	DocumentInfo(n *html.Node) (documentURL, baseURL string, ok bool)
	DetachShadow(host *html.Node)
}

// ErrNodeNotFound is returned when a node id is unknown to the registry.
type ErrNodeNotFound struct {
	ID int64
}

func (e *ErrNodeNotFound) Error() string {
	return fmt.Sprintf("dom: no node with id %d", e.ID)
}

// Registry is the bidirectional id <-> live-node map. Ids are minted
// lazily, monotonically from 1, and never reused: a forgotten node that
// reappears gets a fresh id.
type Registry struct {
	host  Host
	seq   *idgen.Sequence
	ids   map[*html.Node]int64
	nodes map[int64]*html.Node
}

// NewRegistry creates an empty registry backed by the given host.
func NewRegistry(host Host) *Registry {
	return &Registry{
		host:  host,
		seq:   idgen.NewSequence(1),
		ids:   make(map[*html.Node]int64),
		nodes: make(map[int64]*html.Node),
	}
}

// IDFor returns the id for n, minting the next one on first reference.
func (r *Registry) IDFor(n *html.Node) int64 {
	if id, ok := r.ids[n]; ok {
		return id
	}
	id := r.seq.Next()
	r.ids[n] = id
	r.nodes[id] = n
	return id
}

// Lookup returns n's id without minting.
func (r *Registry) Lookup(n *html.Node) (int64, bool) {
	id, ok := r.ids[n]
	return id, ok
}

// NodeFor resolves an id back to its live node.
func (r *Registry) NodeFor(id int64) (*html.Node, error) {
	n, ok := r.nodes[id]
	if !ok {
		return nil, &ErrNodeNotFound{ID: id}
	}
	return n, nil
}

// Size returns the number of tracked nodes.
func (r *Registry) Size() int { return len(r.ids) }

// IsFiltered reports whether n carries the internal ignore marker.
func IsFiltered(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	_, ok := page.Attribute(n, IgnoreMarkerAttr)
	return ok
}

// Serialize converts n into its wire shape. depth -1 expands the whole
// subtree, 0 reports this node only (childNodeCount still present for
// container nodes), k > 0 recurses k levels. With pierce set, an element's
// shadow root is appended as a synthetic last child.
func (r *Registry) Serialize(n *html.Node, depth int, pierce bool) *Node {
	if IsFiltered(n) {
		return r.placeholder(n)
	}

	wire := &Node{
		NodeID:        r.IDFor(n),
		BackendNodeID: r.ids[n],
		NodeType:      page.DOMNodeTypeCode(n),
		NodeName:      page.DOMNodeName(n),
	}

	if mode, ok := r.host.IsShadowRoot(n); ok {
		wire.NodeType = 11
		wire.NodeName = "#document-fragment"
		wire.IsShadowRoot = true
		wire.ShadowRootType = string(mode)
		r.fillChildren(wire, n, depth, pierce)
		return wire
	}

	switch n.Type {
	case html.DocumentNode:
		if docURL, baseURL, ok := r.host.DocumentInfo(n); ok {
			wire.DocumentURL = docURL
			wire.BaseURL = baseURL
		}
		r.fillChildren(wire, n, depth, pierce)

	case html.ElementNode:
		wire.LocalName = strings.ToLower(n.Data)
		if len(n.Attr) > 0 {
			wire.Attributes = make([]string, 0, len(n.Attr)*2)
			for _, a := range n.Attr {
				wire.Attributes = append(wire.Attributes, a.Key, a.Val)
			}
		}
		r.fillChildren(wire, n, depth, pierce)

	case html.TextNode, html.CommentNode:
		wire.NodeValue = n.Data

	case html.DoctypeNode:
		// minimal shape: name only

	default:
		wire.NodeValue = n.Data
	}

	return wire
}

// placeholder is the opaque comment shape a filtered node presents if it
// is ever surfaced.
func (r *Registry) placeholder(n *html.Node) *Node {
	return &Node{
		NodeID:        r.IDFor(n),
		BackendNodeID: r.ids[n],
		NodeType:      8,
		NodeName:      "#comment",
	}
}

func (r *Registry) fillChildren(wire *Node, n *html.Node, depth int, pierce bool) {
	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		count++
	}
	wire.ChildNodeCount = &count

	expand := depth != 0
	if expand {
		childDepth := depth - 1
		if depth < 0 {
			childDepth = -1
		}
		children := make([]*Node, 0, count)
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			children = append(children, r.Serialize(c, childDepth, pierce))
		}
		if pierce && n.Type == html.ElementNode {
			if root, _, ok := r.host.ShadowRoot(n); ok {
				children = append(children, r.Serialize(root, childDepth, pierce))
			}
		}
		if len(children) > 0 {
			wire.Children = children
		}
	}
}

// ForgetSubtree deregisters root and every descendant, descending into
// shadow roots. Traversal is iterative with an explicit stack so deep
// trees cannot exhaust the goroutine stack. Returns the ids that were
// forgotten.
func (r *Registry) ForgetSubtree(root *html.Node) []int64 {
	var forgotten []int64
	stack := []*html.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if id, ok := r.ids[n]; ok {
			delete(r.ids, n)
			delete(r.nodes, id)
			forgotten = append(forgotten, id)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			stack = append(stack, c)
		}
		if n.Type == html.ElementNode {
			if sr, _, ok := r.host.ShadowRoot(n); ok {
				stack = append(stack, sr)
				r.host.DetachShadow(n)
			}
		}
	}
	return forgotten
}

// Reset drops every mapping. The sequence is not rewound, so ids minted
// after a reset never collide with previously handed-out ones.
func (r *Registry) Reset() {
	r.ids = make(map[*html.Node]int64)
	r.nodes = make(map[int64]*html.Node)
}
