// Package page models the inspected live document: an HTML tree owned by
// the UI runtime, a script engine bound to it, and a change-notification
// stream. All tree mutation flows through Page methods, which emit typed
// Mutation records to one registered observer; nothing mutates the tree
// behind the observer's back.
//
// A Page is owned by a single goroutine (the command/event loop of the
// session inspecting it). The script VM is goja, which shares that
// constraint.
package page

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MutationKind discriminates Mutation records.
type MutationKind int

const (
	// MutChildInserted: Node was inserted under Target.
	MutChildInserted MutationKind = iota
	// MutChildRemoved: Node was detached from Target.
	MutChildRemoved
	// MutAttributeSet: attribute Name on Target now has Value.
	MutAttributeSet
	// MutAttributeRemoved: attribute Name was removed from Target.
	MutAttributeRemoved
	// MutCharacterData: text or comment Target now carries Value.
	MutCharacterData
)

// Mutation is one discrete change record pushed to the observer.
type Mutation struct {
	Kind   MutationKind
	Target *html.Node // parent for insert/remove; the node itself otherwise
	Node   *html.Node // inserted/removed node
	Name   string     // attribute name
	Value  string     // attribute value or new character data
}

// ShadowMode is the encapsulation mode of an attached shadow root.
type ShadowMode string

const (
	ShadowOpen   ShadowMode = "open"
	ShadowClosed ShadowMode = "closed"
)

// MatchFunc reports whether an element matches a CSS selector. The page
// does not implement selector matching itself; the engine's matcher is
// plugged in at construction.
type MatchFunc func(el *html.Node, selector string) bool

// ConsoleCall is one console API invocation captured from page scripts.
type ConsoleCall struct {
	Type string // log | debug | info | warning | error
	Args []goja.Value
}

// Page is one inspectable document plus its script runtime.
type Page struct {
	id   string
	name string
	url  string

	doc    *html.Node
	vm     *goja.Runtime
	binder *binder

	shadowByHost map[*html.Node]*shadowRoot
	hostByRoot   map[*html.Node]*html.Node

	matches   MatchFunc
	observer  func(Mutation)
	onConsole func(ConsoleCall)
	logger    *slog.Logger
}

type shadowRoot struct {
	root *html.Node
	mode ShadowMode
}

// Option configures a Page.
type Option func(*Page)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Page) { p.logger = l }
}

// WithMatcher plugs in the selector-matching predicate used by the
// querySelector bindings.
func WithMatcher(m MatchFunc) Option {
	return func(p *Page) { p.matches = m }
}

// New creates an empty Page. Call LoadHTML before inspecting it.
func New(id, name, url string, opts ...Option) *Page {
	p := &Page{
		id:           id,
		name:         name,
		url:          url,
		shadowByHost: make(map[*html.Node]*shadowRoot),
		hostByRoot:   make(map[*html.Node]*html.Node),
		matches:      func(*html.Node, string) bool { return false },
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.vm = goja.New()
	p.binder = newBinder(p)
	return p
}

// ID returns the page identifier used in discovery endpoints.
func (p *Page) ID() string { return p.id }

// Name returns the human-readable page title.
func (p *Page) Name() string { return p.name }

// URL returns the document URL.
func (p *Page) URL() string { return p.url }

// Document returns the document node, or nil before LoadHTML.
func (p *Page) Document() *html.Node { return p.doc }

// VM returns the page's script runtime.
func (p *Page) VM() *goja.Runtime { return p.vm }

// LoadHTML parses src as the page document and binds it into the VM.
func (p *Page) LoadHTML(src string) error {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("page: parse document: %w", err)
	}
	p.doc = doc
	p.binder.bindGlobals()
	return nil
}

// SetObserver registers the mutation observer. Passing nil detaches it.
func (p *Page) SetObserver(fn func(Mutation)) {
	p.observer = fn
}

// OnConsole registers the console-call listener. Passing nil detaches it.
func (p *Page) OnConsole(fn func(ConsoleCall)) {
	p.onConsole = fn
}

func (p *Page) emit(m Mutation) {
	if p.observer != nil {
		p.observer(m)
	}
}

// --- Tree mutation -------------------------------------------------------

// SetAttribute sets (or replaces) an attribute, preserving authored order
// for existing names.
func (p *Page) SetAttribute(el *html.Node, name, value string) {
	for i := range el.Attr {
		if el.Attr[i].Key == name {
			el.Attr[i].Val = value
			p.emit(Mutation{Kind: MutAttributeSet, Target: el, Name: name, Value: value})
			return
		}
	}
	el.Attr = append(el.Attr, html.Attribute{Key: name, Val: value})
	p.emit(Mutation{Kind: MutAttributeSet, Target: el, Name: name, Value: value})
}

// RemoveAttribute removes an attribute if present.
func (p *Page) RemoveAttribute(el *html.Node, name string) {
	for i := range el.Attr {
		if el.Attr[i].Key == name {
			el.Attr = append(el.Attr[:i], el.Attr[i+1:]...)
			p.emit(Mutation{Kind: MutAttributeRemoved, Target: el, Name: name})
			return
		}
	}
}

// Attribute returns the value of an attribute and whether it is present.
func Attribute(el *html.Node, name string) (string, bool) {
	for _, a := range el.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// SetNodeValue replaces the data of a text or comment node.
func (p *Page) SetNodeValue(n *html.Node, value string) {
	n.Data = value
	p.emit(Mutation{Kind: MutCharacterData, Target: n, Value: value})
}

// AppendChild detaches child from any current parent and appends it to
// parent. Reparenting emits a removal followed by an insertion, in that
// order.
func (p *Page) AppendChild(parent, child *html.Node) {
	p.detach(child)
	parent.AppendChild(child)
	p.emit(Mutation{Kind: MutChildInserted, Target: parent, Node: child})
}

// InsertBefore inserts child under parent before the given sibling.
// A nil before appends.
func (p *Page) InsertBefore(parent, child, before *html.Node) {
	if before == nil {
		p.AppendChild(parent, child)
		return
	}
	p.detach(child)
	parent.InsertBefore(child, before)
	p.emit(Mutation{Kind: MutChildInserted, Target: parent, Node: child})
}

// RemoveChild detaches n from its parent.
func (p *Page) RemoveChild(n *html.Node) {
	p.detach(n)
}

func (p *Page) detach(n *html.Node) {
	parent := n.Parent
	if parent == nil {
		return
	}
	parent.RemoveChild(n)
	p.emit(Mutation{Kind: MutChildRemoved, Target: parent, Node: n})
}

// SetOuterHTML replaces n with the nodes parsed from markup. The nodes are
// parsed in the context of n's parent element.
func (p *Page) SetOuterHTML(n *html.Node, markup string) error {
	parent := n.Parent
	if parent == nil {
		return fmt.Errorf("page: cannot replace a detached or root node")
	}
	nodes, err := p.ParseFragment(parent, markup)
	if err != nil {
		return err
	}
	before := n.NextSibling
	p.detach(n)
	for _, nn := range nodes {
		p.InsertBefore(parent, nn, before)
	}
	return nil
}

// CloneInto deep-copies n (shadow roots excluded) and inserts the copy
// under parent before the given sibling (nil appends). Returns the copy.
func (p *Page) CloneInto(n, parent, before *html.Node) *html.Node {
	clone := CloneTree(n)
	p.InsertBefore(parent, clone, before)
	return clone
}

// MoveInto reparents n under parent before the given sibling (nil appends).
func (p *Page) MoveInto(n, parent, before *html.Node) {
	p.InsertBefore(parent, n, before)
}

// CloneTree deep-copies a node and its subtree with fresh node identities.
func CloneTree(n *html.Node) *html.Node {
	clone := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
	}
	if len(n.Attr) > 0 {
		clone.Attr = make([]html.Attribute, len(n.Attr))
		copy(clone.Attr, n.Attr)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		clone.AppendChild(CloneTree(c))
	}
	return clone
}

// --- Shadow roots --------------------------------------------------------

// AttachShadow creates a shadow root on host. One root per host.
func (p *Page) AttachShadow(host *html.Node, mode ShadowMode) (*html.Node, error) {
	if host.Type != html.ElementNode {
		return nil, fmt.Errorf("page: shadow host must be an element")
	}
	if _, ok := p.shadowByHost[host]; ok {
		return nil, fmt.Errorf("page: host already has a shadow root")
	}
	root := &html.Node{Type: html.DocumentNode, Data: "#document-fragment"}
	p.shadowByHost[host] = &shadowRoot{root: root, mode: mode}
	p.hostByRoot[root] = host
	return root, nil
}

// ShadowRoot returns the shadow root attached to host, if any.
func (p *Page) ShadowRoot(host *html.Node) (*html.Node, ShadowMode, bool) {
	sr, ok := p.shadowByHost[host]
	if !ok {
		return nil, "", false
	}
	return sr.root, sr.mode, true
}

// IsShadowRoot reports whether n is a shadow root and its mode.
func (p *Page) IsShadowRoot(n *html.Node) (ShadowMode, bool) {
	host, ok := p.hostByRoot[n]
	if !ok {
		return "", false
	}
	return p.shadowByHost[host].mode, true
}

// DetachShadow removes the shadow root bookkeeping for host, if any.
// Used when a host subtree is forgotten.
func (p *Page) DetachShadow(host *html.Node) {
	if sr, ok := p.shadowByHost[host]; ok {
		delete(p.hostByRoot, sr.root)
		delete(p.shadowByHost, host)
	}
}

// DocumentInfo returns document/base URLs when n is the document node.
func (p *Page) DocumentInfo(n *html.Node) (documentURL, baseURL string, ok bool) {
	if n != nil && n == p.doc {
		return p.url, p.url, true
	}
	return "", "", false
}

// --- Serialization helpers ------------------------------------------------

// OuterHTML renders n (including its own tag) back to markup.
func (p *Page) OuterHTML(n *html.Node) (string, error) {
	var sb strings.Builder
	if err := html.Render(&sb, n); err != nil {
		return "", fmt.Errorf("page: render: %w", err)
	}
	return sb.String(), nil
}

// ParseFragment parses markup in the context of the given parent node and
// returns parentless nodes ready for insertion.
func (p *Page) ParseFragment(context *html.Node, markup string) ([]*html.Node, error) {
	ctx := context
	if ctx == nil || ctx.Type != html.ElementNode {
		ctx = &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return nil, fmt.Errorf("page: parse fragment: %w", err)
	}
	return nodes, nil
}

// ParseAttributes parses an attribute-list text ("a=1 b='x'") into pairs.
func (p *Page) ParseAttributes(text string) ([]html.Attribute, error) {
	nodes, err := p.ParseFragment(nil, "<div "+text+"></div>")
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			return n.Attr, nil
		}
	}
	return nil, fmt.Errorf("page: no element parsed from attribute text %q", text)
}

// TextContent returns the concatenated text of n's subtree.
func TextContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
		for gc := c.FirstChild; gc != nil; gc = gc.NextSibling {
			walk(gc)
		}
	}
	walk(n)
	return sb.String()
}

// FindByID returns the first element whose id attribute equals id.
func (p *Page) FindByID(id string) *html.Node {
	return findFirst(p.doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		v, ok := Attribute(n, "id")
		return ok && v == id
	})
}

// QuerySelector returns the first element matching the selector, searching
// in document order from root (the document when root is nil).
func (p *Page) QuerySelector(root *html.Node, selector string) *html.Node {
	if root == nil {
		root = p.doc
	}
	return findFirst(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && p.matches(n, selector)
	})
}

// QuerySelectorAll returns every element matching the selector under root.
func (p *Page) QuerySelectorAll(root *html.Node, selector string) []*html.Node {
	if root == nil {
		root = p.doc
	}
	var out []*html.Node
	walkTree(root, func(n *html.Node) {
		if n.Type == html.ElementNode && p.matches(n, selector) {
			out = append(out, n)
		}
	})
	return out
}

func findFirst(root *html.Node, pred func(*html.Node) bool) *html.Node {
	var found *html.Node
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if pred(n) {
			found = n
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	if root != nil {
		walk(root)
	}
	return found
}

func walkTree(root *html.Node, fn func(*html.Node)) {
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		fn(n)
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if root != nil {
		walk(root)
	}
}
