package page

import (
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// binder wraps live nodes as script objects. Wrappers are cached so the
// same node always yields the same object (identity matters to the remote
// object store). The reverse map lets the serializer recognise node
// wrappers without reflection.
type binder struct {
	p     *Page
	objs  map[*html.Node]*goja.Object
	nodes map[*goja.Object]*html.Node
}

func newBinder(p *Page) *binder {
	return &binder{
		p:     p,
		objs:  make(map[*html.Node]*goja.Object),
		nodes: make(map[*goja.Object]*html.Node),
	}
}

// BindNode returns the script wrapper for a live node.
func (p *Page) BindNode(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	return p.binder.bind(n)
}

// NodeOf resolves a script value back to the live node it wraps.
func (p *Page) NodeOf(v goja.Value) (*html.Node, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	n, ok := p.binder.nodes[obj]
	return n, ok
}

// Evaluate runs an expression in the page's script context.
func (p *Page) Evaluate(expression string) (goja.Value, error) {
	return p.vm.RunString(expression)
}

// CallFunction compiles a function declaration and invokes it with the
// given receiver and arguments.
func (p *Page) CallFunction(declaration string, this goja.Value, args []goja.Value) (goja.Value, error) {
	fnVal, err := p.vm.RunString("(" + declaration + ")")
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, &NotAFunctionError{Declaration: declaration}
	}
	if this == nil {
		this = goja.Undefined()
	}
	return fn(this, args...)
}

// NotAFunctionError reports a callFunctionOn declaration that did not
// evaluate to a callable.
type NotAFunctionError struct {
	Declaration string
}

func (e *NotAFunctionError) Error() string {
	return "page: declaration is not a function"
}

func (b *binder) bindGlobals() {
	vm := b.p.vm

	doc := b.bind(b.p.doc)
	vm.Set("document", doc)

	window := vm.NewObject()
	window.Set("document", doc)
	window.Set("window", window)
	window.Set("self", window)
	vm.Set("window", window)

	b.bindConsole()
}

func (b *binder) bindConsole() {
	vm := b.p.vm
	console := vm.NewObject()
	for jsName, callType := range map[string]string{
		"log":   "log",
		"debug": "debug",
		"info":  "info",
		"warn":  "warning",
		"error": "error",
	} {
		ct := callType
		console.Set(jsName, func(call goja.FunctionCall) goja.Value {
			if b.p.onConsole != nil {
				b.p.onConsole(ConsoleCall{Type: ct, Args: call.Arguments})
			}
			return goja.Undefined()
		})
	}
	vm.Set("console", console)
}

func (b *binder) bind(n *html.Node) *goja.Object {
	if obj, ok := b.objs[n]; ok {
		return obj
	}

	vm := b.p.vm
	obj := vm.NewObject()
	b.objs[n] = obj
	b.nodes[obj] = n

	b.defineNodeAccessors(obj, n)
	b.defineNodeMethods(obj, n)
	if n.Type == html.ElementNode {
		b.defineElementMembers(obj, n)
	}
	if n == b.p.doc {
		b.defineDocumentMethods(obj)
	}
	return obj
}

func (b *binder) getter(fn func() goja.Value) goja.Value {
	return b.p.vm.ToValue(func(goja.FunctionCall) goja.Value { return fn() })
}

func (b *binder) setter(fn func(goja.Value)) goja.Value {
	return b.p.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 0 {
			fn(call.Arguments[0])
		}
		return goja.Undefined()
	})
}

func (b *binder) bindOrNull(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	return b.bind(n)
}

func (b *binder) defineNodeAccessors(obj *goja.Object, n *html.Node) {
	vm := b.p.vm

	obj.DefineAccessorProperty("nodeType", b.getter(func() goja.Value {
		return vm.ToValue(DOMNodeTypeCode(n))
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("nodeName", b.getter(func() goja.Value {
		return vm.ToValue(DOMNodeName(n))
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("nodeValue", b.getter(func() goja.Value {
		if n.Type == html.TextNode || n.Type == html.CommentNode {
			return vm.ToValue(n.Data)
		}
		return goja.Null()
	}), b.setter(func(v goja.Value) {
		if n.Type == html.TextNode || n.Type == html.CommentNode {
			b.p.SetNodeValue(n, v.String())
		}
	}), goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("parentNode", b.getter(func() goja.Value {
		return b.bindOrNull(n.Parent)
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("firstChild", b.getter(func() goja.Value {
		return b.bindOrNull(n.FirstChild)
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("lastChild", b.getter(func() goja.Value {
		return b.bindOrNull(n.LastChild)
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("nextSibling", b.getter(func() goja.Value {
		return b.bindOrNull(n.NextSibling)
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("previousSibling", b.getter(func() goja.Value {
		return b.bindOrNull(n.PrevSibling)
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("childNodes", b.getter(func() goja.Value {
		var items []interface{}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			items = append(items, b.bind(c))
		}
		return vm.NewArray(items...)
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("textContent", b.getter(func() goja.Value {
		return vm.ToValue(TextContent(n))
	}), b.setter(func(v goja.Value) {
		for n.FirstChild != nil {
			b.p.RemoveChild(n.FirstChild)
		}
		b.p.AppendChild(n, &html.Node{Type: html.TextNode, Data: v.String()})
	}), goja.FLAG_FALSE, goja.FLAG_TRUE)
}

func (b *binder) defineNodeMethods(obj *goja.Object, n *html.Node) {
	vm := b.p.vm

	obj.Set("appendChild", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		child, ok := b.p.NodeOf(call.Arguments[0])
		if !ok {
			panic(vm.NewTypeError("appendChild: argument is not a node"))
		}
		b.p.AppendChild(n, child)
		return call.Arguments[0]
	})

	obj.Set("removeChild", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		child, ok := b.p.NodeOf(call.Arguments[0])
		if !ok || child.Parent != n {
			panic(vm.NewTypeError("removeChild: argument is not a child"))
		}
		b.p.RemoveChild(child)
		return call.Arguments[0]
	})

	obj.Set("remove", func(goja.FunctionCall) goja.Value {
		b.p.RemoveChild(n)
		return goja.Undefined()
	})

	obj.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Null()
		}
		return b.bindOrNull(b.p.QuerySelector(n, call.Arguments[0].String()))
	})

	obj.Set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		var items []interface{}
		if len(call.Arguments) > 0 {
			for _, m := range b.p.QuerySelectorAll(n, call.Arguments[0].String()) {
				items = append(items, b.bind(m))
			}
		}
		return vm.NewArray(items...)
	})
}

func (b *binder) defineElementMembers(obj *goja.Object, n *html.Node) {
	vm := b.p.vm

	obj.DefineAccessorProperty("tagName", b.getter(func() goja.Value {
		return vm.ToValue(strings.ToUpper(n.Data))
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("id", b.getter(func() goja.Value {
		v, _ := Attribute(n, "id")
		return vm.ToValue(v)
	}), b.setter(func(v goja.Value) {
		b.p.SetAttribute(n, "id", v.String())
	}), goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("className", b.getter(func() goja.Value {
		v, _ := Attribute(n, "class")
		return vm.ToValue(v)
	}), b.setter(func(v goja.Value) {
		b.p.SetAttribute(n, "class", v.String())
	}), goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("outerHTML", b.getter(func() goja.Value {
		markup, err := b.p.OuterHTML(n)
		if err != nil {
			return vm.ToValue("")
		}
		return vm.ToValue(markup)
	}), b.setter(func(v goja.Value) {
		if err := b.p.SetOuterHTML(n, v.String()); err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
	}), goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Null()
		}
		v, ok := Attribute(n, call.Arguments[0].String())
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(v)
	})

	obj.Set("hasAttribute", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue(false)
		}
		_, ok := Attribute(n, call.Arguments[0].String())
		return vm.ToValue(ok)
	})

	obj.Set("setAttribute", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) >= 2 {
			b.p.SetAttribute(n, call.Arguments[0].String(), call.Arguments[1].String())
		}
		return goja.Undefined()
	})

	obj.Set("removeAttribute", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) >= 1 {
			b.p.RemoveAttribute(n, call.Arguments[0].String())
		}
		return goja.Undefined()
	})

	obj.Set("matches", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue(false)
		}
		return vm.ToValue(b.p.matches(n, call.Arguments[0].String()))
	})

	obj.Set("attachShadow", func(call goja.FunctionCall) goja.Value {
		mode := ShadowOpen
		if len(call.Arguments) > 0 {
			if init, ok := call.Arguments[0].(*goja.Object); ok {
				if m := init.Get("mode"); m != nil && m.String() == string(ShadowClosed) {
					mode = ShadowClosed
				}
			}
		}
		root, err := b.p.AttachShadow(n, mode)
		if err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
		return b.bind(root)
	})
}

func (b *binder) defineDocumentMethods(obj *goja.Object) {
	vm := b.p.vm

	obj.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Null()
		}
		return b.bindOrNull(b.p.FindByID(call.Arguments[0].String()))
	})

	obj.Set("createElement", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("createElement: missing tag name"))
		}
		tag := strings.ToLower(call.Arguments[0].String())
		return b.bind(&html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))})
	})

	obj.Set("createTextNode", func(call goja.FunctionCall) goja.Value {
		text := ""
		if len(call.Arguments) > 0 {
			text = call.Arguments[0].String()
		}
		return b.bind(&html.Node{Type: html.TextNode, Data: text})
	})

	obj.Set("createComment", func(call goja.FunctionCall) goja.Value {
		text := ""
		if len(call.Arguments) > 0 {
			text = call.Arguments[0].String()
		}
		return b.bind(&html.Node{Type: html.CommentNode, Data: text})
	})

	obj.DefineAccessorProperty("documentElement", b.getter(func() goja.Value {
		return b.bindOrNull(firstElementChild(b.p.doc, ""))
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("body", b.getter(func() goja.Value {
		if root := firstElementChild(b.p.doc, ""); root != nil {
			return b.bindOrNull(firstElementChild(root, "body"))
		}
		return goja.Null()
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("head", b.getter(func() goja.Value {
		if root := firstElementChild(b.p.doc, ""); root != nil {
			return b.bindOrNull(firstElementChild(root, "head"))
		}
		return goja.Null()
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	obj.DefineAccessorProperty("title", b.getter(func() goja.Value {
		return vm.ToValue(b.p.name)
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

func firstElementChild(n *html.Node, tag string) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (tag == "" || c.Data == tag) {
			return c
		}
	}
	return nil
}

// DOMNodeTypeCode returns the DOM numeric node-type code for n.
func DOMNodeTypeCode(n *html.Node) int {
	switch n.Type {
	case html.ElementNode:
		return 1
	case html.TextNode:
		return 3
	case html.CommentNode:
		return 8
	case html.DocumentNode:
		return 9
	case html.DoctypeNode:
		return 10
	default:
		return 0
	}
}

// DOMNodeName returns the DOM nodeName for n (#text, #comment, #document,
// uppercase tag for elements, doctype name as authored).
func DOMNodeName(n *html.Node) string {
	switch n.Type {
	case html.ElementNode:
		return strings.ToUpper(n.Data)
	case html.TextNode:
		return "#text"
	case html.CommentNode:
		return "#comment"
	case html.DocumentNode:
		return "#document"
	case html.DoctypeNode:
		return n.Data
	default:
		return n.Data
	}
}
