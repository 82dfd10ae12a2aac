package remote

import (
	"log/slog"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dop251/goja"
	"golang.org/x/net/html"

	"github.com/couikit/devtools/page"
)

// Wire value types.
const (
	TypeObject    = "object"
	TypeFunction  = "function"
	TypeUndefined = "undefined"
	TypeString    = "string"
	TypeNumber    = "number"
	TypeBoolean   = "boolean"
	TypeSymbol    = "symbol"
	TypeBigInt    = "bigint"
	TypeAccessor  = "accessor"
)

// RemoteObject mirrors the protocol's Runtime.RemoteObject shape.
type RemoteObject struct {
	Type                string         `json:"type"`
	Subtype             string         `json:"subtype,omitempty"`
	ClassName           string         `json:"className,omitempty"`
	Value               any            `json:"value,omitempty"`
	UnserializableValue string         `json:"unserializableValue,omitempty"`
	Description         string         `json:"description,omitempty"`
	ObjectID            string         `json:"objectId,omitempty"`
	Preview             *ObjectPreview `json:"preview,omitempty"`
}

// ObjectPreview is a bounded one-level summary of an object.
type ObjectPreview struct {
	Type        string            `json:"type"`
	Subtype     string            `json:"subtype,omitempty"`
	Description string            `json:"description,omitempty"`
	Overflow    bool              `json:"overflow"`
	Properties  []PropertyPreview `json:"properties"`
	Entries     []EntryPreview    `json:"entries,omitempty"`
}

// PropertyPreview summarizes one property. Non-primitive values carry the
// reference id of the summarized object and never a nested preview.
type PropertyPreview struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	Value    string `json:"value,omitempty"`
	ObjectID string `json:"objectId,omitempty"`
}

// EntryPreview summarizes one Map or Set entry.
type EntryPreview struct {
	Key   *PropertyPreview `json:"key,omitempty"`
	Value *PropertyPreview `json:"value"`
}

// PropertyDescriptor is one entry of a getProperties result. Accessor
// properties carry the getter/setter functions themselves; their values are
// never computed.
type PropertyDescriptor struct {
	Name         string        `json:"name"`
	Value        *RemoteObject `json:"value,omitempty"`
	Writable     *bool         `json:"writable,omitempty"`
	Get          *RemoteObject `json:"get,omitempty"`
	Set          *RemoteObject `json:"set,omitempty"`
	Configurable bool          `json:"configurable"`
	Enumerable   bool          `json:"enumerable"`
	IsOwn        bool          `json:"isOwn,omitempty"`
}

// InternalPropertyDescriptor is an engine-level property such as
// [[Prototype]].
type InternalPropertyDescriptor struct {
	Name  string        `json:"name"`
	Value *RemoteObject `json:"value,omitempty"`
}

// NodeResolver reports whether a script value wraps a live document node.
// *page.Page satisfies it.
type NodeResolver interface {
	NodeOf(v goja.Value) (*html.Node, bool)
}

// Defaults for the bounded parts of serialization.
const (
	DefaultPreviewLimit    = 8
	DefaultMaxStringLength = 512
)

// Serializer issues remote object records for values of one runtime.
type Serializer struct {
	vm           *goja.Runtime
	nat          *natives
	nodes        NodeResolver
	objects      *store
	previewLimit int
	maxString    int
	logger       *slog.Logger
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithPreviewLimit caps previewed properties and entries per object.
func WithPreviewLimit(n int) Option {
	return func(s *Serializer) { s.previewLimit = n }
}

// WithMaxStringLength caps serialized string values.
func WithMaxStringLength(n int) Option {
	return func(s *Serializer) { s.maxString = n }
}

// WithCapacity caps the object-id store.
func WithCapacity(n int) Option {
	return func(s *Serializer) { s.objects = newStore(n) }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Serializer) { s.logger = l }
}

// NewSerializer captures the runtime's reflection built-ins and returns a
// serializer bound to it. resolver may be nil when the runtime has no
// document bindings.
func NewSerializer(vm *goja.Runtime, resolver NodeResolver, opts ...Option) (*Serializer, error) {
	nat, err := captureNatives(vm)
	if err != nil {
		return nil, err
	}
	s := &Serializer{
		vm:           vm,
		nat:          nat,
		nodes:        resolver,
		objects:      newStore(DefaultCapacity),
		previewLimit: DefaultPreviewLimit,
		maxString:    DefaultMaxStringLength,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Lookup resolves an object id back to the live value.
func (s *Serializer) Lookup(id string) (*goja.Object, error) {
	return s.objects.lookup(id)
}

// Release removes the id and its value from the store. Returns whether
// anything was removed; releasing twice is a no-op.
func (s *Serializer) Release(id string) bool {
	return s.objects.release(id)
}

// ReleaseGroup removes every id registered under group.
func (s *Serializer) ReleaseGroup(group string) int {
	return s.objects.releaseGroup(group)
}

// Reset drops all issued ids.
func (s *Serializer) Reset() { s.objects.reset() }

// Size reports the number of live ids.
func (s *Serializer) Size() int { return s.objects.size() }

// Serialize converts a runtime value into its wire representation,
// registering non-primitives under group. It never fails: hostile values
// degrade to partial records.
func (s *Serializer) Serialize(v goja.Value, group string, wantPreview bool) *RemoteObject {
	return s.serialize(v, group, wantPreview, make(map[*goja.Object]bool))
}

func (s *Serializer) serialize(v goja.Value, group string, wantPreview bool, expanding map[*goja.Object]bool) *RemoteObject {
	if v == nil || goja.IsUndefined(v) {
		return &RemoteObject{Type: TypeUndefined, Description: "undefined"}
	}
	if goja.IsNull(v) {
		return &RemoteObject{Type: TypeObject, Subtype: "null", Description: "null"}
	}
	if sym, ok := v.(*goja.Symbol); ok {
		return &RemoteObject{Type: TypeSymbol, Description: sym.String()}
	}
	if obj, ok := v.(*goja.Object); ok {
		return s.serializeObject(obj, group, wantPreview, expanding)
	}

	switch exp := v.Export().(type) {
	case bool:
		return &RemoteObject{Type: TypeBoolean, Value: exp, Description: strconv.FormatBool(exp)}
	case string:
		return s.serializeString(exp)
	case int64:
		d := strconv.FormatInt(exp, 10)
		return &RemoteObject{Type: TypeNumber, Value: exp, Description: d}
	case float64:
		return serializeFloat(exp)
	case *big.Int:
		d := exp.String() + "n"
		return &RemoteObject{Type: TypeBigInt, UnserializableValue: d, Description: d}
	default:
		// Unknown primitive kind; report its string form only.
		return &RemoteObject{Type: TypeObject, Description: v.String()}
	}
}

func (s *Serializer) serializeString(v string) *RemoteObject {
	if len(v) <= s.maxString {
		return &RemoteObject{Type: TypeString, Value: v, Description: v}
	}
	clipped := truncate(v, s.maxString)
	return &RemoteObject{Type: TypeString, Value: clipped, Description: clipped + "…"}
}

// truncate clips v to at most max bytes without splitting a rune.
func truncate(v string, max int) string {
	if len(v) <= max {
		return v
	}
	for max > 0 && !utf8.RuneStart(v[max]) {
		max--
	}
	return v[:max]
}

func serializeFloat(f float64) *RemoteObject {
	switch {
	case math.IsNaN(f):
		return &RemoteObject{Type: TypeNumber, UnserializableValue: "NaN", Description: "NaN"}
	case math.IsInf(f, 1):
		return &RemoteObject{Type: TypeNumber, UnserializableValue: "Infinity", Description: "Infinity"}
	case math.IsInf(f, -1):
		return &RemoteObject{Type: TypeNumber, UnserializableValue: "-Infinity", Description: "-Infinity"}
	case f == 0 && math.Signbit(f):
		return &RemoteObject{Type: TypeNumber, UnserializableValue: "-0", Description: "-0"}
	}
	d := strconv.FormatFloat(f, 'f', -1, 64)
	return &RemoteObject{Type: TypeNumber, Value: f, Description: d}
}

func (s *Serializer) serializeObject(obj *goja.Object, group string, wantPreview bool, expanding map[*goja.Object]bool) *RemoteObject {
	id := s.objects.intern(obj, group)
	cls := s.classify(obj)

	ro := &RemoteObject{
		Type:        cls.typ,
		Subtype:     cls.subtype,
		ClassName:   cls.className,
		Description: cls.description,
		ObjectID:    id,
	}
	if expanding[obj] {
		// Already being expanded further up the stack: reference stub only.
		return ro
	}
	if wantPreview && cls.typ == TypeObject {
		expanding[obj] = true
		ro.Preview = s.preview(obj, group, cls)
		delete(expanding, obj)
	}
	return ro
}

// classification carries everything subtype probing learned about a value.
type classification struct {
	typ         string
	subtype     string
	className   string
	description string
	node        *html.Node
}

// classify probes obj for its wire subtype. Order matters: a revoked proxy
// throws on every meta-operation so it must be identified before anything
// touches the object; document nodes come next so host wrappers never hit
// the generic probes; a live-proxy heuristic runs last.
func (s *Serializer) classify(obj *goja.Object) classification {
	if _, err := call(s.nat.getPrototypeOf, obj); err != nil {
		return classification{typ: TypeObject, subtype: "proxy", className: "Proxy", description: "Proxy"}
	}

	if s.nodes != nil {
		if n, ok := s.nodes.NodeOf(obj); ok {
			return classification{
				typ:         TypeObject,
				subtype:     "node",
				className:   nodeClassName(n),
				description: nodeDescription(n),
				node:        n,
			}
		}
	}

	if _, isFn := goja.AssertFunction(obj); isFn {
		return classification{
			typ:         TypeFunction,
			className:   "Function",
			description: s.functionDescription(obj),
		}
	}

	tagV, err := call(s.nat.classTag, obj)
	if err != nil {
		// toStringTag lookup went through a throwing trap.
		return classification{typ: TypeObject, subtype: "proxy", className: "Proxy", description: "Proxy"}
	}
	tag := strings.TrimSuffix(strings.TrimPrefix(tagV.String(), "[object "), "]")

	c := classification{typ: TypeObject, className: tag, description: tag}
	switch tag {
	case "Array":
		n := int64(0)
		// Guarded read: a length getter trap must not escape classify.
		if lv, err := call(s.nat.arrayLength, obj); err == nil {
			n = lv.ToInteger()
		}
		c.subtype = "array"
		c.description = "Array(" + strconv.FormatInt(n, 10) + ")"
	case "Date":
		c.subtype = "date"
		c.description = s.stringOf(obj)
	case "RegExp":
		c.subtype = "regexp"
		c.description = s.stringOf(obj)
	case "Map", "Set":
		c.subtype = strings.ToLower(tag)
		c.description = tag + "(" + strconv.Itoa(s.collectionSize(obj, c.subtype)) + ")"
	case "WeakMap":
		c.subtype = "weakmap"
	case "WeakSet":
		c.subtype = "weakset"
	case "Promise":
		c.subtype = "promise"
	case "ArrayBuffer":
		c.subtype = "arraybuffer"
	case "DataView":
		c.subtype = "dataview"
	case "Error":
		c.subtype = "error"
		c.className, c.description = s.errorDescription(obj)
	default:
		if isTypedArrayTag(tag) {
			c.subtype = "typedarray"
			if lv, err := call(s.nat.typedArrayLength, obj); err == nil {
				c.description = tag + "(" + lv.String() + ")"
			}
			break
		}
		if ok, err := call(s.nat.isError, obj); err == nil && ok.ToBoolean() {
			c.subtype = "error"
			c.className, c.description = s.errorDescription(obj)
			break
		}
		if s.probesAsProxy(obj) {
			c.subtype = "proxy"
			c.className = "Proxy"
			c.description = "Proxy"
		}
	}
	return c
}

// probesAsProxy runs a harmless defineProperty/deleteProperty cycle. An
// ordinary object tolerates it; one that throws without being frozen or
// sealed is trapping its meta-operations.
func (s *Serializer) probesAsProxy(obj *goja.Object) bool {
	if _, err := call(s.nat.proxyProbe, obj); err == nil {
		return false
	}
	frozen, err := call(s.nat.isFrozenOrSealed, obj)
	if err != nil {
		return true
	}
	return !frozen.ToBoolean()
}

func (s *Serializer) functionDescription(obj *goja.Object) string {
	src, err := call(s.nat.functionSource, obj)
	if err != nil {
		return "function ()"
	}
	d := src.String()
	if len(d) > s.maxString {
		d = truncate(d, s.maxString) + "…"
	}
	return d
}

// errorDescription reads name and message through captured natives: both
// may be accessor properties, and a throwing accessor degrades to the
// plain "Error" fallback instead of escaping.
func (s *Serializer) errorDescription(obj *goja.Object) (className, description string) {
	className = "Error"
	description = "Error"
	if nv, err := call(s.nat.errorName, obj); err == nil && isDefined(nv) {
		className = nv.String()
		description = className
	}
	if mv, err := call(s.nat.errorMessage, obj); err == nil && isDefined(mv) {
		if msg := mv.String(); msg != "" {
			description += ": " + msg
		}
	}
	return className, description
}

func (s *Serializer) stringOf(obj *goja.Object) string {
	v, err := call(s.nat.valueString, obj)
	if err != nil {
		return "Object"
	}
	return v.String()
}

func (s *Serializer) collectionSize(obj *goja.Object, kind string) int {
	v, err := call(s.nat.collectionSize, obj, s.vm.ToValue(kind))
	if err != nil {
		return 0
	}
	return int(v.ToInteger())
}

func isTypedArrayTag(tag string) bool {
	switch tag {
	case "Int8Array", "Uint8Array", "Uint8ClampedArray",
		"Int16Array", "Uint16Array", "Int32Array", "Uint32Array",
		"Float32Array", "Float64Array", "BigInt64Array", "BigUint64Array":
		return true
	}
	return false
}

func nodeClassName(n *html.Node) string {
	switch n.Type {
	case html.TextNode:
		return "Text"
	case html.CommentNode:
		return "Comment"
	case html.DocumentNode:
		return "Document"
	default:
		return "Element"
	}
}

func nodeDescription(n *html.Node) string {
	if n.Type != html.ElementNode {
		return page.DOMNodeName(n)
	}
	var sb strings.Builder
	sb.WriteString(strings.ToLower(n.Data))
	if id, ok := page.Attribute(n, "id"); ok && id != "" {
		sb.WriteString("#")
		sb.WriteString(id)
	}
	if cls, ok := page.Attribute(n, "class"); ok {
		for _, c := range strings.Fields(cls) {
			sb.WriteString(".")
			sb.WriteString(c)
		}
	}
	return sb.String()
}
