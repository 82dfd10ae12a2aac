package dom

import (
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/couikit/devtools/page"
)

type recordedEvent struct {
	method string
	params map[string]any
}

func newBridgeFixture(t *testing.T, opts ...BridgeOption) (*page.Page, *Registry, *Bridge, *[]recordedEvent) {
	t.Helper()
	p, reg := newFixture(t)
	var events []recordedEvent
	b := NewBridge(reg, func(method string, params any) {
		events = append(events, recordedEvent{method, params.(map[string]any)})
	}, opts...)
	p.SetObserver(b.OnMutation)
	return p, reg, b, &events
}

func TestBridge_SuppressesUnregisteredSubtrees(t *testing.T) {
	p, _, _, events := newBridgeFixture(t)

	// Nothing registered yet: mutations must be invisible.
	root := p.FindByID("root")
	p.SetAttribute(root, "class", "x")
	p.AppendChild(root, &html.Node{Type: html.ElementNode, Data: "em"})
	if len(*events) != 0 {
		t.Fatalf("events for unregistered subtree: %+v", *events)
	}
}

func TestBridge_InsertCarriesPreviousSibling(t *testing.T) {
	p, reg, _, events := newBridgeFixture(t)
	root := p.FindByID("root")
	span := p.FindByID("s1")
	reg.IDFor(root)
	spanID := reg.IDFor(span)

	inserted := &html.Node{Type: html.ElementNode, Data: "em"}
	p.AppendChild(root, inserted)

	if len(*events) != 1 {
		t.Fatalf("events = %d, want 1", len(*events))
	}
	ev := (*events)[0]
	if ev.method != EventChildNodeInserted {
		t.Fatalf("method = %q", ev.method)
	}
	if ev.params["previousNodeId"].(int64) != spanID {
		t.Fatalf("previousNodeId = %v, want %d", ev.params["previousNodeId"], spanID)
	}
	node := ev.params["node"].(*Node)
	if node.NodeName != "EM" {
		t.Fatalf("node shape: %+v", node)
	}
}

func TestBridge_InsertSkipsFilteredSiblings(t *testing.T) {
	p, reg, _, events := newBridgeFixture(t)
	root := p.FindByID("root")
	span := p.FindByID("s1")
	reg.IDFor(root)
	spanID := reg.IDFor(span)

	overlay := &html.Node{
		Type: html.ElementNode, Data: "div",
		Attr: []html.Attribute{{Key: IgnoreMarkerAttr, Val: "1"}},
	}
	root.AppendChild(overlay) // silent host-internal insertion

	inserted := &html.Node{Type: html.ElementNode, Data: "em"}
	p.AppendChild(root, inserted)

	if len(*events) != 1 {
		t.Fatalf("events = %d, want 1", len(*events))
	}
	if got := (*events)[0].params["previousNodeId"].(int64); got != spanID {
		t.Fatalf("previousNodeId = %d, want %d (filtered sibling must be skipped)", got, spanID)
	}
}

func TestBridge_FilteredInsertIsSilent(t *testing.T) {
	p, reg, _, events := newBridgeFixture(t)
	root := p.FindByID("root")
	reg.IDFor(root)

	overlay := &html.Node{
		Type: html.ElementNode, Data: "div",
		Attr: []html.Attribute{{Key: IgnoreMarkerAttr, Val: "1"}},
	}
	p.AppendChild(root, overlay)
	if len(*events) != 0 {
		t.Fatalf("filtered insert surfaced: %+v", *events)
	}
}

func TestBridge_AttributeCoalescing(t *testing.T) {
	p, reg, b, events := newBridgeFixture(t, WithThrottle(time.Hour))
	root := p.FindByID("root")
	rootID := reg.IDFor(root)

	p.SetAttribute(root, "class", "v1")
	p.SetAttribute(root, "class", "v2")
	p.SetAttribute(root, "class", "v3")
	if len(*events) != 0 {
		t.Fatalf("attribute events emitted before flush")
	}

	b.Flush()
	if len(*events) != 1 {
		t.Fatalf("events = %d, want exactly 1 coalesced", len(*events))
	}
	ev := (*events)[0]
	if ev.method != EventAttributeModified || ev.params["value"].(string) != "v3" {
		t.Fatalf("coalesced event: %+v", ev)
	}
	if ev.params["nodeId"].(int64) != rootID {
		t.Fatalf("nodeId = %v", ev.params["nodeId"])
	}
}

func TestBridge_SetThenRemoveYieldsOnlyRemoval(t *testing.T) {
	p, reg, b, events := newBridgeFixture(t, WithThrottle(time.Hour))
	root := p.FindByID("root")
	reg.IDFor(root)

	p.SetAttribute(root, "title", "x")
	p.RemoveAttribute(root, "title")
	b.Flush()

	if len(*events) != 1 || (*events)[0].method != EventAttributeRemoved {
		t.Fatalf("events = %+v, want single attributeRemoved", *events)
	}
}

func TestBridge_ThrottleTimerFlushes(t *testing.T) {
	p, reg, _, events := newBridgeFixture(t, WithThrottle(10*time.Millisecond))
	root := p.FindByID("root")
	reg.IDFor(root)

	p.SetAttribute(root, "class", "fast")

	deadline := time.Now().Add(2 * time.Second)
	for len(*events) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(*events) != 1 {
		t.Fatalf("throttle flush did not fire")
	}
}

func TestBridge_RemovalDropsPendingAttributes(t *testing.T) {
	p, reg, b, events := newBridgeFixture(t, WithThrottle(time.Hour))
	root := p.FindByID("root")
	para := p.FindByID("p1")
	reg.IDFor(root)
	paraID := reg.IDFor(para)

	p.SetAttribute(para, "class", "doomed")
	p.RemoveChild(para)
	b.Flush()

	// Exactly one event: the removal. No attribute event may follow it.
	if len(*events) != 1 {
		t.Fatalf("events = %+v", *events)
	}
	ev := (*events)[0]
	if ev.method != EventChildNodeRemoved || ev.params["nodeId"].(int64) != paraID {
		t.Fatalf("removal event: %+v", ev)
	}
	if _, err := reg.NodeFor(paraID); err == nil {
		t.Fatalf("removed subtree still registered")
	}
}

func TestBridge_CharacterDataImmediate(t *testing.T) {
	p, reg, _, events := newBridgeFixture(t, WithThrottle(time.Hour))
	para := p.FindByID("p1")
	text := para.FirstChild
	textID := reg.IDFor(text)

	p.SetNodeValue(text, "changed")

	if len(*events) != 1 {
		t.Fatalf("events = %d, want immediate chardata event", len(*events))
	}
	ev := (*events)[0]
	if ev.method != EventCharacterDataModified || ev.params["characterData"].(string) != "changed" {
		t.Fatalf("chardata event: %+v", ev)
	}
	if ev.params["nodeId"].(int64) != textID {
		t.Fatalf("nodeId = %v", ev.params["nodeId"])
	}
}

func TestBridge_CloseCancelsPending(t *testing.T) {
	p, reg, b, events := newBridgeFixture(t, WithThrottle(time.Hour))
	root := p.FindByID("root")
	reg.IDFor(root)

	p.SetAttribute(root, "class", "late")
	b.Close()
	b.Flush()
	if len(*events) != 0 {
		t.Fatalf("events after close: %+v", *events)
	}
}
