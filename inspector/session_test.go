package inspector

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/couikit/devtools/cssom"
	"github.com/couikit/devtools/page"
	"github.com/couikit/devtools/protocol"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (e *eventRecorder) emit(ev protocol.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventRecorder) byMethod(method string) []protocol.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []protocol.Event
	for _, ev := range e.events {
		if ev.Method == method {
			out = append(out, ev)
		}
	}
	return out
}

func (e *eventRecorder) waitFor(t *testing.T, method string, want int) []protocol.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := e.byMethod(method); len(evs) >= want {
			return evs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events, have %v", want, method, e.byMethod(method))
	return nil
}

const testDocument = `<html><head><title>t</title>
<style>.box { color: red; /* border: 1px; */ } .a, .b { margin: 0; }</style>
</head><body>
<div id="root" class="b" style="padding: 2px;"><p id="p1">hello</p></div>
</body></html>`

func newTestSession(t *testing.T, opts ...SessionOption) (*Session, *eventRecorder, *page.Page) {
	t.Helper()
	p := page.New("page-1", "Test Page", "couikit://pages/1", page.WithMatcher(cssom.Matches))
	if err := p.LoadHTML(testDocument); err != nil {
		t.Fatalf("LoadHTML: %v", err)
	}
	rec := &eventRecorder{}
	opts = append([]SessionOption{
		WithAttributeThrottle(5 * time.Millisecond),
		WithRevealStepDelay(time.Millisecond),
	}, opts...)
	s := NewSession(p, rec.emit, opts...)
	t.Cleanup(s.Disconnect)
	return s, rec, p
}

func do(t *testing.T, s *Session, method, params string) map[string]any {
	t.Helper()
	raw := fmt.Sprintf(`{"id": 1, "method": %q, "params": %s}`, method, params)
	resp, ok := s.HandleCommand([]byte(raw))
	if !ok {
		t.Fatalf("%s: no response", method)
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("%s: marshal result: %v", method, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("%s: result not an object: %v", method, err)
	}
	return out
}

func nodeIDByElementID(t *testing.T, s *Session, p *page.Page, id string) int64 {
	t.Helper()
	el := p.FindByID(id)
	if el == nil {
		t.Fatalf("element %q not found", id)
	}
	return s.reg.IDFor(el)
}

func TestSessionActivatesOnFirstCommand(t *testing.T) {
	s, _, _ := newTestSession(t)
	if s.State() != StateDisconnected {
		t.Fatalf("initial state = %v", s.State())
	}
	res := do(t, s, "DOM.getDocument", `{"depth": 0}`)
	if s.State() != StateActive {
		t.Fatalf("state after command = %v", s.State())
	}
	root, ok := res["root"].(map[string]any)
	if !ok {
		t.Fatalf("result = %v", res)
	}
	if root["nodeType"].(float64) != 9 {
		t.Fatalf("root nodeType = %v", root["nodeType"])
	}
}

func TestMalformedCommandDropped(t *testing.T) {
	s, _, _ := newTestSession(t)
	if _, ok := s.HandleCommand([]byte(`{"method": "DOM.getDocument"}`)); ok {
		t.Fatalf("missing id got a response")
	}
	if _, ok := s.HandleCommand([]byte(`{"id": 1, "method": "nodot"}`)); ok {
		t.Fatalf("bad method got a response")
	}
}

func TestUnknownDomainAndActionAnswerEmpty(t *testing.T) {
	s, _, _ := newTestSession(t)
	if res := do(t, s, "Page.navigate", `{}`); len(res) != 0 {
		t.Fatalf("unknown domain result = %v", res)
	}
	if res := do(t, s, "DOM.noSuchAction", `{}`); len(res) != 0 {
		t.Fatalf("unknown action result = %v", res)
	}
}

func TestDisconnectTearsDownEverything(t *testing.T) {
	s, rec, p := newTestSession(t)
	do(t, s, "DOM.getDocument", `{"depth": -1}`)
	rootID := nodeIDByElementID(t, s, p, "root")
	oldReg := s.reg

	ro := do(t, s, "Runtime.evaluate", `{"expression": "({a: 1})"}`)
	objectID := ro["result"].(map[string]any)["objectId"].(string)

	s.Disconnect()
	if s.State() != StateDisconnected {
		t.Fatalf("state after disconnect = %v", s.State())
	}

	// Reconnect: fresh registries, old ids invalid, document rebuilt
	// from id 1.
	res := do(t, s, "DOM.getDocument", `{"depth": 0}`)
	if s.reg == oldReg {
		t.Fatalf("registry survived disconnect")
	}
	if _, err := s.reg.NodeFor(rootID); err == nil && rootID != 1 {
		t.Fatalf("stale node id %d still resolves", rootID)
	}
	root := res["root"].(map[string]any)
	if root["nodeId"].(float64) != 1 {
		t.Fatalf("root nodeId after reconnect = %v", root["nodeId"])
	}
	if _, err := s.ser.Lookup(objectID); err == nil {
		t.Fatalf("object id survived disconnect")
	}

	// Mutations after disconnect must not emit through the old bridge:
	// count events, mutate while disconnected, compare.
	s.Disconnect()
	before := len(rec.byMethod("DOM.childNodeRemoved"))
	p.RemoveChild(p.FindByID("p1"))
	time.Sleep(20 * time.Millisecond)
	if after := len(rec.byMethod("DOM.childNodeRemoved")); after != before {
		t.Fatalf("disconnected session emitted removal events")
	}
}

func TestRequestChildNodesEmitsSetChildNodes(t *testing.T) {
	s, rec, p := newTestSession(t)
	do(t, s, "DOM.getDocument", `{"depth": -1}`)
	rootID := nodeIDByElementID(t, s, p, "root")

	do(t, s, "DOM.requestChildNodes", fmt.Sprintf(`{"nodeId": %d}`, rootID))
	evs := rec.byMethod("DOM.setChildNodes")
	if len(evs) != 1 {
		t.Fatalf("setChildNodes events = %d", len(evs))
	}
	params := evs[0].Params.(map[string]any)
	if params["parentId"].(int64) != rootID {
		t.Fatalf("parentId = %v, want %d", params["parentId"], rootID)
	}
}

func TestLookupMissIsErrorPayload(t *testing.T) {
	s, _, _ := newTestSession(t)
	res := do(t, s, "DOM.getOuterHTML", `{"nodeId": 99999}`)
	if _, ok := res["error"]; !ok {
		t.Fatalf("result = %v, want {error}", res)
	}
}

func TestSetAttributesAsText(t *testing.T) {
	s, _, p := newTestSession(t)
	do(t, s, "DOM.getDocument", `{"depth": -1}`)
	rootID := nodeIDByElementID(t, s, p, "root")

	do(t, s, "DOM.setAttributesAsText",
		fmt.Sprintf(`{"nodeId": %d, "text": "data-x=1 class=\"c d\"", "name": "class"}`, rootID))
	el := p.FindByID("root")
	if v, _ := page.Attribute(el, "class"); v != "c d" {
		t.Fatalf("class = %q", v)
	}
	if v, _ := page.Attribute(el, "data-x"); v != "1" {
		t.Fatalf("data-x = %q", v)
	}

	// Named attribute absent from the replacement text is removed.
	do(t, s, "DOM.setAttributesAsText",
		fmt.Sprintf(`{"nodeId": %d, "text": "data-y=2", "name": "data-x"}`, rootID))
	if _, ok := page.Attribute(el, "data-x"); ok {
		t.Fatalf("data-x survived replacement")
	}
}

func TestResolveAndRequestNodeRoundTrip(t *testing.T) {
	s, rec, p := newTestSession(t)
	do(t, s, "DOM.getDocument", `{"depth": -1}`)
	pID := nodeIDByElementID(t, s, p, "p1")

	res := do(t, s, "DOM.resolveNode", fmt.Sprintf(`{"nodeId": %d}`, pID))
	ro := res["object"].(map[string]any)
	if ro["subtype"] != "node" {
		t.Fatalf("resolved subtype = %v", ro["subtype"])
	}

	res = do(t, s, "DOM.requestNode", fmt.Sprintf(`{"objectId": %q}`, ro["objectId"]))
	if int64(res["nodeId"].(float64)) != pID {
		t.Fatalf("requestNode = %v, want %d", res["nodeId"], pID)
	}
	// The reveal walk announces the ancestor chain step by step.
	rec.waitFor(t, "DOM.setChildNodes", 1)
}

func TestMoveAndCopy(t *testing.T) {
	s, _, p := newTestSession(t)
	do(t, s, "DOM.getDocument", `{"depth": -1}`)
	pID := nodeIDByElementID(t, s, p, "p1")
	bodyID := s.reg.IDFor(p.FindByID("root").Parent)

	res := do(t, s, "DOM.copyTo", fmt.Sprintf(`{"nodeId": %d, "targetNodeId": %d}`, pID, bodyID))
	cloneID := int64(res["nodeId"].(float64))
	if cloneID == pID {
		t.Fatalf("copyTo returned the original id")
	}

	res = do(t, s, "DOM.moveTo", fmt.Sprintf(`{"nodeId": %d, "targetNodeId": %d}`, pID, bodyID))
	if int64(res["nodeId"].(float64)) != pID {
		t.Fatalf("moveTo changed the node id")
	}
	if p.FindByID("p1").Parent != p.FindByID("root").Parent {
		t.Fatalf("node did not move")
	}
}

func TestPushNodesByBackendIds(t *testing.T) {
	s, _, p := newTestSession(t)
	do(t, s, "DOM.getDocument", `{"depth": -1}`)
	rootID := nodeIDByElementID(t, s, p, "root")

	res := do(t, s, "DOM.pushNodesByBackendIdsToFrontend",
		fmt.Sprintf(`{"backendNodeIds": [%d, 424242]}`, rootID))
	ids := res["nodeIds"].([]any)
	if int64(ids[0].(float64)) != rootID || ids[1].(float64) != 0 {
		t.Fatalf("nodeIds = %v", ids)
	}
}

func TestOuterHTMLRoundTripThroughDomain(t *testing.T) {
	s, _, p := newTestSession(t)
	do(t, s, "DOM.getDocument", `{"depth": -1}`)
	pID := nodeIDByElementID(t, s, p, "p1")

	res := do(t, s, "DOM.getOuterHTML", fmt.Sprintf(`{"nodeId": %d}`, pID))
	if res["outerHTML"].(string) != `<p id="p1">hello</p>` {
		t.Fatalf("outerHTML = %q", res["outerHTML"])
	}

	do(t, s, "DOM.setOuterHTML",
		fmt.Sprintf(`{"nodeId": %d, "outerHTML": "<span id=\"s1\">x</span>"}`, pID))
	if p.FindByID("s1") == nil || p.FindByID("p1") != nil {
		t.Fatalf("setOuterHTML did not replace the node")
	}
}
