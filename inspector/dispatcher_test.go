package inspector

import (
	"testing"

	"github.com/couikit/devtools/protocol"
)

func TestDispatcherHandlerTable(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("Demo", map[string]Handler{
		"echo":   func(params []byte) any { return map[string]any{"params": string(params)} },
		"silent": func(params []byte) any { return NoResponse },
		"nilled": func(params []byte) any { return nil },
	})

	resp, ok := d.Dispatch(&protocol.Request{ID: 7, Method: "Demo.echo", Params: []byte(`{"x":1}`)})
	if !ok || resp.ID != 7 {
		t.Fatalf("echo: resp=%v ok=%v", resp, ok)
	}
	if resp.Result.(map[string]any)["params"] != `{"x":1}` {
		t.Fatalf("echo result = %v", resp.Result)
	}

	if _, ok := d.Dispatch(&protocol.Request{ID: 8, Method: "Demo.silent"}); ok {
		t.Fatalf("NoResponse sentinel produced a reply")
	}

	resp, ok = d.Dispatch(&protocol.Request{ID: 9, Method: "Demo.nilled"})
	if !ok || len(resp.Result.(map[string]any)) != 0 {
		t.Fatalf("nil result not normalized: %v", resp)
	}
}

func TestDispatcherUnknownTargetsAnswerEmpty(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register("Demo", map[string]Handler{})

	resp, ok := d.Dispatch(&protocol.Request{ID: 1, Method: "Missing.action"})
	if !ok || len(resp.Result.(map[string]any)) != 0 {
		t.Fatalf("unknown domain: %v ok=%v", resp, ok)
	}
	resp, ok = d.Dispatch(&protocol.Request{ID: 2, Method: "Demo.missing"})
	if !ok || len(resp.Result.(map[string]any)) != 0 {
		t.Fatalf("unknown action: %v ok=%v", resp, ok)
	}
}
