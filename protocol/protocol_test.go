package protocol

import (
	"errors"
	"testing"
)

func TestDecode_Valid(t *testing.T) {
	req, err := Decode([]byte(`{"id": 7, "method": "DOM.getDocument", "params": {"depth": 2}}`))
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if req.ID != 7 {
		t.Fatalf("Decode: id = %d, want 7", req.ID)
	}
	if req.Method != "DOM.getDocument" {
		t.Fatalf("Decode: method = %q", req.Method)
	}
	if len(req.Params) == 0 {
		t.Fatalf("Decode: params dropped")
	}
}

func TestDecode_ParamsOptional(t *testing.T) {
	req, err := Decode([]byte(`{"id": 1, "method": "CSS.enable"}`))
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if req.Params != nil {
		t.Fatalf("Decode: params = %q, want nil", req.Params)
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{`},
		{"missing id", `{"method": "DOM.enable"}`},
		{"string id", `{"id": "x", "method": "DOM.enable"}`},
		{"missing method", `{"id": 1}`},
		{"numeric method", `{"id": 1, "method": 4}`},
		{"no dot", `{"id": 1, "method": "getDocument"}`},
		{"empty domain", `{"id": 1, "method": ".enable"}`},
		{"empty action", `{"id": 1, "method": "DOM."}`},
		{"array params", `{"id": 1, "method": "DOM.enable", "params": [1]}`},
	}
	for _, tc := range cases {
		_, err := Decode([]byte(tc.raw))
		if err == nil {
			t.Fatalf("%s: expected decode error", tc.name)
		}
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("%s: error is %T, want *DecodeError", tc.name, err)
		}
	}
}

func TestSplitMethod(t *testing.T) {
	d, a, err := SplitMethod("Runtime.evaluate")
	if err != nil {
		t.Fatalf("SplitMethod: %v", err)
	}
	if d != "Runtime" || a != "evaluate" {
		t.Fatalf("SplitMethod: got %q.%q", d, a)
	}
}
