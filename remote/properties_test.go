package remote

import (
	"errors"
	"testing"
)

func TestPropertiesOwnOnly(t *testing.T) {
	s, vm := newTestSerializer(t)
	v := eval(t, vm, `Object.create({inherited: 1}, {
		own: { value: 2, enumerable: true, writable: true, configurable: true },
	})`)
	ro := s.Serialize(v, "", false)

	props, internals, err := s.Properties(ro.ObjectID, true, false)
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}
	if len(props) != 1 || props[0].Name != "own" {
		t.Fatalf("own props = %+v", props)
	}
	if !props[0].IsOwn {
		t.Fatalf("own property not flagged isOwn")
	}
	if props[0].Value == nil || props[0].Value.Description != "2" {
		t.Fatalf("own value = %+v", props[0].Value)
	}
	if len(internals) == 0 || internals[0].Name != "[[Prototype]]" {
		t.Fatalf("internals = %+v", internals)
	}
}

func TestPropertiesWalksPrototypeChain(t *testing.T) {
	s, vm := newTestSerializer(t)
	v := eval(t, vm, `Object.create({inherited: 1}, {
		own: { value: 2, enumerable: true },
	})`)
	ro := s.Serialize(v, "", false)

	props, _, err := s.Properties(ro.ObjectID, false, false)
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}
	byName := make(map[string]PropertyDescriptor, len(props))
	for _, p := range props {
		byName[p.Name] = p
	}
	if p, ok := byName["inherited"]; !ok || p.IsOwn {
		t.Fatalf("inherited = %+v, ok=%v", p, ok)
	}
	if p, ok := byName["own"]; !ok || !p.IsOwn {
		t.Fatalf("own = %+v, ok=%v", p, ok)
	}
	// Object.prototype sits at the tail of the chain.
	if _, ok := byName["hasOwnProperty"]; !ok {
		t.Fatalf("Object.prototype members missing from chain walk")
	}
}

func TestPropertiesFirstOccurrenceWins(t *testing.T) {
	s, vm := newTestSerializer(t)
	v := eval(t, vm, `Object.create({x: "proto"}, {
		x: { value: "own", enumerable: true },
	})`)
	ro := s.Serialize(v, "", false)

	props, _, err := s.Properties(ro.ObjectID, false, false)
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}
	var seen int
	for _, p := range props {
		if p.Name == "x" {
			seen++
			if p.Value.Value != "own" {
				t.Fatalf("x = %+v, want own value", p.Value)
			}
		}
	}
	if seen != 1 {
		t.Fatalf("x reported %d times", seen)
	}
}

func TestPropertiesNeverInvokesGetters(t *testing.T) {
	s, vm := newTestSerializer(t)
	v := eval(t, vm, `({
		get boom() { globalThis.invoked = true; throw new Error("boom") },
		plain: 5,
	})`)
	ro := s.Serialize(v, "", false)

	props, _, err := s.Properties(ro.ObjectID, true, false)
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}
	var boom *PropertyDescriptor
	for i := range props {
		if props[i].Name == "boom" {
			boom = &props[i]
		}
	}
	if boom == nil {
		t.Fatalf("accessor property missing")
	}
	if boom.Value != nil {
		t.Fatalf("accessor has computed value: %+v", boom.Value)
	}
	if boom.Get == nil || boom.Get.Type != TypeFunction {
		t.Fatalf("getter = %+v", boom.Get)
	}
	if invoked := eval(t, vm, "globalThis.invoked === true"); invoked.ToBoolean() {
		t.Fatalf("getter was invoked during enumeration")
	}
}

func TestPropertiesInternalExtras(t *testing.T) {
	s, vm := newTestSerializer(t)

	ro := s.Serialize(eval(t, vm, `new Map([["a", 1]])`), "", false)
	_, internals, err := s.Properties(ro.ObjectID, true, false)
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}
	if !hasInternal(internals, "[[Entries]]") {
		t.Fatalf("map internals = %+v", internals)
	}

	ro = s.Serialize(eval(t, vm, "new Uint8Array(16)"), "", false)
	_, internals, _ = s.Properties(ro.ObjectID, true, false)
	if !hasInternal(internals, "[[TypedArrayLength]]") {
		t.Fatalf("typed array internals = %+v", internals)
	}

	ro = s.Serialize(eval(t, vm, "new ArrayBuffer(16)"), "", false)
	_, internals, _ = s.Properties(ro.ObjectID, true, false)
	if !hasInternal(internals, "[[ByteLength]]") {
		t.Fatalf("array buffer internals = %+v", internals)
	}
}

func TestPropertiesUnknownID(t *testing.T) {
	s, _ := newTestSerializer(t)
	_, _, err := s.Properties("object:999", true, false)
	var unknown *UnknownObjectError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want UnknownObjectError", err)
	}
}

func TestPropertiesHostileProxyDegrades(t *testing.T) {
	s, vm := newTestSerializer(t)
	v := eval(t, vm, `new Proxy({}, { ownKeys() { throw new Error("no keys") } })`)
	ro := s.Serialize(v, "", false)

	props, internals, err := s.Properties(ro.ObjectID, true, false)
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}
	if len(props) != 0 {
		t.Fatalf("props = %+v, want empty", props)
	}
	if !hasInternal(internals, "[[Prototype]]") {
		t.Fatalf("prototype internal missing on degraded result")
	}
}

func hasInternal(internals []InternalPropertyDescriptor, name string) bool {
	for _, ip := range internals {
		if ip.Name == name {
			return true
		}
	}
	return false
}
