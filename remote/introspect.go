// Package remote converts live script values into wire-safe remote object
// records with stable reference ids, bounded previews and non-invoking
// property enumeration.
package remote

import (
	"fmt"

	"github.com/dop251/goja"
)

// natives holds built-in reflection functions captured from the runtime at
// construction time. Enumeration and probing go through these captures so
// that script code reassigning Reflect.ownKeys or Object.prototype members
// cannot intercept or observe inspection.
type natives struct {
	ownKeys          goja.Callable
	getOwnDescriptor goja.Callable
	getPrototypeOf   goja.Callable
	classTag         goja.Callable
	isError          goja.Callable
	isFrozenOrSealed goja.Callable
	proxyProbe       goja.Callable
	collectionSize   goja.Callable
	mapEntries       goja.Callable
	setValues        goja.Callable
	byteLength       goja.Callable
	typedArrayLength goja.Callable
	arrayLength      goja.Callable
	errorName        goja.Callable
	errorMessage     goja.Callable
	functionSource   goja.Callable
	valueString      goja.Callable
}

const captureScript = `(function() {
	"use strict";
	var toStr = Object.prototype.toString;
	var getDesc = Object.getOwnPropertyDescriptor;
	var arrayFrom = Array.from;
	var funcToStr = Function.prototype.toString;
	var mapSizeGet = getDesc(Map.prototype, "size").get;
	var setSizeGet = getDesc(Set.prototype, "size").get;
	var bufLenGet = getDesc(ArrayBuffer.prototype, "byteLength").get;
	var taProto = Object.getPrototypeOf(Int8Array.prototype);
	var taLenGet = getDesc(taProto, "length").get;
	var mapEntries = Map.prototype.entries;
	var setValues = Set.prototype.values;
	var probeKey = "__devtools_probe__";
	return {
		ownKeys: Reflect.ownKeys,
		getOwnDescriptor: getDesc,
		getPrototypeOf: Object.getPrototypeOf,
		classTag: function(v) { return toStr.call(v); },
		isError: function(v) { return v instanceof Error; },
		isFrozenOrSealed: function(v) {
			return Object.isFrozen(v) || Object.isSealed(v);
		},
		proxyProbe: function(v) {
			Object.defineProperty(v, probeKey, { value: 1, configurable: true });
			delete v[probeKey];
		},
		collectionSize: function(v, kind) {
			return kind === "map" ? mapSizeGet.call(v) : setSizeGet.call(v);
		},
		mapEntries: function(v) { return arrayFrom(mapEntries.call(v)); },
		setValues: function(v) { return arrayFrom(setValues.call(v)); },
		byteLength: function(v) { return bufLenGet.call(v); },
		typedArrayLength: function(v) { return taLenGet.call(v); },
		arrayLength: function(v) {
			var n = v.length;
			return typeof n === "number" ? n : 0;
		},
		errorName: function(v) {
			var n = v.name;
			return n === undefined ? undefined : String(n);
		},
		errorMessage: function(v) {
			var m = v.message;
			return m === undefined ? undefined : String(m);
		},
		functionSource: function(v) { return funcToStr.call(v); },
		valueString: function(v) { return String(v); }
	};
})()`

func captureNatives(vm *goja.Runtime) (*natives, error) {
	v, err := vm.RunString(captureScript)
	if err != nil {
		return nil, fmt.Errorf("remote: capture natives: %w", err)
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("remote: capture natives: not an object")
	}
	n := &natives{}
	for name, dst := range map[string]*goja.Callable{
		"ownKeys":          &n.ownKeys,
		"getOwnDescriptor": &n.getOwnDescriptor,
		"getPrototypeOf":   &n.getPrototypeOf,
		"classTag":         &n.classTag,
		"isError":          &n.isError,
		"isFrozenOrSealed": &n.isFrozenOrSealed,
		"proxyProbe":       &n.proxyProbe,
		"collectionSize":   &n.collectionSize,
		"mapEntries":       &n.mapEntries,
		"setValues":        &n.setValues,
		"byteLength":       &n.byteLength,
		"typedArrayLength": &n.typedArrayLength,
		"arrayLength":      &n.arrayLength,
		"errorName":        &n.errorName,
		"errorMessage":     &n.errorMessage,
		"functionSource":   &n.functionSource,
		"valueString":      &n.valueString,
	} {
		fn, ok := goja.AssertFunction(obj.Get(name))
		if !ok {
			return nil, fmt.Errorf("remote: capture natives: %s is not a function", name)
		}
		*dst = fn
	}
	return n, nil
}

// call invokes a captured native, converting both JS throws and Go panics
// from hostile trap code into plain errors.
func call(fn goja.Callable, args ...goja.Value) (result goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remote: reflection panic: %v", r)
		}
	}()
	return fn(goja.Undefined(), args...)
}
