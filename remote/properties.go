package remote

import (
	"strconv"

	"github.com/dop251/goja"
)

// Properties enumerates the properties behind an object id without ever
// invoking getters: accessor properties carry their getter/setter functions
// as nested remote objects instead of a computed value. With ownOnly false
// the full prototype chain is walked, first occurrence of a key winning.
// Reflection faults on individual keys degrade to skipping the key.
func (s *Serializer) Properties(id string, ownOnly, wantPreview bool) ([]PropertyDescriptor, []InternalPropertyDescriptor, error) {
	obj, err := s.objects.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	group := s.objects.groupOf(id)

	props := []PropertyDescriptor{}
	seen := make(map[string]bool)
	own := true
	for cur := obj; cur != nil; {
		s.collectOwn(&props, seen, cur, group, own, wantPreview)
		if ownOnly {
			break
		}
		protoV, err := call(s.nat.getPrototypeOf, cur)
		if err != nil || protoV == nil || goja.IsNull(protoV) {
			break
		}
		proto, ok := protoV.(*goja.Object)
		if !ok {
			break
		}
		cur = proto
		own = false
	}

	return props, s.internalProperties(obj, group), nil
}

func (s *Serializer) collectOwn(props *[]PropertyDescriptor, seen map[string]bool, cur *goja.Object, group string, own, wantPreview bool) {
	keysV, err := call(s.nat.ownKeys, cur)
	if err != nil {
		s.logger.Debug("property enumeration failed", "error", err)
		return
	}
	keys, ok := keysV.(*goja.Object)
	if !ok {
		return
	}
	n := keys.Get("length").ToInteger()
	for i := int64(0); i < n; i++ {
		keyV := keys.Get(strconv.FormatInt(i, 10))
		if keyV == nil {
			continue
		}
		name := keyV.String()
		if seen[name] {
			continue
		}
		seen[name] = true

		descV, err := call(s.nat.getOwnDescriptor, cur, keyV)
		if err != nil || descV == nil || goja.IsUndefined(descV) {
			continue
		}
		desc, ok := descV.(*goja.Object)
		if !ok {
			continue
		}
		pd := PropertyDescriptor{
			Name:         name,
			IsOwn:        own,
			Configurable: toBool(desc.Get("configurable")),
			Enumerable:   toBool(desc.Get("enumerable")),
		}
		get, set := desc.Get("get"), desc.Get("set")
		if isDefined(get) || isDefined(set) {
			if isDefined(get) {
				pd.Get = s.Serialize(get, group, false)
			}
			if isDefined(set) {
				pd.Set = s.Serialize(set, group, false)
			}
		} else {
			w := toBool(desc.Get("writable"))
			pd.Writable = &w
			pd.Value = s.Serialize(desc.Get("value"), group, wantPreview)
		}
		*props = append(*props, pd)
	}
}

// internalProperties reports [[Prototype]] plus best-effort extras for
// collections and buffers.
func (s *Serializer) internalProperties(obj *goja.Object, group string) []InternalPropertyDescriptor {
	var internals []InternalPropertyDescriptor
	if protoV, err := call(s.nat.getPrototypeOf, obj); err == nil {
		internals = append(internals, InternalPropertyDescriptor{
			Name:  "[[Prototype]]",
			Value: s.Serialize(protoV, group, false),
		})
	}
	cls := s.classify(obj)
	switch cls.subtype {
	case "map":
		if v, err := call(s.nat.mapEntries, obj); err == nil {
			internals = append(internals, InternalPropertyDescriptor{
				Name:  "[[Entries]]",
				Value: s.Serialize(v, group, false),
			})
		}
	case "set":
		if v, err := call(s.nat.setValues, obj); err == nil {
			internals = append(internals, InternalPropertyDescriptor{
				Name:  "[[Entries]]",
				Value: s.Serialize(v, group, false),
			})
		}
	case "typedarray":
		if v, err := call(s.nat.typedArrayLength, obj); err == nil {
			internals = append(internals, InternalPropertyDescriptor{
				Name:  "[[TypedArrayLength]]",
				Value: s.Serialize(v, group, false),
			})
		}
	case "arraybuffer":
		if v, err := call(s.nat.byteLength, obj); err == nil {
			internals = append(internals, InternalPropertyDescriptor{
				Name:  "[[ByteLength]]",
				Value: s.Serialize(v, group, false),
			})
		}
	}
	return internals
}

func toBool(v goja.Value) bool {
	return v != nil && v.ToBoolean()
}
