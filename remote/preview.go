package remote

import (
	"strconv"

	"github.com/dop251/goja"
)

const previewValueClip = 100

func (s *Serializer) preview(obj *goja.Object, group string, cls classification) *ObjectPreview {
	p := &ObjectPreview{
		Type:        cls.typ,
		Subtype:     cls.subtype,
		Description: cls.description,
		Properties:  []PropertyPreview{},
	}
	switch cls.subtype {
	case "map":
		s.previewEntries(p, obj, group, true)
	case "set":
		s.previewEntries(p, obj, group, false)
	default:
		s.previewProperties(p, obj, group, cls.subtype == "array")
	}
	return p
}

func (s *Serializer) previewProperties(p *ObjectPreview, obj *goja.Object, group string, isArray bool) {
	keysV, err := call(s.nat.ownKeys, obj)
	if err != nil {
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
		if _, isSym := keyV.(*goja.Symbol); isSym {
			continue
		}
		name := keyV.String()
		if isArray && name == "length" {
			continue
		}
		if len(p.Properties) >= s.previewLimit {
			p.Overflow = true
			return
		}
		descV, err := call(s.nat.getOwnDescriptor, obj, keyV)
		if err != nil {
			continue
		}
		desc, ok := descV.(*goja.Object)
		if !ok {
			continue
		}
		if isDefined(desc.Get("get")) || isDefined(desc.Get("set")) {
			p.Properties = append(p.Properties, PropertyPreview{Name: name, Type: TypeAccessor})
			continue
		}
		pp := s.summarize(desc.Get("value"), group)
		pp.Name = name
		p.Properties = append(p.Properties, pp)
	}
}

func (s *Serializer) previewEntries(p *ObjectPreview, obj *goja.Object, group string, isMap bool) {
	native := s.nat.setValues
	if isMap {
		native = s.nat.mapEntries
	}
	entriesV, err := call(native, obj)
	if err != nil {
		return
	}
	entries, ok := entriesV.(*goja.Object)
	if !ok {
		return
	}
	n := entries.Get("length").ToInteger()
	for i := int64(0); i < n; i++ {
		if len(p.Entries) >= s.previewLimit {
			p.Overflow = true
			return
		}
		ev := entries.Get(strconv.FormatInt(i, 10))
		if ev == nil {
			continue
		}
		if isMap {
			pair, ok := ev.(*goja.Object)
			if !ok {
				continue
			}
			key := s.summarize(pair.Get("0"), group)
			val := s.summarize(pair.Get("1"), group)
			p.Entries = append(p.Entries, EntryPreview{Key: &key, Value: &val})
		} else {
			val := s.summarize(ev, group)
			p.Entries = append(p.Entries, EntryPreview{Value: &val})
		}
	}
}

// summarize produces a one-line property preview: primitives show their
// value, anything deeper shows a description and its reference id only.
func (s *Serializer) summarize(v goja.Value, group string) PropertyPreview {
	ro := s.serialize(v, group, false, nil)
	return PropertyPreview{
		Type:     ro.Type,
		Subtype:  ro.Subtype,
		Value:    clip(ro.Description, previewValueClip),
		ObjectID: ro.ObjectID,
	}
}

func clip(v string, max int) string {
	if len(v) <= max {
		return v
	}
	return truncate(v, max) + "…"
}

func isDefined(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v)
}
