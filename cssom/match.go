// Package cssom parses stylesheets into rule records with exact source
// ranges, matches selectors against live elements, and regenerates sheet
// text on edit.
package cssom

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/couikit/devtools/page"
)

// MatchFunc re-exports the page-level predicate signature so engines can be
// constructed against any matcher implementation.
type MatchFunc = page.MatchFunc

// Matches reports whether el matches a single (non-list) CSS selector.
// Supported surface:
//   - tag, .class, #id, * and compounds thereof ("div.a.b#x")
//   - [attr] and [attr=val]
//   - descendant (whitespace) and child (>) combinators
//
// Selectors using pseudo-classes or pseudo-elements never match; the
// runtime has no state-pseudo support.
func Matches(el *html.Node, selector string) bool {
	parts, ok := parseSelector(selector)
	if !ok || len(parts) == 0 {
		return false
	}
	return matchParts(el, parts, len(parts)-1)
}

// compoundSelector is one combinator-free step of a complex selector.
type compoundSelector struct {
	tag       string
	id        string
	classes   []string
	attrs     []attrSelector
	universal bool
	// childOf means this step is joined to the previous one with ">".
	childOf bool
}

type attrSelector struct {
	key    string
	val    string
	hasVal bool
}

func matchParts(el *html.Node, parts []compoundSelector, idx int) bool {
	if !matchCompound(el, parts[idx]) {
		return false
	}
	if idx == 0 {
		return true
	}
	child := parts[idx].childOf
	for p := el.Parent; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			break
		}
		if matchParts(p, parts, idx-1) {
			return true
		}
		if child {
			break
		}
	}
	return false
}

func matchCompound(n *html.Node, s compoundSelector) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && !strings.EqualFold(n.Data, s.tag) {
		return false
	}
	if s.id != "" {
		if v, _ := page.Attribute(n, "id"); v != s.id {
			return false
		}
	}
	if len(s.classes) > 0 {
		have, _ := page.Attribute(n, "class")
		fields := strings.Fields(have)
		for _, want := range s.classes {
			found := false
			for _, c := range fields {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	for _, a := range s.attrs {
		v, ok := page.Attribute(n, a.key)
		if !ok {
			return false
		}
		if a.hasVal && v != a.val {
			return false
		}
	}
	return true
}

// parseSelector splits a complex selector into compound steps. Returns
// ok=false for surface we do not support (pseudo-classes/elements).
func parseSelector(sel string) ([]compoundSelector, bool) {
	sel = strings.TrimSpace(sel)
	if sel == "" || strings.ContainsRune(sel, ':') {
		return nil, false
	}

	var parts []compoundSelector
	child := false
	for _, field := range strings.Fields(sel) {
		if field == ">" {
			child = true
			continue
		}
		// Handle glued child combinators like "a>b".
		for i, piece := range strings.Split(field, ">") {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				child = true
				continue
			}
			cs, ok := parseCompound(piece)
			if !ok {
				return nil, false
			}
			cs.childOf = child || i > 0
			parts = append(parts, cs)
			child = false
		}
	}
	return parts, len(parts) > 0
}

func parseCompound(s string) (compoundSelector, bool) {
	var cs compoundSelector

	// Attribute selectors first: they may contain '.' or '#'.
	for {
		open := strings.IndexByte(s, '[')
		if open < 0 {
			break
		}
		close := strings.IndexByte(s[open:], ']')
		if close < 0 {
			return cs, false
		}
		attrPart := s[open+1 : open+close]
		s = s[:open] + s[open+close+1:]
		if eq := strings.IndexByte(attrPart, '='); eq >= 0 {
			cs.attrs = append(cs.attrs, attrSelector{
				key:    strings.TrimSpace(attrPart[:eq]),
				val:    strings.Trim(strings.TrimSpace(attrPart[eq+1:]), `"'`),
				hasVal: true,
			})
		} else {
			cs.attrs = append(cs.attrs, attrSelector{key: strings.TrimSpace(attrPart)})
		}
	}

	// Split the remainder on '#' and '.' boundaries.
	rest := s
	for rest != "" {
		hash := strings.IndexByte(rest[1:], '#')
		dot := strings.IndexByte(rest[1:], '.')
		cut := len(rest)
		if hash >= 0 {
			cut = hash + 1
		}
		if dot >= 0 && dot+1 < cut {
			cut = dot + 1
		}
		head := rest[:cut]
		rest = rest[cut:]

		switch {
		case head == "*":
			cs.universal = true
		case strings.HasPrefix(head, "#"):
			if len(head) == 1 {
				return cs, false
			}
			cs.id = head[1:]
		case strings.HasPrefix(head, "."):
			if len(head) == 1 {
				return cs, false
			}
			cs.classes = append(cs.classes, head[1:])
		default:
			cs.tag = head
		}
	}

	if cs.tag == "" && cs.id == "" && len(cs.classes) == 0 && len(cs.attrs) == 0 && !cs.universal {
		return cs, false
	}
	return cs, true
}
