package inspector

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/couikit/devtools/cssom"
	"github.com/couikit/devtools/dom"
	"github.com/couikit/devtools/page"
	"github.com/couikit/devtools/protocol"
)

// sheetDiscoveryDelay defers parsing of document stylesheets off the
// enable command, matching the background fetch-and-parse step.
const sheetDiscoveryDelay = 10 * time.Millisecond

// styleWire is the protocol CSSStyle shape.
type styleWire struct {
	StyleSheetID  string              `json:"styleSheetId"`
	CSSProperties []cssom.Declaration `json:"cssProperties"`
	CSSText       string              `json:"cssText"`
	Range         *cssom.SourceRange  `json:"range,omitempty"`
}

type selectorWire struct {
	Text  string             `json:"text"`
	Range *cssom.SourceRange `json:"range,omitempty"`
}

type selectorListWire struct {
	Selectors []selectorWire `json:"selectors"`
	Text      string         `json:"text"`
}

type mediaWire struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

type ruleWire struct {
	StyleSheetID string           `json:"styleSheetId"`
	SelectorList selectorListWire `json:"selectorList"`
	Origin       string           `json:"origin"`
	Style        styleWire        `json:"style"`
	Media        []mediaWire      `json:"media,omitempty"`
}

type ruleMatchWire struct {
	Rule              ruleWire `json:"rule"`
	MatchingSelectors []int    `json:"matchingSelectors"`
}

type cssDomain struct {
	s *Session
	// sheetNodes maps registered sheet ids back to their <style>
	// elements so text edits can be written through to the document.
	sheetNodes map[string]*html.Node
}

func newCSSDomain(s *Session) *cssDomain {
	return &cssDomain{
		s:          s,
		sheetNodes: make(map[string]*html.Node),
	}
}

func (c *cssDomain) handlers() map[string]Handler {
	return map[string]Handler{
		"enable":                  c.enable,
		"disable":                 c.disable,
		"getComputedStyleForNode": c.getComputedStyleForNode,
		"getInlineStylesForNode":  c.getInlineStylesForNode,
		"getMatchedStylesForNode": c.getMatchedStylesForNode,
		"getStyleSheetText":       c.getStyleSheetText,
		"setStyleTexts":           c.setStyleTexts,
	}
}

func (c *cssDomain) decodeParams(params []byte, dst any) {
	if len(params) == 0 {
		return
	}
	if err := json.Unmarshal(params, dst); err != nil {
		c.s.logger.Debug("bad params", "error", err)
	}
}

// enable schedules stylesheet discovery as a deferred background step;
// each sheet announces itself with a styleSheetAdded event once parsed.
func (c *cssDomain) enable(params []byte) any {
	c.s.after(sheetDiscoveryDelay, c.discoverSheets)
	return nil
}

func (c *cssDomain) disable(params []byte) any { return nil }

func (c *cssDomain) discoverSheets() {
	for _, styleEl := range styleElements(c.s.page.Document()) {
		text := page.TextContent(styleEl)
		sheet := c.s.sheets.Register(text, cssom.OriginRegular, c.s.page.URL(),
			cssom.Matches, cssom.WithEngineLogger(c.s.logger))
		if _, known := c.sheetNodes[sheet.ID]; known {
			continue
		}
		c.sheetNodes[sheet.ID] = styleEl
		c.s.emitEvent("CSS.styleSheetAdded", map[string]any{
			"header": map[string]any{
				"styleSheetId": sheet.ID,
				"sourceURL":    sheet.SourceURL,
				"origin":       sheet.Engine.Origin(),
				"isInline":     true,
				"startLine":    0,
				"startColumn":  0,
				"length":       len(text),
			},
		})
	}
}

func styleElements(root *html.Node) []*html.Node {
	var out []*html.Node
	stack := []*html.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Type == html.ElementNode && n.Data == "style" && !dom.IsFiltered(n) {
			out = append(out, n)
		}
		for ch := n.LastChild; ch != nil; ch = ch.PrevSibling {
			stack = append(stack, ch)
		}
	}
	return out
}

func (c *cssDomain) node(id int64) (*html.Node, any) {
	n, err := c.s.reg.NodeFor(id)
	if err != nil {
		return nil, &protocol.ErrorResult{Error: err.Error()}
	}
	return n, nil
}

func (c *cssDomain) getStyleSheetText(params []byte) any {
	var p struct {
		StyleSheetID string `json:"styleSheetId"`
	}
	c.decodeParams(params, &p)

	if nodeID, ok := cssom.ParseInlineID(p.StyleSheetID); ok {
		n, miss := c.node(nodeID)
		if miss != nil {
			return miss
		}
		text, _ := page.Attribute(n, "style")
		return map[string]any{"text": text}
	}
	sheet, err := c.s.sheets.Get(p.StyleSheetID)
	if err != nil {
		return &protocol.ErrorResult{Error: err.Error()}
	}
	return map[string]any{"text": sheet.Engine.Text()}
}

func (c *cssDomain) setStyleTexts(params []byte) any {
	var p struct {
		Edits []struct {
			StyleSheetID string             `json:"styleSheetId"`
			Text         string             `json:"text"`
			Range        *cssom.SourceRange `json:"range"`
		} `json:"edits"`
	}
	c.decodeParams(params, &p)

	styles := make([]styleWire, 0, len(p.Edits))
	for _, edit := range p.Edits {
		if nodeID, ok := cssom.ParseInlineID(edit.StyleSheetID); ok {
			style, miss := c.editInlineStyle(nodeID, edit.Text, edit.Range)
			if miss != nil {
				return miss
			}
			styles = append(styles, style)
			continue
		}
		style, miss := c.editSheet(edit.StyleSheetID, edit.Text, edit.Range)
		if miss != nil {
			return miss
		}
		styles = append(styles, style)
	}
	return map[string]any{"styles": styles}
}

func (c *cssDomain) editInlineStyle(nodeID int64, text string, rng *cssom.SourceRange) (styleWire, any) {
	n, miss := c.node(nodeID)
	if miss != nil {
		return styleWire{}, miss
	}
	current, _ := page.Attribute(n, "style")
	updated, err := cssom.SpliceText(current, text, rng)
	if err != nil {
		return styleWire{}, &protocol.ErrorResult{Error: err.Error()}
	}
	c.s.page.SetAttribute(n, "style", updated)
	return styleWire{
		StyleSheetID:  cssom.InlineID(nodeID),
		CSSProperties: cssom.ParseDeclarationBlock(updated),
		CSSText:       updated,
	}, nil
}

func (c *cssDomain) editSheet(id, text string, rng *cssom.SourceRange) (styleWire, any) {
	sheet, err := c.s.sheets.Get(id)
	if err != nil {
		return styleWire{}, &protocol.ErrorResult{Error: err.Error()}
	}
	decls, err := sheet.Engine.UpdateText(text, rng)
	if err != nil {
		return styleWire{}, &protocol.ErrorResult{Error: err.Error()}
	}
	// Write the new sheet text through to the backing <style> element so
	// the document and the engine never diverge.
	if styleEl, ok := c.sheetNodes[id]; ok {
		if styleEl.FirstChild != nil && styleEl.FirstChild.Type == html.TextNode {
			c.s.page.SetNodeValue(styleEl.FirstChild, sheet.Engine.Text())
		}
	}
	return styleWire{
		StyleSheetID:  id,
		CSSProperties: decls,
		CSSText:       sheet.Engine.Text(),
	}, nil
}

func (c *cssDomain) inlineStyle(n *html.Node, nodeID int64) styleWire {
	text, _ := page.Attribute(n, "style")
	return styleWire{
		StyleSheetID:  cssom.InlineID(nodeID),
		CSSProperties: cssom.ParseDeclarationBlock(text),
		CSSText:       text,
	}
}

func (c *cssDomain) getInlineStylesForNode(params []byte) any {
	var p struct {
		NodeID int64 `json:"nodeId"`
	}
	c.decodeParams(params, &p)
	n, miss := c.node(p.NodeID)
	if miss != nil {
		return miss
	}
	return map[string]any{"inlineStyle": c.inlineStyle(n, p.NodeID)}
}

func (c *cssDomain) getMatchedStylesForNode(params []byte) any {
	var p struct {
		NodeID int64 `json:"nodeId"`
	}
	c.decodeParams(params, &p)
	n, miss := c.node(p.NodeID)
	if miss != nil {
		return miss
	}
	return map[string]any{
		"inlineStyle":     c.inlineStyle(n, p.NodeID),
		"matchedCSSRules": c.matchedRules(n),
	}
}

func (c *cssDomain) matchedRules(n *html.Node) []ruleMatchWire {
	matches := []ruleMatchWire{}
	for _, sheet := range c.s.sheets.All() {
		for _, m := range sheet.Engine.MatchingRulesFor(n) {
			selectors := make([]selectorWire, len(m.Rule.SelectorTexts))
			for i, text := range m.Rule.SelectorTexts {
				selectors[i] = selectorWire{Text: text, Range: m.Rule.SelectorRanges[i]}
			}
			var media []mediaWire
			for _, mt := range m.Rule.MediaTexts {
				media = append(media, mediaWire{Text: mt, Source: "mediaRule"})
			}
			matches = append(matches, ruleMatchWire{
				Rule: ruleWire{
					StyleSheetID: sheet.ID,
					SelectorList: selectorListWire{
						Selectors: selectors,
						Text:      joinSelectors(m.Rule.SelectorTexts),
					},
					Origin: sheet.Engine.Origin(),
					Style: styleWire{
						StyleSheetID:  sheet.ID,
						CSSProperties: m.Rule.Declarations,
						Range:         m.Rule.BodyRange,
					},
					Media: media,
				},
				MatchingSelectors: m.MatchingSelectorIndices,
			})
		}
	}
	return matches
}

// getComputedStyleForNode produces a flat last-wins merge of the matched
// sheet rules followed by the inline style. There is no specificity
// computation; an !important value is only displaced by a later
// !important one.
func (c *cssDomain) getComputedStyleForNode(params []byte) any {
	var p struct {
		NodeID int64 `json:"nodeId"`
	}
	c.decodeParams(params, &p)
	n, miss := c.node(p.NodeID)
	if miss != nil {
		return miss
	}

	type slot struct {
		value     string
		important bool
	}
	merged := make(map[string]slot)
	apply := func(decls []cssom.Declaration) {
		for _, d := range decls {
			if d.Disabled {
				continue
			}
			if prev, ok := merged[d.Name]; ok && prev.important && !d.Important {
				continue
			}
			merged[d.Name] = slot{value: d.Value, important: d.Important}
		}
	}
	for _, m := range c.matchedRules(n) {
		apply(m.Rule.Style.CSSProperties)
	}
	if text, ok := page.Attribute(n, "style"); ok {
		apply(cssom.ParseDeclarationBlock(text))
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)
	computed := make([]map[string]string, 0, len(names))
	for _, name := range names {
		computed = append(computed, map[string]string{
			"name":  name,
			"value": merged[name].value,
		})
	}
	return map[string]any{"computedStyle": computed}
}

func joinSelectors(texts []string) string {
	return strings.Join(texts, ", ")
}
