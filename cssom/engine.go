package cssom

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/gorilla/css/scanner"
	"golang.org/x/net/html"
)

// SourceRange locates a span of sheet text, zero-based, end-exclusive.
type SourceRange struct {
	StartLine   int `json:"startLine"`
	StartColumn int `json:"startColumn"`
	EndLine     int `json:"endLine"`
	EndColumn   int `json:"endColumn"`
}

// Declaration is one property record. Comment-wrapped declarations are
// retained in authored order with Disabled set, so round-tripping the text
// preserves them.
type Declaration struct {
	Name      string       `json:"name"`
	Value     string       `json:"value"`
	Important bool         `json:"important,omitempty"`
	Disabled  bool         `json:"disabled,omitempty"`
	Text      string       `json:"text,omitempty"`
	Range     *SourceRange `json:"range,omitempty"`
}

// Rule is one style rule with its selector list and declaration block.
type Rule struct {
	SelectorTexts  []string
	SelectorRanges []*SourceRange
	Declarations   []Declaration
	RuleRange      *SourceRange // whole rule: first selector to closing brace
	BodyRange      *SourceRange // inside the braces
	MediaTexts     []string     // enclosing @media preludes, outer to inner
}

// RuleMatch pairs a rule with the indices of its selectors that matched.
type RuleMatch struct {
	Rule                    *Rule
	MatchingSelectorIndices []int
}

// Engine holds one parsed stylesheet and regenerates its state on edit.
// Parse problems are logged and never fatal: whatever parsed successfully
// is retained.
type Engine struct {
	text    string
	origin  string
	matcher MatchFunc
	rules   []*Rule
	lines   []int // byte offset of each line start
	logger  *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets a custom logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine parses text into rule records. The matcher predicate is
// pluggable so the engine works against any element-matching primitive.
func NewEngine(text, origin string, matcher MatchFunc, opts ...EngineOption) *Engine {
	e := &Engine{
		origin:  origin,
		matcher: matcher,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.matcher == nil {
		e.matcher = Matches
	}
	e.reparse(text)
	return e
}

// Text returns the full sheet text.
func (e *Engine) Text() string { return e.text }

// Origin returns the origin tag supplied at construction.
func (e *Engine) Origin() string { return e.origin }

// Rules returns the parsed rule records in authored order.
func (e *Engine) Rules() []*Rule { return e.rules }

// MatchingRulesFor tests every selector of every rule against el. A rule is
// included iff at least one of its selectors matches; the match records
// which selector indices did.
func (e *Engine) MatchingRulesFor(el *html.Node) []RuleMatch {
	var out []RuleMatch
	for _, r := range e.rules {
		var indices []int
		for i, sel := range r.SelectorTexts {
			if e.matcher(el, sel) {
				indices = append(indices, i)
			}
		}
		if len(indices) > 0 {
			out = append(out, RuleMatch{Rule: r, MatchingSelectorIndices: indices})
		}
	}
	return out
}

// UpdateText replaces the sheet text. With a range, newText is spliced into
// the existing text; with nil, it replaces the whole sheet. The engine is
// fully re-parsed from the resulting text (no incremental patching), and
// the edited block is additionally parsed in isolation to report the
// updated declaration list back to the caller.
func (e *Engine) UpdateText(newText string, rng *SourceRange) ([]Declaration, error) {
	full := newText
	base := 0
	if rng != nil {
		start, err := e.offsetOf(rng.StartLine, rng.StartColumn)
		if err != nil {
			return nil, err
		}
		end, err := e.offsetOf(rng.EndLine, rng.EndColumn)
		if err != nil {
			return nil, err
		}
		if end < start {
			return nil, fmt.Errorf("cssom: inverted range")
		}
		full = e.text[:start] + newText + e.text[end:]
		base = start
	}

	e.reparse(full)

	if rng != nil {
		// Report the new block's declarations with ranges positioned in
		// the updated sheet.
		return parseDeclarationText(newText, base, e.lines), nil
	}
	var all []Declaration
	for _, r := range e.rules {
		all = append(all, r.Declarations...)
	}
	return all, nil
}

// SpliceText replaces the rng span of text with insert. A nil range
// replaces the whole text.
func SpliceText(text, insert string, rng *SourceRange) (string, error) {
	if rng == nil {
		return insert, nil
	}
	lines := buildLineIndex(text)
	start, err := offsetIn(lines, len(text), rng.StartLine, rng.StartColumn)
	if err != nil {
		return "", err
	}
	end, err := offsetIn(lines, len(text), rng.EndLine, rng.EndColumn)
	if err != nil {
		return "", err
	}
	if end < start {
		return "", fmt.Errorf("cssom: inverted range")
	}
	return text[:start] + insert + text[end:], nil
}

// ParseDeclarationBlock parses a bare declaration block (e.g. an inline
// style attribute) into declaration records with ranges relative to the
// block text itself.
func ParseDeclarationBlock(text string) []Declaration {
	return parseDeclarationText(text, 0, buildLineIndex(text))
}

// DeclarationsText reconstructs a declaration block from records, writing
// disabled declarations back as comments.
func DeclarationsText(decls []Declaration) string {
	var sb strings.Builder
	for i, d := range decls {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if d.Disabled {
			sb.WriteString("/* ")
			sb.WriteString(d.Name)
			sb.WriteString(": ")
			sb.WriteString(d.Value)
			if d.Important {
				sb.WriteString(" !important")
			}
			sb.WriteString("; */")
			continue
		}
		sb.WriteString(d.Name)
		sb.WriteString(": ")
		sb.WriteString(d.Value)
		if d.Important {
			sb.WriteString(" !important")
		}
		sb.WriteByte(';')
	}
	return sb.String()
}

// --- Parsing ---------------------------------------------------------------

type token struct {
	typ    int
	value  string
	offset int
}

func (e *Engine) reparse(text string) {
	e.text = text
	e.lines = buildLineIndex(text)
	e.rules = nil

	toks := tokenize(text)
	e.parseRules(toks, 0, len(toks), nil)
}

func tokenize(text string) []token {
	s := scanner.New(text)
	var toks []token
	offset := 0
	for {
		t := s.Next()
		if t.Type == scanner.TokenEOF {
			break
		}
		if t.Type == scanner.TokenError {
			// The scanner cannot make progress; keep whatever we have.
			break
		}
		toks = append(toks, token{typ: int(t.Type), value: t.Value, offset: offset})
		offset += len(t.Value)
	}
	return toks
}

// parseRules walks toks[i:end) collecting style rules. mediaStack carries
// the enclosing @media preludes outer to inner; non-media at-rules recurse
// without pushing a frame.
func (e *Engine) parseRules(toks []token, i, end int, mediaStack []string) {
	for i < end {
		t := toks[i]
		switch {
		case t.typ == int(scanner.TokenS) || t.typ == int(scanner.TokenComment) ||
			t.typ == int(scanner.TokenCDO) || t.typ == int(scanner.TokenCDC):
			i++

		case t.typ == int(scanner.TokenAtKeyword):
			i = e.parseAtRule(toks, i, end, mediaStack)

		default:
			i = e.parseStyleRule(toks, i, end, mediaStack)
		}
	}
}

func (e *Engine) parseAtRule(toks []token, i, end int, mediaStack []string) int {
	kw := strings.ToLower(toks[i].value)
	preludeStart := i + 1
	j := preludeStart
	for j < end && !isChar(toks[j], '{') && !isChar(toks[j], ';') {
		j++
	}
	if j >= end {
		e.logger.Warn("css parse: unterminated at-rule", "keyword", kw)
		return end
	}
	if isChar(toks[j], ';') {
		return j + 1
	}

	open := j
	close := matchBrace(toks, open, end)
	if close < 0 {
		e.logger.Warn("css parse: unbalanced braces in at-rule", "keyword", kw)
		return end
	}

	if kw == "@media" {
		prelude := strings.TrimSpace(e.sliceTokens(toks, preludeStart, open))
		e.parseRules(toks, open+1, close, append(mediaStack, prelude))
	} else {
		e.parseRules(toks, open+1, close, mediaStack)
	}
	return close + 1
}

func (e *Engine) parseStyleRule(toks []token, i, end int, mediaStack []string) int {
	start := i
	j := i
	for j < end && !isChar(toks[j], '{') {
		if isChar(toks[j], ';') {
			// Stray statement; skip it.
			return j + 1
		}
		j++
	}
	if j >= end {
		e.logger.Warn("css parse: selector without block", "near", e.sliceTokens(toks, start, min(start+4, end)))
		return end
	}
	open := j
	close := matchBrace(toks, open, end)
	if close < 0 {
		e.logger.Warn("css parse: unbalanced braces in rule")
		return end
	}

	rule := &Rule{}
	if len(mediaStack) > 0 {
		rule.MediaTexts = append(rule.MediaTexts, mediaStack...)
	}

	selStart := toks[start].offset
	selEnd := toks[open].offset
	e.splitSelectors(rule, selStart, selEnd)

	bodyStart := toks[open].offset + 1
	bodyEnd := toks[close].offset
	rule.Declarations = parseDeclarationText(e.text[bodyStart:bodyEnd], bodyStart, e.lines)
	rule.BodyRange = e.rangeOf(bodyStart, bodyEnd)
	rule.RuleRange = e.rangeOf(selStart, bodyEnd+1)

	e.rules = append(e.rules, rule)
	return close + 1
}

// splitSelectors splits the raw selector-list span on top-level commas,
// recording each selector's trimmed text and source range.
func (e *Engine) splitSelectors(rule *Rule, start, end int) {
	raw := e.text[start:end]
	segStart := 0
	depth := 0
	flush := func(segEnd int) {
		seg := raw[segStart:segEnd]
		trimmedLeft := len(seg) - len(strings.TrimLeft(seg, " \t\r\n"))
		trimmed := strings.TrimSpace(seg)
		if trimmed == "" {
			return
		}
		from := start + segStart + trimmedLeft
		rule.SelectorTexts = append(rule.SelectorTexts, trimmed)
		rule.SelectorRanges = append(rule.SelectorRanges, e.rangeOf(from, from+len(trimmed)))
	}
	for k := 0; k < len(raw); k++ {
		switch raw[k] {
		case '[', '(':
			depth++
		case ']', ')':
			depth--
		case ',':
			if depth == 0 {
				flush(k)
				segStart = k + 1
			}
		}
	}
	flush(len(raw))
}

func (e *Engine) sliceTokens(toks []token, from, to int) string {
	if from >= to {
		return ""
	}
	start := toks[from].offset
	end := toks[to-1].offset + len(toks[to-1].value)
	return e.text[start:end]
}

func isChar(t token, c byte) bool {
	return t.typ == int(scanner.TokenChar) && len(t.value) == 1 && t.value[0] == c
}

func matchBrace(toks []token, open, end int) int {
	depth := 0
	for k := open; k < end; k++ {
		if isChar(toks[k], '{') {
			depth++
		} else if isChar(toks[k], '}') {
			depth--
			if depth == 0 {
				return k
			}
		}
	}
	return -1
}

// parseDeclarationText splits a declaration block on statement-terminating
// semicolons, treating comment runs as atomic tokens. A comment whose body
// parses as a declaration becomes a Disabled record, kept in authored
// order. base is the block's byte offset within the full sheet whose line
// index is given.
func parseDeclarationText(block string, base int, lines []int) []Declaration {
	var decls []Declaration
	i := 0
	for i < len(block) {
		// Skip leading whitespace.
		for i < len(block) && isSpace(block[i]) {
			i++
		}
		if i >= len(block) {
			break
		}

		if strings.HasPrefix(block[i:], "/*") {
			close := strings.Index(block[i+2:], "*/")
			if close < 0 {
				break
			}
			commentEnd := i + 2 + close + 2
			inner := block[i+2 : commentEnd-2]
			if d, ok := parseOneDeclaration(strings.TrimSuffix(strings.TrimSpace(inner), ";")); ok {
				d.Disabled = true
				d.Text = block[i:commentEnd]
				d.Range = rangeFromOffsets(lines, base+i, base+commentEnd)
				decls = append(decls, d)
			}
			i = commentEnd
			continue
		}

		// Collect until a semicolon outside comments and strings.
		declStart := i
		for i < len(block) {
			switch {
			case strings.HasPrefix(block[i:], "/*"):
				close := strings.Index(block[i+2:], "*/")
				if close < 0 {
					i = len(block)
				} else {
					i += 2 + close + 2
				}
			case block[i] == '"' || block[i] == '\'':
				i = skipString(block, i)
			case block[i] == ';':
				i++
				goto statementDone
			default:
				i++
			}
		}
	statementDone:
		stmt := block[declStart:i]
		if d, ok := parseOneDeclaration(strings.TrimSuffix(strings.TrimSpace(stmt), ";")); ok {
			d.Text = strings.TrimSpace(stmt)
			from := declStart
			for from < len(block) && isSpace(block[from]) {
				from++
			}
			d.Range = rangeFromOffsets(lines, base+from, base+declStart+len(strings.TrimRight(stmt, " \t\r\n")))
			decls = append(decls, d)
		}
	}
	return decls
}

// parseOneDeclaration extracts name, value and the !important flag
// (case-insensitively) from "name: value [!important]".
func parseOneDeclaration(s string) (Declaration, bool) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 {
		return Declaration{}, false
	}
	name := strings.TrimSpace(s[:colon])
	value := strings.TrimSpace(s[colon+1:])
	if name == "" || strings.ContainsAny(name, "{}") {
		return Declaration{}, false
	}
	d := Declaration{Name: name}
	lower := strings.ToLower(value)
	if idx := strings.LastIndex(lower, "!important"); idx >= 0 && strings.TrimSpace(lower[idx+len("!important"):]) == "" {
		d.Important = true
		value = strings.TrimSpace(value[:idx])
		value = strings.TrimSuffix(strings.TrimSpace(value), "!")
		value = strings.TrimSpace(value)
	}
	d.Value = value
	return d, true
}

func skipString(s string, i int) int {
	quote := s[i]
	i++
	for i < len(s) {
		if s[i] == '\\' {
			i += 2
			continue
		}
		if s[i] == quote {
			return i + 1
		}
		i++
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

// --- Line/column bookkeeping ------------------------------------------------

func buildLineIndex(text string) []int {
	lines := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, i+1)
		}
	}
	return lines
}

func rangeFromOffsets(lines []int, start, end int) *SourceRange {
	sl, sc := lineColOf(lines, start)
	el, ec := lineColOf(lines, end)
	return &SourceRange{StartLine: sl, StartColumn: sc, EndLine: el, EndColumn: ec}
}

func lineColOf(lines []int, offset int) (line, col int) {
	idx := sort.Search(len(lines), func(i int) bool { return lines[i] > offset }) - 1
	if idx < 0 {
		idx = 0
	}
	return idx, offset - lines[idx]
}

func (e *Engine) rangeOf(start, end int) *SourceRange {
	return rangeFromOffsets(e.lines, start, end)
}

func (e *Engine) offsetOf(line, col int) (int, error) {
	return offsetIn(e.lines, len(e.text), line, col)
}

func offsetIn(lines []int, textLen, line, col int) (int, error) {
	if line < 0 || line >= len(lines) {
		return 0, fmt.Errorf("cssom: line %d out of range", line)
	}
	off := lines[line] + col
	if off > textLen {
		return 0, fmt.Errorf("cssom: column %d out of range on line %d", col, line)
	}
	return off, nil
}
