package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/m4xw311/mcprelay/errors"
	"gopkg.in/yaml.v3"
)

// CallKeyword introduces a tool call in model output:
//
//	call_tool('name')
//	call_tool('name', {"key": "value", "n": 3})
//	call_tool("name", {'key': 'value'})
//	call_tool(name, key='value', n=3)
//
// Argument mappings are YAML flow mappings, so JSON objects and
// single-quoted dict literals are both accepted. Quoted strings honour
// backslash escapes while the closing parenthesis is searched for.
const CallKeyword = "call_tool"

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.:/-]+$`)
var kwargPattern = regexp.MustCompile(`(?s)^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(.*)$`)

type ParsedKind int

const (
	// ParsedCall is a well-formed call to a known tool.
	ParsedCall ParsedKind = iota
	// ParsedMalformed is a call whose syntax or arguments could not be decoded.
	ParsedMalformed
	// ParsedUnknownTool is a well-formed call naming a tool not in the snapshot.
	ParsedUnknownTool
)

func (k ParsedKind) String() string {
	switch k {
	case ParsedCall:
		return "call"
	case ParsedMalformed:
		return "malformed"
	case ParsedUnknownTool:
		return "unknown_tool"
	default:
		return "unknown"
	}
}

// Parsed is one call_tool occurrence. Every occurrence gets a correlation
// ID; only ParsedCall entries are dispatched, the others already carry the
// error their Result reports.
type Parsed struct {
	Kind       ParsedKind
	Invocation Invocation
	Raw        string
	Start, End int // byte offsets into the parsed text
	Err        error
}

// Dispatchable reports whether the occurrence should reach the tool server.
func (p Parsed) Dispatchable() bool { return p.Kind == ParsedCall }

// Result returns the pre-resolved error result of a non-dispatchable occurrence.
func (p Parsed) Result() Result {
	return Failed(p.Invocation, p.Err)
}

// Parser extracts tool calls from model text.
type Parser struct {
	// NewID generates correlation IDs. Defaults to random UUIDs.
	NewID func() string
}

var defaultParser = &Parser{}

// Parse scans text with the default parser.
func Parse(text string, snap *Snapshot) []Parsed {
	return defaultParser.Parse(text, snap)
}

// Parse returns every call_tool occurrence in text, left to right. An empty
// result means the text is a final answer. Malformed occurrences do not stop
// the scan.
func (p *Parser) Parse(text string, snap *Snapshot) []Parsed {
	var out []Parsed
	pos := 0
	for pos < len(text) {
		idx := strings.Index(text[pos:], CallKeyword)
		if idx < 0 {
			break
		}
		start := pos + idx
		after := start + len(CallKeyword)
		if start > 0 && isIdentByte(text[start-1]) {
			pos = after
			continue
		}
		open := skipSpace(text, after)
		if open >= len(text) || text[open] != '(' {
			pos = after
			continue
		}

		end, ok := matchParen(text, open)
		if !ok {
			if end < 0 {
				out = append(out, p.malformed(text[start:], start, len(text), "", "unterminated call_tool(: missing closing parenthesis"))
				break
			}
			out = append(out, p.malformed(text[start:end+1], start, end+1, "", "mismatched %q in call_tool arguments", text[end]))
			pos = end + 1
			continue
		}
		out = append(out, p.parseCall(text[start:end+1], text[open+1:end], start, end+1, snap))
		pos = end + 1
	}
	return out
}

func (p *Parser) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	return uuid.NewString()
}

func (p *Parser) malformed(raw string, start, end int, name, format string, a ...any) Parsed {
	return Parsed{
		Kind:       ParsedMalformed,
		Invocation: Invocation{CorrelationID: p.newID(), ToolName: name, Arguments: map[string]any{}},
		Raw:        raw,
		Start:      start,
		End:        end,
		Err:        errors.Mark(fmt.Errorf(format, a...), errors.ErrParse),
	}
}

func (p *Parser) parseCall(raw, inner string, start, end int, snap *Snapshot) Parsed {
	parts, ok := splitTopLevel(inner)
	if !ok {
		return p.malformed(raw, start, end, "", "unbalanced quotes or brackets in call_tool arguments")
	}
	if n := len(parts); n > 0 && parts[n-1] == "" {
		parts = parts[:n-1]
	}
	if len(parts) == 0 || parts[0] == "" {
		return p.malformed(raw, start, end, "", "call_tool requires a tool name")
	}

	name, err := decodeName(parts[0])
	if err != nil {
		return p.malformed(raw, start, end, "", "%v", err)
	}
	args, err := decodeArgs(parts[1:])
	if err != nil {
		return p.malformed(raw, start, end, name, "invalid arguments for %q: %v", name, err)
	}

	parsed := Parsed{
		Kind:       ParsedCall,
		Invocation: Invocation{CorrelationID: p.newID(), ToolName: name, Arguments: args},
		Raw:        raw,
		Start:      start,
		End:        end,
	}
	if !snap.Has(name) {
		parsed.Kind = ParsedUnknownTool
		parsed.Err = errors.Mark(fmt.Errorf("tool %q is not available; known tools: %s", name, strings.Join(names(snap), ", ")), errors.ErrUnknownTool)
	}
	return parsed
}

// StripCalls removes the given occurrences from text.
func StripCalls(text string, parsed []Parsed) string {
	if len(parsed) == 0 {
		return strings.TrimSpace(text)
	}
	var b strings.Builder
	last := 0
	for _, p := range parsed {
		if p.Start < last || p.End > len(text) {
			continue
		}
		b.WriteString(text[last:p.Start])
		last = p.End
	}
	b.WriteString(text[last:])
	return strings.TrimSpace(b.String())
}

func names(snap *Snapshot) []string {
	var out []string
	for _, d := range snap.Descriptors() {
		out = append(out, d.Name)
	}
	if len(out) == 0 {
		return []string{"(none)"}
	}
	return out
}

func decodeName(s string) (string, error) {
	name := s
	if q := s[0]; q == '\'' || q == '"' {
		if len(s) < 2 || s[len(s)-1] != q {
			return "", fmt.Errorf("malformed tool name %s", s)
		}
		name = strings.TrimSpace(s[1 : len(s)-1])
	}
	if !toolNamePattern.MatchString(name) {
		return "", fmt.Errorf("malformed tool name %s", s)
	}
	return name, nil
}

func decodeArgs(parts []string) (map[string]any, error) {
	args := map[string]any{}
	if len(parts) == 0 {
		return args, nil
	}
	if len(parts) == 1 && strings.HasPrefix(parts[0], "{") {
		v, err := decodeLiteral(parts[0])
		if err != nil {
			return nil, err
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("argument payload must be a mapping")
		}
		return m, nil
	}
	for _, part := range parts {
		m := kwargPattern.FindStringSubmatch(part)
		if m == nil {
			return nil, fmt.Errorf("unexpected positional argument %s", part)
		}
		if _, dup := args[m[1]]; dup {
			return nil, fmt.Errorf("duplicate argument %s", m[1])
		}
		v, err := decodeLiteral(m[2])
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", m[1], err)
		}
		args[m[1]] = v
	}
	return args, nil
}

func decodeLiteral(s string) (any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty value")
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, nil
	}
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(s), &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, fmt.Errorf("empty value")
	}
	root := node.Content[0]
	pythonLiterals(root)
	if err := root.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// pythonLiterals turns plain None scalars into nulls. yaml.v3 only decodes
// a !!null node whose value is a null spelling.
func pythonLiterals(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.Style == 0 && n.Value == "None" {
		n.Tag = "!!null"
		n.Value = "null"
		return
	}
	for _, c := range n.Content {
		pythonLiterals(c)
	}
}

// matchParen returns the index of the ')' closing the '(' at open. When a
// different bracket closes it, that index is returned with ok=false; when
// nothing does, -1.
func matchParen(s string, open int) (int, bool) {
	depth := 0
	for i := open; i < len(s); i++ {
		switch c := s[i]; c {
		case '\'', '"':
			j, ok := skipQuoted(s, i)
			if !ok {
				return -1, false
			}
			i = j
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				return i, c == ')'
			}
		}
	}
	return -1, false
}

// splitTopLevel splits s on commas outside quotes and brackets, trimming
// each part.
func splitTopLevel(s string) ([]string, bool) {
	var parts []string
	depth, last := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'', '"':
			j, ok := skipQuoted(s, i)
			if !ok {
				return nil, false
			}
			i = j
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return nil, false
			}
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[last:i]))
				last = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, false
	}
	if strings.TrimSpace(s) != "" || len(parts) > 0 {
		parts = append(parts, strings.TrimSpace(s[last:]))
	}
	return parts, true
}

// skipQuoted returns the index of the quote closing the one at i.
func skipQuoted(s string, i int) (int, bool) {
	q := s[i]
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case q:
			return j, true
		}
	}
	return 0, false
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
