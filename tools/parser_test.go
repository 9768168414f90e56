package tools

import (
	"fmt"
	"testing"

	"github.com/m4xw311/mcprelay/errors"
	"github.com/m4xw311/mcprelay/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(names ...string) *Snapshot {
	r := NewRegistry(nil, nil)
	var descs []Descriptor
	for _, n := range names {
		descs = append(descs, Descriptor{Name: n, Description: n + " tool"})
	}
	r.Replace(descs)
	return r.Snapshot()
}

func sequentialParser() *Parser {
	n := 0
	return &Parser{NewID: func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}}
}

func TestParseNoCalls(t *testing.T) {
	snap := testSnapshot("weather")
	assert.Empty(t, Parse("Here are my tools: weather.", snap))
	assert.Empty(t, Parse("You can use the call_tool format to ask me things.", snap))
	assert.Empty(t, Parse("my_call_tool('weather')", snap))
}

func TestParseSingleJSONCall(t *testing.T) {
	snap := testSnapshot("weather")
	text := `Let me check. call_tool('weather', {"location":"Paris"})`

	parsed := sequentialParser().Parse(text, snap)
	require.Len(t, parsed, 1)
	p := parsed[0]
	assert.Equal(t, ParsedCall, p.Kind)
	assert.True(t, p.Dispatchable())
	assert.Equal(t, "id-1", p.Invocation.CorrelationID)
	assert.Equal(t, "weather", p.Invocation.ToolName)
	assert.Equal(t, map[string]any{"location": "Paris"}, p.Invocation.Arguments)
	assert.Equal(t, `call_tool('weather', {"location":"Paris"})`, p.Raw)
	assert.Equal(t, text[p.Start:p.End], p.Raw)
}

func TestParseArgumentForms(t *testing.T) {
	snap := testSnapshot("pods_log", "namespaces_list")
	cases := []struct {
		name string
		text string
		tool string
		args map[string]any
	}{
		{"no args", `call_tool('namespaces_list')`, "namespaces_list", map[string]any{}},
		{"empty mapping", `call_tool("namespaces_list", {})`, "namespaces_list", map[string]any{}},
		{"python dict", `call_tool('pods_log', {'namespace': 'default', 'name': 'web-1', 'follow': False, 'container': None})`,
			"pods_log", map[string]any{"namespace": "default", "name": "web-1", "follow": false, "container": nil}},
		{"kwargs", `call_tool(pods_log, namespace='kube-system', name="dns")`, "pods_log",
			map[string]any{"namespace": "kube-system", "name": "dns"}},
		{"none value", `call_tool('pods_log', {'container': None})`, "pods_log", map[string]any{"container": nil}},
		{"kwargs none", `call_tool(pods_log, container=None, follow=True)`, "pods_log",
			map[string]any{"container": nil, "follow": true}},
		{"quoted None stays a string", `call_tool('pods_log', {'container': 'None'})`, "pods_log",
			map[string]any{"container": "None"}},
		{"nested and parens in strings", `call_tool('pods_log', {"name": "a(b)", "opts": {"lines": [1, 2]}})`, "pods_log",
			map[string]any{"name": "a(b)", "opts": map[string]any{"lines": []any{float64(1), float64(2)}}}},
		{"trailing comma", `call_tool('pods_log', {"name": "x"},)`, "pods_log", map[string]any{"name": "x"}},
		{"escaped quote", `call_tool('pods_log', {"name": "say \"hi\")"})`, "pods_log", map[string]any{"name": `say "hi")`}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parsed := Parse(tc.text, snap)
			require.Len(t, parsed, 1)
			require.Equal(t, ParsedCall, parsed[0].Kind, "err: %v", parsed[0].Err)
			assert.Equal(t, tc.tool, parsed[0].Invocation.ToolName)
			assert.Equal(t, tc.args, parsed[0].Invocation.Arguments)
		})
	}
}

func TestParseMultipleCallsInOrder(t *testing.T) {
	snap := testSnapshot("a", "b")
	text := "first call_tool('b', {}) then call_tool('a', {\"x\": 1}) call_tool('b')"

	parsed := sequentialParser().Parse(text, snap)
	require.Len(t, parsed, 3)
	assert.Equal(t, []string{"b", "a", "b"}, []string{
		parsed[0].Invocation.ToolName, parsed[1].Invocation.ToolName, parsed[2].Invocation.ToolName,
	})
	assert.Equal(t, "id-1", parsed[0].Invocation.CorrelationID)
	assert.Equal(t, "id-3", parsed[2].Invocation.CorrelationID)
	assert.Less(t, parsed[0].Start, parsed[1].Start)
}

func TestParseMalformedDoesNotAbort(t *testing.T) {
	snap := testSnapshot("weather")
	text := `call_tool('weather', {"location": @here}) and call_tool('weather', 'Paris') and call_tool('weather', {"location": "Oslo"})`

	parsed := Parse(text, snap)
	require.Len(t, parsed, 3)

	assert.Equal(t, ParsedMalformed, parsed[0].Kind)
	assert.True(t, errors.Is(parsed[0].Err, errors.ErrParse))
	assert.Equal(t, "weather", parsed[0].Invocation.ToolName)

	assert.Equal(t, ParsedMalformed, parsed[1].Kind)
	assert.Contains(t, parsed[1].Err.Error(), "positional")

	assert.Equal(t, ParsedCall, parsed[2].Kind)
	assert.Equal(t, "Oslo", parsed[2].Invocation.Arguments["location"])
}

func TestParseMalformedShapes(t *testing.T) {
	snap := testSnapshot("weather")
	cases := map[string]string{
		"unterminated":    `call_tool('weather', {"location": "Paris"}`,
		"missing name":    `call_tool()`,
		"bad name":        `call_tool('we ather')`,
		"non mapping":     `call_tool('weather', {"a": 1}, {"b": 2})`,
		"list payload":    `call_tool('weather', ["Paris"])`,
		"mismatched":      `call_tool('weather', {"a": 1]) call_tool('weather')`,
		"unclosed string": `call_tool('weather, {})`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			parsed := Parse(text, snap)
			require.NotEmpty(t, parsed)
			assert.Equal(t, ParsedMalformed, parsed[0].Kind)
			assert.NotEmpty(t, parsed[0].Invocation.CorrelationID)
			res := parsed[0].Result()
			assert.Equal(t, session.StatusError, res.Status)
			assert.Equal(t, "parse_error", errors.KindOf(res.Err))
		})
	}

	parsed := Parse(cases["mismatched"], snap)
	require.Len(t, parsed, 2)
	assert.Equal(t, ParsedCall, parsed[1].Kind)
}

func TestParseUnknownTool(t *testing.T) {
	snap := testSnapshot("weather")
	parsed := Parse(`call_tool('launch_missiles', {"target": "moon"})`, snap)
	require.Len(t, parsed, 1)
	p := parsed[0]
	assert.Equal(t, ParsedUnknownTool, p.Kind)
	assert.False(t, p.Dispatchable())
	assert.True(t, errors.Is(p.Err, errors.ErrUnknownTool))
	assert.Contains(t, p.Err.Error(), "weather")

	turn := p.Result().Turn(p.Invocation)
	assert.Equal(t, session.RoleTool, turn.Role)
	assert.Equal(t, "unknown_tool", turn.ErrorKind)
	assert.Equal(t, p.Invocation.CorrelationID, turn.CorrelationID)
}

func TestStripCalls(t *testing.T) {
	snap := testSnapshot("weather")
	text := `It is sunny. call_tool('weather', {"location": "Paris"}) Enjoy!`
	assert.Equal(t, "It is sunny.  Enjoy!", StripCalls(text, Parse(text, snap)))
	assert.Equal(t, "plain", StripCalls("  plain ", nil))
}
