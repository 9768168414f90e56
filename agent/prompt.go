package agent

import (
	"strings"
	"text/template"
	"time"

	"github.com/m4xw311/mcprelay/errors"
	"github.com/m4xw311/mcprelay/tools"
)

var promptTemplate = template.Must(template.New("system").Parse(`You are a helpful assistant. Respond to the user's query directly.
{{- if .Instructions}}

{{.Instructions}}
{{- end}}

Current time: {{.Now}}
{{if .Tools}}
You can use the following tools:
{{range .Tools}}
- {{.Name}}{{if .Description}}: {{.Description}}{{end}}
{{- if .Schema}}
  Parameters (JSON schema): {{printf "%s" .Schema}}
{{- end}}
{{- end}}

If you need to perform an action, use the call_tool() format exactly as shown below:
call_tool('tool_name', {"argument": "value"})

Rules:
- The first argument is the tool name, the second a JSON object with the arguments.
- Use call_tool('tool_name', {}) for tools that take no arguments.
- You may call several tools in one response; they run together.
- Results come back as "[tool result name#id status]" messages. Use them to answer.
- When you have the answer, reply without any call_tool().

Examples:
{{- range .Examples}}
- {{.}}
{{- end}}
{{else}}
No tools are available right now. Answer from your own knowledge.
{{end}}`))

type promptData struct {
	Instructions string
	Now          string
	Tools        []tools.Descriptor
	Examples     []string
}

// SystemPrompt renders the system prompt for the tools in snap.
func SystemPrompt(instructions string, snap *tools.Snapshot, now time.Time) (string, error) {
	descs := snap.Descriptors()
	data := promptData{
		Instructions: strings.TrimSpace(instructions),
		Now:          now.Format("2006-01-02 15:04:05"),
		Tools:        descs,
	}
	for i, d := range descs {
		if i == 3 {
			break
		}
		data.Examples = append(data.Examples, "call_tool('"+d.Name+"', {})")
	}

	var b strings.Builder
	if err := promptTemplate.Execute(&b, data); err != nil {
		return "", errors.Wrapf(err, "failed to render system prompt")
	}
	return b.String(), nil
}
