package tools

import (
	"encoding/json"
	"maps"

	"github.com/m4xw311/mcprelay/errors"
	"github.com/m4xw311/mcprelay/session"
)

// Descriptor describes a tool exposed by the remote tool server.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Invocation is a single tool call extracted from model output. It is
// dispatched at most once and answered by exactly one Result.
type Invocation struct {
	CorrelationID string         `json:"correlation_id"`
	ToolName      string         `json:"tool_name"`
	Arguments     map[string]any `json:"arguments"`
}

// Call converts the invocation into the form recorded on assistant turns.
func (i Invocation) Call() session.ToolCall {
	return session.ToolCall{CorrelationID: i.CorrelationID, Name: i.ToolName, Args: maps.Clone(i.Arguments)}
}

// Result is the outcome of an Invocation, matched back by CorrelationID.
type Result struct {
	CorrelationID string
	ToolName      string
	Status        session.Status
	Payload       string
	Err           error
}

// OK builds a successful result for inv.
func OK(inv Invocation, payload string) Result {
	return Result{CorrelationID: inv.CorrelationID, ToolName: inv.ToolName, Status: session.StatusOK, Payload: payload}
}

// Failed builds an error result for inv.
func Failed(inv Invocation, err error) Result {
	return Result{CorrelationID: inv.CorrelationID, ToolName: inv.ToolName, Status: session.StatusError, Err: err}
}

// Text returns the payload, or the error message for failed results.
func (r Result) Text() string {
	if r.Status == session.StatusError && r.Err != nil {
		return r.Err.Error()
	}
	return r.Payload
}

// Turn renders the result as a tool turn answering inv.
func (r Result) Turn(inv Invocation) session.Turn {
	t := session.Turn{
		Role:          session.RoleTool,
		Content:       r.Text(),
		CorrelationID: r.CorrelationID,
		ToolName:      inv.ToolName,
		ToolArgs:      inv.Arguments,
		ToolResult:    r.Text(),
		Status:        r.Status,
	}
	if r.Status == session.StatusError {
		t.ErrorKind = errors.KindOf(r.Err)
	}
	return t
}
