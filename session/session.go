package session

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// ToolCall is an invocation recorded on the assistant turn that requested it.
type ToolCall struct {
	CorrelationID string         `json:"correlation_id"`
	Name          string         `json:"name"`
	Args          map[string]any `json:"args,omitempty"`
}

// Turn is one message of the transcript. Tool turns carry the correlation
// ID of the call they answer.
type Turn struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	CorrelationID string         `json:"correlation_id,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	ToolArgs      map[string]any `json:"tool_args,omitempty"`
	ToolResult    string         `json:"tool_result,omitempty"`
	Status        Status         `json:"status,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Session is the ordered transcript of one client connection. Turns are
// immutable once appended; only the owning orchestrator appends.
type Session struct {
	id string

	mu    sync.RWMutex
	turns []Turn
}

// New creates an empty session. An empty id gets a random one.
func New(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{id: id}
}

func (s *Session) ID() string { return s.id }

// Append adds a turn to the end of the transcript and returns the stored copy.
func (s *Session) Append(t Turn) Turn {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.ToolArgs = maps.Clone(t.ToolArgs)
	if t.ToolCalls != nil {
		calls := make([]ToolCall, len(t.ToolCalls))
		for i, c := range t.ToolCalls {
			c.Args = maps.Clone(c.Args)
			calls[i] = c
		}
		t.ToolCalls = calls
	}

	s.mu.Lock()
	s.turns = append(s.turns, t)
	s.mu.Unlock()
	return t
}

// Turns returns a snapshot of the transcript in chronological order.
func (s *Session) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// PendingCalls returns the correlation IDs of assistant tool calls that have
// no tool turn yet. A finalized transcript has none.
func (s *Session) PendingCalls() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	answered := make(map[string]bool)
	for _, t := range s.turns {
		if t.Role == RoleTool {
			answered[t.CorrelationID] = true
		}
	}
	var pending []string
	for _, t := range s.turns {
		for _, c := range t.ToolCalls {
			if !answered[c.CorrelationID] {
				pending = append(pending, c.CorrelationID)
			}
		}
	}
	return pending
}

type archive struct {
	ID    string `json:"id"`
	Turns []Turn `json:"turns"`
}

// Archive writes the transcript as JSON to <dir>/<id>.json.
func (s *Session) Archive(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("could not create archive directory: %w", err)
	}
	data, err := json.MarshalIndent(archive{ID: s.id, Turns: s.Turns()}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize session: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.json", s.id))
	return path, os.WriteFile(path, data, 0644)
}

// Load reads a transcript previously written by Archive.
func Load(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read session file %s: %w", path, err)
	}
	var a archive
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("could not parse session file %s: %w", path, err)
	}
	return &Session{id: a.ID, turns: a.Turns}, nil
}
