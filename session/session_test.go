package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendIsOrderedAndImmutable(t *testing.T) {
	s := New("")
	require.NotEmpty(t, s.ID())

	args := map[string]any{"location": "Paris"}
	s.Append(Turn{Role: RoleUser, Content: "get weather for Paris"})
	s.Append(Turn{
		Role:      RoleAssistant,
		Content:   `call_tool('weather', {"location": "Paris"})`,
		ToolCalls: []ToolCall{{CorrelationID: "c1", Name: "weather", Args: args}},
	})
	args["location"] = "Lyon"

	turns := s.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "Paris", turns[1].ToolCalls[0].Args["location"])
	assert.False(t, turns[0].CreatedAt.IsZero())

	turns[0].Content = "mutated"
	assert.Equal(t, "get weather for Paris", s.Turns()[0].Content)
}

func TestPendingCalls(t *testing.T) {
	s := New("p")
	s.Append(Turn{Role: RoleAssistant, ToolCalls: []ToolCall{{CorrelationID: "a"}, {CorrelationID: "b"}}})
	s.Append(Turn{Role: RoleTool, CorrelationID: "b", Status: StatusOK})
	assert.Equal(t, []string{"a"}, s.PendingCalls())

	s.Append(Turn{Role: RoleTool, CorrelationID: "a", Status: StatusError})
	assert.Empty(t, s.PendingCalls())
}

func TestArchiveRoundTrip(t *testing.T) {
	s := New("archived")
	s.Append(Turn{Role: RoleUser, Content: "hi"})
	s.Append(Turn{Role: RoleAssistant, Content: "hello"})

	path, err := s.Archive(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "archived.json", filepath.Base(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "archived", loaded.ID())
	require.Equal(t, 2, loaded.Len())
	assert.Equal(t, "hello", loaded.Turns()[1].Content)
}
