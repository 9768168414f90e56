package web

import (
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/mcprelay/errors"
	"github.com/m4xw311/mcprelay/session"
)

// Frame types exchanged over the websocket. Clients send message and
// cancel; everything else flows to the client.
const (
	FrameMessage      = "message"
	FrameCancel       = "cancel"
	FrameMessageStart = "message_start"
	FrameMessageChunk = "message_chunk"
	FrameMessageEnd   = "message_end"
	FrameToolCall     = "tool_call"
	FrameToolResult   = "tool_result"
	FrameStatus       = "status"
	FrameError        = "error"
)

// wordsPerChunk is how many words of the final answer go in one
// message_chunk frame.
const wordsPerChunk = 5

const writeWait = 10 * time.Second

// Frame is one JSON websocket message.
type Frame struct {
	Type          string         `json:"type"`
	Content       string         `json:"content,omitempty"`
	State         string         `json:"state,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Tool          string         `json:"tool,omitempty"`
	Args          map[string]any `json:"args,omitempty"`
	Status        string         `json:"status,omitempty"`
	Kind          string         `json:"kind,omitempty"`
}

func errorFrame(err error) Frame {
	return Frame{Type: FrameError, Content: err.Error(), Kind: errors.KindOf(err)}
}

func toolCallFrame(call session.ToolCall) Frame {
	return Frame{Type: FrameToolCall, CorrelationID: call.CorrelationID, Tool: call.Name, Args: call.Args}
}

func toolResultFrame(turn session.Turn) Frame {
	return Frame{
		Type:          FrameToolResult,
		CorrelationID: turn.CorrelationID,
		Tool:          turn.ToolName,
		Status:        string(turn.Status),
		Content:       turn.ToolResult,
		Kind:          turn.ErrorKind,
	}
}

// chunks splits text into runs of n words, each followed by a space.
func chunks(text string, n int) []string {
	words := strings.Fields(text)
	var out []string
	for i := 0; i < len(words); i += n {
		end := min(i+n, len(words))
		out = append(out, strings.Join(words[i:end], " ")+" ")
	}
	return out
}

// frameWriter serializes writes to one connection. gorilla/websocket allows
// a single concurrent writer.
type frameWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *frameWriter) send(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.conn.WriteJSON(f)
}

func (w *frameWriter) close(code int, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
