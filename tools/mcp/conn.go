// Package mcp connects the relay to a remote MCP tool server.
//
// Client owns the single shared connection: it dials through a Dialer,
// reconnects with bounded exponential backoff, keeps a tools.Registry in
// sync with the server and dispatches invocations under a per-call timeout.
// The go-sdk specifics live in SDKDialer so tests can substitute a fake
// tool server through the same Dialer/Conn pair.
package mcp

import (
	"context"

	"github.com/m4xw311/mcprelay/tools"
)

// CallOutput is the server's answer to a single tool call.
type CallOutput struct {
	Text    string
	IsError bool
}

// Conn is an established session with the tool server. Implementations
// must allow concurrent CallTool calls.
type Conn interface {
	// ListTools returns one page of tools and the cursor of the next page,
	// empty when there are no more.
	ListTools(ctx context.Context, cursor string) ([]tools.Descriptor, string, error)
	CallTool(ctx context.Context, name string, args map[string]any) (CallOutput, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a Conn. ctx bounds the lifetime of the connection, not just
// the handshake. toolsChanged is called whenever the server announces that
// its tool list changed.
type Dialer interface {
	Dial(ctx context.Context, toolsChanged func()) (Conn, error)
}
