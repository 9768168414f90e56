// Package mcptest provides an in-memory tool server for tests.
package mcptest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/m4xw311/mcprelay/tools"
	"github.com/m4xw311/mcprelay/tools/mcp"
)

// Handler answers one tool call.
type Handler func(ctx context.Context, args map[string]any) (mcp.CallOutput, error)

// Call records an invocation that reached the server.
type Call struct {
	Tool string
	Args map[string]any
}

// Server is a fake tool server. It implements mcp.Dialer; every Dial
// returns a fresh connection to the same server state.
type Server struct {
	mu        sync.Mutex
	tools     []tools.Descriptor
	handlers  map[string]Handler
	calls     []Call
	dials     int
	failDials int
	listErr   error
	notify    []func()
	conns     []*conn

	// PageSize splits ListTools into pages when positive.
	PageSize int
}

// NewServer creates a server exposing descs. Tools without a handler echo
// their arguments as JSON.
func NewServer(descs ...tools.Descriptor) *Server {
	return &Server{tools: descs, handlers: map[string]Handler{}}
}

// Handle installs h for the named tool, adding the tool if needed.
func (s *Server) Handle(name string, h Handler) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
	for _, d := range s.tools {
		if d.Name == name {
			return s
		}
	}
	s.tools = append(s.tools, tools.Descriptor{Name: name, Description: "test tool " + name})
	return s
}

// SetTools replaces the exposed tool list and notifies connected clients.
func (s *Server) SetTools(descs ...tools.Descriptor) {
	s.mu.Lock()
	s.tools = descs
	notify := append([]func(){}, s.notify...)
	s.mu.Unlock()
	for _, fn := range notify {
		if fn != nil {
			fn()
		}
	}
}

// FailDials makes the next n dials fail.
func (s *Server) FailDials(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDials = n
}

// FailList makes ListTools return err until cleared with nil.
func (s *Server) FailList(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

// Drop closes every open connection, as a server restart would.
func (s *Server) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.kill()
	}
	s.conns = nil
}

// Dials returns the number of dial attempts.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Calls returns the invocations that reached the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// OpenConns returns the number of connections not yet closed.
func (s *Server) OpenConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

func (s *Server) Dial(ctx context.Context, toolsChanged func()) (mcp.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.failDials > 0 {
		s.failDials--
		return nil, fmt.Errorf("dial: connection refused")
	}
	c := &conn{srv: s}
	s.conns = append(s.conns, c)
	s.notify = append(s.notify, toolsChanged)
	return c, nil
}

type conn struct {
	srv    *Server
	mu     sync.Mutex
	closed bool
}

func (c *conn) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) ListTools(ctx context.Context, cursor string) ([]tools.Descriptor, string, error) {
	if c.isClosed() {
		return nil, "", fmt.Errorf("connection closed")
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, "", s.listErr
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("bad cursor %q", cursor)
		}
		start = n
	}
	end := len(s.tools)
	if s.PageSize > 0 && start+s.PageSize < end {
		end = start + s.PageSize
	}
	page := append([]tools.Descriptor(nil), s.tools[start:end]...)
	next := ""
	if end < len(s.tools) {
		next = strconv.Itoa(end)
	}
	return page, next, nil
}

func (c *conn) CallTool(ctx context.Context, name string, args map[string]any) (mcp.CallOutput, error) {
	if c.isClosed() {
		return mcp.CallOutput{}, fmt.Errorf("connection closed")
	}
	s := c.srv
	s.mu.Lock()
	s.calls = append(s.calls, Call{Tool: name, Args: args})
	h, ok := s.handlers[name]
	known := ok
	for _, d := range s.tools {
		known = known || d.Name == name
	}
	s.mu.Unlock()

	if !known {
		return mcp.CallOutput{}, fmt.Errorf("tool %q not found", name)
	}
	if h != nil {
		return h(ctx, args)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return mcp.CallOutput{}, err
	}
	return mcp.CallOutput{Text: string(raw)}, nil
}

func (c *conn) Ping(ctx context.Context) error {
	if c.isClosed() {
		return fmt.Errorf("connection closed")
	}
	return nil
}

func (c *conn) Close() error {
	c.kill()
	return nil
}

// Block returns a handler that waits until ctx is done, as a hung tool would.
func Block() Handler {
	return func(ctx context.Context, _ map[string]any) (mcp.CallOutput, error) {
		<-ctx.Done()
		return mcp.CallOutput{}, ctx.Err()
	}
}

// Reply returns a handler answering with text.
func Reply(text string) Handler {
	return func(context.Context, map[string]any) (mcp.CallOutput, error) {
		return mcp.CallOutput{Text: text}, nil
	}
}
