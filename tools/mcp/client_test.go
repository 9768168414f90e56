package mcp_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/mcprelay/config"
	"github.com/m4xw311/mcprelay/errors"
	"github.com/m4xw311/mcprelay/logging"
	"github.com/m4xw311/mcprelay/session"
	"github.com/m4xw311/mcprelay/tools"
	"github.com/m4xw311/mcprelay/tools/mcp"
	"github.com/m4xw311/mcprelay/tools/mcp/mcptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.MCP {
	return config.MCP{
		InvokeTimeout:  time.Second,
		ConnectTimeout: time.Second,
		Backoff: config.Backoff{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			MaxRetries:      2,
		},
	}
}

func newClient(t *testing.T, srv *mcptest.Server, cfg config.MCP) *mcp.Client {
	t.Helper()
	c := mcp.NewClient(srv, tools.NewRegistry(nil, logging.Discard()), cfg, logging.Discard())
	t.Cleanup(func() { c.Close() })
	return c
}

func inv(id, tool string, args map[string]any) tools.Invocation {
	return tools.Invocation{CorrelationID: id, ToolName: tool, Arguments: args}
}

func TestConnectLoadsAllPages(t *testing.T) {
	srv := mcptest.NewServer(
		tools.Descriptor{Name: "weather", Description: "Get the weather"},
		tools.Descriptor{Name: "pods_list"},
		tools.Descriptor{Name: "namespaces_list"},
	)
	srv.PageSize = 2
	c := newClient(t, srv, testConfig())

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
	snap := c.Registry().Snapshot()
	assert.Equal(t, 3, snap.Len())
	assert.True(t, snap.Has("namespaces_list"))

	again, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Same(t, snap, again)
	assert.Equal(t, 1, srv.Dials())
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	srv := mcptest.NewServer(tools.Descriptor{Name: "weather"})
	c := newClient(t, srv, testConfig())
	require.NoError(t, c.Connect(context.Background()))
	before := c.Registry().Snapshot()

	srv.FailList(fmt.Errorf("internal error"))
	snap, err := c.Refresh(context.Background())
	require.Error(t, err)
	assert.Same(t, before, snap)
	assert.True(t, snap.Has("weather"))
	assert.True(t, c.Connected())
}

func TestInvokePreservesCorrelationUnderConcurrency(t *testing.T) {
	srv := mcptest.NewServer().Handle("echo", func(ctx context.Context, args map[string]any) (mcp.CallOutput, error) {
		n := args["n"].(int)
		time.Sleep(time.Duration(20-n) * time.Millisecond)
		return mcp.CallOutput{Text: fmt.Sprint(n)}, nil
	})
	c := newClient(t, srv, testConfig())

	var wg sync.WaitGroup
	results := make([]tools.Result, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Invoke(context.Background(), inv(fmt.Sprintf("c-%d", i), "echo", map[string]any{"n": i}))
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		require.Equal(t, session.StatusOK, res.Status, "call %d: %v", i, res.Err)
		assert.Equal(t, fmt.Sprintf("c-%d", i), res.CorrelationID)
		assert.Equal(t, fmt.Sprint(i), res.Payload)
	}
	assert.Len(t, srv.Calls(), 20)
	assert.Equal(t, 1, srv.Dials())
}

func TestInvokeTimeoutKeepsConnection(t *testing.T) {
	srv := mcptest.NewServer().
		Handle("slow", mcptest.Block()).
		Handle("fast", mcptest.Reply("done"))
	cfg := testConfig()
	cfg.InvokeTimeout = 50 * time.Millisecond
	c := newClient(t, srv, cfg)

	var slow, fast tools.Result
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); slow = c.Invoke(context.Background(), inv("s", "slow", nil)) }()
	go func() { defer wg.Done(); fast = c.Invoke(context.Background(), inv("f", "fast", nil)) }()
	wg.Wait()

	assert.Equal(t, session.StatusError, slow.Status)
	assert.Equal(t, "invoke_timeout", errors.KindOf(slow.Err))
	assert.Equal(t, "s", slow.CorrelationID)
	assert.Equal(t, session.StatusOK, fast.Status)
	assert.Equal(t, "done", fast.Payload)

	assert.True(t, c.Connected())
	assert.Equal(t, 1, srv.Dials())
	assert.Equal(t, 1, srv.OpenConns())
}

func TestInvokeToolError(t *testing.T) {
	srv := mcptest.NewServer().Handle("weather", func(context.Context, map[string]any) (mcp.CallOutput, error) {
		return mcp.CallOutput{Text: "location not found", IsError: true}, nil
	})
	c := newClient(t, srv, testConfig())

	res := c.Invoke(context.Background(), inv("w", "weather", map[string]any{"location": "Atlantis"}))
	assert.Equal(t, session.StatusError, res.Status)
	assert.Equal(t, "tool_error", errors.KindOf(res.Err))
	assert.Contains(t, res.Text(), "location not found")
}

func TestInvokeCanceled(t *testing.T) {
	srv := mcptest.NewServer().Handle("slow", mcptest.Block())
	c := newClient(t, srv, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	res := c.Invoke(ctx, inv("x", "slow", nil))
	assert.Equal(t, session.StatusError, res.Status)
	assert.Equal(t, "canceled", errors.KindOf(res.Err))
	assert.True(t, c.Connected())
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := mcptest.NewServer(tools.Descriptor{Name: "weather"})
	c := newClient(t, srv, testConfig())
	require.NoError(t, c.Connect(context.Background()))

	srv.Drop()
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Dials())

	srv.Drop()
	lost := c.Invoke(context.Background(), inv("a", "weather", nil))
	assert.Equal(t, session.StatusError, lost.Status)
	assert.Equal(t, "tool_error", errors.KindOf(lost.Err))
	assert.Empty(t, srv.Calls(), "a call on a dead connection is not replayed")

	ok := c.Invoke(context.Background(), inv("b", "weather", map[string]any{"location": "Paris"}))
	assert.Equal(t, session.StatusOK, ok.Status)
	assert.JSONEq(t, `{"location":"Paris"}`, ok.Payload)
	assert.Equal(t, 3, srv.Dials())
}

func TestConnectionErrorAfterRetryBudget(t *testing.T) {
	srv := mcptest.NewServer(tools.Descriptor{Name: "weather"})
	srv.FailDials(100)
	c := newClient(t, srv, testConfig())

	res := c.Invoke(context.Background(), inv("a", "weather", nil))
	assert.Equal(t, session.StatusError, res.Status)
	assert.Equal(t, "connection_error", errors.KindOf(res.Err))
	assert.Equal(t, 3, srv.Dials())
	assert.False(t, c.Connected())

	err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, errors.ErrConnection))

	srv.FailDials(0)
	res = c.Invoke(context.Background(), inv("b", "weather", nil))
	assert.Equal(t, session.StatusOK, res.Status)
}

func TestToolListChangeTriggersRefresh(t *testing.T) {
	srv := mcptest.NewServer(tools.Descriptor{Name: "weather"})
	c := newClient(t, srv, testConfig())
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	srv.SetTools(tools.Descriptor{Name: "weather"}, tools.Descriptor{Name: "forecast"})
	require.Eventually(t, func() bool {
		return c.Registry().Snapshot().Has("forecast")
	}, time.Second, 5*time.Millisecond)
}

func TestCloseReleasesConnection(t *testing.T) {
	srv := mcptest.NewServer(tools.Descriptor{Name: "weather"})
	c := newClient(t, srv, testConfig())
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, 1, srv.OpenConns())

	require.NoError(t, c.Close())
	assert.Equal(t, 0, srv.OpenConns())
	assert.False(t, c.Connected())
}
