package mcp

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/m4xw311/mcprelay/config"
	"github.com/m4xw311/mcprelay/errors"
	"github.com/m4xw311/mcprelay/logging"
	"github.com/m4xw311/mcprelay/tools"
	"golang.org/x/sync/singleflight"
)

const pingTimeout = 2 * time.Second

// Client is the shared connection to the tool server. Reconnects and
// registry refreshes are funnelled through singleflight so there is only
// ever one writer; Invoke may be called from any number of goroutines.
type Client struct {
	dialer   Dialer
	registry *tools.Registry
	cfg      config.MCP
	log      *slog.Logger

	ctx    context.Context // lifetime of the client and of its connections
	cancel context.CancelFunc

	mu   sync.RWMutex
	conn Conn
	gen  uint64

	group   singleflight.Group
	changed chan struct{}
}

// NewClient creates a client. Nothing is dialed until Connect or the first
// call that needs the server.
func NewClient(dialer Dialer, registry *tools.Registry, cfg config.MCP, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		dialer:   dialer,
		registry: registry,
		cfg:      cfg,
		log:      log.With("component", "mcp_client"),
		ctx:      ctx,
		cancel:   cancel,
		changed:  make(chan struct{}, 1),
	}
}

// Registry returns the registry kept in sync with the server.
func (c *Client) Registry() *tools.Registry { return c.registry }

// Connected reports whether a live connection is currently held.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Connect establishes the connection and loads the tool list.
func (c *Client) Connect(ctx context.Context) error {
	if _, _, err := c.connection(ctx); err != nil {
		return err
	}
	_, err := c.Refresh(ctx)
	return err
}

// Start refreshes the registry whenever the server announces a tool list
// change and, when configured, on a fixed interval. It returns when ctx is
// done.
func (c *Client) Start(ctx context.Context) {
	var tick <-chan time.Time
	if c.cfg.RefreshInterval > 0 {
		t := time.NewTicker(c.cfg.RefreshInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case <-c.changed:
			c.log.Debug("tool list changed")
		case <-tick:
		}
		if _, err := c.Refresh(ctx); err != nil {
			c.log.Warn("tool refresh failed, keeping previous tools", "error", err, "tools", c.registry.Snapshot().Len())
		}
	}
}

// Close tears down the connection. The client cannot be reused.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ListTools fetches every page of the server's tool list.
func (c *Client) ListTools(ctx context.Context) ([]tools.Descriptor, error) {
	var out []tools.Descriptor
	err := c.withConn(ctx, true, func(conn Conn) error {
		out = out[:0]
		cursor := ""
		for {
			page, next, err := conn.ListTools(ctx, cursor)
			if err != nil {
				return err
			}
			out = append(out, page...)
			if next == "" {
				return nil
			}
			cursor = next
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list tools")
	}
	return out, nil
}

// Refresh reloads the registry from the server. On failure the previous
// snapshot stays in place and is returned with the error.
func (c *Client) Refresh(ctx context.Context) (*tools.Snapshot, error) {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		descs, err := c.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		c.registry.Replace(descs)
		return nil, nil
	})
	return c.registry.Snapshot(), err
}

// Invoke runs one tool call and always returns a Result correlated to inv.
// A call without an answer inside the invoke timeout fails with
// ErrInvokeTimeout and leaves the connection up for other calls.
func (c *Client) Invoke(ctx context.Context, inv tools.Invocation) tools.Result {
	start := time.Now()
	var out CallOutput
	err := c.withConn(ctx, false, func(conn Conn) error {
		var err error
		out, err = c.call(ctx, conn, inv)
		return err
	})

	var res tools.Result
	switch {
	case err != nil:
		res = tools.Failed(inv, fmt.Errorf("tool %q failed: %w", inv.ToolName, err))
	case out.IsError:
		msg := out.Text
		if msg == "" {
			msg = "tool reported an error"
		}
		res = tools.Failed(inv, errors.Mark(stderrors.New(msg), errors.ErrToolFailed))
	default:
		res = tools.OK(inv, out.Text)
	}
	logging.ToolCall(c.log, inv.ToolName, inv.CorrelationID, time.Since(start), res.Err)
	return res
}

func (c *Client) call(ctx context.Context, conn Conn, inv tools.Invocation) (CallOutput, error) {
	callCtx := ctx
	if c.cfg.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.InvokeTimeout)
		defer cancel()
	}

	type answer struct {
		out CallOutput
		err error
	}
	done := make(chan answer, 1)
	go func() {
		out, err := conn.CallTool(callCtx, inv.ToolName, inv.Arguments)
		done <- answer{out, err}
	}()

	select {
	case a := <-done:
		if a.err != nil && callCtx.Err() != nil {
			return CallOutput{}, c.contextErr(ctx, callCtx)
		}
		return a.out, a.err
	case <-callCtx.Done():
		return CallOutput{}, c.contextErr(ctx, callCtx)
	}
}

func (c *Client) contextErr(parent, callCtx context.Context) error {
	if parent.Err() != nil {
		return errors.Mark(parent.Err(), errors.ErrCanceled)
	}
	return errors.Mark(callCtx.Err(), errors.ErrInvokeTimeout)
}

// withConn runs fn on the current connection. When fn fails and the
// connection no longer answers pings, the connection is replaced. fn is
// retried on the new connection only when retry is set; tool calls are not
// replayed since the server may already have run them.
func (c *Client) withConn(ctx context.Context, retry bool, fn func(Conn) error) error {
	conn, gen, err := c.connection(ctx)
	if err != nil {
		return err
	}
	err = fn(conn)
	if err == nil || ctx.Err() != nil || errors.Is(err, errors.ErrInvokeTimeout) {
		return err
	}
	if c.alive(ctx, conn) {
		return errors.Mark(err, errors.ErrToolFailed)
	}

	c.log.Warn("tool server connection lost", "error", err)
	c.drop(gen)
	conn, _, rerr := c.connection(ctx)
	if rerr != nil {
		return rerr
	}
	if !retry {
		return errors.Mark(fmt.Errorf("connection lost during call, not retried: %w", err), errors.ErrToolFailed)
	}
	if err := fn(conn); err != nil {
		return errors.Mark(err, errors.ErrToolFailed)
	}
	return nil
}

func (c *Client) alive(ctx context.Context, conn Conn) bool {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return conn.Ping(pctx) == nil
}

// drop discards the connection of generation gen, if still current.
func (c *Client) drop(gen uint64) {
	c.mu.Lock()
	var stale Conn
	if c.gen == gen && c.conn != nil {
		stale = c.conn
		c.conn = nil
	}
	c.mu.Unlock()
	if stale != nil {
		stale.Close()
	}
}

type dialed struct {
	conn Conn
	gen  uint64
}

// connection returns the live connection, dialing one if needed. Concurrent
// callers share a single dial; each waits only as long as its own ctx allows.
func (c *Client) connection(ctx context.Context) (Conn, uint64, error) {
	c.mu.RLock()
	conn, gen := c.conn, c.gen
	c.mu.RUnlock()
	if conn != nil {
		return conn, gen, nil
	}

	ch := c.group.DoChan("connect", func() (any, error) {
		c.mu.RLock()
		if c.conn != nil {
			d := dialed{c.conn, c.gen}
			c.mu.RUnlock()
			return d, nil
		}
		c.mu.RUnlock()

		conn, err := c.dial()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close()
			return nil, errors.Mark(c.ctx.Err(), errors.ErrConnection)
		}
		c.conn = conn
		c.gen++
		d := dialed{conn, c.gen}
		c.mu.Unlock()
		select {
		case c.changed <- struct{}{}:
		default:
		}
		return d, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, 0, r.Err
		}
		d := r.Val.(dialed)
		return d.conn, d.gen, nil
	case <-ctx.Done():
		return nil, 0, errors.Mark(ctx.Err(), errors.ErrCanceled)
	}
}

// dial connects with bounded exponential backoff. Exhausting the retry
// budget yields ErrConnection.
func (c *Client) dial() (Conn, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.Backoff.InitialInterval
	eb.MaxInterval = c.cfg.Backoff.MaxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.Backoff.MaxRetries)), c.ctx)

	var conn Conn
	attempts := 0
	op := func() error {
		attempts++
		cn, err := c.dialOnce()
		if err != nil {
			if c.ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = cn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("tool server connect failed", "attempt", attempts, "retry_in", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, errors.Mark(fmt.Errorf("tool server unreachable after %d attempts: %w", attempts, err), errors.ErrConnection)
	}
	return conn, nil
}

func (c *Client) dialOnce() (Conn, error) {
	notify := func() {
		select {
		case c.changed <- struct{}{}:
		default:
		}
	}
	if c.cfg.ConnectTimeout <= 0 {
		return c.dialer.Dial(c.ctx, notify)
	}

	done := make(chan dialed, 1)
	errc := make(chan error, 1)
	go func() {
		conn, err := c.dialer.Dial(c.ctx, notify)
		if err != nil {
			errc <- err
			return
		}
		done <- dialed{conn: conn}
	}()

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case d := <-done:
		return d.conn, nil
	case err := <-errc:
		return nil, err
	case <-timer.C:
		// a late connection is closed rather than leaked
		go func() {
			select {
			case d := <-done:
				d.conn.Close()
			case <-errc:
			}
		}()
		return nil, fmt.Errorf("connect timed out after %s", c.cfg.ConnectTimeout)
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}
