package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/m4xw311/mcprelay/config"
	"github.com/m4xw311/mcprelay/errors"
	"github.com/m4xw311/mcprelay/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Version is reported to the tool server during the handshake.
var Version = "dev"

// SDKDialer dials tool servers with the official MCP go-sdk.
type SDKDialer struct {
	cfg        config.MCP
	log        *slog.Logger
	httpClient *http.Client
}

// NewSDKDialer builds a dialer for the configured transport. HTTP based
// transports send cfg.AuthToken as a bearer token.
func NewSDKDialer(cfg config.MCP, log *slog.Logger) *SDKDialer {
	if log == nil {
		log = slog.Default()
	}
	hc := &http.Client{}
	if cfg.AuthToken != "" {
		hc.Transport = &bearerTransport{token: cfg.AuthToken, base: http.DefaultTransport}
	}
	return &SDKDialer{cfg: cfg, log: log.With("component", "mcp_dialer"), httpClient: hc}
}

func (d *SDKDialer) Dial(ctx context.Context, toolsChanged func()) (Conn, error) {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "mcprelay", Version: Version}, &mcpsdk.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcpsdk.ClientSession, *mcpsdk.ToolListChangedParams) {
			if toolsChanged != nil {
				toolsChanged()
			}
		},
	})

	var (
		transport mcpsdk.Transport
		cmd       *exec.Cmd
	)
	switch d.cfg.Transport {
	case config.TransportStdio:
		cmd = exec.CommandContext(ctx, d.cfg.Command, d.cfg.Args...)
		cmd.Stderr = os.Stderr
		transport = mcpsdk.NewCommandTransport(cmd)
	case config.TransportStreamable:
		transport = mcpsdk.NewStreamableClientTransport(d.cfg.Endpoint, &mcpsdk.StreamableClientTransportOptions{HTTPClient: d.httpClient})
	default:
		transport = mcpsdk.NewSSEClientTransport(d.cfg.Endpoint, &mcpsdk.SSEClientTransportOptions{HTTPClient: d.httpClient})
	}

	cs, err := client.Connect(ctx, transport)
	if err != nil {
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server %s", d.target())
	}
	d.log.Info("connected to MCP server", "target", d.target(), "transport", d.cfg.Transport)
	return &sdkConn{cs: cs, cmd: cmd}, nil
}

func (d *SDKDialer) target() string {
	if d.cfg.Transport == config.TransportStdio {
		return strings.TrimSpace(d.cfg.Command + " " + strings.Join(d.cfg.Args, " "))
	}
	return d.cfg.Endpoint
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

type sdkConn struct {
	cs  *mcpsdk.ClientSession
	cmd *exec.Cmd
}

func (c *sdkConn) ListTools(ctx context.Context, cursor string) ([]tools.Descriptor, string, error) {
	res, err := c.cs.ListTools(ctx, &mcpsdk.ListToolsParams{Cursor: cursor})
	if err != nil {
		return nil, "", err
	}
	descs := make([]tools.Descriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		d := tools.Descriptor{Name: t.Name, Description: t.Description}
		if t.InputSchema != nil {
			if schema, err := json.Marshal(t.InputSchema); err == nil {
				d.Schema = schema
			}
		}
		descs = append(descs, d)
	}
	return descs, res.NextCursor, nil
}

func (c *sdkConn) CallTool(ctx context.Context, name string, args map[string]any) (CallOutput, error) {
	res, err := c.cs.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return CallOutput{}, err
	}
	var b strings.Builder
	for _, content := range res.Content {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		switch v := content.(type) {
		case *mcpsdk.TextContent:
			b.WriteString(v.Text)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				fmt.Fprintf(&b, "%v", v)
				continue
			}
			b.Write(raw)
		}
	}
	return CallOutput{Text: b.String(), IsError: res.IsError}, nil
}

func (c *sdkConn) Ping(ctx context.Context) error {
	return c.cs.Ping(ctx, nil)
}

func (c *sdkConn) Close() error {
	err := c.cs.Close()
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	return err
}
