// Package web serves the relay over HTTP. Each websocket connection on /ws
// is one chat session; /api/tools and /api/health report on the tool
// server.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/mcprelay/agent"
	"github.com/m4xw311/mcprelay/config"
	"github.com/m4xw311/mcprelay/errors"
	"github.com/m4xw311/mcprelay/llm"
	"github.com/m4xw311/mcprelay/session"
	"github.com/m4xw311/mcprelay/tools"
)

const shutdownTimeout = 10 * time.Second

// ToolClient is the tool server connection shared by all sessions.
type ToolClient interface {
	agent.Invoker
	Registry() *tools.Registry
	Connected() bool
}

// Server is the websocket and HTTP gateway.
type Server struct {
	cfg      *config.Config
	llm      llm.LLMClient
	tools    ToolClient
	log      *slog.Logger
	upgrader websocket.Upgrader

	sessions sync.WaitGroup
}

// New creates a gateway serving sessions backed by client and toolClient.
func New(cfg *config.Config, client llm.LLMClient, toolClient ToolClient, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:   cfg,
		llm:   client,
		tools: toolClient,
		log:   log.With("component", "web"),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	return s
}

// Handler returns the gateway's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return s.cors(mux)
}

// ListenAndServe serves on cfg.Server.Addr() until ctx is done, then shuts
// down and waits for open sessions to close.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "server stopped")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.sessions.Wait()
	if err != nil {
		return errors.Wrapf(err, "failed to shut down server")
	}
	return nil
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	origins := s.cfg.Server.CORSOrigins
	return len(origins) == 0 || slices.Contains(origins, "*") || slices.Contains(origins, origin)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	snap := s.tools.Registry().Snapshot()
	if s.tools.Registry().CheckedAt().IsZero() && !s.tools.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "tool server not connected"})
		return
	}
	descs := snap.Descriptors()
	if descs == nil {
		descs = []tools.Descriptor{}
	}
	writeJSON(w, http.StatusOK, descs)
}

type health struct {
	Status         string     `json:"status"`
	ToolsConnected bool       `json:"tools_connected"`
	ToolCount      int        `json:"tool_count"`
	ToolsChecked   *time.Time `json:"tools_checked_at,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := health{
		Status:         "healthy",
		ToolsConnected: s.tools.Connected(),
		ToolCount:      s.tools.Registry().Snapshot().Len(),
		Timestamp:      time.Now().UTC(),
	}
	if checked := s.tools.Registry().CheckedAt(); !checked.IsZero() {
		checked = checked.UTC()
		h.ToolsChecked = &checked
	}
	writeJSON(w, http.StatusOK, h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.sessions.Add(1)
	defer s.sessions.Done()
	s.serveConn(r.Context(), conn)
}

// serveConn runs one session until the client goes away or ctx is done.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	sess := session.New("")
	log := s.log.With("session_id", sess.ID())
	a := agent.New(s.cfg, sess, s.llm, s.tools.Registry(), s.tools, s.log)
	runner := agent.NewRunner(a, s.cfg.Agent.QueueDepth, s.cfg.Session.ArchiveDir, s.log)
	out := &frameWriter{conn: conn}

	ctx, cancel := context.WithCancel(ctx)
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Run(ctx)
	}()
	go func() {
		// Unblocks the read loop on server shutdown.
		<-ctx.Done()
		out.close(websocket.CloseGoingAway, "session closed")
		conn.Close()
	}()
	defer func() {
		cancel()
		<-runnerDone
	}()

	log.Info("session opened", "remote", conn.RemoteAddr().String())
	defer log.Info("session closed", "turns", sess.Len())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Warn("websocket read failed", "error", err)
			}
			return
		}

		var in Frame
		if err := json.Unmarshal(data, &in); err != nil {
			_ = out.send(Frame{Type: FrameError, Content: "invalid frame: " + err.Error()})
			continue
		}
		switch in.Type {
		case FrameMessage:
			content := strings.TrimSpace(in.Content)
			if content == "" {
				_ = out.send(Frame{Type: FrameError, Content: "empty message"})
				continue
			}
			done := func(err error) {
				if err != nil {
					_ = out.send(errorFrame(err))
				}
			}
			if err := runner.Submit(content, s.callbacks(out), done); err != nil {
				_ = out.send(errorFrame(err))
			}
		case FrameCancel:
			if !runner.Cancel() {
				_ = out.send(Frame{Type: FrameStatus, State: a.State().String(), Content: "nothing to cancel"})
			}
		default:
			_ = out.send(Frame{Type: FrameError, Content: "unknown frame type " + strconv.Quote(in.Type)})
		}
	}
}

// callbacks maps one turn's progress onto outbound frames.
func (s *Server) callbacks(out *frameWriter) agent.ProcessCallbacks {
	started := false
	return agent.ProcessCallbacks{
		OnStateChange: func(state agent.State) {
			if !started {
				started = true
				_ = out.send(Frame{Type: FrameMessageStart})
			}
			_ = out.send(Frame{Type: FrameStatus, State: state.String()})
		},
		OnToolCall: func(call session.ToolCall) {
			_ = out.send(toolCallFrame(call))
		},
		OnToolResult: func(turn session.Turn) {
			_ = out.send(toolResultFrame(turn))
		},
		OnWarning: func(warning string) {
			_ = out.send(Frame{Type: FrameStatus, Content: warning, Kind: errors.KindOf(errors.ErrRoundLimit)})
		},
		OnAssistantMessage: func(message string) {
			for _, c := range chunks(message, wordsPerChunk) {
				_ = out.send(Frame{Type: FrameMessageChunk, Content: c})
			}
			_ = out.send(Frame{Type: FrameMessageEnd})
		},
	}
}
