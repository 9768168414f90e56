package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m4xw311/mcprelay/config"
	"github.com/m4xw311/mcprelay/errors"
	"github.com/m4xw311/mcprelay/llm"
	"github.com/m4xw311/mcprelay/logging"
	"github.com/m4xw311/mcprelay/session"
	"github.com/m4xw311/mcprelay/tools"
)

const defaultMaxRounds = 5

// State is the position of an Agent in its turn-processing cycle.
type State int32

const (
	StateAwaitingUserInput State = iota
	StateModelGenerating
	StateParsingCalls
	StateAwaitingToolResults
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingUserInput:
		return "awaiting_user_input"
	case StateModelGenerating:
		return "model_generating"
	case StateParsingCalls:
		return "parsing_calls"
	case StateAwaitingToolResults:
		return "awaiting_tool_results"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Invoker dispatches a tool call. It must return a Result carrying the
// invocation's correlation ID even on failure.
type Invoker interface {
	Invoke(ctx context.Context, inv tools.Invocation) tools.Result
}

// ToolSource provides the tools the model may call.
type ToolSource interface {
	Snapshot() *tools.Snapshot
}

// ProcessCallbacks lets a transport observe a turn as it progresses. Any
// callback may be nil. Callbacks run on the goroutine processing the turn,
// in transcript order.
type ProcessCallbacks struct {
	OnStateChange      func(state State)
	OnAssistantMessage func(message string)
	OnToolCall         func(toolCall session.ToolCall)
	OnToolResult       func(turn session.Turn)
	OnWarning          func(warning string)
}

// Agent drives one conversation: it calls the model, runs the tool calls
// found in its output and feeds the results back until the model answers
// without calls.
type Agent struct {
	Session   *session.Session
	LLMClient llm.LLMClient
	Tools     ToolSource
	Invoker   Invoker
	Parser    *tools.Parser
	Model     string
	MaxRounds int
	// Instructions are prepended to the generated system prompt.
	Instructions string

	log   *slog.Logger
	mu    sync.Mutex
	state atomic.Int32
	now   func() time.Time
}

// New creates an agent for sess.
func New(cfg *config.Config, sess *session.Session, client llm.LLMClient, toolSource ToolSource, invoker Invoker, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	maxRounds := cfg.Agent.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	return &Agent{
		Session:      sess,
		LLMClient:    client,
		Tools:        toolSource,
		Invoker:      invoker,
		Parser:       &tools.Parser{},
		Model:        cfg.Model,
		MaxRounds:    maxRounds,
		Instructions: cfg.SystemPrompt,
		log:          log.With("component", "agent", "session_id", sess.ID()),
		now:          time.Now,
	}
}

// State returns the current state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) setState(s State, cb ProcessCallbacks) {
	a.state.Store(int32(s))
	if cb.OnStateChange != nil {
		cb.OnStateChange(s)
	}
}

// ProcessUserInput runs one user turn to completion. Calls are serialized;
// a second call waits for the first to finish. The returned error carries
// one of the error kinds (ErrProvider, ErrConnection, ErrCanceled) and
// leaves the agent usable for the next input.
func (a *Agent) ProcessUserInput(ctx context.Context, userInput string, cb ProcessCallbacks) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.setState(StateAwaitingUserInput, cb)

	a.Session.Append(session.Turn{Role: session.RoleUser, Content: userInput})

	var last []resolved
	for round := 0; ; round++ {
		a.setState(StateModelGenerating, cb)
		snap := a.Tools.Snapshot()
		text, err := a.generate(ctx, snap)
		if err != nil {
			return a.fail(err, cb)
		}

		a.setState(StateParsingCalls, cb)
		parsed := a.Parser.Parse(text, snap)
		if len(parsed) == 0 {
			a.complete(text, cb)
			return nil
		}
		if round >= a.MaxRounds {
			final := tools.StripCalls(text, parsed)
			if final == "" {
				final = summarize(last)
			}
			a.log.Warn("tool round limit reached", "rounds", round, "pending_calls", len(parsed))
			a.warn(cb, errors.Mark(fmt.Errorf("stopped after %d tool rounds", round), errors.ErrRoundLimit).Error())
			a.complete(final, cb)
			return nil
		}

		a.setState(StateAwaitingToolResults, cb)
		calls := make([]session.ToolCall, 0, len(parsed))
		for _, p := range parsed {
			calls = append(calls, p.Invocation.Call())
		}
		a.Session.Append(session.Turn{Role: session.RoleAssistant, Content: text, ToolCalls: calls})
		for _, call := range calls {
			if cb.OnToolCall != nil {
				cb.OnToolCall(call)
			}
		}

		last = a.dispatch(ctx, parsed)
		var roundErr error
		for _, r := range last {
			turn := a.Session.Append(r.res.Turn(r.inv))
			if cb.OnToolResult != nil {
				cb.OnToolResult(turn)
			}
			if roundErr == nil && errors.Is(r.res.Err, errors.ErrConnection) {
				roundErr = r.res.Err
			}
		}
		if ctx.Err() != nil {
			return a.fail(errors.Mark(ctx.Err(), errors.ErrCanceled), cb)
		}
		if roundErr != nil {
			return a.fail(roundErr, cb)
		}
	}
}

func (a *Agent) generate(ctx context.Context, snap *tools.Snapshot) (string, error) {
	system, err := SystemPrompt(a.Instructions, snap, a.now())
	if err != nil {
		return "", err
	}
	req := llm.Request{
		Model:    a.Model,
		System:   system,
		Messages: llm.FromTurns(a.Session.Turns()),
	}

	start := time.Now()
	text, err := llm.Collect(a.LLMClient.Generate(ctx, req))
	logging.LLMCall(a.log, a.Model, len(text), time.Since(start), err)
	switch {
	case ctx.Err() != nil:
		return "", errors.Mark(ctx.Err(), errors.ErrCanceled)
	case err != nil && errors.Is(err, errors.ErrCanceled):
		return "", err
	case err != nil:
		return "", errors.Mark(err, errors.ErrProvider)
	}
	return text, nil
}

type resolved struct {
	inv tools.Invocation
	res tools.Result
}

// dispatch runs the dispatchable invocations concurrently and returns one
// result per parsed occurrence in completion order. Occurrences that were
// never dispatchable resolve first. When ctx ends, calls still outstanding
// resolve as canceled without waiting for the invoker.
func (a *Agent) dispatch(ctx context.Context, parsed []tools.Parsed) []resolved {
	out := make([]resolved, 0, len(parsed))
	done := make(chan resolved, len(parsed))
	pending := map[string]tools.Invocation{}

	for _, p := range parsed {
		if !p.Dispatchable() {
			out = append(out, resolved{inv: p.Invocation, res: p.Result()})
			continue
		}
		pending[p.Invocation.CorrelationID] = p.Invocation
		go func(inv tools.Invocation) {
			done <- resolved{inv: inv, res: a.Invoker.Invoke(ctx, inv)}
		}(p.Invocation)
	}

	for len(pending) > 0 {
		select {
		case r := <-done:
			delete(pending, r.inv.CorrelationID)
			out = append(out, r)
		case <-ctx.Done():
			for _, p := range parsed {
				inv, ok := pending[p.Invocation.CorrelationID]
				if !ok {
					continue
				}
				delete(pending, inv.CorrelationID)
				err := errors.Mark(fmt.Errorf("tool %q canceled: %w", inv.ToolName, ctx.Err()), errors.ErrCanceled)
				out = append(out, resolved{inv: inv, res: tools.Failed(inv, err)})
			}
		}
	}
	return out
}

func (a *Agent) complete(text string, cb ProcessCallbacks) {
	a.Session.Append(session.Turn{Role: session.RoleAssistant, Content: text})
	a.setState(StateComplete, cb)
	if cb.OnAssistantMessage != nil {
		cb.OnAssistantMessage(text)
	}
}

func (a *Agent) fail(err error, cb ProcessCallbacks) error {
	a.setState(StateFailed, cb)
	a.log.Error("turn failed", "kind", errors.KindOf(err), "error", err)
	return err
}

func (a *Agent) warn(cb ProcessCallbacks, warning string) {
	if cb.OnWarning != nil {
		cb.OnWarning(warning)
	}
}

// summarize builds a best-effort answer from the last round of results.
func summarize(last []resolved) string {
	if len(last) == 0 {
		return "I could not finish this request within the allowed number of tool rounds."
	}
	var b strings.Builder
	b.WriteString("I could not finish this request within the allowed number of tool rounds. Latest tool results:")
	for _, r := range last {
		fmt.Fprintf(&b, "\n- %s (%s): %s", r.inv.ToolName, r.res.Status, r.res.Text())
	}
	return b.String()
}
