package terminal

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/mcprelay/agent"
	"github.com/m4xw311/mcprelay/config"
	"github.com/m4xw311/mcprelay/llm"
	"github.com/m4xw311/mcprelay/logging"
	"github.com/m4xw311/mcprelay/session"
	"github.com/m4xw311/mcprelay/tools"
	"github.com/m4xw311/mcprelay/tools/mcp"
	"github.com/m4xw311/mcprelay/tools/mcp/mcptest"
)

// syncBuffer is written by the runner goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// eventually polls cond until it holds or a second has passed.
func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestTerminal(t *testing.T, in io.Reader, verbosity Verbosity, replies ...llm.Reply) (*Terminal, *agent.Agent, *syncBuffer) {
	t.Helper()
	srv := mcptest.NewServer(tools.Descriptor{Name: "weather", Description: "Current weather"}).
		Handle("weather", mcptest.Reply("sunny"))
	mcpCfg := config.MCP{
		InvokeTimeout:  time.Second,
		ConnectTimeout: time.Second,
		Backoff:        config.Backoff{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetries: 1},
	}
	registry := tools.NewRegistry(nil, logging.Discard())
	client := mcp.NewClient(srv, registry, mcpCfg, logging.Discard())
	t.Cleanup(func() { client.Close() })
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect tool server: %v", err)
	}

	cfg := &config.Config{Model: "test-model"}
	a := agent.New(cfg, session.New("terminal-test"), llm.NewMockLLMClient(replies...), registry, client, logging.Discard())
	out := &syncBuffer{}
	term := New(agent.NewRunner(a, 2, "", logging.Discard()), verbosity)
	term.in = in
	term.out = out
	return term, a, out
}

func TestTerminalConversationWithToolCall(t *testing.T) {
	in := strings.NewReader("What's the weather in Paris?\n\n/quit\nignored\n")
	term, a, out := newTestTerminal(t, in, VerbosityAll,
		llm.Reply{Text: `call_tool('weather', {"location": "Paris"})`},
		llm.Reply{Text: "It is sunny in Paris."},
	)

	if err := term.Run(context.Background(), ""); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	output := out.String()
	for _, want := range []string{
		"Calling tool `weather` with args: map[location:Paris]",
		"Tool `weather` (ok): sunny",
		"Assistant: It is sunny in Paris.",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, output)
		}
	}
	if n := a.Session.Len(); n != 4 {
		t.Errorf("Expected 4 turns (input after /quit is not processed), got %d", n)
	}
}

func TestTerminalInfoVerbosity(t *testing.T) {
	in := strings.NewReader("weather?\n")
	term, _, out := newTestTerminal(t, in, VerbosityInfo,
		llm.Reply{Text: `call_tool('weather', {})`},
		llm.Reply{Text: "Sunny."},
	)

	if err := term.Run(context.Background(), ""); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	output := out.String()
	if !strings.Contains(output, "Calling tool `weather`\n") {
		t.Errorf("Expected the tool name without args, got:\n%s", output)
	}
	if strings.Contains(output, "Tool `weather` (ok)") {
		t.Errorf("Expected successful results to be hidden, got:\n%s", output)
	}
}

func TestTerminalInitialPromptThenEOF(t *testing.T) {
	term, _, out := newTestTerminal(t, strings.NewReader(""), VerbosityNone)

	if err := term.Run(context.Background(), "hello"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if want := "Assistant: I am a mock LLM. You said: 'hello'."; !strings.Contains(out.String(), want) {
		t.Errorf("Expected output to contain %q, got:\n%s", want, out.String())
	}
}

func TestTerminalInterruptCancelsTurn(t *testing.T) {
	inR, inW := io.Pipe()
	defer inW.Close()
	term, a, out := newTestTerminal(t, inR, VerbosityNone,
		llm.Reply{Text: "too late", Gate: make(chan struct{})},
	)
	interrupts := make(chan os.Signal)
	term.Interrupts = interrupts

	runErr := make(chan error, 1)
	go func() { runErr <- term.Run(context.Background(), "") }()

	if _, err := io.WriteString(inW, "slow question\n"); err != nil {
		t.Fatalf("Failed to write input: %v", err)
	}
	eventually(t, func() bool { return a.State() == agent.StateModelGenerating }, "the model to start")

	interrupts <- os.Interrupt
	eventually(t, func() bool {
		output := out.String()
		return strings.Contains(output, "Error (canceled)") && strings.HasSuffix(output, "You: ")
	}, "the canceled turn to return to the prompt")

	// At the prompt an interrupt ends the session.
	interrupts <- os.Interrupt
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("terminal did not stop")
	}
	if pending := a.Session.PendingCalls(); len(pending) != 0 {
		t.Errorf("Expected no pending calls, got %v", pending)
	}
}

func TestParseVerbosity(t *testing.T) {
	for in, want := range map[string]Verbosity{"": VerbosityInfo, "none": VerbosityNone, "ALL": VerbosityAll, " info ": VerbosityInfo} {
		got, err := ParseVerbosity(in)
		if err != nil {
			t.Errorf("ParseVerbosity(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseVerbosity(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParseVerbosity("loud"); err == nil {
		t.Error("Expected an error for an unknown verbosity")
	}
}
