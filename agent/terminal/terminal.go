package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/m4xw311/mcprelay/agent"
	"github.com/m4xw311/mcprelay/errors"
	"github.com/m4xw311/mcprelay/session"
)

// Verbosity controls how much of the tool traffic is printed.
type Verbosity string

const (
	VerbosityNone Verbosity = "none"
	VerbosityInfo Verbosity = "info"
	VerbosityAll  Verbosity = "all"
)

// ParseVerbosity maps a flag value to a Verbosity. Empty means info.
func ParseVerbosity(s string) (Verbosity, error) {
	switch v := Verbosity(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return VerbosityInfo, nil
	case VerbosityNone, VerbosityInfo, VerbosityAll:
		return v, nil
	default:
		return "", errors.New("invalid tool verbosity %q: must be 'none', 'info', or 'all'", s)
	}
}

// Terminal handles the terminal/CLI interaction mode for the agent
type Terminal struct {
	runner    *agent.Runner
	Verbosity Verbosity
	// Interrupts cancels the turn in progress, or ends the session when
	// the user is at the prompt. Usually fed by signal.Notify.
	Interrupts <-chan os.Signal

	in  io.Reader
	out io.Writer
}

// New creates a new Terminal reading from stdin and writing to stdout.
func New(r *agent.Runner, verbosity Verbosity) *Terminal {
	return &Terminal{
		runner:    r,
		Verbosity: verbosity,
		in:        os.Stdin,
		out:       os.Stdout,
	}
}

// Run starts the interactive terminal session. It returns when the input
// ends, the user quits or ctx is done.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	ctx, cancel := context.WithCancel(ctx)
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		t.runner.Run(ctx)
	}()
	defer func() {
		cancel()
		<-runnerDone
	}()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go t.readLines(ctx, lines, scanErr)

	// If there's an initial prompt from the command line, use it first
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			return err
		}
	}

	for {
		fmt.Fprint(t.out, "You: ")
		select {
		case <-ctx.Done():
			return nil
		case <-t.Interrupts:
			fmt.Fprintln(t.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				// EOF or read error ends the session
				return <-scanErr
			}
			userInput := strings.TrimSpace(line)
			if userInput == "" {
				continue
			}
			if userInput == "/quit" || userInput == "/exit" {
				return nil
			}
			if err := t.processTurn(ctx, userInput); err != nil {
				return err
			}
		}
	}
}

func (t *Terminal) readLines(ctx context.Context, lines chan<- string, scanErr chan<- error) {
	defer close(lines)
	scanner := bufio.NewScanner(t.in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			scanErr <- nil
			return
		}
	}
	scanErr <- scanner.Err()
}

// processTurn submits one input and waits for its turn to end. Turn errors
// are printed; only a failure to queue the input is returned.
func (t *Terminal) processTurn(ctx context.Context, userInput string) error {
	done := make(chan error, 1)
	if err := t.runner.Submit(userInput, t.callbacks(), func(err error) { done <- err }); err != nil {
		return err
	}
	for {
		select {
		case err := <-done:
			if err != nil {
				fmt.Fprintf(t.out, "Error (%s): %v\n", errors.KindOf(err), err)
			}
			return nil
		case <-t.Interrupts:
			if t.runner.Cancel() {
				fmt.Fprintln(t.out, "\nCanceling...")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (t *Terminal) callbacks() agent.ProcessCallbacks {
	return agent.ProcessCallbacks{
		OnAssistantMessage: func(message string) {
			fmt.Fprintf(t.out, "Assistant: %s\n", message)
		},
		OnToolCall: func(toolCall session.ToolCall) {
			switch t.Verbosity {
			case VerbosityAll:
				fmt.Fprintf(t.out, "Calling tool `%s` with args: %v\n", toolCall.Name, toolCall.Args)
			case VerbosityInfo:
				fmt.Fprintf(t.out, "Calling tool `%s`\n", toolCall.Name)
			}
		},
		OnToolResult: func(turn session.Turn) {
			switch t.Verbosity {
			case VerbosityAll:
				fmt.Fprintf(t.out, "Tool `%s` (%s): %s\n", turn.ToolName, turn.Status, turn.ToolResult)
			case VerbosityInfo:
				if turn.Status != session.StatusOK {
					fmt.Fprintf(t.out, "Tool `%s` failed: %s\n", turn.ToolName, turn.ToolResult)
				}
			}
		},
		OnWarning: func(warning string) {
			fmt.Fprintf(t.out, "Warning: %s\n", warning)
		},
	}
}
