package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/m4xw311/mcprelay/config"
	"github.com/m4xw311/mcprelay/errors"
	"github.com/m4xw311/mcprelay/session"
)

// Roles used in Message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation as the model sees it.
type Message struct {
	Role    string
	Content string
}

// Request is a single completion request.
type Request struct {
	Model    string
	System   string
	Messages []Message
}

// LLMClient is the interface for interacting with a Large Language Model.
// Generate streams the completion as text fragments; a failure is yielded
// once, as the last element, and carries errors.ErrProvider.
type LLMClient interface {
	Generate(ctx context.Context, req Request) iter.Seq2[string, error]
}

// New creates the client named by cfg.LLMClient.
func New(ctx context.Context, cfg *config.Config) (LLMClient, error) {
	switch cfg.LLMClient {
	case "mock", "":
		return &MockLLMClient{}, nil
	case "openai":
		return NewOpenAILLMClient(ctx, cfg.Model)
	case "anthropic":
		return NewAnthropicLLMClient(ctx, cfg.Model)
	case "gemini":
		return NewGeminiLLMClient(ctx, cfg.Model)
	case "bedrock":
		return NewBedrockLLMClient(ctx, cfg.Model)
	default:
		return nil, errors.New("unknown llm client %q (want mock, openai, anthropic, gemini or bedrock)", cfg.LLMClient)
	}
}

// FromTurns converts a transcript into model messages. Tool turns become
// user-side observations and consecutive messages of the same role are
// merged, which every provider accepts.
func FromTurns(turns []session.Turn) []Message {
	var out []Message
	for _, t := range turns {
		var m Message
		switch t.Role {
		case session.RoleAssistant:
			m = Message{Role: RoleAssistant, Content: t.Content}
		case session.RoleTool:
			m = Message{Role: RoleUser, Content: Observation(t)}
		default:
			m = Message{Role: RoleUser, Content: t.Content}
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	return out
}

// Observation renders a tool turn for the model.
func Observation(t session.Turn) string {
	status := string(t.Status)
	if t.ErrorKind != "" {
		status += " " + t.ErrorKind
	}
	return fmt.Sprintf("[tool result %s#%s %s]\n%s", t.ToolName, t.CorrelationID, status, t.ToolResult)
}

// Collect drains a stream into a single string.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var b strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk)
	}
	return b.String(), nil
}

func providerError(err error, format string, a ...any) error {
	return errors.Mark(fmt.Errorf(format+": %w", append(a, err)...), errors.ErrProvider)
}
