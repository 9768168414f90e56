package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/m4xw311/mcprelay/errors"
)

// Reply is one scripted answer of MockLLMClient.
type Reply struct {
	Text string
	// Err, when set, is yielded after Text has been streamed.
	Err error
	// Gate, when set, holds the reply back until it is closed or the
	// request context is done.
	Gate <-chan struct{}
}

// MockLLMClient answers from a script and records every request. Once the
// script is used up it parrots the last message back.
type MockLLMClient struct {
	mu       sync.Mutex
	replies  []Reply
	requests []Request
}

// NewMockLLMClient returns a client that plays replies in order.
func NewMockLLMClient(replies ...Reply) *MockLLMClient {
	return &MockLLMClient{replies: replies}
}

// Script appends replies to the script.
func (m *MockLLMClient) Script(replies ...Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, replies...)
}

// Requests returns the requests received so far.
func (m *MockLLMClient) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *MockLLMClient) Generate(ctx context.Context, req Request) iter.Seq2[string, error] {
	m.mu.Lock()
	req.Messages = append([]Message(nil), req.Messages...)
	m.requests = append(m.requests, req)
	var r Reply
	if len(m.replies) > 0 {
		r, m.replies = m.replies[0], m.replies[1:]
	} else {
		r = Reply{Text: parrot(req)}
	}
	m.mu.Unlock()

	return func(yield func(string, error) bool) {
		if r.Gate != nil {
			select {
			case <-r.Gate:
			case <-ctx.Done():
				yield("", errors.Mark(ctx.Err(), errors.ErrCanceled))
				return
			}
		}
		for _, word := range strings.SplitAfter(r.Text, " ") {
			if ctx.Err() != nil {
				yield("", errors.Mark(ctx.Err(), errors.ErrCanceled))
				return
			}
			if word == "" {
				continue
			}
			if !yield(word, nil) {
				return
			}
		}
		if r.Err != nil {
			yield("", errors.Mark(r.Err, errors.ErrProvider))
		}
	}
}

func parrot(req Request) string {
	if len(req.Messages) == 0 {
		return "I am a mock LLM. Nothing was said."
	}
	last := req.Messages[len(req.Messages)-1].Content
	return fmt.Sprintf("I am a mock LLM. You said: '%s'.", last)
}
