package llm

import (
	"context"
	"iter"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/mcprelay/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiLLMClient is a client for the Google Gemini API.
type GeminiLLMClient struct {
	client    *genai.Client
	modelName string
}

// NewGeminiLLMClient creates a new GeminiLLMClient.
// It requires the GEMINI_API_KEY (or GOOGLE_API_KEY) environment variable to be set.
func NewGeminiLLMClient(ctx context.Context, modelName string) (*GeminiLLMClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiLLMClient{client: client, modelName: modelName}, nil
}

// Generate streams a chat response from the Gemini API.
func (g *GeminiLLMClient) Generate(ctx context.Context, req Request) iter.Seq2[string, error] {
	name := g.modelName
	if req.Model != "" {
		name = req.Model
	}
	// SystemInstruction is model state, so each request gets its own model.
	model := g.client.GenerativeModel(name)
	if req.System != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(req.System))
	}
	history := convertMessagesToGeminiContent(req.Messages)

	return func(yield func(string, error) bool) {
		if len(history) == 0 {
			yield("", providerError(errors.New("empty conversation"), "gemini request rejected"))
			return
		}
		last := history[len(history)-1]
		chat := model.StartChat()
		chat.History = history[:len(history)-1]

		it := chat.SendMessageStream(ctx, last.Parts...)
		for {
			resp, err := it.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				yield("", providerError(err, "gemini stream failed"))
				return
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					text, ok := part.(genai.Text)
					if !ok || text == "" {
						continue
					}
					if !yield(string(text), nil) {
						return
					}
				}
			}
		}
	}
}

// convertMessagesToGeminiContent converts our message format to Gemini's.
func convertMessagesToGeminiContent(messages []Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return contents
}
