package llm

import (
	"context"
	"encoding/json"
	"iter"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/m4xw311/mcprelay/errors"
)

// BedrockLLMClient is a client for the Anthropic models on AWS Bedrock.
type BedrockLLMClient struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockLLMClient creates a new BedrockLLMClient.
// It requires AWS credentials to be configured in the environment.
func NewBedrockLLMClient(ctx context.Context, modelID string) (*BedrockLLMClient, error) {
	var opts []func(*config.LoadOptions) error
	if os.Getenv("AWS_REGION") == "" && os.Getenv("AWS_DEFAULT_REGION") == "" {
		opts = append(opts, config.WithRegion("us-east-1"))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	if modelID == "" {
		modelID = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	// Custom endpoint, useful for testing
	var clientOpts []func(*bedrockruntime.Options)
	if endpoint := os.Getenv("BEDROCK_ENDPOINT_URL"); endpoint != "" {
		clientOpts = append(clientOpts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	return &BedrockLLMClient{
		client:  bedrockruntime.NewFromConfig(cfg, clientOpts...),
		modelID: modelID,
	}, nil
}

// Generate streams a completion from the Anthropic model via AWS Bedrock.
func (b *BedrockLLMClient) Generate(ctx context.Context, req Request) iter.Seq2[string, error] {
	modelID := b.modelID
	if req.Model != "" {
		modelID = req.Model
	}

	return func(yield func(string, error) bool) {
		body, err := createAnthropicRequest(convertMessagesToAnthropicFormat(req.Messages), req.System)
		if err != nil {
			yield("", providerError(err, "failed to create Anthropic request"))
			return
		}

		resp, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(modelID),
			ContentType: aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			yield("", providerError(err, "failed to invoke Bedrock model"))
			return
		}

		stream := resp.GetStream()
		defer stream.Close()
		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			text, err := bedrockChunkText(chunk.Value.Bytes)
			if err != nil {
				yield("", providerError(err, "Bedrock stream failed"))
				return
			}
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", providerError(err, "Bedrock stream failed"))
		}
	}
}

// convertMessagesToAnthropicFormat converts our message format to the
// Anthropic messages wire format used on Bedrock.
func convertMessagesToAnthropicFormat(messages []Message) []map[string]interface{} {
	var anthropicMessages []map[string]interface{}
	for _, msg := range messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "assistant"
		}
		anthropicMessages = append(anthropicMessages, map[string]interface{}{
			"role": role,
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": msg.Content,
				},
			},
		})
	}
	return anthropicMessages
}

// createAnthropicRequest creates the request body for Anthropic models on Bedrock.
func createAnthropicRequest(messages []map[string]interface{}, systemPrompt string) ([]byte, error) {
	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
		"messages":          messages,
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}
	return json.Marshal(request)
}

// bedrockChunkText extracts the text of one streamed Anthropic event.
// Events other than text deltas yield an empty string.
func bedrockChunkText(chunk []byte) (string, error) {
	var event struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(chunk, &event); err != nil {
		return "", errors.Wrapf(err, "failed to unmarshal Bedrock stream event")
	}
	if event.Type == "error" && event.Error != nil {
		return "", errors.New("Bedrock API error: %s: %s", event.Error.Type, event.Error.Message)
	}
	if event.Type != "content_block_delta" || event.Delta.Type != "text_delta" {
		return "", nil
	}
	return event.Delta.Text, nil
}
