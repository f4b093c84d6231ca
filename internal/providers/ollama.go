package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmorganca/ollama/api"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
)

// OllamaClient implements engine.LLMClient against a local Ollama server
// using its native chat API.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllamaClient creates a client for the server named by OLLAMA_HOST
// (default http://127.0.0.1:11434).
func NewOllamaClient(modelName string) (*OllamaClient, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create Ollama client: %w", err)
	}
	return &OllamaClient{client: client, model: modelName}, nil
}

func toOllamaMessages(messages []engine.ChatMessage) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, api.Message{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}

func (c *OllamaClient) request(modelName string, messages []engine.ChatMessage, opts engine.ChatOptions, stream bool) *api.ChatRequest {
	if modelName == "" {
		modelName = c.model
	}
	options := map[string]interface{}{}
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.MaxOutputTokens > 0 {
		options["num_predict"] = opts.MaxOutputTokens
	}
	return &api.ChatRequest{
		Model:    modelName,
		Messages: toOllamaMessages(messages),
		Stream:   &stream,
		Options:  options,
	}
}

func wrapOllamaError(err error) error {
	httpStatus, retryAfter := engine.StatusFromError(err)
	return engine.WrapLLMError(err, httpStatus, retryAfter)
}

// Chat implements engine.LLMClient.
func (c *OllamaClient) Chat(ctx context.Context, modelName string, messages []engine.ChatMessage, opts engine.ChatOptions) (engine.LLMResponse, error) {
	var text strings.Builder
	var usage engine.Usage

	err := c.client.Chat(ctx, c.request(modelName, messages, opts, false), func(resp api.ChatResponse) error {
		if resp.Done {
			usage = engine.Usage{
				Prompt:     resp.PromptEvalCount,
				Completion: resp.EvalCount,
				Total:      resp.PromptEvalCount + resp.EvalCount,
			}
		}
		if resp.Message != nil {
			text.WriteString(resp.Message.Content)
		}
		return nil
	})
	if err != nil {
		return engine.LLMResponse{}, wrapOllamaError(err)
	}

	return engine.LLMResponse{
		Assistant:    engine.ChatMessage{Role: engine.RoleAssistant, Content: text.String()},
		Usage:        usage,
		FinishReason: "stop",
	}, nil
}

// Stream implements engine.LLMClient.
func (c *OllamaClient) Stream(ctx context.Context, modelName string, messages []engine.ChatMessage, opts engine.ChatOptions) (<-chan engine.StreamEvent, <-chan error) {
	eventCh := make(chan engine.StreamEvent, 10)
	errCh := make(chan error, 1)

	go func() {
		defer close(eventCh)
		defer close(errCh)

		err := c.client.Chat(ctx, c.request(modelName, messages, opts, true), func(resp api.ChatResponse) error {
			ev := engine.StreamEvent{Type: engine.StreamEventTextDelta}
			if resp.Done {
				ev = engine.StreamEvent{Type: engine.StreamEventUsage, Usage: engine.Usage{
					Prompt:     resp.PromptEvalCount,
					Completion: resp.EvalCount,
					Total:      resp.PromptEvalCount + resp.EvalCount,
				}}
			} else if resp.Message != nil && resp.Message.Content != "" {
				ev.Text = resp.Message.Content
			} else {
				return nil
			}

			select {
			case eventCh <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errCh <- wrapOllamaError(err)
			return
		}
		errCh <- nil
	}()

	return eventCh, errCh
}
