package providers

import (
	"context"
	"sync"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
)

// SwitchableClient forwards to an underlying client that can be replaced
// while calls are in flight. Calls already started keep their client.
type SwitchableClient struct {
	mu     sync.RWMutex
	client engine.LLMClient
	model  string
}

// NewSwitchableClient wraps client, whose default model is model.
func NewSwitchableClient(client engine.LLMClient, model string) *SwitchableClient {
	return &SwitchableClient{client: client, model: model}
}

// Set replaces the underlying client.
func (s *SwitchableClient) Set(client engine.LLMClient, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = client
	s.model = model
}

// Model returns the default model of the current client.
func (s *SwitchableClient) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

func (s *SwitchableClient) current() engine.LLMClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// Chat implements engine.LLMClient.
func (s *SwitchableClient) Chat(ctx context.Context, model string, messages []engine.ChatMessage, opts engine.ChatOptions) (engine.LLMResponse, error) {
	return s.current().Chat(ctx, model, messages, opts)
}

// Stream implements engine.LLMClient.
func (s *SwitchableClient) Stream(ctx context.Context, model string, messages []engine.ChatMessage, opts engine.ChatOptions) (<-chan engine.StreamEvent, <-chan error) {
	return s.current().Stream(ctx, model, messages, opts)
}
