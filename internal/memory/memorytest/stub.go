// Package memorytest provides a scripted collaborator for tests.
package memorytest

import (
	"context"
	"strings"
	"sync"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
)

// Kind identifies which memory prompt a call carries.
type Kind string

const (
	KindShift      Kind = "shift"
	KindSummarize  Kind = "summarize"
	KindOnboarding Kind = "onboarding"
	KindRecompress Kind = "recompress"
	KindGreeting   Kind = "greeting"
	KindReply      Kind = "reply"
)

// Classify guesses the prompt kind from the last message of a request.
func Classify(messages []engine.ChatMessage) Kind {
	if len(messages) == 0 {
		return KindReply
	}
	if messages[0].Role == engine.RoleSystem {
		return KindReply
	}
	p := messages[len(messages)-1].Content
	switch {
	case strings.Contains(p, "conversation flow analyzer"):
		return KindShift
	case strings.Contains(p, "Compress this conversation into long-term memory"):
		return KindSummarize
	case strings.Contains(p, "Has the user provided their name"):
		return KindOnboarding
	case strings.Contains(p, "have grown too long"):
		return KindRecompress
	case strings.Contains(p, "warm greeting"):
		return KindGreeting
	}
	return KindReply
}

// Call records one collaborator request.
type Call struct {
	Kind     Kind
	Model    string
	Messages []engine.ChatMessage
}

// Prompt returns the content of the last message.
func (c Call) Prompt() string {
	if len(c.Messages) == 0 {
		return ""
	}
	return c.Messages[len(c.Messages)-1].Content
}

// LLM is a scripted engine.LLMClient. Unset handlers answer "NO" to shift
// checks, "Unknown" to onboarding and "ok" to everything else.
type LLM struct {
	Shift      func(prompt string) (string, error)
	Summarize  func(prompt string) (string, error)
	Onboarding func(prompt string) (string, error)
	Recompress func(prompt string) (string, error)
	Greeting   func(prompt string) (string, error)
	Reply      func(messages []engine.ChatMessage) (string, error)

	// Chunks splits streamed replies; nil streams word by word.
	Chunks func(reply string) []string
	// Gate, when set, is received from before every streamed chunk.
	Gate chan struct{}

	mu    sync.Mutex
	calls []Call
}

// Calls returns a snapshot of recorded calls.
func (l *LLM) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// Count returns how many calls of kind were made.
func (l *LLM) Count(kind Kind) int {
	n := 0
	for _, c := range l.Calls() {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func (l *LLM) record(model string, messages []engine.ChatMessage) Kind {
	kind := Classify(messages)
	l.mu.Lock()
	l.calls = append(l.calls, Call{Kind: kind, Model: model, Messages: append([]engine.ChatMessage(nil), messages...)})
	l.mu.Unlock()
	return kind
}

func (l *LLM) answer(kind Kind, messages []engine.ChatMessage) (string, error) {
	prompt := ""
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}
	call := func(fn func(string) (string, error), def string) (string, error) {
		if fn == nil {
			return def, nil
		}
		return fn(prompt)
	}
	switch kind {
	case KindShift:
		return call(l.Shift, "NO")
	case KindSummarize:
		return call(l.Summarize, "TOPIC: General\nSUMMARY: talked\nHISTORY: chatted")
	case KindOnboarding:
		return call(l.Onboarding, "Unknown")
	case KindRecompress:
		return call(l.Recompress, "ok")
	case KindGreeting:
		return call(l.Greeting, "Welcome back")
	}
	if l.Reply == nil {
		return "ok", nil
	}
	return l.Reply(messages)
}

// Chat implements engine.LLMClient.
func (l *LLM) Chat(ctx context.Context, model string, messages []engine.ChatMessage, _ engine.ChatOptions) (engine.LLMResponse, error) {
	kind := l.record(model, messages)
	if err := ctx.Err(); err != nil {
		return engine.LLMResponse{}, err
	}
	text, err := l.answer(kind, messages)
	if err != nil {
		return engine.LLMResponse{}, err
	}
	return engine.LLMResponse{
		Assistant:    engine.ChatMessage{Role: engine.RoleAssistant, Content: text},
		FinishReason: "stop",
	}, nil
}

// Stream implements engine.LLMClient.
func (l *LLM) Stream(ctx context.Context, model string, messages []engine.ChatMessage, _ engine.ChatOptions) (<-chan engine.StreamEvent, <-chan error) {
	events := make(chan engine.StreamEvent)
	errs := make(chan error, 1)
	kind := l.record(model, messages)

	go func() {
		defer close(events)
		defer close(errs)

		text, err := l.answer(kind, messages)
		if err != nil {
			errs <- err
			return
		}
		chunks := strings.SplitAfter(text, " ")
		if l.Chunks != nil {
			chunks = l.Chunks(text)
		}
		for _, c := range chunks {
			if l.Gate != nil {
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				case <-l.Gate:
				}
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case events <- engine.StreamEvent{Type: engine.StreamEventTextDelta, Text: c}:
			}
		}
		errs <- nil
	}()
	return events, errs
}
