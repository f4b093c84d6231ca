package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
	"github.com/ChamsBouzaiene/mneme/internal/prompts"
)

// Greeter writes a proactive re-engagement message for a known user.
type Greeter struct {
	LLM    engine.LLMClient
	Policy engine.RetryPolicy
	Hooks  Hook
}

// Greet returns "" when nothing is known about the user. Otherwise the
// generated greeting is appended to the window as an assistant message.
func (g *Greeter) Greet(ctx context.Context, st *State, model string, now time.Time) (string, error) {
	if !st.HasTopics() {
		return "", nil
	}

	elapsed := ElapsedLabel(st.LastInteraction, now)
	lastTopic := st.LongTerm.LastHistoryLine()
	if lastTopic == "" {
		names := st.LongTerm.TopicNames()
		lastTopic = names[len(names)-1]
	}

	prompt, err := prompts.Render(prompts.Greeting, map[string]string{
		"profile":    flatProfile(&st.LongTerm),
		"last_topic": lastTopic,
		"elapsed":    elapsed,
	})
	if err != nil {
		return "", err
	}

	resp, err := engine.RetryLLMCall(ctx, g.Policy, g.LLM, model, []engine.ChatMessage{
		{Role: engine.RoleUser, Content: prompt},
	}, engine.ChatOptions{}, nil)
	if err != nil {
		hookOrNop(g.Hooks).OnCollaboratorError(ctx, "greeting", err)
		return "", fmt.Errorf("generate greeting: %w", err)
	}

	greeting := strings.TrimSpace(resp.Assistant.Content)
	if greeting == "" {
		return "", nil
	}
	st.Active = append(st.Active, Message{Role: engine.RoleAssistant, Content: greeting})
	st.LastInteraction = &now
	return greeting, nil
}

// ElapsedLabel buckets the time since last into a coarse phrase.
func ElapsedLabel(last *time.Time, now time.Time) string {
	if last == nil {
		return "a long time"
	}
	d := now.Sub(*last)
	switch {
	case d < time.Minute:
		return "just a moment"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	default:
		return fmt.Sprintf("%d days", int(d/(24*time.Hour)))
	}
}

func flatProfile(lt *LongTermMemory) string {
	parts := make([]string, 0, len(lt.Topics))
	for _, name := range lt.TopicNames() {
		parts = append(parts, name+": "+lt.Topics[name])
	}
	return strings.Join(parts, ", ")
}
