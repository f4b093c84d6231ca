package memory

import (
	"context"
	"strings"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
	"github.com/ChamsBouzaiene/mneme/internal/prompts"
)

// ShiftContextSize is how many recent messages the detector compares against.
const ShiftContextSize = 3

// ShiftDetector asks the collaborator whether a new user message leaves the
// current subject. It never blocks a turn: any failure reads as "no shift".
type ShiftDetector struct {
	LLM   engine.LLMClient
	Hooks Hook
}

// Detect reports whether content is a topic shift relative to recent.
// Only the last ShiftContextSize messages of recent are considered.
func (d *ShiftDetector) Detect(ctx context.Context, recent []Message, content, model string) bool {
	hooks := hookOrNop(d.Hooks)
	if len(recent) == 0 {
		return false
	}
	if len(recent) > ShiftContextSize {
		recent = recent[len(recent)-ShiftContextSize:]
	}

	prompt, err := prompts.Render(prompts.TopicShift, map[string]string{
		"context": renderRoleTagged(recent),
		"message": content,
	})
	if err != nil {
		hooks.OnCollaboratorError(ctx, "shift", err)
		return false
	}

	resp, err := d.LLM.Chat(ctx, model, []engine.ChatMessage{
		{Role: engine.RoleUser, Content: prompt},
	}, engine.ChatOptions{})
	if err != nil {
		hooks.OnCollaboratorError(ctx, "shift", err)
		return false
	}
	return strings.Contains(strings.ToUpper(resp.Assistant.Content), "YES")
}
