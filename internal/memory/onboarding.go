package memory

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
	"github.com/ChamsBouzaiene/mneme/internal/prompts"
)

const (
	// PersonalTopic holds what onboarding learned about the user.
	PersonalTopic = "Personal"

	unknownSentinel   = "Unknown"
	maxOnboardingRune = 50
)

// Profiler extracts identity or interests while nothing is known yet.
type Profiler struct {
	LLM   engine.LLMClient
	Hooks Hook
}

// Profile runs only while st has no topics. It returns true when an
// extraction was accepted into the Personal topic.
func (p *Profiler) Profile(ctx context.Context, st *State, model string) bool {
	hooks := hookOrNop(p.Hooks)
	if st.HasTopics() || len(st.Active) == 0 {
		return false
	}

	prompt, err := prompts.Render(prompts.OnboardingExtract, map[string]string{
		"conversation": RenderTranscript(st.Active),
	})
	if err != nil {
		hooks.OnCollaboratorError(ctx, "onboarding", err)
		return false
	}

	resp, err := p.LLM.Chat(ctx, model, []engine.ChatMessage{
		{Role: engine.RoleUser, Content: prompt},
	}, engine.ChatOptions{})
	if err != nil {
		hooks.OnCollaboratorError(ctx, "onboarding", err)
		return false
	}

	result := strings.TrimSpace(resp.Assistant.Content)
	if !acceptOnboarding(result) {
		hooks.OnOnboarding(ctx, st, false, result)
		return false
	}
	st.LongTerm.AppendSummary(PersonalTopic, result)
	hooks.OnOnboarding(ctx, st, true, result)
	return true
}

func acceptOnboarding(result string) bool {
	return result != "" &&
		!strings.Contains(result, unknownSentinel) &&
		utf8.RuneCountInString(result) < maxOnboardingRune
}
