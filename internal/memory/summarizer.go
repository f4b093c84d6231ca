package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
	"github.com/ChamsBouzaiene/mneme/internal/prompts"
)

// Summarizer compresses an evicted batch into one topic bucket and one
// history line.
type Summarizer struct {
	LLM        engine.LLMClient
	Hooks      Hook
	Compaction CompactionPolicy
}

// Summarize asks the collaborator for a summary of batch and applies it to
// st.LongTerm. Long-term memory is touched only when the output parses.
func (s *Summarizer) Summarize(ctx context.Context, st *State, batch []Message, model string) (SummaryUpdate, error) {
	hooks := hookOrNop(s.Hooks)
	if len(batch) == 0 {
		return SummaryUpdate{}, nil
	}

	topics := "None"
	if names := st.LongTerm.TopicNames(); len(names) > 0 {
		topics = strings.Join(names, ", ")
	}
	prompt, err := prompts.Render(prompts.Summarize, map[string]string{
		"topics":       topics,
		"conversation": RenderTranscript(batch),
	})
	if err != nil {
		return SummaryUpdate{}, err
	}

	resp, err := s.LLM.Chat(ctx, model, []engine.ChatMessage{
		{Role: engine.RoleUser, Content: prompt},
	}, engine.ChatOptions{})
	if err != nil {
		hooks.OnCollaboratorError(ctx, "summarizer", err)
		return SummaryUpdate{}, fmt.Errorf("summarize batch: %w", err)
	}

	upd, err := ParseSummary(resp.Assistant.Content)
	if err != nil {
		hooks.OnParseFailure(ctx, "summarizer", resp.Assistant.Content, err)
		return SummaryUpdate{}, err
	}

	st.LongTerm.AppendSummary(upd.Topic, upd.Summary)
	st.LongTerm.AppendHistory(upd.History)
	hooks.OnSummaryApplied(ctx, st, upd)

	if s.Compaction != nil {
		s.Compaction.Compact(ctx, st, model)
	}
	return upd, nil
}
