package memory

import (
	"context"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
	"github.com/ChamsBouzaiene/mneme/internal/prompts"
)

// CompactionPolicy bounds long-term memory. It runs after every successful
// summarization.
type CompactionPolicy interface {
	Compact(ctx context.Context, st *State, model string)
}

// NoCompaction lets topic buckets and the history log grow without limit.
type NoCompaction struct{}

func (NoCompaction) Compact(context.Context, *State, string) {}

// RecompressPolicy rewrites oversized topic buckets through the
// collaborator and keeps only the newest history lines. Zero limits
// disable the corresponding check.
type RecompressPolicy struct {
	LLM             engine.LLMClient
	Hooks           Hook
	MaxTopicChars   int
	MaxHistoryLines int
}

func (p *RecompressPolicy) Compact(ctx context.Context, st *State, model string) {
	hooks := hookOrNop(p.Hooks)

	if p.MaxTopicChars > 0 && p.LLM != nil {
		for _, name := range st.LongTerm.TopicNames() {
			notes := st.LongTerm.Topics[name]
			before := utf8.RuneCountInString(notes)
			if before <= p.MaxTopicChars {
				continue
			}
			out, ok := p.recompress(ctx, name, notes, model)
			if !ok {
				continue
			}
			after := utf8.RuneCountInString(out)
			if after >= before {
				continue
			}
			st.LongTerm.Topics[name] = out
			hooks.OnCompaction(ctx, st, name, before, after)
		}
	}

	if p.MaxHistoryLines > 0 {
		lines := st.LongTerm.HistoryLines()
		if len(lines) > p.MaxHistoryLines {
			kept := lines[len(lines)-p.MaxHistoryLines:]
			st.LongTerm.RequestHistory = strings.Join(kept, "\n")
			hooks.OnCompaction(ctx, st, "request_history", len(lines), len(kept))
		}
	}
}

func (p *RecompressPolicy) recompress(ctx context.Context, topic, notes, model string) (string, bool) {
	prompt, err := prompts.Render(prompts.Recompress, map[string]string{
		"topic": topic,
		"limit": strconv.Itoa(p.MaxTopicChars),
		"notes": notes,
	})
	if err != nil {
		return "", false
	}
	resp, err := p.LLM.Chat(ctx, model, []engine.ChatMessage{
		{Role: engine.RoleUser, Content: prompt},
	}, engine.ChatOptions{})
	if err != nil {
		hookOrNop(p.Hooks).OnCollaboratorError(ctx, "compaction", err)
		return "", false
	}
	out := strings.TrimSpace(resp.Assistant.Content)
	return out, out != ""
}
