package memory_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
	"github.com/ChamsBouzaiene/mneme/internal/memory"
	"github.com/ChamsBouzaiene/mneme/internal/memory/memorytest"
)

func newWindow(llm engine.LLMClient, hooks memory.Hook) *memory.Window {
	return &memory.Window{
		Shift:      &memory.ShiftDetector{LLM: llm, Hooks: hooks},
		Summarizer: &memory.Summarizer{LLM: llm, Hooks: hooks},
		Hooks:      hooks,
	}
}

type flushCounter struct {
	memory.NopHook
	flushes  []memory.FlushReason
	failures int
}

func (f *flushCounter) OnFlush(_ context.Context, _ *memory.State, reason memory.FlushReason, _ []memory.Message) {
	f.flushes = append(f.flushes, reason)
}

func (f *flushCounter) OnParseFailure(context.Context, string, string, error) {
	f.failures++
}

func TestPruneKeepsTwoTurnsPerWindow(t *testing.T) {
	ctx := context.Background()
	llm := &memorytest.LLM{}
	hooks := &flushCounter{}
	w := newWindow(llm, hooks)
	st := memory.NewState()

	for i := 0; i < 5; i++ {
		_, err := w.Append(ctx, st, engine.RoleUser, fmt.Sprintf("question %d", i), "m")
		require.NoError(t, err)
		_, err = w.Append(ctx, st, engine.RoleAssistant, fmt.Sprintf("answer %d", i), "m")
		require.NoError(t, err)
	}
	require.Len(t, st.Active, 10)

	pruned := w.Prune(ctx, st, 2, "m")
	assert.Equal(t, 6, pruned)
	assert.Len(t, st.Active, 4)
	assert.Equal(t, "question 3", st.Active[0].Content)
	assert.Equal(t, []memory.FlushReason{memory.FlushOverflow}, hooks.flushes)
	assert.Equal(t, 1, llm.Count(memorytest.KindSummarize))
	assert.Equal(t, "chatted", st.LongTerm.RequestHistory)
}

func TestPrunePerTurnFlushesOnePair(t *testing.T) {
	ctx := context.Background()
	llm := &memorytest.LLM{}
	hooks := &flushCounter{}
	w := newWindow(llm, hooks)
	st := memory.NewState()

	for i := 0; i < 5; i++ {
		_, err := w.Append(ctx, st, engine.RoleUser, fmt.Sprintf("question %d", i), "m")
		require.NoError(t, err)
		_, err = w.Append(ctx, st, engine.RoleAssistant, fmt.Sprintf("answer %d", i), "m")
		require.NoError(t, err)
		if i < 4 {
			w.Prune(ctx, st, 2, "m")
		}
	}
	hooks.flushes = nil
	before := llm.Count(memorytest.KindSummarize)

	assert.Equal(t, 2, w.Prune(ctx, st, 2, "m"))
	assert.Len(t, st.Active, 4)
	assert.Len(t, hooks.flushes, 1)
	assert.Equal(t, before+1, llm.Count(memorytest.KindSummarize))

	batch := llm.Calls()[len(llm.Calls())-1].Prompt()
	assert.Contains(t, batch, "User: question 2")
	assert.Contains(t, batch, "AI: answer 2")
}

func TestPruneBoundHolds(t *testing.T) {
	ctx := context.Background()
	for _, size := range []int{0, 1, 2, 3, 5} {
		llm := &memorytest.LLM{}
		w := newWindow(llm, nil)
		st := memory.NewState()
		limit := 2 * size
		if limit < 2 {
			limit = 2
		}
		for i := 0; i < 13; i++ {
			role := engine.RoleUser
			if i%2 == 1 {
				role = engine.RoleAssistant
			}
			_, err := w.Append(ctx, st, role, fmt.Sprintf("m%d", i), "m")
			require.NoError(t, err)
			w.Prune(ctx, st, size, "m")
			assert.LessOrEqual(t, len(st.Active), limit, "size=%d step=%d", size, i)
		}
	}
}

func TestTopicShiftFlushesBeforeAppend(t *testing.T) {
	ctx := context.Background()
	userMsgs := 0
	llm := &memorytest.LLM{
		Shift: func(string) (string, error) {
			userMsgs++
			// the first user message skips detection on an empty window
			if userMsgs == 2 {
				return "yes, completely different", nil
			}
			return "NO", nil
		},
	}
	hooks := &flushCounter{}
	w := newWindow(llm, hooks)
	st := memory.NewState()

	for i, m := range []string{"hi", "hello"} {
		_, err := w.Append(ctx, st, engine.RoleUser, m, "m")
		require.NoError(t, err)
		_, err = w.Append(ctx, st, engine.RoleAssistant, fmt.Sprintf("reply %d", i), "m")
		require.NoError(t, err)
	}

	shifted, err := w.Append(ctx, st, engine.RoleUser, "how do I bake bread?", "m")
	require.NoError(t, err)
	assert.True(t, shifted)
	require.Len(t, st.Active, 1)
	assert.Equal(t, "how do I bake bread?", st.Active[0].Content)
	assert.Equal(t, []memory.FlushReason{memory.FlushTopicShift}, hooks.flushes)
	assert.Equal(t, "talked", st.LongTerm.Topics["General"])
}

func TestShiftDetectorUsesLastThreeMessages(t *testing.T) {
	llm := &memorytest.LLM{}
	d := &memory.ShiftDetector{LLM: llm}
	recent := []memory.Message{
		{Role: engine.RoleUser, Content: "oldest"},
		{Role: engine.RoleAssistant, Content: "second"},
		{Role: engine.RoleUser, Content: "third"},
		{Role: engine.RoleAssistant, Content: "fourth"},
	}

	assert.False(t, d.Detect(context.Background(), recent, "next", "m"))
	prompt := llm.Calls()[0].Prompt()
	assert.NotContains(t, prompt, "oldest")
	assert.Contains(t, prompt, "user: third")
	assert.Contains(t, prompt, "assistant: fourth")
	assert.Contains(t, prompt, "user: next")
}

func TestShiftDetectorFailureMeansNoShift(t *testing.T) {
	llm := &memorytest.LLM{Shift: func(string) (string, error) { return "", errors.New("503 service unavailable") }}
	d := &memory.ShiftDetector{LLM: llm}
	recent := []memory.Message{{Role: engine.RoleUser, Content: "a"}}
	assert.False(t, d.Detect(context.Background(), recent, "b", "m"))
}

func TestAppendRejectsEmptyContent(t *testing.T) {
	w := newWindow(&memorytest.LLM{}, nil)
	st := memory.NewState()
	_, err := w.Append(context.Background(), st, engine.RoleUser, "  \n", "m")
	assert.ErrorIs(t, err, memory.ErrEmptyContent)
	assert.Empty(t, st.Active)
	assert.Nil(t, st.LastInteraction)
}

func TestAppendStampsInteraction(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := newWindow(&memorytest.LLM{}, nil)
	w.Now = func() time.Time { return now }
	st := memory.NewState()
	_, err := w.Append(context.Background(), st, engine.RoleUser, "hi", "m")
	require.NoError(t, err)
	require.NotNil(t, st.LastInteraction)
	assert.Equal(t, now, *st.LastInteraction)
}

func TestFlushUnparseableDropsBatch(t *testing.T) {
	llm := &memorytest.LLM{Summarize: func(string) (string, error) { return "I could not summarize that.", nil }}
	hooks := &flushCounter{}
	w := newWindow(llm, hooks)
	st := memory.NewState()
	st.Active = []memory.Message{
		{Role: engine.RoleUser, Content: "a"},
		{Role: engine.RoleAssistant, Content: "b"},
	}

	w.Flush(context.Background(), st, "m")
	assert.Empty(t, st.Active)
	assert.Empty(t, st.LongTerm.Topics)
	assert.Equal(t, memory.EmptyHistory, st.LongTerm.RequestHistory)
	assert.Equal(t, 1, hooks.failures)
}

func TestFlushCollaboratorErrorDropsBatch(t *testing.T) {
	llm := &memorytest.LLM{Summarize: func(string) (string, error) { return "", errors.New("connection refused") }}
	w := newWindow(llm, nil)
	st := memory.NewState()
	st.Active = []memory.Message{{Role: engine.RoleUser, Content: "a"}}

	w.Flush(context.Background(), st, "m")
	assert.Empty(t, st.Active)
	assert.Empty(t, st.LongTerm.Topics)
}

func TestSummarizerAppendsToExistingBucket(t *testing.T) {
	llm := &memorytest.LLM{Summarize: func(p string) (string, error) {
		return "TOPIC: Work\nSUMMARY: got promoted\nHISTORY: talked about promotion", nil
	}}
	s := &memory.Summarizer{LLM: llm}
	st := memory.NewState()
	st.LongTerm.Topics["Work"] = "new job"
	st.LongTerm.Topics["Family"] = "two kids"
	st.LongTerm.RequestHistory = "asked about job"

	upd, err := s.Summarize(context.Background(), st, []memory.Message{{Role: engine.RoleUser, Content: "promoted!"}}, "m")
	require.NoError(t, err)
	assert.Equal(t, "Work", upd.Topic)
	assert.Equal(t, "new job; got promoted", st.LongTerm.Topics["Work"])
	assert.Equal(t, "asked about job\ntalked about promotion", st.LongTerm.RequestHistory)
	assert.Contains(t, llm.Calls()[0].Prompt(), "Family, Work")
}

func TestSummarizerRunsCompaction(t *testing.T) {
	llm := &memorytest.LLM{
		Summarize: func(string) (string, error) {
			return "TOPIC: Work\nSUMMARY: " + strings.Repeat("x", 40) + "\nHISTORY: h", nil
		},
		Recompress: func(string) (string, error) { return "short", nil },
	}
	s := &memory.Summarizer{LLM: llm, Compaction: &memory.RecompressPolicy{LLM: llm, MaxTopicChars: 20}}
	st := memory.NewState()

	_, err := s.Summarize(context.Background(), st, []memory.Message{{Role: engine.RoleUser, Content: "x"}}, "m")
	require.NoError(t, err)
	assert.Equal(t, "short", st.LongTerm.Topics["Work"])
}

func TestOnboardingGuards(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		err    error
		want   bool
	}{
		{"accepted", "Alice, Baker", nil, true},
		{"sentinel", "Unknown", nil, false},
		{"sentinel inside", "Name: Unknown", nil, false},
		{"empty", "   ", nil, false},
		{"too long", strings.Repeat("a", 50), nil, false},
		{"just under limit", strings.Repeat("a", 49), nil, true},
		{"collaborator error", "", errors.New("timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &memorytest.LLM{Onboarding: func(string) (string, error) { return tt.answer, tt.err }}
			p := &memory.Profiler{LLM: llm}
			st := memory.NewState()
			st.Active = []memory.Message{{Role: engine.RoleUser, Content: "I'm Alice, I bake"}}

			assert.Equal(t, tt.want, p.Profile(context.Background(), st, "m"))
			if tt.want {
				assert.Equal(t, strings.TrimSpace(tt.answer), st.LongTerm.Topics[memory.PersonalTopic])
			} else {
				assert.Empty(t, st.LongTerm.Topics)
			}
		})
	}
}

func TestOnboardingSkippedWhenTopicsExist(t *testing.T) {
	llm := &memorytest.LLM{}
	p := &memory.Profiler{LLM: llm}
	st := memory.NewState()
	st.LongTerm.Topics["Work"] = "x"
	st.Active = []memory.Message{{Role: engine.RoleUser, Content: "hi"}}

	assert.False(t, p.Profile(context.Background(), st, "m"))
	assert.Empty(t, llm.Calls())
}

func TestAssemblerPersonas(t *testing.T) {
	a := &memory.Assembler{}
	st := memory.NewState()
	st.Active = []memory.Message{
		{Role: engine.RoleUser, Content: "hi"},
		{Role: engine.RoleAssistant, Content: "hello"},
	}

	msgs := a.Build(st)
	require.Len(t, msgs, 3)
	assert.Equal(t, engine.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "new client")
	assert.Equal(t, "hi", msgs[1].Content)
	assert.Equal(t, "hello", msgs[2].Content)

	st.LongTerm.Topics["Work"] = "new job"
	st.LongTerm.Topics["Family"] = "two kids"
	st.LongTerm.AppendHistory("asked about job")
	msgs = a.Build(st)
	assert.Contains(t, msgs[0].Content, "[Family]: two kids\n[Work]: new job")
	assert.Contains(t, msgs[0].Content, "[Session History]: asked about job")
}

func TestGreetingEmptyWithoutTopics(t *testing.T) {
	llm := &memorytest.LLM{}
	g := &memory.Greeter{LLM: llm}
	st := memory.NewState()

	out, err := g.Greet(context.Background(), st, "m", time.Now())
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, llm.Calls())
	assert.Empty(t, st.Active)
}

func TestGreetingReferencesTopic(t *testing.T) {
	llm := &memorytest.LLM{Greeting: func(p string) (string, error) {
		for _, line := range strings.Split(p, "\n") {
			if strings.HasPrefix(line, "Client Profile: ") {
				return "Welcome back! How is " + strings.TrimPrefix(line, "Client Profile: ") + "?", nil
			}
		}
		return "", nil
	}}
	g := &memory.Greeter{LLM: llm}
	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	last := now.Add(-49 * time.Hour)
	st := memory.NewState()
	st.LongTerm.Topics["Cooking"] = "likes bread"
	st.LastInteraction = &last

	out, err := g.Greet(context.Background(), st, "m", now)
	require.NoError(t, err)
	assert.Contains(t, out, "Cooking")
	assert.Contains(t, llm.Calls()[0].Prompt(), "Time Since Last Chat: 2 days")
	require.Len(t, st.Active, 1)
	assert.Equal(t, engine.RoleAssistant, st.Active[0].Role)
	assert.Equal(t, now, *st.LastInteraction)
}

func TestElapsedLabel(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { ts := now.Add(-d); return &ts }

	assert.Equal(t, "a long time", memory.ElapsedLabel(nil, now))
	assert.Equal(t, "just a moment", memory.ElapsedLabel(at(59*time.Second), now))
	assert.Equal(t, "1 minutes", memory.ElapsedLabel(at(time.Minute), now))
	assert.Equal(t, "59 minutes", memory.ElapsedLabel(at(59*time.Minute+59*time.Second), now))
	assert.Equal(t, "3 hours", memory.ElapsedLabel(at(3*time.Hour+10*time.Minute), now))
	assert.Equal(t, "1 days", memory.ElapsedLabel(at(24*time.Hour), now))
	assert.Equal(t, "9 days", memory.ElapsedLabel(at(9*24*time.Hour+time.Hour), now))
}

func TestResetRestoresEmptyState(t *testing.T) {
	ts := time.Now()
	st := &memory.State{
		Active:          []memory.Message{{Role: engine.RoleUser, Content: "hi"}},
		LongTerm:        memory.LongTermMemory{Topics: map[string]string{"Work": "x"}, RequestHistory: "line"},
		LastInteraction: &ts,
	}
	st.Reset()
	assert.Empty(t, st.Active)
	assert.NotNil(t, st.Active)
	assert.Empty(t, st.LongTerm.Topics)
	assert.Equal(t, "None", st.LongTerm.RequestHistory)
	assert.Nil(t, st.LastInteraction)
}

func TestCloneIsDeep(t *testing.T) {
	ts := time.Now()
	st := memory.NewState()
	st.Active = append(st.Active, memory.Message{Role: engine.RoleUser, Content: "hi"})
	st.LongTerm.Topics["Work"] = "x"
	st.LastInteraction = &ts

	c := st.Clone()
	c.Active[0].Content = "changed"
	c.LongTerm.Topics["Work"] = "y"
	*c.LastInteraction = ts.Add(time.Hour)

	assert.Equal(t, "hi", st.Active[0].Content)
	assert.Equal(t, "x", st.LongTerm.Topics["Work"])
	assert.Equal(t, ts, *st.LastInteraction)
}

func TestRecompressPolicyTrimsHistory(t *testing.T) {
	p := &memory.RecompressPolicy{MaxHistoryLines: 2}
	st := memory.NewState()
	for _, l := range []string{"a", "b", "c"} {
		st.LongTerm.AppendHistory(l)
	}
	p.Compact(context.Background(), st, "m")
	assert.Equal(t, "b\nc", st.LongTerm.RequestHistory)
}

func TestRecompressPolicyKeepsLongerRewrite(t *testing.T) {
	llm := &memorytest.LLM{Recompress: func(string) (string, error) { return strings.Repeat("z", 30), nil }}
	p := &memory.RecompressPolicy{LLM: llm, MaxTopicChars: 5}
	st := memory.NewState()
	st.LongTerm.Topics["Work"] = "0123456789"

	p.Compact(context.Background(), st, "m")
	assert.Equal(t, "0123456789", st.LongTerm.Topics["Work"])
}

func TestManagerPrepareRunsStages(t *testing.T) {
	llm := &memorytest.LLM{Onboarding: func(string) (string, error) { return "Alice", nil }}
	rec := &stageRecorder{}
	m := memory.NewManager(llm, memory.Options{Hooks: rec})
	st := memory.NewState()

	msgs, err := m.Prepare(context.Background(), st, "I'm Alice", 3, "m")
	require.NoError(t, err)
	assert.Equal(t, []string{memory.StageAppend, memory.StagePrune, memory.StageOnboarding}, rec.names)
	assert.Equal(t, "Alice", st.LongTerm.Topics[memory.PersonalTopic])
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Content, "[Personal]: Alice")

	require.NoError(t, m.Record(context.Background(), st, "Nice to meet you"))
	assert.Len(t, st.Active, 2)
	assert.Zero(t, llm.Count(memorytest.KindShift))
}

func TestManagerPrepareCancelled(t *testing.T) {
	m := memory.NewManager(&memorytest.LLM{}, memory.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Prepare(ctx, memory.NewState(), "hi", 3, "m")
	assert.ErrorIs(t, err, context.Canceled)
}

type stageRecorder struct {
	memory.NopHook
	names []string
}

func (s *stageRecorder) OnStage(_ context.Context, ev memory.StageEvent) {
	s.names = append(s.names, ev.Name)
}
