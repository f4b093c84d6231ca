package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
	"github.com/ChamsBouzaiene/mneme/internal/memory"
	"github.com/ChamsBouzaiene/mneme/internal/memory/memorytest"
	"github.com/ChamsBouzaiene/mneme/internal/recall"
)

type fixture struct {
	llm     *memorytest.LLM
	store   *FileStore
	service *Service
}

func newFixture(t *testing.T, llm *memorytest.LLM) *fixture {
	t.Helper()
	store := NewFileStore(t.TempDir(), Codec{})
	idx, err := recall.NewIndex()
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	log := zerolog.Nop()
	mgr := memory.NewManager(llm, memory.Options{Hooks: memory.LoggerHook{L: log}})
	svc := NewService(NewRegistry(store, log), mgr, llm, ServiceOptions{
		RetryPolicy: engine.RetryPolicy{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Index:       idx,
		Logger:      log,
	})
	return &fixture{llm: llm, store: store, service: svc}
}

func drain(t *testing.T, ch <-chan Chunk) (string, []Chunk) {
	t.Helper()
	var text strings.Builder
	var rest []Chunk
	for c := range ch {
		if c.Type == ChunkToken {
			text.WriteString(c.Content)
			continue
		}
		rest = append(rest, c)
	}
	return text.String(), rest
}

func TestChatStreamsAndPersists(t *testing.T) {
	f := newFixture(t, &memorytest.LLM{Reply: func([]engine.ChatMessage) (string, error) {
		return "Nice to meet you.", nil
	}})
	ctx := context.Background()

	ch, err := f.service.Chat(ctx, ChatRequest{SessionID: "default", Message: "Hi, I'm Alice"})
	require.NoError(t, err)
	text, tail := drain(t, ch)
	assert.Equal(t, "Nice to meet you.", text)
	require.Len(t, tail, 1)
	assert.Equal(t, ChunkStatus, tail[0].Type)
	assert.Equal(t, 2, tail[0].Status.ActiveCount)
	assert.Greater(t, tail[0].Status.PromptTokens, 0)

	stored, err := f.store.Load(ctx, "default")
	require.NoError(t, err)
	require.Len(t, stored.Active, 2)
	assert.Equal(t, engine.RoleUser, stored.Active[0].Role)
	assert.Equal(t, "Nice to meet you.", stored.Active[1].Content)

	for _, c := range f.llm.Calls() {
		assert.Equal(t, DefaultModel, c.Model)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t, &memorytest.LLM{})
	_, err := f.service.Chat(context.Background(), ChatRequest{SessionID: "default", Message: "  "})
	assert.ErrorIs(t, err, memory.ErrEmptyContent)
}

func TestChatWindowScenario(t *testing.T) {
	f := newFixture(t, &memorytest.LLM{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ch, err := f.service.Chat(ctx, ChatRequest{SessionID: "s", Message: fmt.Sprintf("message %d", i), WindowSize: 2})
		require.NoError(t, err)
		drain(t, ch)
	}
	st, err := f.service.Status(ctx, "s")
	require.NoError(t, err)
	// prune runs before the reply is appended, so one extra message is held
	require.Equal(t, 5, st.ActiveCount)
	assert.Equal(t, "assistant", st.ActiveWindow[0].Role)
	assert.Equal(t, "message 3", st.ActiveWindow[1].Content)
	assert.Equal(t, "message 4", st.ActiveWindow[3].Content)
	assert.Equal(t, 3, f.llm.Count(memorytest.KindSummarize))
}

func TestChatReplyFailureKeepsUserTurn(t *testing.T) {
	f := newFixture(t, &memorytest.LLM{Reply: func([]engine.ChatMessage) (string, error) {
		return "", errors.New("model not found")
	}})
	ctx := context.Background()

	ch, err := f.service.Chat(ctx, ChatRequest{SessionID: "s", Message: "hello"})
	require.NoError(t, err)
	_, tail := drain(t, ch)
	require.Len(t, tail, 1)
	assert.Equal(t, ChunkError, tail[0].Type)
	assert.Contains(t, tail[0].Content, "model not found")

	st, err := f.service.Status(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 1, st.ActiveCount)
}

func TestChatCancelledLeavesStateUntouched(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, &memorytest.LLM{
		Gate:  gate,
		Reply: func([]engine.ChatMessage) (string, error) { return "one two three", nil },
	})
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := f.service.Chat(ctx, ChatRequest{SessionID: "s", Message: "hello"})
	require.NoError(t, err)
	gate <- struct{}{}
	first := <-ch
	assert.Equal(t, "one ", first.Content)
	cancel()
	for range ch {
	}

	st, err := f.service.Status(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, 0, st.ActiveCount)
	assert.Nil(t, st.LastInteraction)

	loaded, err := f.store.Load(context.Background(), "s")
	require.NoError(t, err)
	assert.Empty(t, loaded.Active)
}

func TestResetAndWelcome(t *testing.T) {
	f := newFixture(t, &memorytest.LLM{
		Onboarding: func(string) (string, error) { return "Alice, Baker", nil },
		Greeting:   func(string) (string, error) { return "Welcome back, Alice!", nil },
	})
	ctx := context.Background()

	resp, err := f.service.Welcome(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, resp.Message)

	ch, err := f.service.Chat(ctx, ChatRequest{SessionID: "s", Message: "I'm Alice and I bake"})
	require.NoError(t, err)
	drain(t, ch)

	resp, err = f.service.Welcome(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "Welcome back, Alice!", resp.Message)
	require.NotNil(t, resp.MemoryStatus)
	assert.Equal(t, 3, resp.MemoryStatus.ActiveCount)
	assert.Equal(t, "Alice, Baker", resp.MemoryStatus.Topics[memory.PersonalTopic])

	hits, err := f.service.Search(ctx, "s", "baker", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, memory.PersonalTopic, hits[0].Topic)

	require.NoError(t, f.service.Reset(ctx, "s"))
	st, err := f.service.Status(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, st.Topics)
	assert.Equal(t, "None", st.RequestHistory)
	assert.Zero(t, st.ActiveCount)
	assert.Nil(t, st.LastInteraction)

	stored, err := f.store.Load(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, memory.NewState(), stored)

	hits, err = f.service.Search(ctx, "s", "baker", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRegistrySerializesSameSession(t *testing.T) {
	reg := NewRegistry(NewFileStore(t.TempDir(), Codec{}), zerolog.Nop())
	ctx := context.Background()

	_, release, err := reg.Acquire(ctx, "s")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, _, err = reg.Acquire(waitCtx, "s")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, releaseOther, err := reg.Acquire(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "t", other.ID)
	releaseOther()

	release()
	release()
	h, release2, err := reg.Acquire(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "s", h.ID)
	release2()
}

func TestRegistrySharesStateAcrossAcquires(t *testing.T) {
	reg := NewRegistry(NewFileStore(t.TempDir(), Codec{}), zerolog.Nop())
	ctx := context.Background()

	h, release, err := reg.Acquire(ctx, "s")
	require.NoError(t, err)
	h.State.LongTerm.Topics["Work"] = "x"
	release()

	h, release, err = reg.Acquire(ctx, "s")
	require.NoError(t, err)
	defer release()
	assert.Equal(t, "x", h.State.LongTerm.Topics["Work"])
}
