package memory

import (
	"context"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
)

// Window keeps the active context bounded. Messages that leave it go
// through the Summarizer.
type Window struct {
	Shift      *ShiftDetector
	Summarizer *Summarizer
	Hooks      Hook
	Now        func() time.Time
}

func (w *Window) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append adds a message to the window and stamps the interaction time.
// A user message that the detector classifies as a new topic first flushes
// the whole window, using classifierModel for both calls.
func (w *Window) Append(ctx context.Context, st *State, role engine.MessageRole, content, classifierModel string) (bool, error) {
	if strings.TrimSpace(content) == "" {
		return false, ErrEmptyContent
	}

	shifted := false
	if role == engine.RoleUser && len(st.Active) > 0 && w.Shift != nil {
		if w.Shift.Detect(ctx, st.Active, content, classifierModel) {
			shifted = true
			hookOrNop(w.Hooks).OnShiftDetected(ctx, st, content)
			w.flush(ctx, st, FlushTopicShift, classifierModel)
		}
	}

	st.Active = append(st.Active, Message{Role: role, Content: content})
	ts := w.now()
	st.LastInteraction = &ts
	return shifted, nil
}

// Prune evicts the oldest messages beyond 2*windowSize and summarizes them.
// It returns the number of messages evicted. windowSize below 1 counts as 1.
func (w *Window) Prune(ctx context.Context, st *State, windowSize int, summarizerModel string) int {
	if windowSize < 1 {
		windowSize = 1
	}
	limit := 2 * windowSize
	if len(st.Active) <= limit {
		return 0
	}

	overflow := len(st.Active) - limit
	batch := append([]Message(nil), st.Active[:overflow]...)
	st.Active = append([]Message{}, st.Active[overflow:]...)

	hookOrNop(w.Hooks).OnFlush(ctx, st, FlushOverflow, batch)
	w.summarize(ctx, st, batch, summarizerModel)
	return overflow
}

// Flush summarizes the entire window and empties it.
func (w *Window) Flush(ctx context.Context, st *State, model string) {
	w.flush(ctx, st, FlushTopicShift, model)
}

func (w *Window) flush(ctx context.Context, st *State, reason FlushReason, model string) {
	if len(st.Active) == 0 {
		return
	}
	batch := st.Active
	st.Active = []Message{}
	hookOrNop(w.Hooks).OnFlush(ctx, st, reason, batch)
	w.summarize(ctx, st, batch, model)
}

// summarize ignores failures; the Summarizer reports them through hooks and
// leaves long-term memory untouched.
func (w *Window) summarize(ctx context.Context, st *State, batch []Message, model string) {
	if w.Summarizer == nil {
		return
	}
	_, _ = w.Summarizer.Summarize(ctx, st, batch, model)
}
