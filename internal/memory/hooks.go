package memory

import (
	"context"
	"time"
)

// FlushReason says why a batch left the window.
type FlushReason string

const (
	FlushTopicShift FlushReason = "topic_shift"
	FlushOverflow   FlushReason = "overflow"
)

// Hook observes the memory manager. Failures are reported here instead of
// being returned, since none of them abort a turn.
type Hook interface {
	OnShiftDetected(ctx context.Context, st *State, content string)
	OnFlush(ctx context.Context, st *State, reason FlushReason, batch []Message)
	OnSummaryApplied(ctx context.Context, st *State, upd SummaryUpdate)
	OnParseFailure(ctx context.Context, component string, raw string, err error)
	OnCollaboratorError(ctx context.Context, component string, err error)
	OnOnboarding(ctx context.Context, st *State, accepted bool, result string)
	OnCompaction(ctx context.Context, st *State, topic string, before, after int)
	OnStage(ctx context.Context, ev StageEvent)
}

// StageEvent reports one step of a turn pipeline.
type StageEvent struct {
	Name     string
	Duration time.Duration
	Err      error
}

// NopHook lets you implement only the hooks you need.
type NopHook struct{}

func (NopHook) OnShiftDetected(context.Context, *State, string)         {}
func (NopHook) OnFlush(context.Context, *State, FlushReason, []Message) {}
func (NopHook) OnSummaryApplied(context.Context, *State, SummaryUpdate) {}
func (NopHook) OnParseFailure(context.Context, string, string, error)   {}
func (NopHook) OnCollaboratorError(context.Context, string, error)      {}
func (NopHook) OnOnboarding(context.Context, *State, bool, string)      {}
func (NopHook) OnCompaction(context.Context, *State, string, int, int)  {}
func (NopHook) OnStage(context.Context, StageEvent)                     {}

// Hooks fans out to several hooks in order.
type Hooks []Hook

func (hs Hooks) OnShiftDetected(ctx context.Context, st *State, content string) {
	for _, h := range hs {
		h.OnShiftDetected(ctx, st, content)
	}
}
func (hs Hooks) OnFlush(ctx context.Context, st *State, reason FlushReason, batch []Message) {
	for _, h := range hs {
		h.OnFlush(ctx, st, reason, batch)
	}
}
func (hs Hooks) OnSummaryApplied(ctx context.Context, st *State, upd SummaryUpdate) {
	for _, h := range hs {
		h.OnSummaryApplied(ctx, st, upd)
	}
}
func (hs Hooks) OnParseFailure(ctx context.Context, component, raw string, err error) {
	for _, h := range hs {
		h.OnParseFailure(ctx, component, raw, err)
	}
}
func (hs Hooks) OnCollaboratorError(ctx context.Context, component string, err error) {
	for _, h := range hs {
		h.OnCollaboratorError(ctx, component, err)
	}
}
func (hs Hooks) OnOnboarding(ctx context.Context, st *State, accepted bool, result string) {
	for _, h := range hs {
		h.OnOnboarding(ctx, st, accepted, result)
	}
}
func (hs Hooks) OnCompaction(ctx context.Context, st *State, topic string, before, after int) {
	for _, h := range hs {
		h.OnCompaction(ctx, st, topic, before, after)
	}
}
func (hs Hooks) OnStage(ctx context.Context, ev StageEvent) {
	for _, h := range hs {
		h.OnStage(ctx, ev)
	}
}

func hookOrNop(h Hook) Hook {
	if h == nil {
		return NopHook{}
	}
	return h
}
