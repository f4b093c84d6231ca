package memory

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerHook writes memory events to a zerolog logger.
type LoggerHook struct{ L zerolog.Logger }

func (h LoggerHook) OnShiftDetected(_ context.Context, st *State, content string) {
	h.L.Info().Int("window", len(st.Active)).Str("message", preview(content, 60)).Msg("topic shift detected")
}
func (h LoggerHook) OnFlush(_ context.Context, _ *State, reason FlushReason, batch []Message) {
	h.L.Info().Str("reason", string(reason)).Int("messages", len(batch)).Msg("flushing window")
}
func (h LoggerHook) OnSummaryApplied(_ context.Context, st *State, upd SummaryUpdate) {
	h.L.Info().Str("topic", upd.Topic).Int("topics", len(st.LongTerm.Topics)).Msg("long-term memory updated")
}
func (h LoggerHook) OnParseFailure(_ context.Context, component, raw string, err error) {
	h.L.Warn().Err(err).Str("component", component).Str("raw", preview(raw, 200)).Msg("unparseable collaborator output, batch dropped")
}
func (h LoggerHook) OnCollaboratorError(_ context.Context, component string, err error) {
	h.L.Warn().Err(err).Str("component", component).Msg("collaborator call failed")
}
func (h LoggerHook) OnOnboarding(_ context.Context, _ *State, accepted bool, result string) {
	h.L.Debug().Bool("accepted", accepted).Str("result", preview(result, 80)).Msg("onboarding check")
}
func (h LoggerHook) OnCompaction(_ context.Context, _ *State, topic string, before, after int) {
	h.L.Info().Str("topic", topic).Int("before", before).Int("after", after).Msg("compacted long-term memory")
}
func (h LoggerHook) OnStage(_ context.Context, ev StageEvent) {
	e := h.L.Debug()
	if ev.Err != nil {
		e = h.L.Warn().Err(ev.Err)
	}
	e.Str("stage", ev.Name).Dur("took", ev.Duration).Msg("turn stage")
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
