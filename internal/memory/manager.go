package memory

import (
	"context"
	"time"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
)

// Stage names reported through Hook.OnStage.
const (
	StageAppend     = "append"
	StagePrune      = "prune"
	StageOnboarding = "onboarding"
	StageReply      = "reply"
)

// Options configures a Manager.
type Options struct {
	// ClassifierModel and SummarizerModel fall back to the turn's model.
	ClassifierModel string
	SummarizerModel string
	Compaction      CompactionPolicy
	RetryPolicy     engine.RetryPolicy
	Hooks           Hook
	Now             func() time.Time
}

// Manager wires the memory components around one collaborator.
type Manager struct {
	Window    *Window
	Profiler  *Profiler
	Assembler *Assembler
	Greeter   *Greeter
	Hooks     Hook

	classifierModel string
	summarizerModel string
	now             func() time.Time
}

// NewManager builds a Manager. A nil Compaction means NoCompaction.
func NewManager(llm engine.LLMClient, opts Options) *Manager {
	hooks := hookOrNop(opts.Hooks)
	if opts.Compaction == nil {
		opts.Compaction = NoCompaction{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryPolicy.MaxRetries == 0 && opts.RetryPolicy.InitialDelay == 0 {
		opts.RetryPolicy = engine.DefaultRetryConfig().LLMPolicy
	}

	return &Manager{
		Window: &Window{
			Shift:      &ShiftDetector{LLM: llm, Hooks: hooks},
			Summarizer: &Summarizer{LLM: llm, Hooks: hooks, Compaction: opts.Compaction},
			Hooks:      hooks,
			Now:        opts.Now,
		},
		Profiler:        &Profiler{LLM: llm, Hooks: hooks},
		Assembler:       &Assembler{},
		Greeter:         &Greeter{LLM: llm, Policy: opts.RetryPolicy, Hooks: hooks},
		Hooks:           hooks,
		classifierModel: opts.ClassifierModel,
		summarizerModel: opts.SummarizerModel,
		now:             opts.Now,
	}
}

// Prepare runs the pre-reply stages of a turn on st and returns the request
// for the reply: append (with shift check), prune, onboarding. It stops at
// the first stage boundary where ctx is done.
func (m *Manager) Prepare(ctx context.Context, st *State, content string, windowSize int, model string) ([]engine.ChatMessage, error) {
	classifier := orDefault(m.classifierModel, model)
	summarizer := orDefault(m.summarizerModel, model)

	err := m.stage(ctx, StageAppend, func() error {
		_, err := m.Window.Append(ctx, st, engine.RoleUser, content, classifier)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := m.stage(ctx, StagePrune, func() error {
		m.Window.Prune(ctx, st, windowSize, summarizer)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := m.stage(ctx, StageOnboarding, func() error {
		m.Profiler.Profile(ctx, st, model)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.Assembler.Build(st), nil
}

// Record appends the assistant reply. Replies never trigger a shift check.
func (m *Manager) Record(ctx context.Context, st *State, reply string) error {
	_, err := m.Window.Append(ctx, st, engine.RoleAssistant, reply, "")
	return err
}

// Greet produces a welcome message for st using model.
func (m *Manager) Greet(ctx context.Context, st *State, model string) (string, error) {
	return m.Greeter.Greet(ctx, st, model, m.now())
}

// Report forwards an externally timed stage, such as the reply stream.
func (m *Manager) Report(ctx context.Context, ev StageEvent) {
	m.Hooks.OnStage(ctx, ev)
}

func (m *Manager) stage(ctx context.Context, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := m.now()
	err := fn()
	if err == nil {
		err = ctx.Err()
	}
	m.Hooks.OnStage(ctx, StageEvent{Name: name, Duration: m.now().Sub(start), Err: err})
	return err
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
