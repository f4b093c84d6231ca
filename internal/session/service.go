package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
	"github.com/ChamsBouzaiene/mneme/internal/memory"
	"github.com/ChamsBouzaiene/mneme/internal/recall"
)

// Chunk types delivered on a Chat stream.
const (
	ChunkToken  = "token"
	ChunkStatus = "status"
	ChunkError  = "error"
)

// Defaults used when a request leaves a field empty.
const (
	DefaultModel      = "gemma3:4b"
	DefaultWindowSize = 3
)

// ChatRequest is one user turn.
type ChatRequest struct {
	SessionID  string
	Message    string
	WindowSize int
	Model      string
}

// Chunk is one element of a streamed turn. A stream ends with exactly one
// status or error chunk, unless the caller cancelled.
type Chunk struct {
	Type    string
	Content string
	Status  *StatusView
}

// StatusView is a read-only snapshot of a session.
type StatusView struct {
	SessionID       string            `json:"session_id"`
	Topics          map[string]string `json:"topics"`
	RequestHistory  string            `json:"request_history"`
	ActiveWindow    []MessageView     `json:"active_window"`
	ActiveCount     int               `json:"active_count"`
	LastInteraction *time.Time        `json:"last_interaction"`
	PromptTokens    int               `json:"prompt_tokens"`
}

// MessageView is a message as exposed to hosts.
type MessageView struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// WelcomeResponse carries a greeting and the state after it was recorded.
type WelcomeResponse struct {
	Message      string      `json:"message"`
	MemoryStatus *StatusView `json:"memory_status,omitempty"`
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	DefaultModel      string
	DefaultWindowSize int
	GreetingModel     string
	RetryPolicy       engine.RetryPolicy
	Index             *recall.Index
	Logger            zerolog.Logger
}

// Service runs turns against sessions held in a Registry.
type Service struct {
	registry *Registry
	manager  *memory.Manager
	llm      engine.LLMClient
	index    *recall.Index
	log      zerolog.Logger
	opts     ServiceOptions
}

// NewService creates a Service.
func NewService(registry *Registry, manager *memory.Manager, llm engine.LLMClient, opts ServiceOptions) *Service {
	if opts.DefaultModel == "" {
		opts.DefaultModel = DefaultModel
	}
	if opts.DefaultWindowSize <= 0 {
		opts.DefaultWindowSize = DefaultWindowSize
	}
	if opts.RetryPolicy.MaxRetries == 0 && opts.RetryPolicy.InitialDelay == 0 {
		opts.RetryPolicy = engine.DefaultRetryConfig().LLMPolicy
	}
	return &Service{
		registry: registry,
		manager:  manager,
		llm:      llm,
		index:    opts.Index,
		log:      opts.Logger,
		opts:     opts,
	}
}

// Chat runs one turn and streams the reply. The turn works on a copy of the
// session state that is committed only when the turn was not cancelled. If
// the reply itself fails, the pre-reply work (append, flushes, onboarding)
// is still committed.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (<-chan Chunk, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, memory.ErrEmptyContent
	}
	if req.WindowSize <= 0 {
		req.WindowSize = s.opts.DefaultWindowSize
	}
	if req.Model == "" {
		req.Model = s.opts.DefaultModel
	}

	h, release, err := s.registry.Acquire(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer release()
		s.runTurn(ctx, h, req, out)
	}()
	return out, nil
}

func (s *Service) runTurn(ctx context.Context, h *Handle, req ChatRequest, out chan<- Chunk) {
	log := s.log.With().Str("session", h.ID).Str("model", req.Model).Logger()
	work := h.State.Clone()

	msgs, err := s.manager.Prepare(ctx, work, req.Message, req.WindowSize, req.Model)
	if err != nil {
		if engine.IsCancellation(err) || ctx.Err() != nil {
			log.Info().Msg("turn cancelled before reply, state unchanged")
			return
		}
		send(ctx, out, Chunk{Type: ChunkError, Content: err.Error()})
		return
	}
	log.Debug().Int("messages", len(msgs)).Int("tokens", engine.CountPromptTokens(msgs, req.Model)).Msg("generating reply")

	start := time.Now()
	reply, err := s.streamReply(ctx, req.Model, msgs, out)
	s.manager.Report(ctx, memory.StageEvent{Name: memory.StageReply, Duration: time.Since(start), Err: err})

	if ctx.Err() != nil {
		log.Info().Msg("turn cancelled during reply, state unchanged")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("reply generation failed")
		s.commit(ctx, h, work)
		send(ctx, out, Chunk{Type: ChunkError, Content: err.Error()})
		return
	}

	if strings.TrimSpace(reply) != "" {
		if err := s.manager.Record(ctx, work, reply); err != nil {
			log.Warn().Err(err).Msg("failed to record reply")
		}
	}
	s.commit(ctx, h, work)
	send(ctx, out, Chunk{Type: ChunkStatus, Status: s.status(h)})
}

// streamReply forwards reply tokens to out. Attempts that fail before any
// token was delivered are retried per the retry policy.
func (s *Service) streamReply(ctx context.Context, model string, msgs []engine.ChatMessage, out chan<- Chunk) (string, error) {
	var full strings.Builder
	delivered := false

	classify := func(err error) engine.RetryClass {
		if delivered {
			return engine.RetryClassNonRetryable
		}
		return engine.ClassifyLLMError(err)
	}
	onRetry := func(attempt int, delay time.Duration, err error) {
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying reply")
	}

	_, err := engine.RetryWithPolicy(ctx, s.opts.RetryPolicy, func(ctx context.Context) (struct{}, error) {
		events, errs := s.llm.Stream(ctx, model, msgs, engine.ChatOptions{Stream: true})
		for events != nil || errs != nil {
			select {
			case <-ctx.Done():
				return struct{}{}, ctx.Err()
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if ev.Type != engine.StreamEventTextDelta || ev.Text == "" {
					continue
				}
				full.WriteString(ev.Text)
				delivered = true
				if !send(ctx, out, Chunk{Type: ChunkToken, Content: ev.Text}) {
					return struct{}{}, ctx.Err()
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil {
					return struct{}{}, err
				}
				errs = nil
			}
		}
		return struct{}{}, nil
	}, classify, onRetry)
	return full.String(), err
}

func (s *Service) commit(ctx context.Context, h *Handle, st *memory.State) {
	h.Commit(st)
	// persistence failures are logged by the handle and never fail a turn
	_ = h.Save(context.WithoutCancel(ctx))
	s.reindex(h)
}

func (s *Service) reindex(h *Handle) {
	if s.index == nil {
		return
	}
	if err := s.index.Sync(h.ID, &h.State.LongTerm); err != nil {
		s.log.Warn().Err(err).Str("session", h.ID).Msg("failed to update recall index")
	}
}

// Reset restores a session to the empty state and persists it.
func (s *Service) Reset(ctx context.Context, id string) error {
	h, release, err := s.registry.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	h.State.Reset()
	s.log.Info().Str("session", id).Msg("session reset")
	s.commit(ctx, h, h.State)
	return nil
}

// Welcome generates a greeting for a known user and records it. Unknown
// users get an empty message.
func (s *Service) Welcome(ctx context.Context, id string) (WelcomeResponse, error) {
	h, release, err := s.registry.Acquire(ctx, id)
	if err != nil {
		return WelcomeResponse{}, err
	}
	defer release()

	model := s.opts.GreetingModel
	if model == "" {
		model = s.opts.DefaultModel
	}

	work := h.State.Clone()
	greeting, err := s.manager.Greet(ctx, work, model)
	if err != nil {
		return WelcomeResponse{}, fmt.Errorf("welcome %s: %w", id, err)
	}
	if greeting == "" {
		return WelcomeResponse{Message: ""}, nil
	}
	s.commit(ctx, h, work)
	return WelcomeResponse{Message: greeting, MemoryStatus: s.status(h)}, nil
}

// Status returns a snapshot of a session.
func (s *Service) Status(ctx context.Context, id string) (*StatusView, error) {
	h, release, err := s.registry.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.status(h), nil
}

// EvictIdle forgets sessions unused for longer than maxIdle. Their state is
// already persisted and is reloaded on next use.
func (s *Service) EvictIdle(maxIdle time.Duration) int {
	return s.registry.EvictIdle(maxIdle)
}

// ErrSearchDisabled is returned by Search when no recall index is configured.
var ErrSearchDisabled = errors.New("memory search is disabled")

// Search looks up long-term memory of one session.
func (s *Service) Search(ctx context.Context, id, query string, k int) ([]recall.Hit, error) {
	if s.index == nil {
		return nil, ErrSearchDisabled
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	// make sure a session that has not been touched yet is indexed
	h, release, err := s.registry.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	s.reindex(h)
	release()
	return s.index.Search(id, query, k)
}

func (s *Service) status(h *Handle) *StatusView {
	st := h.State.Clone()
	view := &StatusView{
		SessionID:       h.ID,
		Topics:          st.LongTerm.Topics,
		RequestHistory:  st.LongTerm.RequestHistory,
		ActiveWindow:    make([]MessageView, 0, len(st.Active)),
		ActiveCount:     len(st.Active),
		LastInteraction: st.LastInteraction,
	}
	for _, m := range st.Active {
		view.ActiveWindow = append(view.ActiveWindow, MessageView{Role: string(m.Role), Content: m.Content})
	}
	view.PromptTokens = engine.CountPromptTokens(s.manager.Assembler.Build(st), s.opts.DefaultModel)
	return view
}

func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
