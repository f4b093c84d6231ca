package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChamsBouzaiene/mneme/internal/config"
	engineprotocol "github.com/ChamsBouzaiene/mneme/internal/engine/protocol"
	"github.com/ChamsBouzaiene/mneme/internal/providers"
	"github.com/ChamsBouzaiene/mneme/internal/session"
)

func newStdioCmd(opts *rootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve the memory engine over the NDJSON stdio protocol",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := prepareRuntimeEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer env.Close()
			return runStdIOEngine(ctx, env, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch-config", true, "reload the LLM client when config.json changes")
	return cmd
}

func runStdIOEngine(ctx context.Context, env *runtimeEnv, watch bool) error {
	log.Info().Msg("starting engine stdio bridge")
	runner := newStdIORunner(os.Stdin, os.Stdout, env, log.Logger)

	if env.Config != nil && !env.Config.Exists() && os.Getenv("LLM_PROVIDER") == "" {
		runner.emit(engineprotocol.NewSetupRequiredEvent())
	}
	if watch && env.Config != nil {
		stop, err := runner.watchConfig(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("config hot reload disabled")
		} else {
			defer stop()
		}
	}
	runner.emit(engineprotocol.NewStatusEvent("", "engine_ready", "stdio protocol ready"))
	return runner.Run(ctx)
}

type stdioRunner struct {
	scanner *bufio.Scanner
	writer  *bufio.Writer
	events  chan engineprotocol.Event
	env     *runtimeEnv
	log     zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc // session id -> cancel of its turn
	pending sync.WaitGroup

	emitMu sync.RWMutex
	closed bool
}

func newStdIORunner(in io.Reader, out io.Writer, env *runtimeEnv, logger zerolog.Logger) *stdioRunner {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	return &stdioRunner{
		scanner: scanner,
		writer:  bufio.NewWriter(out),
		events:  make(chan engineprotocol.Event, 256),
		env:     env,
		log:     logger.With().Str("component", "stdio").Logger(),
		running: make(map[string]context.CancelFunc),
	}
}

// Run reads commands until stdin closes, then waits for in-flight
// commands and flushes their events.
func (r *stdioRunner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.Go(r.flushEvents)

	for r.scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		// commands run concurrently so cancel_request can reach a running turn
		r.pending.Add(1)
		go func(l string) {
			defer r.pending.Done()
			if err := r.handleLine(ctx, l); err != nil {
				r.log.Debug().Err(err).Msg("stdio command error")
			}
		}(line)
	}
	if err := r.scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		r.emit(engineprotocol.NewErrorEvent("", fmt.Sprintf("stdin error: %v", err), "protocol_error", ""))
	}

	r.pending.Wait()
	r.emitMu.Lock()
	r.closed = true
	close(r.events)
	r.emitMu.Unlock()
	return g.Wait()
}

// flushEvents writes events until the channel closes. After a write
// failure it keeps draining so emitters never block.
func (r *stdioRunner) flushEvents() error {
	var writeErr error
	for ev := range r.events {
		if writeErr != nil {
			continue
		}
		writeErr = r.writeEvent(ev)
	}
	return writeErr
}

func (r *stdioRunner) writeEvent(ev engineprotocol.Event) error {
	payload, err := engineprotocol.MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.writer.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return r.writer.Flush()
}

// emit queues ev for writing. Events emitted after shutdown are dropped.
func (r *stdioRunner) emit(ev engineprotocol.Event) {
	r.emitMu.RLock()
	defer r.emitMu.RUnlock()
	if r.closed {
		r.log.Debug().Str("event", string(ev.GetType())).Msg("dropping event after shutdown")
		return
	}
	r.events <- ev
}

func (r *stdioRunner) handleLine(ctx context.Context, line string) error {
	cmd, err := engineprotocol.DecodeCommand([]byte(line))
	if err != nil {
		r.emit(engineprotocol.NewErrorEvent("", err.Error(), "invalid_command", truncate(line, 256)))
		return err
	}

	switch c := cmd.(type) {
	case engineprotocol.StartSessionCommand:
		return r.startSession(ctx, c)
	case engineprotocol.UserMessageCommand:
		return r.userMessage(ctx, c)
	case engineprotocol.SearchMemoryCommand:
		hits, err := r.env.Service.Search(ctx, c.SessionID, c.Query, c.Limit)
		if err != nil {
			r.emit(engineprotocol.NewErrorEvent(c.SessionID, err.Error(), "search_error", ""))
			return err
		}
		out := make([]engineprotocol.SearchHit, 0, len(hits))
		for _, h := range hits {
			out = append(out, engineprotocol.SearchHit{Kind: h.Kind, Topic: h.Topic, Text: h.Text, Score: h.Score})
		}
		r.emit(engineprotocol.NewSearchResultsEvent(c.SessionID, c.Query, out))
		return nil
	case engineprotocol.SessionCommand:
		return r.sessionCommand(ctx, c)
	case engineprotocol.SaveConfigCommand:
		return r.saveConfig(c)
	case engineprotocol.GetConfigCommand:
		cfg, err := r.env.Config.Load()
		if err != nil {
			// an unreadable file is reported as a fresh config
			r.log.Warn().Err(err).Msg("failed to load config")
			cfg = &config.Config{}
		}
		red := cfg.Redacted()
		r.emit(engineprotocol.NewConfigLoadedEvent(map[string]string{
			"llm_provider": red.LLMProvider,
			"api_key":      red.APIKey,
			"model":        red.Model,
			"base_url":     red.BaseURL,
		}))
		return nil
	case engineprotocol.ReloadConfigCommand:
		provider, model, err := r.env.reloadLLM(ctx, r.log)
		if err != nil {
			r.emit(engineprotocol.NewErrorEvent("", err.Error(), "config_error", ""))
			return err
		}
		r.emit(engineprotocol.NewConfigReloadedEvent(provider, model))
		return nil
	default:
		r.emit(engineprotocol.NewErrorEvent("", "unsupported command", "invalid_command", ""))
		return fmt.Errorf("unsupported command type %T", cmd)
	}
}

func (r *stdioRunner) startSession(ctx context.Context, c engineprotocol.StartSessionCommand) error {
	id := c.SessionID
	if id == "" {
		id = engineprotocol.NewSessionID()
	}
	view, err := r.env.Service.Status(ctx, id)
	if err != nil {
		r.emit(engineprotocol.NewErrorEvent(c.SessionID, err.Error(), "session_error", ""))
		return err
	}

	topics := make([]string, 0, len(view.Topics))
	for name := range view.Topics {
		topics = append(topics, name)
	}
	messages := make([]engineprotocol.HistoryMessage, 0, len(view.ActiveWindow))
	for _, m := range view.ActiveWindow {
		messages = append(messages, engineprotocol.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	sort.Strings(topics)
	r.emit(engineprotocol.NewSessionHistoryEvent(id, topics, view.RequestHistory, messages))
	r.emit(engineprotocol.NewStatusEvent(id, "session_ready", fmt.Sprintf("topics=%d active=%d", len(topics), view.ActiveCount)))
	return nil
}

func (r *stdioRunner) beginTurn(ctx context.Context, sessionID string) (context.Context, func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.running[sessionID]; busy {
		return nil, nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.running[sessionID] = cancel
	return runCtx, func() {
		cancel()
		r.mu.Lock()
		delete(r.running, sessionID)
		r.mu.Unlock()
	}, true
}

func (r *stdioRunner) cancelTurn(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.running[sessionID]
	if ok {
		cancel()
	}
	return ok
}

func (r *stdioRunner) userMessage(ctx context.Context, c engineprotocol.UserMessageCommand) error {
	requestID := c.RequestID
	if requestID == "" {
		requestID = engineprotocol.NewRequestID()
	}
	runCtx, end, ok := r.beginTurn(ctx, c.SessionID)
	if !ok {
		err := fmt.Errorf("session %s is already processing a request", c.SessionID)
		r.emit(engineprotocol.NewErrorEvent(c.SessionID, err.Error(), "busy", ""))
		return err
	}
	defer end()

	model := c.Model
	if model == "" {
		model = r.env.Model()
	}
	r.emit(engineprotocol.NewStatusEvent(c.SessionID, "message_received", truncate(c.Message, 120)))

	chunks, err := r.env.Service.Chat(runCtx, session.ChatRequest{
		SessionID:  c.SessionID,
		Message:    c.Message,
		WindowSize: c.WindowSize,
		Model:      model,
	})
	if err != nil {
		r.emit(engineprotocol.NewErrorEvent(c.SessionID, err.Error(), "engine_error", ""))
		return err
	}

	var failed bool
	for chunk := range chunks {
		switch chunk.Type {
		case session.ChunkToken:
			r.emit(engineprotocol.NewAssistantTextEvent(c.SessionID, requestID, chunk.Content, "", false))
		case session.ChunkStatus:
			r.emit(engineprotocol.NewAssistantTextEvent(c.SessionID, requestID, "", "", true))
			r.emit(engineprotocol.NewMemoryStatusEvent(c.SessionID, requestID, chunk.Status))
		case session.ChunkError:
			failed = true
			r.emit(engineprotocol.NewErrorEvent(c.SessionID, chunk.Content, "engine_error", ""))
		}
	}

	if runCtx.Err() != nil && ctx.Err() == nil {
		r.emit(engineprotocol.NewCancelledEvent(c.SessionID, requestID, "cancelled by user request"))
		return nil
	}
	r.emit(engineprotocol.NewDoneEvent(c.SessionID, requestID))
	if failed {
		return errors.New("reply failed")
	}
	return nil
}

func (r *stdioRunner) sessionCommand(ctx context.Context, c engineprotocol.SessionCommand) error {
	switch c.Type {
	case engineprotocol.CommandCancelRequest:
		if !r.cancelTurn(c.SessionID) {
			r.emit(engineprotocol.NewStatusEvent(c.SessionID, "idle", "no request to cancel"))
		}
		return nil
	case engineprotocol.CommandResetSession:
		if err := r.env.Service.Reset(ctx, c.SessionID); err != nil {
			r.emit(engineprotocol.NewErrorEvent(c.SessionID, err.Error(), "session_error", ""))
			return err
		}
		r.emit(engineprotocol.NewStatusEvent(c.SessionID, "session_reset", "memory cleared"))
		return nil
	case engineprotocol.CommandWelcome:
		resp, err := r.env.Service.Welcome(ctx, c.SessionID)
		if err != nil {
			r.emit(engineprotocol.NewErrorEvent(c.SessionID, err.Error(), "engine_error", ""))
			return err
		}
		r.emit(engineprotocol.NewAssistantTextEvent(c.SessionID, "", resp.Message, "welcome", true))
		if resp.MemoryStatus != nil {
			r.emit(engineprotocol.NewMemoryStatusEvent(c.SessionID, "", resp.MemoryStatus))
		}
		return nil
	case engineprotocol.CommandStatus:
		view, err := r.env.Service.Status(ctx, c.SessionID)
		if err != nil {
			r.emit(engineprotocol.NewErrorEvent(c.SessionID, err.Error(), "session_error", ""))
			return err
		}
		r.emit(engineprotocol.NewMemoryStatusEvent(c.SessionID, "", view))
		return nil
	}
	return fmt.Errorf("unsupported session command %s", c.Type)
}

func (r *stdioRunner) saveConfig(c engineprotocol.SaveConfigCommand) error {
	cfg := &config.Config{
		LLMProvider: c.Config["llm_provider"],
		APIKey:      c.Config["api_key"],
		Model:       c.Config["model"],
		BaseURL:     c.Config["base_url"],
	}
	if cfg.LLMProvider != "" {
		if _, ok := providers.EnvNames(cfg.LLMProvider); !ok {
			err := fmt.Errorf("unknown provider %q (supported: %s)", cfg.LLMProvider, strings.Join(providers.SupportedProviders(), ", "))
			r.emit(engineprotocol.NewErrorEvent("", err.Error(), "config_error", ""))
			return err
		}
	}
	if err := r.env.Config.Save(cfg); err != nil {
		r.emit(engineprotocol.NewErrorEvent("", err.Error(), "config_save_error", ""))
		return err
	}
	if cfg.LLMProvider != "" {
		if err := providers.ApplyEnv(cfg.LLMProvider, cfg.APIKey, cfg.Model, cfg.BaseURL); err != nil {
			r.emit(engineprotocol.NewErrorEvent("", err.Error(), "config_error", ""))
			return err
		}
	}
	r.log.Info().Str("provider", cfg.LLMProvider).Str("model", cfg.Model).Msg("configuration saved")
	r.emit(engineprotocol.NewStatusEvent("", "setup_complete", "configuration saved"))
	return nil
}

// watchConfig reloads the LLM client whenever config.json changes on
// disk.
func (r *stdioRunner) watchConfig(ctx context.Context) (func(), error) {
	dir := r.env.Config.Dir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	w, err := config.NewWatcher(dir, []string{"config.json"}, func([]string) {
		provider, model, err := r.env.reloadLLM(ctx, r.log)
		if err != nil {
			r.log.Warn().Err(err).Msg("config changed but reload failed")
			return
		}
		r.emit(engineprotocol.NewConfigReloadedEvent(provider, model))
	}, r.log)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Stop()
		return nil, err
	}
	return func() {
		if err := w.Stop(); err != nil {
			r.log.Debug().Err(err).Msg("failed to stop config watcher")
		}
	}, nil
}

// truncate shortens s to n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
