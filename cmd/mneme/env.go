package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ChamsBouzaiene/mneme/internal/config"
	"github.com/ChamsBouzaiene/mneme/internal/engine"
	"github.com/ChamsBouzaiene/mneme/internal/memory"
	"github.com/ChamsBouzaiene/mneme/internal/providers"
	"github.com/ChamsBouzaiene/mneme/internal/recall"
	"github.com/ChamsBouzaiene/mneme/internal/session"
)

type runtimeEnv struct {
	Settings *config.Settings
	Config   *config.Manager
	LLM      *providers.SwitchableClient
	Service  *session.Service
	Provider string

	index  *recall.Index
	closer func() error
}

func (r *runtimeEnv) Close() {
	if r.index != nil {
		if err := r.index.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close recall index")
		}
	}
	if r.closer != nil {
		if err := r.closer(); err != nil {
			log.Warn().Err(err).Msg("failed to close memory store")
		}
	}
}

// Model returns the model used for turns that do not name one.
func (r *runtimeEnv) Model() string {
	if r.Settings.Model != "" {
		return r.Settings.Model
	}
	return r.LLM.Model()
}

func prepareRuntimeEnv(ctx context.Context, opts *rootOptions) (*runtimeEnv, error) {
	provider, err := applyUserConfig(opts.cfg, opts.settings.Provider)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring saved provider config")
	}
	client, model, err := providers.NewLLMClient(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	env, err := newRuntimeEnv(ctx, opts.settings, opts.cfg, providers.NewSwitchableClient(client, model), log.Logger)
	if err != nil {
		return nil, err
	}
	env.Provider = provider
	return env, nil
}

// newRuntimeEnv wires the store, recall index, memory manager and
// service around llm.
func newRuntimeEnv(ctx context.Context, settings *config.Settings, cfg *config.Manager, llm *providers.SwitchableClient, logger zerolog.Logger) (*runtimeEnv, error) {
	store, closer, err := openStore(ctx, settings)
	if err != nil {
		return nil, err
	}

	env := &runtimeEnv{
		Settings: settings,
		Config:   cfg,
		LLM:      llm,
		closer:   closer,
	}

	if settings.SearchEnabled {
		idx, err := recall.NewIndex()
		if err != nil {
			logger.Warn().Err(err).Msg("memory search disabled")
		} else {
			env.index = idx
		}
	}

	hooks := memory.LoggerHook{L: logger.With().Str("component", "memory").Logger()}
	var compaction memory.CompactionPolicy
	if settings.Compaction() {
		compaction = &memory.RecompressPolicy{
			LLM:             llm,
			Hooks:           hooks,
			MaxTopicChars:   settings.MaxTopicChars,
			MaxHistoryLines: settings.MaxHistoryLines,
		}
	}

	retry := engine.DefaultRetryConfig().LLMPolicy
	manager := memory.NewManager(llm, memory.Options{
		ClassifierModel: settings.ClassifierModel,
		SummarizerModel: settings.SummarizerModel,
		Compaction:      compaction,
		RetryPolicy:     retry,
		Hooks:           hooks,
	})

	env.Service = session.NewService(
		session.NewRegistry(store, logger.With().Str("component", "registry").Logger()),
		manager,
		llm,
		session.ServiceOptions{
			DefaultModel:      env.Model(),
			DefaultWindowSize: settings.WindowSize,
			GreetingModel:     settings.GreetingModel,
			RetryPolicy:       retry,
			Index:             env.index,
			Logger:            logger.With().Str("component", "service").Logger(),
		},
	)

	logger.Info().
		Str("model", env.Model()).
		Str("store", settings.Store).
		Str("data_dir", settings.DataDir).
		Int("window_size", settings.WindowSize).
		Str("max_blob_size", units.BytesSize(float64(settings.MaxBlobSize))).
		Msg("memory runtime ready")
	return env, nil
}

func openStore(ctx context.Context, settings *config.Settings) (session.Store, func() error, error) {
	codec := session.Codec{MaxBlobSize: settings.MaxBlobSize}
	switch settings.Store {
	case config.StoreSQLite:
		store, err := session.NewSQLiteStore(ctx, filepath.Join(settings.DataDir, "memory.db"), codec)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return session.NewFileStore(settings.DataDir, codec), nil, nil
	}
}

// applyUserConfig exports the saved provider choice to the environment
// and returns the provider to use. An explicit provider wins over the
// saved one.
func applyUserConfig(cfgManager *config.Manager, explicit string) (string, error) {
	provider := explicit
	if cfgManager == nil {
		return provider, nil
	}
	cfg, err := cfgManager.Load()
	if err != nil {
		return provider, err
	}
	if provider == "" {
		provider = cfg.LLMProvider
	}
	if cfg.LLMProvider != "" && (explicit == "" || explicit == cfg.LLMProvider) {
		if err := providers.ApplyEnv(cfg.LLMProvider, cfg.APIKey, cfg.Model, cfg.BaseURL); err != nil {
			return provider, err
		}
	}
	return provider, nil
}

// reloadLLM re-reads config.json and swaps the collaborator used by every
// later call.
func (r *runtimeEnv) reloadLLM(ctx context.Context, logger zerolog.Logger) (string, string, error) {
	provider, err := applyUserConfig(r.Config, r.Settings.Provider)
	if err != nil {
		return "", "", fmt.Errorf("failed to load config: %w", err)
	}
	client, model, err := providers.NewLLMClient(ctx, provider)
	if err != nil {
		return "", "", fmt.Errorf("failed to create LLM client: %w", err)
	}
	r.LLM.Set(client, model)
	r.Provider = provider
	logger.Info().Str("provider", provider).Str("model", model).Msg("LLM client reloaded")
	return provider, model, nil
}
