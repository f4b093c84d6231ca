package providers

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
)

// DefaultProvider is used when LLM_PROVIDER is unset.
const DefaultProvider = "ollama"

// compatible describes an OpenAI-compatible endpoint.
type compatible struct {
	keyEnv       string
	keyDefault   string // non-empty for local servers that ignore the key
	modelEnv     string
	modelDefault string
	baseEnv      string
	baseDefault  string
}

var compatibleProviders = map[string]compatible{
	"openai":   {keyEnv: "OPENAI_API_KEY", modelEnv: "OPENAI_MODEL", modelDefault: "gpt-4o-mini", baseEnv: "OPENAI_BASE_URL"},
	"kimi":     {keyEnv: "KIMI_API_KEY", modelEnv: "KIMI_MODEL", modelDefault: "kimi-k2-250711", baseEnv: "KIMI_BASE_URL", baseDefault: "https://ark.ap-southeast.bytepluses.com/api/v3"},
	"gemini":   {keyEnv: "GEMINI_API_KEY", modelEnv: "GEMINI_MODEL", modelDefault: "gemini-1.5-flash", baseDefault: "https://generativelanguage.googleapis.com/v1beta/openai"},
	"lmstudio": {keyEnv: "LMSTUDIO_API_KEY", keyDefault: "lm-studio", modelEnv: "LMSTUDIO_MODEL", modelDefault: "local-model", baseEnv: "LMSTUDIO_BASE_URL", baseDefault: "http://localhost:1234/v1"},
	"glm":      {keyEnv: "GLM_API_KEY", modelEnv: "GLM_MODEL", modelDefault: "glm-4-plus", baseDefault: "https://open.bigmodel.cn/api/paas/v4"},
	"minimax":  {keyEnv: "MINIMAX_API_KEY", modelEnv: "MINIMAX_MODEL", modelDefault: "abab6.5s-chat", baseDefault: "https://api.minimax.chat/v1"},
	"deepseek": {keyEnv: "DEEPSEEK_API_KEY", modelEnv: "DEEPSEEK_MODEL", modelDefault: "deepseek-chat", baseDefault: "https://api.deepseek.com/v1"},
	"groq":     {keyEnv: "GROQ_API_KEY", modelEnv: "GROQ_MODEL", modelDefault: "llama-3.1-70b-versatile", baseDefault: "https://api.groq.com/openai/v1"},
}

// SupportedProviders lists every accepted LLM_PROVIDER value.
func SupportedProviders() []string {
	names := []string{"ollama", "anthropic"}
	for name := range compatibleProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func envOr(key, def string) string {
	if key != "" {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return def
}

// NewLLMClientFromEnv creates an engine.LLMClient from LLM_PROVIDER and the
// provider's own variables. It returns the client and its default model.
func NewLLMClientFromEnv(ctx context.Context) (engine.LLMClient, string, error) {
	return NewLLMClient(ctx, os.Getenv("LLM_PROVIDER"))
}

// NewLLMClient creates a client for the named provider, reading keys and
// model overrides from the environment.
func NewLLMClient(_ context.Context, provider string) (engine.LLMClient, string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = DefaultProvider
	}

	switch provider {
	case "ollama":
		modelName := envOr("OLLAMA_MODEL", "gemma3:4b")
		client, err := NewOllamaClient(modelName)
		if err != nil {
			return nil, "", err
		}
		return client, modelName, nil

	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, "", fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		modelName := envOr("ANTHROPIC_MODEL", "claude-3-5-haiku-latest")
		client, err := NewAnthropicClient(apiKey, modelName)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Anthropic client: %w", err)
		}
		return client, modelName, nil
	}

	p, ok := compatibleProviders[provider]
	if !ok {
		return nil, "", fmt.Errorf("unknown LLM_PROVIDER: %s (supported: %s)", provider, strings.Join(SupportedProviders(), ", "))
	}
	apiKey := envOr(p.keyEnv, p.keyDefault)
	if apiKey == "" {
		return nil, "", fmt.Errorf("%s not set", p.keyEnv)
	}
	modelName := envOr(p.modelEnv, p.modelDefault)
	client, err := NewOpenAIClient(apiKey, modelName, envOr(p.baseEnv, p.baseDefault))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create %s client: %w", provider, err)
	}
	return client, modelName, nil
}

// EnvVars names the environment variables a provider reads.
type EnvVars struct {
	APIKey  string
	Model   string
	BaseURL string
}

// EnvNames returns the variable names for provider. Unknown providers
// return false.
func EnvNames(provider string) (EnvVars, bool) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	switch provider {
	case "ollama":
		return EnvVars{Model: "OLLAMA_MODEL", BaseURL: "OLLAMA_HOST"}, true
	case "anthropic":
		return EnvVars{APIKey: "ANTHROPIC_API_KEY", Model: "ANTHROPIC_MODEL"}, true
	}
	p, ok := compatibleProviders[provider]
	if !ok {
		return EnvVars{}, false
	}
	return EnvVars{APIKey: p.keyEnv, Model: p.modelEnv, BaseURL: p.baseEnv}, true
}

// ApplyEnv exports non-empty values under the provider's variable names
// and selects it as LLM_PROVIDER.
func ApplyEnv(provider, apiKey, model, baseURL string) error {
	names, ok := EnvNames(provider)
	if !ok {
		return fmt.Errorf("unknown LLM_PROVIDER: %s (supported: %s)", provider, strings.Join(SupportedProviders(), ", "))
	}
	set := func(key, value string) error {
		if key == "" || value == "" {
			return nil
		}
		return os.Setenv(key, value)
	}
	for _, kv := range [][2]string{
		{"LLM_PROVIDER", strings.ToLower(strings.TrimSpace(provider))},
		{names.APIKey, apiKey},
		{names.Model, model},
		{names.BaseURL, baseURL},
	} {
		if err := set(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}
