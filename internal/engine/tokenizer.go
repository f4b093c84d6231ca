package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/weaviate/tiktoken-go"
)

// Tokenizer provides token counting for text.
type Tokenizer interface {
	CountTokens(text string, model string) (int, error)
}

// EstimateTokens provides a rough token count estimation:
// (characters / 4) + (whitespace / 6), at least 1 for non-empty text.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}

	charCount := len([]rune(text))
	whitespaceCount := strings.Count(text, " ") + strings.Count(text, "\n") + strings.Count(text, "\t")

	estimated := (charCount / 4) + (whitespaceCount / 6)
	if estimated < 1 {
		return 1
	}
	return estimated
}

// DefaultTokenizer uses estimation as a fallback when no specific tokenizer is available.
type DefaultTokenizer struct{}

// CountTokens implements Tokenizer using estimation.
func (t DefaultTokenizer) CountTokens(text string, model string) (int, error) {
	return EstimateTokens(text), nil
}

// TiktokenTokenizer counts tokens with the cl100k_base BPE. It is exact for
// OpenAI chat models and a close approximation for local models.
type TiktokenTokenizer struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// CountTokens implements Tokenizer.
func (t *TiktokenTokenizer) CountTokens(text string, model string) (int, error) {
	t.once.Do(func() {
		t.enc, t.err = tiktoken.GetEncoding("cl100k_base")
	})
	if t.err != nil {
		return 0, fmt.Errorf("load cl100k_base encoding: %w", t.err)
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

var sharedTiktoken = &TiktokenTokenizer{}

// CountTokensForMessages counts tokens for a slice of messages, including
// roughly 4 tokens of formatting overhead per message.
func CountTokensForMessages(tokenizer Tokenizer, messages []ChatMessage, model string) (int, error) {
	total := 0
	for _, msg := range messages {
		roleTokens, err := tokenizer.CountTokens(string(msg.Role), model)
		if err != nil {
			return 0, fmt.Errorf("failed to count role tokens: %w", err)
		}
		contentTokens, err := tokenizer.CountTokens(msg.Content, model)
		if err != nil {
			return 0, fmt.Errorf("failed to count content tokens: %w", err)
		}
		total += roleTokens + contentTokens + 4
	}
	return total, nil
}

// GetTokenizerForModel returns an appropriate tokenizer for the given model.
func GetTokenizerForModel(model string) Tokenizer {
	if strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1-") {
		return sharedTiktoken
	}
	return DefaultTokenizer{}
}

// CountPromptTokens is a best-effort count used for reporting. It falls back
// to estimation when the BPE tables cannot be loaded.
func CountPromptTokens(messages []ChatMessage, model string) int {
	n, err := CountTokensForMessages(GetTokenizerForModel(model), messages, model)
	if err == nil {
		return n
	}
	n, _ = CountTokensForMessages(DefaultTokenizer{}, messages, model)
	return n
}
