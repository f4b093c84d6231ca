package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"short word", "hello", 1},
		{"sentence", "hello world this is a test", 6},
		{"single rune", "a", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateTokens(tt.text))
		})
	}
}

func TestCountTokensForMessages(t *testing.T) {
	got, err := CountTokensForMessages(DefaultTokenizer{}, []ChatMessage{
		{Role: RoleUser, Content: "hello"},
	}, "test-model")
	require.NoError(t, err)
	// role(1) + content(1) + overhead(4)
	assert.Equal(t, 6, got)

	got, err = CountTokensForMessages(DefaultTokenizer{}, nil, "test-model")
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestGetTokenizerForModel(t *testing.T) {
	assert.IsType(t, &TiktokenTokenizer{}, GetTokenizerForModel("gpt-4o-mini"))
	assert.IsType(t, &TiktokenTokenizer{}, GetTokenizerForModel("o1-preview"))
	assert.IsType(t, DefaultTokenizer{}, GetTokenizerForModel("gemma3:4b"))
	assert.IsType(t, DefaultTokenizer{}, GetTokenizerForModel("claude-3"))
}
