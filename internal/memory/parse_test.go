package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSummary(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want SummaryUpdate
	}{
		{
			name: "canonical",
			raw:  "TOPIC: Work\nSUMMARY: Got promoted to lead.\nHISTORY: Discussed promotion",
			want: SummaryUpdate{Topic: "Work", Summary: "Got promoted to lead.", History: "Discussed promotion"},
		},
		{
			name: "brackets and emphasis",
			raw:  "**TOPIC:** [Family]\n**SUMMARY:** [Sister visits in May]\n**HISTORY:** [Asked about sister]",
			want: SummaryUpdate{Topic: "Family", Summary: "Sister visits in May", History: "Asked about sister"},
		},
		{
			name: "preamble and no topic label",
			raw:  "Health\nSUMMARY: sleeps badly\nHISTORY: sleep issues\nextra trailing text",
			want: SummaryUpdate{Topic: "Health", Summary: "sleeps badly", History: "sleep issues"},
		},
		{
			name: "chatty preamble before label",
			raw:  "Sure, here it is.\nTOPIC: Travel\nSUMMARY: going to Japan\nHISTORY: trip planning",
			want: SummaryUpdate{Topic: "Travel", Summary: "going to Japan", History: "trip planning"},
		},
		{
			name: "empty topic",
			raw:  "TOPIC:\nSUMMARY: likes tea\nHISTORY: tea",
			want: SummaryUpdate{Topic: DefaultTopic, Summary: "likes tea", History: "tea"},
		},
		{
			name: "multi-line summary",
			raw:  "TOPIC: Work\nSUMMARY: line one\nline two\nHISTORY: h",
			want: SummaryUpdate{Topic: "Work", Summary: "line one\nline two", History: "h"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSummary(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSummaryFailures(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
		err   error
	}{
		{"no markers", "just some text", "SUMMARY", ErrMissingMarker},
		{"missing history", "TOPIC: Work\nSUMMARY: x", "HISTORY", ErrMissingMarker},
		{"history before summary", "HISTORY: h\nSUMMARY: s", "HISTORY", ErrMissingMarker},
		{"empty summary", "TOPIC: Work\nSUMMARY:  \nHISTORY: h", "SUMMARY", ErrEmptyField},
		{"empty history", "TOPIC: Work\nSUMMARY: s\nHISTORY: []", "HISTORY", ErrEmptyField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSummary(tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.field, pe.Field)
			assert.Equal(t, tt.raw, pe.Raw)
		})
	}
}

func TestLongTermAppend(t *testing.T) {
	lt := NewState().LongTerm
	lt.AppendSummary("Work", "a")
	lt.AppendSummary("Work", "b")
	assert.Equal(t, "a; b", lt.Topics["Work"])

	assert.Empty(t, lt.HistoryLines())
	lt.AppendHistory("first")
	lt.AppendHistory("second")
	assert.Equal(t, "first\nsecond", lt.RequestHistory)
	assert.Equal(t, "second", lt.LastHistoryLine())
}

func TestRenderTranscript(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}
	assert.Equal(t, "User: hi\nAI: hello\n", RenderTranscript(msgs))
	assert.Equal(t, "user: hi\nassistant: hello\n", renderRoleTagged(msgs))
}
