// Package memory keeps a bounded context window for a chat session and
// compresses whatever falls out of it into topic-indexed long-term memory.
//
// All components operate on a *State they do not own. Callers serialize
// access (see session.Registry); nothing in this package locks.
package memory

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/huandu/go-clone"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
)

// EmptyHistory is the request history of a session that never flushed.
const EmptyHistory = "None"

// ErrEmptyContent is returned when appending a message with blank content.
var ErrEmptyContent = errors.New("message content is empty")

// Message is one entry of the context window. Messages are never edited
// after they are appended.
type Message struct {
	Role    engine.MessageRole
	Content string
}

// LongTermMemory is the durable, compressed part of a session.
type LongTermMemory struct {
	// Topics maps a topic name to its cumulative summary. Names are kept
	// exactly as the collaborator produced them; "Family" and "family
	// matters" are two different buckets.
	Topics map[string]string
	// RequestHistory is an append-only log with one line per flushed batch.
	RequestHistory string
}

// State is everything the memory manager knows about one session.
type State struct {
	Active          []Message
	LongTerm        LongTermMemory
	LastInteraction *time.Time
}

// NewState returns the empty state.
func NewState() *State {
	return &State{
		Active: []Message{},
		LongTerm: LongTermMemory{
			Topics:         map[string]string{},
			RequestHistory: EmptyHistory,
		},
	}
}

// Reset restores st to the empty state.
func (st *State) Reset() {
	*st = *NewState()
}

// Clone returns a deep copy of st.
func (st *State) Clone() *State {
	out := clone.Clone(st).(*State)
	if out.Active == nil {
		out.Active = []Message{}
	}
	if out.LongTerm.Topics == nil {
		out.LongTerm.Topics = map[string]string{}
	}
	return out
}

// HasTopics reports whether anything has been learned about the user.
func (st *State) HasTopics() bool {
	return len(st.LongTerm.Topics) > 0
}

// TopicNames returns the topic names in sorted order.
func (lt *LongTermMemory) TopicNames() []string {
	names := make([]string, 0, len(lt.Topics))
	for name := range lt.Topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AppendSummary adds text to a topic bucket, creating it on demand.
// Existing text is joined with "; ".
func (lt *LongTermMemory) AppendSummary(topic, text string) {
	if lt.Topics == nil {
		lt.Topics = map[string]string{}
	}
	if old := lt.Topics[topic]; old != "" {
		lt.Topics[topic] = old + "; " + text
		return
	}
	lt.Topics[topic] = text
}

// AppendHistory adds one line to the request history. The "None"
// placeholder is replaced by the first real line.
func (lt *LongTermMemory) AppendHistory(line string) {
	if lt.RequestHistory == "" || lt.RequestHistory == EmptyHistory {
		lt.RequestHistory = line
		return
	}
	lt.RequestHistory += "\n" + line
}

// HistoryLines returns the non-empty history lines, oldest first.
func (lt *LongTermMemory) HistoryLines() []string {
	if lt.RequestHistory == "" || lt.RequestHistory == EmptyHistory {
		return nil
	}
	var lines []string
	for _, l := range strings.Split(lt.RequestHistory, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// LastHistoryLine returns the newest history line, or "" if none.
func (lt *LongTermMemory) LastHistoryLine() string {
	lines := lt.HistoryLines()
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// ToChat converts window messages to collaborator messages.
func ToChat(msgs []Message) []engine.ChatMessage {
	out := make([]engine.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, engine.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// RenderTranscript renders messages as "User: ..." / "AI: ..." lines.
func RenderTranscript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role == engine.RoleUser {
			b.WriteString("User: ")
		} else {
			b.WriteString("AI: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// renderRoleTagged renders messages as "role: content" lines.
func renderRoleTagged(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
