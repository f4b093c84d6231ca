package memory

import (
	"strings"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
	"github.com/ChamsBouzaiene/mneme/internal/prompts"
)

// Assembler builds the outgoing request: one system message followed by the
// window in order.
type Assembler struct {
	Catalog *prompts.Catalog
}

// SystemPrompt picks the onboarding persona while no topics exist and the
// patient-file persona afterwards.
func (a *Assembler) SystemPrompt(st *State) string {
	c := a.Catalog
	if c == nil {
		c = prompts.Default()
	}

	if !st.HasTopics() {
		out, err := c.Render(prompts.PersonaOnboarding, nil)
		if err != nil {
			return ""
		}
		return out
	}

	out, err := c.Render(prompts.PersonaKnown, map[string]string{
		"patient_file": PatientFile(&st.LongTerm),
		"history":      st.LongTerm.RequestHistory,
	})
	if err != nil {
		return ""
	}
	return out
}

// Build returns the system message plus the active window.
func (a *Assembler) Build(st *State) []engine.ChatMessage {
	msgs := make([]engine.ChatMessage, 0, len(st.Active)+1)
	msgs = append(msgs, engine.ChatMessage{Role: engine.RoleSystem, Content: a.SystemPrompt(st)})
	return append(msgs, ToChat(st.Active)...)
}

// PatientFile renders topic buckets as "[Topic]: summary" lines, sorted by
// topic name.
func PatientFile(lt *LongTermMemory) string {
	var b strings.Builder
	for i, name := range lt.TopicNames() {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[")
		b.WriteString(name)
		b.WriteString("]: ")
		b.WriteString(lt.Topics[name])
	}
	return b.String()
}
