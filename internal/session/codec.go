package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ChamsBouzaiene/mneme/internal/engine"
	"github.com/ChamsBouzaiene/mneme/internal/memory"
)

// DefaultMaxBlobSize caps a single encoded session.
const DefaultMaxBlobSize = 8 * units.MiB

var (
	ErrBlobTooLarge = errors.New("session blob too large")
	ErrInvalidBlob  = errors.New("invalid session blob")
)

// legacyPersona is the value older stores used for "nothing known yet".
const legacyPersona = "Unknown"

const blobSchemaJSON = `{
  "type": "object",
  "properties": {
    "long_term_memory": {
      "type": "object",
      "properties": {
        "topics": {"type": "object", "additionalProperties": {"type": "string"}},
        "request_history": {"type": "string"},
        "persona": {"type": "string"}
      }
    },
    "short_term_memory": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"enum": ["user", "assistant", "system"]},
          "content": {"type": "string"}
        }
      }
    },
    "last_interaction": {"type": ["string", "null"]}
  }
}`

var blobSchema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(blobSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("session: bad blob schema: %v", err))
	}
	return s
}()

type blobLongTerm struct {
	Topics         map[string]string `json:"topics"`
	RequestHistory *string           `json:"request_history,omitempty"`
	Persona        *string           `json:"persona,omitempty"`
}

type blobMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type blob struct {
	LongTermMemory  blobLongTerm  `json:"long_term_memory"`
	ShortTermMemory []blobMessage `json:"short_term_memory"`
	LastInteraction *string       `json:"last_interaction"`
}

// Codec converts a memory.State to and from its stored JSON form.
type Codec struct {
	// MaxBlobSize bounds encoded and decoded blobs. Zero means
	// DefaultMaxBlobSize.
	MaxBlobSize int64
}

func (c Codec) limit() int64 {
	if c.MaxBlobSize > 0 {
		return c.MaxBlobSize
	}
	return DefaultMaxBlobSize
}

// Encode serializes st.
func (c Codec) Encode(st *memory.State) ([]byte, error) {
	history := st.LongTerm.RequestHistory
	if history == "" {
		history = memory.EmptyHistory
	}
	out := blob{
		LongTermMemory: blobLongTerm{
			Topics:         st.LongTerm.Topics,
			RequestHistory: &history,
		},
		ShortTermMemory: make([]blobMessage, 0, len(st.Active)),
	}
	if out.LongTermMemory.Topics == nil {
		out.LongTermMemory.Topics = map[string]string{}
	}
	for _, m := range st.Active {
		out.ShortTermMemory = append(out.ShortTermMemory, blobMessage{Role: string(m.Role), Content: m.Content})
	}
	if st.LastInteraction != nil {
		ts := st.LastInteraction.Format(time.RFC3339Nano)
		out.LastInteraction = &ts
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if int64(len(data)) > c.limit() {
		return nil, fmt.Errorf("%w: %s exceeds %s", ErrBlobTooLarge,
			units.BytesSize(float64(len(data))), units.BytesSize(float64(c.limit())))
	}
	return data, nil
}

// Decode parses a stored blob. Blobs from the single-persona layout are
// migrated into a "General" topic. Messages with blank content are dropped.
func (c Codec) Decode(data []byte) (*memory.State, error) {
	if int64(len(data)) > c.limit() {
		return nil, fmt.Errorf("%w: %s exceeds %s", ErrBlobTooLarge,
			units.BytesSize(float64(len(data))), units.BytesSize(float64(c.limit())))
	}

	result, err := blobSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidBlob, strings.Join(msgs, "; "))
	}

	var in blob
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	st := memory.NewState()
	lt := in.LongTermMemory
	if lt.Persona != nil && *lt.Persona != legacyPersona {
		st.LongTerm.Topics = map[string]string{memory.DefaultTopic: *lt.Persona}
	} else if lt.Topics != nil {
		st.LongTerm.Topics = lt.Topics
	}
	if lt.RequestHistory != nil {
		st.LongTerm.RequestHistory = *lt.RequestHistory
	}

	for _, m := range in.ShortTermMemory {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		st.Active = append(st.Active, memory.Message{Role: engine.MessageRole(m.Role), Content: m.Content})
	}

	if in.LastInteraction != nil && *in.LastInteraction != "" {
		ts, err := parseTimestamp(*in.LastInteraction)
		if err != nil {
			return nil, fmt.Errorf("%w: last_interaction: %v", ErrInvalidBlob, err)
		}
		st.LastInteraction = &ts
	}
	return st, nil
}

// parseTimestamp accepts RFC 3339 and the offset-less ISO-8601 form older
// stores wrote, read as local time.
func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.Local)
}
