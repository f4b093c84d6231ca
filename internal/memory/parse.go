package memory

import (
	"errors"
	"fmt"
	"strings"
)

const (
	markerTopic   = "TOPIC:"
	markerSummary = "SUMMARY:"
	markerHistory = "HISTORY:"

	// DefaultTopic receives summaries whose topic label came back empty.
	DefaultTopic = "General"
)

var (
	ErrMissingMarker = errors.New("missing marker")
	ErrEmptyField    = errors.New("empty field")
)

// ParseError describes collaborator output that does not match the
// TOPIC/SUMMARY/HISTORY layout.
type ParseError struct {
	Field string
	Raw   string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse summary: %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SummaryUpdate is one parsed summarization result.
type SummaryUpdate struct {
	Topic   string
	Summary string
	History string
}

// ParseSummary reads the collaborator's structured summary.
//
//	[preamble] [TOPIC:] name
//	SUMMARY: text
//	HISTORY: line
//
// SUMMARY: and HISTORY: must both be present and in that order. The topic
// and history are reduced to their first line; the summary keeps all of
// its lines. Brackets and markdown emphasis around a field are stripped.
func ParseSummary(raw string) (SummaryUpdate, error) {
	si := strings.Index(raw, markerSummary)
	if si < 0 {
		return SummaryUpdate{}, &ParseError{Field: "SUMMARY", Raw: raw, Err: ErrMissingMarker}
	}
	head, rest := raw[:si], raw[si+len(markerSummary):]

	hi := strings.Index(rest, markerHistory)
	if hi < 0 {
		return SummaryUpdate{}, &ParseError{Field: "HISTORY", Raw: raw, Err: ErrMissingMarker}
	}
	body, tail := rest[:hi], rest[hi+len(markerHistory):]

	upd := SummaryUpdate{
		Topic:   parseTopic(head),
		Summary: cleanField(body),
		History: cleanField(firstLine(tail)),
	}
	if upd.Summary == "" {
		return SummaryUpdate{}, &ParseError{Field: "SUMMARY", Raw: raw, Err: ErrEmptyField}
	}
	if upd.History == "" {
		return SummaryUpdate{}, &ParseError{Field: "HISTORY", Raw: raw, Err: ErrEmptyField}
	}
	return upd, nil
}

func parseTopic(head string) string {
	if ti := strings.LastIndex(head, markerTopic); ti >= 0 {
		head = head[ti+len(markerTopic):]
	}
	topic := cleanField(firstLine(head))
	if topic == "" {
		return DefaultTopic
	}
	return topic
}

// firstLine returns the first non-blank line of s.
func firstLine(s string) string {
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			return l
		}
	}
	return ""
}

func cleanField(s string) string {
	return strings.Trim(s, "*[] \t\r\n")
}
