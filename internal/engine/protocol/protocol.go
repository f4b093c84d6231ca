package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CommandType enumerates all supported host -> engine commands.
type CommandType string

const (
	CommandStartSession  CommandType = "start_session"
	CommandUserMessage   CommandType = "user_message"
	CommandResetSession  CommandType = "reset_session"
	CommandWelcome       CommandType = "welcome"
	CommandStatus        CommandType = "status"
	CommandSearchMemory  CommandType = "search_memory"
	CommandCancelRequest CommandType = "cancel_request"
	CommandSaveConfig    CommandType = "save_config"
	CommandGetConfig     CommandType = "get_config"
	CommandReloadConfig  CommandType = "reload_config"
)

// Command is a marker interface implemented by all protocol commands.
type Command interface {
	GetType() CommandType
}

// StartSessionCommand initializes (or resumes) a session. An empty
// SessionID asks the engine to mint one.
type StartSessionCommand struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
}

// GetType implements Command.
func (c StartSessionCommand) GetType() CommandType { return CommandStartSession }

// UserMessageCommand sends one user turn.
type UserMessageCommand struct {
	Type       CommandType `json:"type"`
	SessionID  string      `json:"session_id"`
	Message    string      `json:"message"`
	RequestID  string      `json:"request_id,omitempty"`
	WindowSize int         `json:"window_size,omitempty"`
	Model      string      `json:"model,omitempty"`
}

// GetType implements Command.
func (c UserMessageCommand) GetType() CommandType { return CommandUserMessage }

// SessionCommand is the shape shared by reset_session, welcome, status
// and cancel_request.
type SessionCommand struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"session_id"`
}

// GetType implements Command.
func (c SessionCommand) GetType() CommandType { return c.Type }

// SearchMemoryCommand queries a session's long-term memory.
type SearchMemoryCommand struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"session_id"`
	Query     string      `json:"query"`
	Limit     int         `json:"limit,omitempty"`
}

// GetType implements Command.
func (c SearchMemoryCommand) GetType() CommandType { return CommandSearchMemory }

// SaveConfigCommand persists user configuration.
type SaveConfigCommand struct {
	Type   CommandType       `json:"type"`
	Config map[string]string `json:"config"`
}

// GetType implements Command.
func (c SaveConfigCommand) GetType() CommandType { return CommandSaveConfig }

// GetConfigCommand requests the current configuration.
type GetConfigCommand struct {
	Type CommandType `json:"type"`
}

// GetType implements Command.
func (c GetConfigCommand) GetType() CommandType { return CommandGetConfig }

// ReloadConfigCommand re-reads config.json and swaps the LLM client.
type ReloadConfigCommand struct {
	Type CommandType `json:"type"`
}

// GetType implements Command.
func (c ReloadConfigCommand) GetType() CommandType { return CommandReloadConfig }

type rawCommand struct {
	Type CommandType `json:"type"`
}

func decodeInto[T any](data []byte, cmd *T) error {
	if err := json.Unmarshal(data, cmd); err != nil {
		var base rawCommand
		_ = json.Unmarshal(data, &base)
		return fmt.Errorf("decode %s: %w", base.Type, err)
	}
	return nil
}

// DecodeCommand converts raw JSON into a strongly typed command.
func DecodeCommand(data []byte) (Command, error) {
	var base rawCommand
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	switch base.Type {
	case CommandStartSession:
		var cmd StartSessionCommand
		if err := decodeInto(data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	case CommandUserMessage:
		var cmd UserMessageCommand
		if err := decodeInto(data, &cmd); err != nil {
			return nil, err
		}
		if cmd.SessionID == "" {
			return nil, errors.New("user_message requires session_id")
		}
		if cmd.Message == "" {
			return nil, errors.New("user_message requires message")
		}
		if cmd.WindowSize < 0 {
			return nil, errors.New("user_message window_size must not be negative")
		}
		return cmd, nil
	case CommandResetSession, CommandWelcome, CommandStatus, CommandCancelRequest:
		var cmd SessionCommand
		if err := decodeInto(data, &cmd); err != nil {
			return nil, err
		}
		if cmd.SessionID == "" {
			return nil, fmt.Errorf("%s requires session_id", base.Type)
		}
		return cmd, nil
	case CommandSearchMemory:
		var cmd SearchMemoryCommand
		if err := decodeInto(data, &cmd); err != nil {
			return nil, err
		}
		if cmd.SessionID == "" {
			return nil, errors.New("search_memory requires session_id")
		}
		if cmd.Query == "" {
			return nil, errors.New("search_memory requires query")
		}
		return cmd, nil
	case CommandSaveConfig:
		var cmd SaveConfigCommand
		if err := decodeInto(data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	case CommandGetConfig:
		return GetConfigCommand{Type: CommandGetConfig}, nil
	case CommandReloadConfig:
		return ReloadConfigCommand{Type: CommandReloadConfig}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %s", base.Type)
	}
}

// NewSessionID generates a new opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// NewRequestID generates an identifier for one user turn.
func NewRequestID() string {
	return uuid.NewString()
}

// EventType enumerates engine -> host events.
type EventType string

const (
	EventAssistantText  EventType = "assistant_text"
	EventStatus         EventType = "status"
	EventMemoryStatus   EventType = "memory_status"
	EventSearchResults  EventType = "search_results"
	EventDone           EventType = "done"
	EventError          EventType = "error"
	EventSetupRequired  EventType = "setup_required"
	EventConfigLoaded   EventType = "config_loaded"
	EventConfigReloaded EventType = "config_reloaded"
	EventCancelled      EventType = "cancelled"
	EventSessionHistory EventType = "session_history"
)

// Event is implemented by every outgoing message.
type Event interface {
	isEvent()
	GetType() EventType
}

// MarshalEvent serializes an event into JSON for NDJSON transport.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

type eventBase struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

func (eventBase) isEvent() {}

// GetType implements Event.
func (e eventBase) GetType() EventType { return e.Type }

// AssistantTextEvent streams reply tokens. The greeting is sent as one
// final event with source "welcome".
type AssistantTextEvent struct {
	eventBase
	Content string `json:"content"`
	Final   bool   `json:"final,omitempty"`
	Source  string `json:"source,omitempty"`
}

// NewAssistantTextEvent constructs an assistant_text event.
func NewAssistantTextEvent(sessionID, requestID, content, source string, final bool) AssistantTextEvent {
	return AssistantTextEvent{
		eventBase: eventBase{Type: EventAssistantText, SessionID: sessionID, RequestID: requestID},
		Content:   content,
		Source:    source,
		Final:     final,
	}
}

// StatusEvent communicates coarse engine state.
type StatusEvent struct {
	eventBase
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// NewStatusEvent constructs a status event.
func NewStatusEvent(sessionID, status, detail string) StatusEvent {
	return StatusEvent{
		eventBase: eventBase{Type: EventStatus, SessionID: sessionID},
		Status:    status,
		Detail:    detail,
	}
}

// MemoryStatusEvent carries a session snapshot. Memory is the JSON view
// produced by the session service.
type MemoryStatusEvent struct {
	eventBase
	Memory any `json:"memory_status"`
}

// NewMemoryStatusEvent constructs a memory_status event.
func NewMemoryStatusEvent(sessionID, requestID string, memory any) MemoryStatusEvent {
	return MemoryStatusEvent{
		eventBase: eventBase{Type: EventMemoryStatus, SessionID: sessionID, RequestID: requestID},
		Memory:    memory,
	}
}

// SearchHit is one search_results entry.
type SearchHit struct {
	Kind  string  `json:"kind"`
	Topic string  `json:"topic,omitempty"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// SearchResultsEvent answers search_memory.
type SearchResultsEvent struct {
	eventBase
	Query string      `json:"query"`
	Hits  []SearchHit `json:"hits"`
}

// NewSearchResultsEvent constructs a search_results event.
func NewSearchResultsEvent(sessionID, query string, hits []SearchHit) SearchResultsEvent {
	if hits == nil {
		hits = []SearchHit{}
	}
	return SearchResultsEvent{
		eventBase: eventBase{Type: EventSearchResults, SessionID: sessionID},
		Query:     query,
		Hits:      hits,
	}
}

// DoneEvent signals the end of a request.
type DoneEvent struct {
	eventBase
}

// NewDoneEvent constructs a done event.
func NewDoneEvent(sessionID, requestID string) DoneEvent {
	return DoneEvent{eventBase: eventBase{Type: EventDone, SessionID: sessionID, RequestID: requestID}}
}

// ErrorEvent reports recoverable protocol or engine issues.
type ErrorEvent struct {
	eventBase
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

// NewErrorEvent constructs an error event.
func NewErrorEvent(sessionID, message, kind, details string) ErrorEvent {
	return ErrorEvent{
		eventBase: eventBase{Type: EventError, SessionID: sessionID},
		Message:   message,
		Kind:      kind,
		Details:   details,
	}
}

// SetupRequiredEvent signals that the user needs to configure a provider.
type SetupRequiredEvent struct {
	eventBase
}

// NewSetupRequiredEvent constructs a setup_required event.
func NewSetupRequiredEvent() SetupRequiredEvent {
	return SetupRequiredEvent{eventBase: eventBase{Type: EventSetupRequired}}
}

// ConfigLoadedEvent returns the current configuration.
type ConfigLoadedEvent struct {
	eventBase
	Config map[string]string `json:"config"`
}

// NewConfigLoadedEvent constructs a config_loaded event.
func NewConfigLoadedEvent(config map[string]string) ConfigLoadedEvent {
	return ConfigLoadedEvent{
		eventBase: eventBase{Type: EventConfigLoaded},
		Config:    config,
	}
}

// ConfigReloadedEvent signals that the LLM client was swapped.
type ConfigReloadedEvent struct {
	eventBase
	Provider  string `json:"provider"`
	ModelName string `json:"model_name"`
}

// NewConfigReloadedEvent constructs a config_reloaded event.
func NewConfigReloadedEvent(provider, modelName string) ConfigReloadedEvent {
	return ConfigReloadedEvent{
		eventBase: eventBase{Type: EventConfigReloaded},
		Provider:  provider,
		ModelName: modelName,
	}
}

// CancelledEvent signals that a turn was cancelled and left memory as it
// was.
type CancelledEvent struct {
	eventBase
	Reason string `json:"reason,omitempty"`
}

// NewCancelledEvent constructs a cancelled event.
func NewCancelledEvent(sessionID, requestID, reason string) CancelledEvent {
	return CancelledEvent{
		eventBase: eventBase{Type: EventCancelled, SessionID: sessionID, RequestID: requestID},
		Reason:    reason,
	}
}

// HistoryMessage is one active-window message replayed on resume.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionHistoryEvent replays the active window when a session resumes.
type SessionHistoryEvent struct {
	eventBase
	Topics   []string         `json:"topics"`
	Summary  string           `json:"summary,omitempty"`
	Messages []HistoryMessage `json:"messages"`
}

// NewSessionHistoryEvent constructs a session_history event.
func NewSessionHistoryEvent(sessionID string, topics []string, summary string, messages []HistoryMessage) SessionHistoryEvent {
	if topics == nil {
		topics = []string{}
	}
	if messages == nil {
		messages = []HistoryMessage{}
	}
	return SessionHistoryEvent{
		eventBase: eventBase{Type: EventSessionHistory, SessionID: sessionID},
		Topics:    topics,
		Summary:   summary,
		Messages:  messages,
	}
}
