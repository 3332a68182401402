package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a stream event.
type EventKind string

// Snapshot kinds are folded into the assistant message's render document.
const (
	EventKindAssistantText     EventKind = "assistant_text"
	EventKindAssistantThinking EventKind = "assistant_thinking"
	EventKindToolStarted       EventKind = "tool_started"
	EventKindToolCompleted     EventKind = "tool_completed"
	EventKindToolFailed        EventKind = "tool_failed"
	EventKindPromptSuggestions EventKind = "prompt_suggestions"
	EventKindSystem            EventKind = "system"
	EventKindPermissionRequest EventKind = "permission_request"
)

// Control kinds mark lifecycle transitions. They are logged and published
// but never rendered into message content.
const (
	EventKindStreamStarted   EventKind = "stream_started"
	EventKindComplete        EventKind = "complete"
	EventKindCancelled       EventKind = "cancelled"
	EventKindError           EventKind = "error"
	EventKindQueueProcessing EventKind = "queue_processing"
)

var snapshotKinds = map[EventKind]struct{}{
	EventKindAssistantText:     {},
	EventKindAssistantThinking: {},
	EventKindToolStarted:       {},
	EventKindToolCompleted:     {},
	EventKindToolFailed:        {},
	EventKindPromptSuggestions: {},
	EventKindSystem:            {},
	EventKindPermissionRequest: {},
}

// IsSnapshotKind reports whether events of this kind belong in the
// message render document.
func (k EventKind) IsSnapshotKind() bool {
	_, ok := snapshotKinds[k]
	return ok
}

// MessageEvent is one durable entry in a chat's event log. Seq is
// gap-free and strictly increasing per chat.
type MessageEvent struct {
	ID            uuid.UUID       `json:"event_id"`
	ChatID        uuid.UUID       `json:"chat_id"`
	MessageID     uuid.UUID       `json:"message_id"`
	StreamID      uuid.UUID       `json:"stream_id"`
	Seq           int64           `json:"seq"`
	EventType     EventKind       `json:"event_type"`
	RenderPayload json.RawMessage `json:"render_payload"`
	AuditPayload  json.RawMessage `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MessageEventsResponse contains the event log slice for one message
type MessageEventsResponse struct {
	Events []*MessageEvent `json:"events"`
}

// Render is the replayable event document stored on assistant messages.
// Empty collections marshal as [] so clients never see null.
type Render struct {
	Events   []map[string]any `json:"events"`
	Segments []any            `json:"segments"`
}

// NewRender returns an empty render document.
func NewRender() *Render {
	return &Render{
		Events:   make([]map[string]any, 0),
		Segments: make([]any, 0),
	}
}

// StreamEnvelope is the wire frame published on the live channel and
// replayed over SSE. Field names are camelCase on the wire.
type StreamEnvelope struct {
	ChatID    uuid.UUID      `json:"chatId"`
	MessageID uuid.UUID      `json:"messageId"`
	StreamID  uuid.UUID      `json:"streamId"`
	Seq       int64          `json:"seq"`
	Kind      EventKind      `json:"kind"`
	Payload   map[string]any `json:"payload"`
	TS        time.Time      `json:"ts"`
}

// NewEnvelope builds an envelope stamped with the current time.
func NewEnvelope(chatID, messageID, streamID uuid.UUID, seq int64, kind EventKind, payload map[string]any) *StreamEnvelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return &StreamEnvelope{
		ChatID:    chatID,
		MessageID: messageID,
		StreamID:  streamID,
		Seq:       seq,
		Kind:      kind,
		Payload:   payload,
		TS:        time.Now().UTC(),
	}
}
