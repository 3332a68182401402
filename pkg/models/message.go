package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies who authored a message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// StreamStatus is the lifecycle state of an assistant message's stream.
type StreamStatus string

const (
	StreamStatusInProgress  StreamStatus = "in_progress"
	StreamStatusCompleted   StreamStatus = "completed"
	StreamStatusInterrupted StreamStatus = "interrupted"
	StreamStatusFailed      StreamStatus = "failed"
)

// IsTerminal reports whether the status marks a finished stream.
func (s StreamStatus) IsTerminal() bool {
	return s == StreamStatusCompleted || s == StreamStatusInterrupted || s == StreamStatusFailed
}

// Attachment is a file reference carried on a user message.
type Attachment struct {
	ID       string `json:"id"`
	FileURL  string `json:"file_url"`
	FileType string `json:"file_type"`
	Filename string `json:"filename,omitempty"`
}

// Message is one turn of a chat. Assistant messages carry the stream
// snapshot: ContentText is the concatenated assistant text and
// ContentRender the replayable event document, both valid up to LastSeq.
type Message struct {
	ID             uuid.UUID       `json:"message_id"`
	ChatID         uuid.UUID       `json:"chat_id"`
	Role           MessageRole     `json:"role"`
	ContentText    string          `json:"content_text"`
	ContentRender  json.RawMessage `json:"content_render,omitempty"`
	LastSeq        int64           `json:"last_seq"`
	ActiveStreamID *uuid.UUID      `json:"active_stream_id,omitempty"`
	StreamStatus   StreamStatus    `json:"stream_status"`
	ModelID        *string         `json:"model_id,omitempty"`
	TotalCostUSD   *float64        `json:"total_cost_usd,omitempty"`
	CheckpointID   *string         `json:"checkpoint_id,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CreateMessageRequest contains fields for creating a message
type CreateMessageRequest struct {
	ChatID       uuid.UUID    `json:"chat_id"`
	Role         MessageRole  `json:"role"`
	Content      string       `json:"content"`
	ModelID      *string      `json:"model_id,omitempty"`
	StreamStatus StreamStatus `json:"stream_status,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

// StartStreamRequest contains fields for starting an assistant stream
type StartStreamRequest struct {
	Content        string       `json:"content"`
	ModelID        string       `json:"model_id"`
	PermissionMode string       `json:"permission_mode,omitempty"`
	ThinkingMode   *string      `json:"thinking_mode,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// StartStreamResponse tells the client where to resume: MessageID is the
// assistant message that will stream and LastSeq the chat's event cursor at
// accept time.
type StartStreamResponse struct {
	ChatID    uuid.UUID `json:"chat_id"`
	MessageID uuid.UUID `json:"message_id"`
	LastSeq   int64     `json:"last_seq"`
}

// CursorPaginatedMessages is a newest-first page of chat messages.
type CursorPaginatedMessages struct {
	Items      []*Message `json:"items"`
	NextCursor *string    `json:"next_cursor"`
	HasMore    bool       `json:"has_more"`
}
