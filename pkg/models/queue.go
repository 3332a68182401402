package models

import (
	"time"

	"github.com/google/uuid"
)

// QueuedMessage is the single follow-up prompt held for a chat while a
// stream is active. Successive queue calls merge into one message.
type QueuedMessage struct {
	ID             uuid.UUID    `json:"id"`
	Content        string       `json:"content"`
	ModelID        string       `json:"model_id"`
	PermissionMode string       `json:"permission_mode"`
	ThinkingMode   *string      `json:"thinking_mode,omitempty"`
	QueuedAt       time.Time    `json:"queued_at"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// QueueMessageRequest contains fields for queueing a follow-up prompt
type QueueMessageRequest struct {
	Content        string       `json:"content"`
	ModelID        string       `json:"model_id"`
	PermissionMode string       `json:"permission_mode,omitempty"`
	ThinkingMode   *string      `json:"thinking_mode,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// UpdateQueuedMessageRequest replaces the queued prompt's content
type UpdateQueuedMessageRequest struct {
	Content string `json:"content"`
}
