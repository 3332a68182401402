// Package models contains request/response models and business domain types.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Chat is a conversation owned by one user with at most one active stream.
type Chat struct {
	ID                uuid.UUID  `json:"chat_id"`
	UserID            string     `json:"user_id"`
	Title             string     `json:"title"`
	SandboxID         *string    `json:"sandbox_id,omitempty"`
	SessionID         *string    `json:"session_id,omitempty"`
	AgentToken        string     `json:"-"`
	LastEventSeq      int64      `json:"last_event_seq"`
	ContextTokenUsage *int64     `json:"context_token_usage,omitempty"`
	ModelID           *string    `json:"model_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DeletedAt         *time.Time `json:"-"`
}

// CreateChatRequest contains fields for creating a chat
type CreateChatRequest struct {
	Title   string  `json:"title"`
	ModelID *string `json:"model_id,omitempty"`
}

// UpdateChatRequest contains fields for renaming a chat
type UpdateChatRequest struct {
	Title *string `json:"title,omitempty"`
}

// ChatListResponse contains paginated chat list
type ChatListResponse struct {
	Chats      []*Chat `json:"chats"`
	TotalCount int     `json:"total_count"`
	Limit      int     `json:"limit"`
	Offset     int     `json:"offset"`
}

// ForkChatResponse reports the chat created by a fork and how many
// messages were copied into it.
type ForkChatResponse struct {
	Chat           *Chat `json:"chat"`
	MessagesCopied int   `json:"messages_copied"`
}

// ActiveTask is the task descriptor kept in KV while a stream runs.
type ActiveTask struct {
	MessageID uuid.UUID `json:"message_id"`
	StreamID  uuid.UUID `json:"stream_id"`
}

// StreamStatusResponse describes whether a chat currently has a live stream.
// StreamID and LastSeq let a client resume without racing the stream start.
type StreamStatusResponse struct {
	HasActiveTask bool       `json:"has_active_task"`
	MessageID     *uuid.UUID `json:"message_id,omitempty"`
	StreamID      *uuid.UUID `json:"stream_id"`
	LastSeq       int64      `json:"last_seq"`
}

// ContextUsage is the token consumption of a chat's agent session.
type ContextUsage struct {
	ContextTokens int64   `json:"context_tokens"`
	ContextWindow int64   `json:"context_window"`
	Percentage    float64 `json:"percentage"`
}
