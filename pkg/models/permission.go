package models

import (
	"time"

	"github.com/google/uuid"
)

// PermissionRequestData describes a tool invocation awaiting user approval.
type PermissionRequestData struct {
	ChatID    uuid.UUID      `json:"chat_id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	Timestamp time.Time      `json:"timestamp"`
}

// PermissionDecision is the user's answer to a permission request.
type PermissionDecision struct {
	Approved               bool           `json:"approved"`
	AlternativeInstruction string         `json:"alternative_instruction,omitempty"`
	UserAnswers            map[string]any `json:"user_answers,omitempty"`
}

// CreatePermissionRequest contains fields for registering a permission request
type CreatePermissionRequest struct {
	RequestID string         `json:"request_id"`
	ChatID    uuid.UUID      `json:"chat_id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

// PermissionRequestAck confirms a registered permission request
type PermissionRequestAck struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}
