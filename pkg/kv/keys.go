package kv

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Key builders for stream bookkeeping. Keeping every format here makes
// the keyspace greppable from one place.

// TaskKey holds the active task descriptor for a chat.
func TaskKey(chatID uuid.UUID) string {
	return fmt.Sprintf("chat:%s:task", chatID)
}

// RevokedKey is the sticky cancel breadcrumb for a chat.
func RevokedKey(chatID uuid.UUID) string {
	return fmt.Sprintf("chat:%s:revoked", chatID)
}

// QueueKey holds the merged follow-up message for a chat.
func QueueKey(chatID uuid.UUID) string {
	return fmt.Sprintf("chat:%s:queue", chatID)
}

// ContextUsageKey caches the last reported context token usage.
func ContextUsageKey(chatID uuid.UUID) string {
	return fmt.Sprintf("chat:%s:context_usage", chatID)
}

// PermissionRequestKey mirrors a pending permission request.
func PermissionRequestKey(requestID string) string {
	return fmt.Sprintf("permission:request:%s", requestID)
}

// LiveChannel carries stream envelopes and wake-up signals for a chat.
func LiveChannel(chatID uuid.UUID) string {
	return fmt.Sprintf("chat:%s:stream:live", chatID)
}

// CancelChannel carries cancel requests for a chat.
func CancelChannel(chatID uuid.UUID) string {
	return fmt.Sprintf("chat:%s:cancel", chatID)
}

// CancelChannelPattern matches every chat's cancel channel.
const CancelChannelPattern = "chat:*:cancel"

// ChatIDFromCancelChannel extracts the chat ID from a cancel channel name.
func ChatIDFromCancelChannel(channel string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(channel, "chat:")
	if !ok {
		return uuid.Nil, false
	}
	raw, ok := strings.CutSuffix(rest, ":cancel")
	if !ok {
		return uuid.Nil, false
	}
	chatID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return chatID, true
}

// PermissionResponseChannel carries the decision for one permission request.
func PermissionResponseChannel(requestID string) string {
	return fmt.Sprintf("permission:%s:response", requestID)
}
