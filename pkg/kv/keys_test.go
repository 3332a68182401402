package kv

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestKeyFormats(t *testing.T) {
	chatID := uuid.MustParse("7a1e815c-0c12-4e8a-9c65-16e04b6ac2a4")

	assert.Equal(t, "chat:7a1e815c-0c12-4e8a-9c65-16e04b6ac2a4:task", TaskKey(chatID))
	assert.Equal(t, "chat:7a1e815c-0c12-4e8a-9c65-16e04b6ac2a4:revoked", RevokedKey(chatID))
	assert.Equal(t, "chat:7a1e815c-0c12-4e8a-9c65-16e04b6ac2a4:queue", QueueKey(chatID))
	assert.Equal(t, "chat:7a1e815c-0c12-4e8a-9c65-16e04b6ac2a4:context_usage", ContextUsageKey(chatID))
	assert.Equal(t, "chat:7a1e815c-0c12-4e8a-9c65-16e04b6ac2a4:stream:live", LiveChannel(chatID))
	assert.Equal(t, "chat:7a1e815c-0c12-4e8a-9c65-16e04b6ac2a4:cancel", CancelChannel(chatID))
	assert.Equal(t, "permission:request:req-42", PermissionRequestKey("req-42"))
	assert.Equal(t, "permission:req-42:response", PermissionResponseChannel("req-42"))
}

func TestCancelChannelMatchesPattern(t *testing.T) {
	// PSUBSCRIBE glob: every per-chat cancel channel must fall under it
	chatID := uuid.New()
	channel := CancelChannel(chatID)

	assert.Regexp(t, `^chat:.*:cancel$`, channel)
	assert.Equal(t, "chat:*:cancel", CancelChannelPattern)
}

func TestChatIDFromCancelChannel(t *testing.T) {
	chatID := uuid.New()

	got, ok := ChatIDFromCancelChannel(CancelChannel(chatID))
	assert.True(t, ok)
	assert.Equal(t, chatID, got)

	for _, bad := range []string{
		"chat:not-a-uuid:cancel",
		"chat:" + chatID.String() + ":queue",
		"other:" + chatID.String() + ":cancel",
		"",
	} {
		_, ok := ChatIDFromCancelChannel(bad)
		assert.False(t, ok, "channel %q should not parse", bad)
	}
}
