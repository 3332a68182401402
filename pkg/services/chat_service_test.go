package services

import (
	"context"
	"testing"

	"github.com/codeready-toolchain/relay/pkg/models"
	testdb "github.com/codeready-toolchain/relay/test/database"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatService_CreateChat(t *testing.T) {
	client := testdb.NewTestClient(t)
	chatService := NewChatService(client)
	ctx := context.Background()

	t.Run("creates chat successfully", func(t *testing.T) {
		chat, err := chatService.CreateChat(ctx, "user@example.com", models.CreateChatRequest{
			Title: "Fix the flaky test",
		})
		require.NoError(t, err)
		assert.Equal(t, "user@example.com", chat.UserID)
		assert.Equal(t, "Fix the flaky test", chat.Title)
		assert.Len(t, chat.AgentToken, 64)
		assert.Equal(t, int64(0), chat.LastEventSeq)
		assert.False(t, chat.CreatedAt.IsZero())
	})

	t.Run("validates user_id required", func(t *testing.T) {
		_, err := chatService.CreateChat(ctx, "", models.CreateChatRequest{Title: "x"})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("allows empty title", func(t *testing.T) {
		chat, err := chatService.CreateChat(ctx, "user@example.com", models.CreateChatRequest{})
		require.NoError(t, err)
		assert.Equal(t, "", chat.Title)

		got, err := chatService.GetChat(ctx, chat.ID)
		require.NoError(t, err)
		assert.Equal(t, "", got.Title)
	})

	t.Run("issues a distinct agent token per chat", func(t *testing.T) {
		a, err := chatService.CreateChat(ctx, "user@example.com", models.CreateChatRequest{})
		require.NoError(t, err)
		b, err := chatService.CreateChat(ctx, "user@example.com", models.CreateChatRequest{})
		require.NoError(t, err)
		assert.NotEqual(t, a.AgentToken, b.AgentToken)
	})
}

func TestChatService_GetChat(t *testing.T) {
	client := testdb.NewTestClient(t)
	chatService := NewChatService(client)
	ctx := context.Background()

	chat, err := chatService.CreateChat(ctx, "owner@example.com", models.CreateChatRequest{Title: "mine"})
	require.NoError(t, err)

	t.Run("returns the chat", func(t *testing.T) {
		got, err := chatService.GetChat(ctx, chat.ID)
		require.NoError(t, err)
		assert.Equal(t, chat.ID, got.ID)
		assert.Equal(t, chat.AgentToken, got.AgentToken)
	})

	t.Run("returns ErrNotFound for unknown chat", func(t *testing.T) {
		_, err := chatService.GetChat(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("enforces ownership", func(t *testing.T) {
		got, err := chatService.GetChatForUser(ctx, chat.ID, "owner@example.com")
		require.NoError(t, err)
		assert.Equal(t, chat.ID, got.ID)

		_, err = chatService.GetChatForUser(ctx, chat.ID, "intruder@example.com")
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestChatService_AuthenticateAgent(t *testing.T) {
	client := testdb.NewTestClient(t)
	chatService := NewChatService(client)
	ctx := context.Background()

	chat, err := chatService.CreateChat(ctx, "owner@example.com", models.CreateChatRequest{})
	require.NoError(t, err)

	t.Run("accepts the chat token", func(t *testing.T) {
		got, err := chatService.AuthenticateAgent(ctx, chat.ID, chat.AgentToken)
		require.NoError(t, err)
		assert.Equal(t, chat.ID, got.ID)
	})

	t.Run("rejects a wrong token", func(t *testing.T) {
		_, err := chatService.AuthenticateAgent(ctx, chat.ID, "not-the-token")
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("rejects an unknown chat", func(t *testing.T) {
		_, err := chatService.AuthenticateAgent(ctx, uuid.New(), chat.AgentToken)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestChatService_ListChats(t *testing.T) {
	client := testdb.NewTestClient(t)
	chatService := NewChatService(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := chatService.CreateChat(ctx, "lister@example.com", models.CreateChatRequest{Title: "chat"})
		require.NoError(t, err)
	}
	other, err := chatService.CreateChat(ctx, "someone-else@example.com", models.CreateChatRequest{})
	require.NoError(t, err)

	t.Run("scopes to the user", func(t *testing.T) {
		resp, err := chatService.ListChats(ctx, "lister@example.com", 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, resp.TotalCount)
		assert.Len(t, resp.Chats, 3)
		for _, c := range resp.Chats {
			assert.Equal(t, "lister@example.com", c.UserID)
		}
	})

	t.Run("paginates with limit and offset", func(t *testing.T) {
		page, err := chatService.ListChats(ctx, "lister@example.com", 2, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, page.TotalCount)
		assert.Len(t, page.Chats, 2)

		rest, err := chatService.ListChats(ctx, "lister@example.com", 2, 2)
		require.NoError(t, err)
		assert.Len(t, rest.Chats, 1)
	})

	t.Run("excludes soft-deleted chats", func(t *testing.T) {
		require.NoError(t, chatService.SoftDeleteChat(ctx, other.ID, "someone-else@example.com"))

		resp, err := chatService.ListChats(ctx, "someone-else@example.com", 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, resp.TotalCount)
		assert.Empty(t, resp.Chats)
	})
}

func TestChatService_UpdateChatTitle(t *testing.T) {
	client := testdb.NewTestClient(t)
	chatService := NewChatService(client)
	ctx := context.Background()

	chat, err := chatService.CreateChat(ctx, "owner@example.com", models.CreateChatRequest{Title: "old"})
	require.NoError(t, err)

	t.Run("renames the chat", func(t *testing.T) {
		updated, err := chatService.UpdateChatTitle(ctx, chat.ID, "owner@example.com", "new title")
		require.NoError(t, err)
		assert.Equal(t, "new title", updated.Title)
	})

	t.Run("validates title required", func(t *testing.T) {
		_, err := chatService.UpdateChatTitle(ctx, chat.ID, "owner@example.com", "")
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("rejects non-owners", func(t *testing.T) {
		_, err := chatService.UpdateChatTitle(ctx, chat.ID, "intruder@example.com", "hijacked")
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestChatService_SoftDeleteChat(t *testing.T) {
	client := testdb.NewTestClient(t)
	chatService := NewChatService(client)
	ctx := context.Background()

	chat, err := chatService.CreateChat(ctx, "owner@example.com", models.CreateChatRequest{})
	require.NoError(t, err)

	require.NoError(t, chatService.SoftDeleteChat(ctx, chat.ID, "owner@example.com"))

	_, err = chatService.GetChat(ctx, chat.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again reports not found because the chat is already gone.
	err = chatService.SoftDeleteChat(ctx, chat.ID, "owner@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChatService_ForkChat(t *testing.T) {
	client := testdb.NewTestClient(t)
	chatService := NewChatService(client)
	messageService := NewMessageService(client)
	eventService := NewEventService(client)
	ctx := context.Background()

	chat, err := chatService.CreateChat(ctx, "owner@example.com", models.CreateChatRequest{Title: "source"})
	require.NoError(t, err)

	_, firstAssistant, err := messageService.CreateTurn(ctx, chat.ID, "first prompt", nil, nil)
	require.NoError(t, err)
	_, secondAssistant, err := messageService.CreateTurn(ctx, chat.ID, "second prompt", nil, nil)
	require.NoError(t, err)

	// Give the source chat a live stream and some log entries so the fork
	// has streaming state to reset.
	streamID := uuid.New()
	require.NoError(t, messageService.ClaimStream(ctx, secondAssistant.ID, streamID))
	_, err = eventService.AppendBatch(ctx, chat.ID, secondAssistant.ID, streamID, []NewEvent{
		{EventType: models.EventKindAssistantText, RenderPayload: map[string]any{"text": "hi"}},
	})
	require.NoError(t, err)

	t.Run("copies messages up to the fork point", func(t *testing.T) {
		resp, err := chatService.ForkChat(ctx, chat.ID, "owner@example.com", firstAssistant.ID)
		require.NoError(t, err)
		assert.Equal(t, "source", resp.Chat.Title)
		assert.NotEqual(t, chat.ID, resp.Chat.ID)
		assert.NotEqual(t, chat.AgentToken, resp.Chat.AgentToken)
		assert.Equal(t, 2, resp.MessagesCopied)
		assert.Equal(t, int64(0), resp.Chat.LastEventSeq)

		page, err := messageService.ListMessages(ctx, resp.Chat.ID, 10, nil)
		require.NoError(t, err)
		require.Len(t, page.Items, 2)
		for _, msg := range page.Items {
			assert.Equal(t, int64(0), msg.LastSeq)
			assert.Nil(t, msg.ActiveStreamID)
		}
	})

	t.Run("interrupts in-flight snapshots in the copy", func(t *testing.T) {
		resp, err := chatService.ForkChat(ctx, chat.ID, "owner@example.com", secondAssistant.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, resp.MessagesCopied)

		page, err := messageService.ListMessages(ctx, resp.Chat.ID, 10, nil)
		require.NoError(t, err)
		require.NotEmpty(t, page.Items)
		copied := page.Items[0] // newest first: the copied second assistant
		assert.Equal(t, models.MessageRoleAssistant, copied.Role)
		assert.Equal(t, models.StreamStatusInterrupted, copied.StreamStatus)
		assert.Nil(t, copied.ActiveStreamID)
	})

	t.Run("returns ErrNotFound for a foreign message", func(t *testing.T) {
		_, err := chatService.ForkChat(ctx, chat.ID, "owner@example.com", uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejects non-owners", func(t *testing.T) {
		_, err := chatService.ForkChat(ctx, chat.ID, "intruder@example.com", firstAssistant.ID)
		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestChatService_StreamColumns(t *testing.T) {
	client := testdb.NewTestClient(t)
	chatService := NewChatService(client)
	ctx := context.Background()

	chat, err := chatService.CreateChat(ctx, "owner@example.com", models.CreateChatRequest{})
	require.NoError(t, err)

	require.NoError(t, chatService.UpdateSessionID(ctx, chat.ID, "sess-123"))
	require.NoError(t, chatService.UpdateSandboxID(ctx, chat.ID, "sb-456"))
	require.NoError(t, chatService.UpdateModelID(ctx, chat.ID, "claude-sonnet-4-5"))
	require.NoError(t, chatService.UpdateContextUsage(ctx, chat.ID, 12345))

	got, err := chatService.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SessionID)
	assert.Equal(t, "sess-123", *got.SessionID)
	require.NotNil(t, got.SandboxID)
	assert.Equal(t, "sb-456", *got.SandboxID)
	require.NotNil(t, got.ModelID)
	assert.Equal(t, "claude-sonnet-4-5", *got.ModelID)
	require.NotNil(t, got.ContextTokenUsage)
	assert.Equal(t, int64(12345), *got.ContextTokenUsage)

	assert.ErrorIs(t, chatService.UpdateSessionID(ctx, uuid.New(), "x"), ErrNotFound)
	assert.ErrorIs(t, chatService.UpdateContextUsage(ctx, uuid.New(), 1), ErrNotFound)
}
