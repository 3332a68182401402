package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/relay/pkg/kv"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/stream"
)

var permissionModes = map[string]struct{}{
	"plan": {},
	"ask":  {},
	"auto": {},
}

// postChat accepts a prompt turn. A missing chat_id creates the chat and
// its sandbox; an occupied chat answers 409 so the client queues instead.
func (s *Server) postChat(c *gin.Context) {
	userID := extractAuthor(c)
	ctx := c.Request.Context()

	prompt := c.PostForm("prompt")
	if prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	permissionMode := c.PostForm("permission_mode")
	if permissionMode != "" {
		if _, ok := permissionModes[permissionMode]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "permission_mode must be plan, ask, or auto"})
			return
		}
	}
	modelID := c.PostForm("model_id")
	thinkingMode := c.PostForm("thinking_mode")

	var chat *models.Chat
	if raw := c.PostForm("chat_id"); raw != "" {
		chatID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat_id"})
			return
		}
		chat, err = s.deps.Chats.GetChatForUser(ctx, chatID, userID)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		if s.hasActiveStream(c, chat.ID) {
			respondServiceError(c, services.ErrStreamActive)
			return
		}
	} else {
		var err error
		chat, err = s.deps.Chats.CreateChat(ctx, userID, models.CreateChatRequest{
			Title:   firstLine(prompt),
			ModelID: optional(modelID),
		})
		if err != nil {
			respondServiceError(c, err)
			return
		}
	}

	if err := s.deps.Engine.EnsureSandbox(ctx, chat); err != nil {
		slog.Error("Failed to provision sandbox", "chat_id", chat.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to provision sandbox"})
		return
	}

	_, assistant, err := s.deps.Messages.CreateTurn(ctx, chat.ID, prompt, optional(modelID), nil)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	_, err = s.deps.Engine.Submit(ctx, stream.StartRequest{
		Chat:             chat,
		AssistantMessage: assistant,
		Prompt:           prompt,
		ModelID:          modelID,
		PermissionMode:   permissionMode,
		ThinkingMode:     thinkingMode,
	})
	if err != nil {
		// The claim lost a race with another stream; the fresh assistant
		// row must not stay in_progress forever.
		failed := models.StreamStatusFailed
		if patchErr := s.deps.Messages.UpdateSnapshot(ctx, assistant.ID, services.SnapshotPatch{StreamStatus: &failed}); patchErr != nil {
			slog.Warn("Failed to mark unclaimed message failed", "message_id", assistant.ID, "error", patchErr)
		}
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.StartStreamResponse{
		ChatID:    chat.ID,
		MessageID: assistant.ID,
		LastSeq:   chat.LastEventSeq,
	})
}

// hasActiveStream reports whether the chat's task key points at a stream
// that has not reached a terminal snapshot. Stale task keys are cleared.
func (s *Server) hasActiveStream(c *gin.Context, chatID uuid.UUID) bool {
	ctx := c.Request.Context()
	task, err := s.deps.Engine.ActiveTask(ctx, chatID)
	if err != nil || task == nil {
		return false
	}
	msg, err := s.deps.Messages.GetMessage(ctx, task.MessageID)
	if err != nil || msg.StreamStatus.IsTerminal() {
		s.deps.Engine.ClearTask(ctx, chatID)
		return false
	}
	return true
}

func (s *Server) listChats(c *gin.Context) {
	userID := extractAuthor(c)
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	resp, err := s.deps.Chats.ListChats(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getChat(c *gin.Context) {
	chatID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	chat, err := s.deps.Chats.GetChatForUser(ctx, chatID, extractAuthor(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	var cursor *string
	if raw := c.Query("cursor"); raw != "" {
		cursor = &raw
	}
	messages, err := s.deps.Messages.ListMessages(ctx, chatID, limit, cursor)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"chat":     chat,
		"messages": messages,
	})
}

// deleteChat soft-deletes the chat. Its sandbox is released best effort;
// the maintenance loop reaps it later if the delete fails here.
func (s *Server) deleteChat(c *gin.Context) {
	chatID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	userID := extractAuthor(c)

	chat, err := s.deps.Chats.GetChatForUser(ctx, chatID, userID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if err := s.deps.Chats.SoftDeleteChat(ctx, chatID, userID); err != nil {
		respondServiceError(c, err)
		return
	}

	if chat.SandboxID != nil && *chat.SandboxID != "" {
		if err := s.deps.Sandboxes.Delete(ctx, *chat.SandboxID); err != nil {
			slog.Warn("Failed to delete chat sandbox", "chat_id", chatID, "sandbox_id", *chat.SandboxID, "error", err)
		}
	}

	c.Status(http.StatusNoContent)
}

type forkChatRequest struct {
	MessageID uuid.UUID `json:"message_id" binding:"required"`
}

func (s *Server) forkChat(c *gin.Context) {
	chatID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req forkChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.deps.Chats.ForkChat(c.Request.Context(), chatID, extractAuthor(c), req.MessageID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) getContextUsage(c *gin.Context) {
	chatID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := s.deps.Chats.GetChatForUser(ctx, chatID, extractAuthor(c)); err != nil {
		respondServiceError(c, err)
		return
	}

	raw, err := s.deps.KV.Redis().Get(ctx, kv.ContextUsageKey(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no context usage recorded"})
		return
	}
	if err != nil {
		slog.Error("Failed to read context usage cache", "chat_id", chatID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	var usage models.ContextUsage
	if err := json.Unmarshal([]byte(raw), &usage); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no context usage recorded"})
		return
	}
	c.JSON(http.StatusOK, usage)
}

// getStreamStatus tells a reconnecting client whether a stream is live and
// where to resume. Task keys that outlived their stream are cleared here.
func (s *Server) getStreamStatus(c *gin.Context) {
	chatID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	chat, err := s.deps.Chats.GetChatForUser(ctx, chatID, extractAuthor(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	resp := models.StreamStatusResponse{LastSeq: chat.LastEventSeq}

	task, err := s.deps.Engine.ActiveTask(ctx, chatID)
	if err != nil {
		slog.Warn("Failed to read task key", "chat_id", chatID, "error", err)
	}
	if task != nil {
		msg, err := s.deps.Messages.GetMessage(ctx, task.MessageID)
		switch {
		case err != nil || msg.StreamStatus.IsTerminal():
			s.deps.Engine.ClearTask(ctx, chatID)
		case s.deps.Engine.IsRevoked(ctx, chatID):
			// Cancel already requested; the stream is winding down.
		default:
			resp.HasActiveTask = true
			resp.MessageID = &task.MessageID
			resp.StreamID = &task.StreamID
		}
	}

	c.JSON(http.StatusOK, resp)
}

// cancelStream requests a stop. Always 204: cancelling an idle chat is a
// no-op, not an error.
func (s *Server) cancelStream(c *gin.Context) {
	chatID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := s.deps.Chats.GetChatForUser(ctx, chatID, extractAuthor(c)); err != nil {
		respondServiceError(c, err)
		return
	}

	s.deps.Engine.RequestCancel(ctx, chatID)
	c.Status(http.StatusNoContent)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// firstLine derives a chat title from the opening prompt.
func firstLine(prompt string) string {
	const maxTitle = 80
	for i, r := range prompt {
		if r == '\n' {
			prompt = prompt[:i]
			break
		}
	}
	if runes := []rune(prompt); len(runes) > maxTitle {
		prompt = string(runes[:maxTitle])
	}
	return prompt
}
