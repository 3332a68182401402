package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/relay/pkg/audit"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/permissions"
	"github.com/codeready-toolchain/relay/pkg/services"
)

// createPermissionRequest registers a tool call awaiting approval. The
// caller is the agent itself, authenticated by the chat's agent token.
// The request is announced as a permission_request event on the active
// assistant message so every follower sees the dialog.
func (s *Server) createPermissionRequest(c *gin.Context) {
	chatID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	chat, err := s.deps.Chats.AuthenticateAgent(ctx, chatID, bearerToken(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	var req models.CreatePermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.RequestID == "" || req.ToolName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_id and tool_name are required"})
		return
	}

	task, err := s.deps.Engine.ActiveTask(ctx, chatID)
	if err != nil || task == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "no active stream to attach the permission request to"})
		return
	}

	expiresAt := s.deps.Permissions.Create(ctx, req.RequestID, models.PermissionRequestData{
		ChatID:    chat.ID,
		ToolName:  req.ToolName,
		ToolInput: req.ToolInput,
		Timestamp: time.Now().UTC(),
	})

	payload := map[string]any{
		"request_id": req.RequestID,
		"tool_name":  req.ToolName,
		"tool_input": req.ToolInput,
		"expires_at": expiresAt.UTC().Format(time.RFC3339Nano),
	}
	seq, err := s.deps.Events.AppendWithNextSeq(ctx, chatID, task.MessageID, task.StreamID, services.NewEvent{
		EventType:     models.EventKindPermissionRequest,
		RenderPayload: payload,
		AuditPayload:  audit.Wrap(payload),
	})
	if err != nil {
		// The dialog must exist in the log before anyone can answer it.
		s.deps.Permissions.Remove(ctx, req.RequestID)
		respondServiceError(c, err)
		return
	}

	s.deps.Publisher.PublishEnvelope(ctx, models.NewEnvelope(chatID, task.MessageID, task.StreamID, seq, models.EventKindPermissionRequest, payload))
	s.deps.Publisher.SignalLive(ctx, chatID)

	c.JSON(http.StatusCreated, models.PermissionRequestAck{
		RequestID: req.RequestID,
		Status:    "pending",
	})
}

// waitPermissionResponse long-polls for the user's decision. The agent
// calls this right after registering; a decision made on another pod
// arrives over the response channel.
func (s *Server) waitPermissionResponse(c *gin.Context) {
	chatID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	requestID := c.Param("rid")

	if _, err := s.deps.Chats.AuthenticateAgent(ctx, chatID, bearerToken(c)); err != nil {
		respondServiceError(c, err)
		return
	}

	data, known := s.deps.Permissions.Get(requestID)
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown permission request"})
		return
	}
	if data.ChatID != chatID {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission request belongs to another chat"})
		return
	}

	timeout := s.cfg.Permissions.DefaultWait
	if raw := c.Query("timeout"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || time.Duration(n)*time.Second > s.cfg.Permissions.MaxWait {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timeout must be between 1 and " + strconv.Itoa(int(s.cfg.Permissions.MaxWait/time.Second)) + " seconds"})
			return
		}
		timeout = time.Duration(n) * time.Second
	}

	// Subscribe before waiting so a cross-pod decision published in the
	// gap is not lost.
	sub := s.deps.Subscriber.SubscribePermissionResponse(ctx, requestID)
	defer sub.Close()

	type waitResult struct {
		decision *models.PermissionDecision
	}
	local := make(chan waitResult, 1)
	go func() {
		decision, _ := s.deps.Permissions.Wait(ctx, requestID, timeout)
		local <- waitResult{decision}
	}()

	select {
	case res := <-local:
		if res.decision == nil {
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "no decision yet"})
			return
		}
		c.JSON(http.StatusOK, res.decision)
	case msg := <-sub.Channel():
		var decision models.PermissionDecision
		if err := json.Unmarshal([]byte(msg.Payload), &decision); err != nil {
			slog.Warn("Dropping undecodable permission response", "request_id", requestID, "error", err)
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "no decision yet"})
			return
		}
		c.JSON(http.StatusOK, decision)
	}
}

// respondPermission records the user's decision. A decision for a request
// that already expired publishes the synthetic denial so an agent waiting
// on another pod unblocks, then reports 404 to the responder.
func (s *Server) respondPermission(c *gin.Context) {
	chatID, ok := s.ownChat(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	requestID := c.Param("rid")

	var decision models.PermissionDecision
	if err := c.ShouldBindJSON(&decision); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if data, known := s.deps.Permissions.Get(requestID); known && data.ChatID != chatID {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission request belongs to another chat"})
		return
	}

	if !s.deps.Permissions.Respond(requestID, decision) {
		s.deps.Publisher.PublishPermissionResponse(ctx, requestID, permissions.ExpiredDecision())
		c.JSON(http.StatusNotFound, gin.H{"error": "permission request expired or unknown"})
		return
	}

	s.deps.Publisher.PublishPermissionResponse(ctx, requestID, &decision)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
