package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// ownChat verifies the caller owns the chat, replying on failure.
func (s *Server) ownChat(c *gin.Context) (uuid.UUID, bool) {
	chatID, ok := pathUUID(c, "id")
	if !ok {
		return uuid.Nil, false
	}
	if _, err := s.deps.Chats.GetChatForUser(c.Request.Context(), chatID, extractAuthor(c)); err != nil {
		respondServiceError(c, err)
		return uuid.Nil, false
	}
	return chatID, true
}

// queueFollowUp stores or merges the chat's follow-up prompt.
func (s *Server) queueFollowUp(c *gin.Context) {
	chatID, ok := s.ownChat(c)
	if !ok {
		return
	}

	var req models.QueueMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	msg, created, err := s.deps.FollowUps.Upsert(c.Request.Context(), chatID, req)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, msg)
}

func (s *Server) getQueuedFollowUp(c *gin.Context) {
	chatID, ok := s.ownChat(c)
	if !ok {
		return
	}

	msg, err := s.deps.FollowUps.Get(c.Request.Context(), chatID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if msg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no follow-up queued"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) updateQueuedFollowUp(c *gin.Context) {
	chatID, ok := s.ownChat(c)
	if !ok {
		return
	}

	var req models.UpdateQueuedMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	msg, err := s.deps.FollowUps.Update(c.Request.Context(), chatID, req.Content)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if msg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no follow-up queued"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

// clearQueuedFollowUp drops the queued prompt. 204 either way: clearing an
// empty queue is a no-op.
func (s *Server) clearQueuedFollowUp(c *gin.Context) {
	chatID, ok := s.ownChat(c)
	if !ok {
		return
	}

	if _, err := s.deps.FollowUps.Clear(c.Request.Context(), chatID); err != nil {
		respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
