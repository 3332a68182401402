package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/relay/pkg/followup"
	"github.com/codeready-toolchain/relay/pkg/services"
)

// respondServiceError maps service-layer errors to HTTP error responses.
func respondServiceError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
		return
	}
	if errors.Is(err, services.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	if errors.Is(err, services.ErrForbidden) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}
	if errors.Is(err, services.ErrStreamActive) {
		c.JSON(http.StatusConflict, gin.H{"error": "a stream is already active; queue the message instead"})
		return
	}
	if errors.Is(err, services.ErrAlreadyExists) || errors.Is(err, services.ErrConcurrentModification) || errors.Is(err, followup.ErrConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "conflicting concurrent modification"})
		return
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

// pathUUID parses a uuid path parameter, replying 400 on failure.
func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}
