package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/relay/pkg/version"
)

// health reports liveness plus the state of both backing stores.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	if err := s.deps.DB.Pool().Ping(ctx); err != nil {
		dbStatus = "unhealthy: " + err.Error()
	}
	redisStatus := "healthy"
	if err := s.deps.KV.Health(ctx); err != nil {
		redisStatus = "unhealthy: " + err.Error()
	}

	status := http.StatusOK
	overall := "healthy"
	if dbStatus != "healthy" || redisStatus != "healthy" {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}

	c.JSON(status, gin.H{
		"status":   overall,
		"version":  version.Full(),
		"database": dbStatus,
		"redis":    redisStatus,
	})
}
