// Package api exposes the relay's HTTP surface: chat turns, SSE and
// WebSocket streaming, the follow-up queue, permission dialogs, and
// scheduled tasks. All routes live under /api/v1.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/database"
	relayevents "github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/followup"
	"github.com/codeready-toolchain/relay/pkg/kv"
	"github.com/codeready-toolchain/relay/pkg/permissions"
	"github.com/codeready-toolchain/relay/pkg/sandbox"
	"github.com/codeready-toolchain/relay/pkg/scheduler"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/stream"
)

// Deps bundles everything the HTTP handlers touch.
type Deps struct {
	DB          *database.Client
	KV          *kv.Client
	Chats       *services.ChatService
	Messages    *services.MessageService
	Events      *services.EventService
	Engine      *stream.Engine
	Resumer     *stream.Resumer
	FollowUps   *followup.Store
	Permissions *permissions.Registry
	Publisher   *relayevents.Publisher
	Subscriber  *relayevents.Subscriber
	Scheduler   *scheduler.Service
	Sandboxes   sandbox.Service
}

// Server is the relay HTTP server.
type Server struct {
	cfg  *config.Config
	deps Deps

	httpSrv *http.Server
}

// NewServer creates the HTTP server with all routes registered.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), securityHeaders(), corsMiddleware(cfg.Server.AllowedOrigins))
	s.registerRoutes(router)

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/health", s.health)

	v1 := router.Group("/api/v1")

	v1.POST("/chat", s.postChat)

	v1.GET("/chats", s.listChats)
	v1.GET("/chats/:id", s.getChat)
	v1.DELETE("/chats/:id", s.deleteChat)
	v1.POST("/chats/:id/fork", s.forkChat)
	v1.GET("/chats/:id/context-usage", s.getContextUsage)
	v1.GET("/chats/:id/status", s.getStreamStatus)
	v1.GET("/chats/:id/stream", s.streamSSE)
	v1.DELETE("/chats/:id/stream", s.cancelStream)
	v1.GET("/chats/:id/ws", s.streamWS)

	v1.GET("/messages/:id/events", s.listMessageEvents)

	v1.POST("/chats/:id/queue", s.queueFollowUp)
	v1.GET("/chats/:id/queue", s.getQueuedFollowUp)
	v1.PATCH("/chats/:id/queue", s.updateQueuedFollowUp)
	v1.DELETE("/chats/:id/queue", s.clearQueuedFollowUp)

	v1.POST("/chats/:id/permissions/request", s.createPermissionRequest)
	v1.GET("/chats/:id/permissions/response/:rid", s.waitPermissionResponse)
	v1.POST("/chats/:id/permissions/:rid/respond", s.respondPermission)

	v1.POST("/scheduler/tasks", s.createTask)
	v1.GET("/scheduler/tasks", s.listTasks)
	v1.GET("/scheduler/tasks/:id", s.getTask)
	v1.PATCH("/scheduler/tasks/:id", s.updateTask)
	v1.DELETE("/scheduler/tasks/:id", s.deleteTask)
	v1.POST("/scheduler/tasks/:id/toggle", s.toggleTask)
	v1.GET("/scheduler/tasks/:id/executions", s.listTaskExecutions)
}

// Handler returns the underlying HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
