package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// wsWriteTimeout bounds one frame write so a stalled client cannot pin the
// follower goroutine.
const wsWriteTimeout = 10 * time.Second

// streamWS mirrors the SSE catchup+tail over a WebSocket. Each frame is
// the same envelope JSON; the connection closes normally once the stream
// is terminal and fully delivered.
func (s *Server) streamWS(c *gin.Context) {
	chatID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := s.deps.Chats.GetChatForUser(ctx, chatID, extractAuthor(c)); err != nil {
		respondServiceError(c, err)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: append([]string{"localhost:*", "127.0.0.1:*"}, s.cfg.Server.AllowedWSOrigins...),
	})
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "chat_id", chatID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	// The read pump surfaces client disconnects; inbound frames carry no
	// protocol and are discarded.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	send := func(env *models.StreamEnvelope) error {
		payload, err := json.Marshal(env)
		if err != nil {
			return err
		}
		writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancelWrite()
		return conn.Write(writeCtx, websocket.MessageText, payload)
	}

	err = s.deps.Resumer.Follow(ctx, chatID, resumeAfterSeq(c), send)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("WebSocket follow ended with error", "chat_id", chatID, "error", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
