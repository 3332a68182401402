package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// resumeAfterSeq resolves the client's resume point. Last-Event-ID (set by
// the browser's EventSource on reconnect) and ?after_seq= may both be
// present; the larger wins so a stale query parameter cannot replay frames
// the client already has.
func resumeAfterSeq(c *gin.Context) int64 {
	var after int64
	if raw := c.Query("after_seq"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > after {
			after = n
		}
	}
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > after {
			after = n
		}
	}
	return after
}

// streamSSE replays the chat's event log from the resume point and tails
// the live stream until it goes terminal or the client disconnects.
func (s *Server) streamSSE(c *gin.Context) {
	chatID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := s.deps.Chats.GetChatForUser(ctx, chatID, extractAuthor(c)); err != nil {
		respondServiceError(c, err)
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.Flush()

	// The follower blocks in Follow between frames, so heartbeats run on
	// their own ticker; writes share one mutex to keep frames intact.
	var writeMu sync.Mutex
	send := func(env *models.StreamEnvelope) error {
		payload, err := json.Marshal(env)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := sse.Encode(c.Writer, sse.Event{
			Id:   strconv.FormatInt(env.Seq, 10),
			Data: string(payload),
		}); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeat(heartbeatCtx, c, &writeMu)

	err := s.deps.Resumer.Follow(ctx, chatID, resumeAfterSeq(c), send)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("SSE follow ended with error", "chat_id", chatID, "error", err)
	}
}

// heartbeat writes SSE comment frames so proxies keep the idle connection
// open. Write errors end the loop; Follow notices the dead client on its
// next frame.
func (s *Server) heartbeat(ctx context.Context, c *gin.Context, writeMu *sync.Mutex) {
	ticker := time.NewTicker(s.cfg.Stream.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeMu.Lock()
			_, err := c.Writer.WriteString(": ping\n\n")
			if err == nil {
				c.Writer.Flush()
			}
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// listMessageEvents returns one slice of a message's event log.
func (s *Server) listMessageEvents(c *gin.Context) {
	messageID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	msg, err := s.deps.Messages.GetMessage(ctx, messageID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if _, err := s.deps.Chats.GetChatForUser(ctx, msg.ChatID, extractAuthor(c)); err != nil {
		respondServiceError(c, err)
		return
	}

	var afterSeq int64
	if raw := c.Query("after_seq"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			afterSeq = n
		}
	}
	const maxEventPage = 5000
	limit := maxEventPage
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < maxEventPage {
			limit = n
		}
	}

	events, err := s.deps.Events.RangeByMessage(ctx, messageID, afterSeq, limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageEventsResponse{Events: events})
}
