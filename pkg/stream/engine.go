package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/relay/pkg/agent"
	"github.com/codeready-toolchain/relay/pkg/config"
	relayevents "github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/followup"
	"github.com/codeready-toolchain/relay/pkg/kv"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/sandbox"
	"github.com/codeready-toolchain/relay/pkg/services"
)

// ErrShuttingDown is returned by Submit once the engine has begun its
// graceful stop.
var ErrShuttingDown = fmt.Errorf("stream engine is shutting down")

// Deps bundles the collaborators a stream runtime touches.
type Deps struct {
	Chats      *services.ChatService
	Messages   *services.MessageService
	Events     *services.EventService
	Publisher  *relayevents.Publisher
	Subscriber *relayevents.Subscriber
	Registry   *CancellationRegistry
	FollowUps  *followup.Store
	Sandboxes  sandbox.Service
	Agents     agent.Factory
	KV         *kv.Client
}

// StartRequest describes one stream to run against an assistant message
// that already exists in in_progress state.
type StartRequest struct {
	Chat             *models.Chat
	AssistantMessage *models.Message
	Prompt           string
	ModelID          string
	PermissionMode   string
	ThinkingMode     string
	Attachments      []models.Attachment
}

// Handle tracks one submitted stream. Done closes when the run reaches a
// terminal state; Status is valid after that.
type Handle struct {
	ChatID    uuid.UUID
	MessageID uuid.UUID
	StreamID  uuid.UUID

	done   chan struct{}
	mu     sync.Mutex
	status models.StreamStatus
}

// Done returns a channel closed once the stream has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status returns the terminal stream status. Only meaningful after Done.
func (h *Handle) Status() models.StreamStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) finish(status models.StreamStatus) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
	close(h.done)
}

// Engine owns every running stream on this process. It enforces the
// single-writer claim before launching a runtime, tracks active runs for
// graceful shutdown, and relays cross-pod cancel signals into the local
// cancellation registry.
type Engine struct {
	cfg      *config.StreamConfig
	agentCfg *config.AgentConfig
	deps     Deps
	rdb      *redis.Client

	mu      sync.RWMutex
	active  map[uuid.UUID]int // chatID → running count (handoff briefly overlaps)
	stopped bool
	wg      sync.WaitGroup

	cancelSub  *redis.PubSub
	cancelDone chan struct{}
}

// NewEngine creates a stream engine.
func NewEngine(cfg *config.StreamConfig, agentCfg *config.AgentConfig, deps Deps) *Engine {
	return &Engine{
		cfg:      cfg,
		agentCfg: agentCfg,
		deps:     deps,
		rdb:      deps.KV.Redis(),
		active:   make(map[uuid.UUID]int),
	}
}

// Start launches the cross-pod cancel relay. Cancel requests published on
// any chat's cancel channel are folded into the local registry so a stream
// running on this pod stops regardless of which pod served the request.
func (e *Engine) Start(ctx context.Context) {
	e.cancelSub = e.deps.Subscriber.SubscribeCancels(ctx)
	e.cancelDone = make(chan struct{})

	go func() {
		defer close(e.cancelDone)
		for msg := range e.cancelSub.Channel() {
			chatID, ok := kv.ChatIDFromCancelChannel(msg.Channel)
			if !ok {
				slog.Warn("Ignoring cancel on unparseable channel", "channel", msg.Channel)
				continue
			}
			e.deps.Registry.RequestCancel(chatID)
		}
	}()

	slog.Info("Stream engine started")
}

// Submit claims the assistant message for a fresh stream id and launches
// the runtime on a detached goroutine. Returns services.ErrStreamActive
// when another stream already holds the message.
func (e *Engine) Submit(ctx context.Context, req StartRequest) (*Handle, error) {
	e.mu.RLock()
	if e.stopped {
		e.mu.RUnlock()
		return nil, ErrShuttingDown
	}
	e.mu.RUnlock()

	streamID := uuid.New()
	if err := e.deps.Messages.ClaimStream(ctx, req.AssistantMessage.ID, streamID); err != nil {
		return nil, err
	}

	e.writeTaskKey(ctx, req.Chat.ID, req.AssistantMessage.ID, streamID)
	// A fresh stream supersedes any stale cancel breadcrumb.
	if err := e.rdb.Del(ctx, kv.RevokedKey(req.Chat.ID)).Err(); err != nil {
		slog.Warn("Failed to clear revoked key", "chat_id", req.Chat.ID, "error", err)
	}

	h := &Handle{
		ChatID:    req.Chat.ID,
		MessageID: req.AssistantMessage.ID,
		StreamID:  streamID,
		done:      make(chan struct{}),
		status:    models.StreamStatusInProgress,
	}

	// Re-check stopped while registering with the WaitGroup so Stop cannot
	// finish its wait before this run is tracked.
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrShuttingDown
	}
	e.active[req.Chat.ID]++
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer e.untrack(req.Chat.ID)

		rt := newRuntime(e, req, streamID)
		status := rt.run(context.Background())
		h.finish(status)
	}()

	return h, nil
}

// EnsureSandbox attaches the chat's sandbox, creating one on first use.
// The chat is updated in place with the resolved sandbox id.
func (e *Engine) EnsureSandbox(ctx context.Context, chat *models.Chat) error {
	if chat.SandboxID != nil && *chat.SandboxID != "" {
		if _, err := e.deps.Sandboxes.Attach(ctx, *chat.SandboxID); err != nil {
			return fmt.Errorf("failed to attach sandbox: %w", err)
		}
		return nil
	}

	info, err := e.deps.Sandboxes.Create(ctx)
	if err != nil {
		return fmt.Errorf("failed to create sandbox: %w", err)
	}
	if info.ID == "" {
		return nil
	}
	if err := e.deps.Chats.UpdateSandboxID(ctx, chat.ID, info.ID); err != nil {
		return err
	}
	chat.SandboxID = &info.ID
	return nil
}

// ActiveTask reads the chat's task key. Returns nil when no stream is
// registered for the chat.
func (e *Engine) ActiveTask(ctx context.Context, chatID uuid.UUID) (*models.ActiveTask, error) {
	raw, err := e.rdb.Get(ctx, kv.TaskKey(chatID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task key: %w", err)
	}
	var task models.ActiveTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		slog.Warn("Dropping corrupt task key", "chat_id", chatID, "error", err)
		return nil, nil
	}
	return &task, nil
}

// ClearTask drops a stale task key, e.g. when the status probe finds the
// message already terminal.
func (e *Engine) ClearTask(ctx context.Context, chatID uuid.UUID) {
	if err := e.rdb.Del(ctx, kv.TaskKey(chatID)).Err(); err != nil {
		slog.Warn("Failed to clear task key", "chat_id", chatID, "error", err)
	}
}

// RequestCancel records a stop intent for the chat: a sticky breadcrumb in
// KV, the local registry (live event or pending flag), and a broadcast so
// the owning pod reacts wherever the stream runs.
func (e *Engine) RequestCancel(ctx context.Context, chatID uuid.UUID) {
	if err := e.rdb.Set(ctx, kv.RevokedKey(chatID), "1", e.cfg.RevokedKeyTTL).Err(); err != nil {
		slog.Warn("Failed to set revoked key", "chat_id", chatID, "error", err)
	}
	e.deps.Registry.RequestCancel(chatID)
	e.deps.Publisher.PublishCancel(ctx, chatID)
}

// IsRevoked reports whether the chat carries a cancel breadcrumb.
func (e *Engine) IsRevoked(ctx context.Context, chatID uuid.UUID) bool {
	n, err := e.rdb.Exists(ctx, kv.RevokedKey(chatID)).Result()
	if err != nil {
		slog.Warn("Failed to read revoked key", "chat_id", chatID, "error", err)
		return false
	}
	return n > 0
}

// Stop rejects new submissions, waits up to grace for running streams to
// finish, then cancels the stragglers and waits for them to transition
// their messages to interrupted.
func (e *Engine) Stop(grace time.Duration) {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	if e.cancelSub != nil {
		_ = e.cancelSub.Close()
		<-e.cancelDone
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		e.mu.RLock()
		chats := make([]uuid.UUID, 0, len(e.active))
		for chatID := range e.active {
			chats = append(chats, chatID)
		}
		e.mu.RUnlock()

		slog.Warn("Shutdown grace elapsed, cancelling remaining streams", "count", len(chats))
		for _, chatID := range chats {
			e.deps.Registry.RequestCancel(chatID)
		}
		e.wg.Wait()
	}

	slog.Info("Stream engine stopped")
}

func (e *Engine) writeTaskKey(ctx context.Context, chatID, messageID, streamID uuid.UUID) {
	payload, err := json.Marshal(&models.ActiveTask{MessageID: messageID, StreamID: streamID})
	if err != nil {
		slog.Warn("Failed to encode task key", "chat_id", chatID, "error", err)
		return
	}
	if err := e.rdb.Set(ctx, kv.TaskKey(chatID), payload, e.cfg.TaskKeyTTL).Err(); err != nil {
		slog.Warn("Failed to write task key", "chat_id", chatID, "error", err)
	}
}

func (e *Engine) untrack(chatID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[chatID] <= 1 {
		delete(e.active, chatID)
	} else {
		e.active[chatID]--
	}
}
