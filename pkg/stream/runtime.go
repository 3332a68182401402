package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/relay/pkg/agent"
	"github.com/codeready-toolchain/relay/pkg/audit"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/services"
)

// bufferedEvent is one snapshot event waiting for the next flush.
type bufferedEvent struct {
	kind    models.EventKind
	payload map[string]any
}

// runtime drives one stream from claim to terminal state: it consumes the
// agent's event sequence, appends it to the log in batches, coalesces the
// message snapshot, and runs the completion protocol.
type runtime struct {
	e         *Engine
	req       StartRequest
	chat      *models.Chat
	messageID uuid.UUID
	streamID  uuid.UUID
	runner    agent.Runner

	acc          *accumulator
	buffer       []bufferedEvent
	lastSnapshot time.Time

	sessionID  string
	eventCount int
	cancelled  bool
	runErr     error
}

func newRuntime(e *Engine, req StartRequest, streamID uuid.UUID) *runtime {
	rt := &runtime{
		e:         e,
		req:       req,
		chat:      req.Chat,
		messageID: req.AssistantMessage.ID,
		streamID:  streamID,
		acc:       newAccumulator(),
	}
	if req.Chat.SessionID != nil {
		rt.sessionID = *req.Chat.SessionID
	}
	return rt
}

// run executes the stream to a terminal status. ctx is detached from the
// originating request; the stream outlives it by design.
func (rt *runtime) run(ctx context.Context) models.StreamStatus {
	logger := slog.With(
		"chat_id", rt.chat.ID,
		"message_id", rt.messageID,
		"stream_id", rt.streamID)
	logger.Info("Stream starting")

	cancelEv := rt.e.deps.Registry.Register(rt.chat.ID)
	defer rt.e.deps.Registry.Unregister(rt.chat.ID, cancelEv)

	rt.runner = rt.e.deps.Agents.NewRunner(rt.runSpec())

	// The start marker goes into the log before anything else so replay
	// observers see the stream exists even if it dies immediately.
	if err := rt.appendControl(ctx, models.EventKindStreamStarted, nil); err != nil {
		logger.Error("Failed to record stream start", "error", err)
		rt.runErr = err
		return rt.finalize(ctx, logger)
	}
	if err := rt.writeSnapshot(ctx, services.SnapshotPatch{}); err != nil {
		logger.Warn("Failed to write initial snapshot", "error", err)
	}

	// A cancel that arrived before registration fires the event at once;
	// stop before the agent consumes anything.
	if cancelEv.Fired() {
		rt.cancelled = true
		return rt.finalize(ctx, logger)
	}

	eventCh, err := rt.runner.Events(ctx)
	if err != nil {
		logger.Error("Agent failed to start", "error", err)
		rt.runErr = err
		return rt.finalize(ctx, logger)
	}

	usageCtx, cancelUsage := context.WithCancel(ctx)
	defer cancelUsage()
	usageCh := make(chan *models.ContextUsage, 1)
	go rt.pollUsage(usageCtx, usageCh)

	ticker := time.NewTicker(rt.e.cfg.FlushInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-cancelEv.Done():
			rt.cancelled = true
			rt.runner.Cancel()
			break loop

		case item, ok := <-eventCh:
			if !ok {
				break loop
			}
			if item.Err != nil {
				rt.runErr = item.Err
				break loop
			}
			rt.eventCount++
			rt.captureSession(ctx, logger)
			if item.Type.IsSnapshotKind() {
				rt.bufferEvent(item.Type, item.Payload)
				if len(rt.buffer) >= rt.e.cfg.FlushMaxEvents {
					if err := rt.flush(ctx); err != nil {
						rt.runErr = err
						break loop
					}
				}
			} else if err := rt.appendControl(ctx, item.Type, item.Payload); err != nil {
				rt.runErr = err
				break loop
			}

		case usage := <-usageCh:
			rt.bufferEvent(models.EventKindSystem, usageEventPayload(usage))

		case <-ticker.C:
			if len(rt.buffer) > 0 || rt.acc.dirty > 0 {
				if err := rt.flush(ctx); err != nil {
					rt.runErr = err
					break loop
				}
			}
		}
	}

	cancelUsage()
	return rt.finalize(ctx, logger)
}

// finalize runs the completion protocol: effective status, final usage
// refresh, final flush, terminal snapshot, checkpoint, then either the
// follow-up handoff or the terminal control event.
func (rt *runtime) finalize(ctx context.Context, logger *slog.Logger) models.StreamStatus {
	rt.captureSession(ctx, logger)

	var status models.StreamStatus
	switch {
	case rt.cancelled:
		status = models.StreamStatusInterrupted
	case rt.runErr != nil:
		status = models.StreamStatusFailed
	case rt.eventCount == 0:
		rt.runErr = errors.New("stream produced no events")
		status = models.StreamStatusFailed
	default:
		status = models.StreamStatusCompleted
	}

	// Last usage report joins the log ahead of the final flush so the
	// snapshot and the event range stay in lockstep.
	if usage, ok := rt.refreshUsage(ctx); ok {
		rt.bufferEvent(models.EventKindSystem, usageEventPayload(usage))
	}

	if err := rt.flushEvents(ctx); err != nil {
		logger.Error("Failed to flush final events", "error", err)
	}

	cost := rt.runner.TotalCostUSD()
	patch := services.SnapshotPatch{StreamStatus: &status, TotalCostUSD: &cost}
	if err := rt.writeSnapshot(ctx, patch); err != nil {
		logger.Error("Failed to write terminal snapshot", "error", err)
	}

	if status == models.StreamStatusCompleted {
		rt.checkpointSandbox(ctx, logger)
	}

	rt.e.ClearTask(ctx, rt.chat.ID)

	switch status {
	case models.StreamStatusCompleted:
		if rt.handoffFollowUp(ctx, logger) {
			logger.Info("Stream completed with follow-up handoff",
				"events", rt.eventCount, "last_seq", rt.acc.lastSeq)
			return status
		}
		err := rt.appendControl(ctx, models.EventKindComplete, map[string]any{
			"status":         string(status),
			"total_cost_usd": cost,
		})
		if err != nil {
			logger.Warn("Failed to emit complete event", "error", err)
		}
	case models.StreamStatusInterrupted:
		if err := rt.appendControl(ctx, models.EventKindCancelled, nil); err != nil {
			logger.Warn("Failed to emit cancelled event", "error", err)
		}
	default:
		payload := map[string]any{}
		if rt.runErr != nil {
			payload["error"] = rt.runErr.Error()
		}
		if err := rt.appendControl(ctx, models.EventKindError, payload); err != nil {
			logger.Warn("Failed to emit error event", "error", err)
		}
	}

	logger.Info("Stream finished",
		"status", status,
		"events", rt.eventCount,
		"last_seq", rt.acc.lastSeq,
		"cost_usd", cost)
	return status
}

// bufferEvent stages one snapshot event: applied to the accumulator now,
// appended to the log at the next flush.
func (rt *runtime) bufferEvent(kind models.EventKind, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	rt.acc.apply(kind, payload)
	rt.buffer = append(rt.buffer, bufferedEvent{kind: kind, payload: payload})
}

// flush appends the buffered events and writes the snapshot when it is
// stale enough.
func (rt *runtime) flush(ctx context.Context) error {
	if err := rt.flushEvents(ctx); err != nil {
		return err
	}
	if rt.acc.dirty > 0 &&
		(rt.acc.dirty >= rt.e.cfg.FlushMaxEvents ||
			time.Since(rt.lastSnapshot) >= rt.e.cfg.FlushInterval) {
		return rt.writeSnapshot(ctx, services.SnapshotPatch{})
	}
	return nil
}

// flushEvents appends the buffer as one seq-consecutive batch and fans the
// assigned envelopes out on the live channel.
func (rt *runtime) flushEvents(ctx context.Context) error {
	if len(rt.buffer) == 0 {
		return nil
	}

	batch := make([]services.NewEvent, len(rt.buffer))
	for i, b := range rt.buffer {
		batch[i] = services.NewEvent{
			EventType:     b.kind,
			RenderPayload: b.payload,
			AuditPayload:  audit.Wrap(b.payload),
		}
	}

	lastSeq, err := rt.e.deps.Events.AppendBatch(ctx, rt.chat.ID, rt.messageID, rt.streamID, batch)
	if err != nil {
		return err
	}

	firstSeq := lastSeq - int64(len(batch)) + 1
	for i, b := range rt.buffer {
		envelope := models.NewEnvelope(rt.chat.ID, rt.messageID, rt.streamID,
			firstSeq+int64(i), b.kind, b.payload)
		rt.e.deps.Publisher.PublishEnvelope(ctx, envelope)
	}
	rt.e.deps.Publisher.SignalLive(ctx, rt.chat.ID)

	rt.acc.lastSeq = lastSeq
	rt.buffer = rt.buffer[:0]
	return nil
}

// appendControl flushes the buffer, then appends one control event so it
// lands after everything emitted before it.
func (rt *runtime) appendControl(ctx context.Context, kind models.EventKind, payload map[string]any) error {
	if err := rt.flushEvents(ctx); err != nil {
		return err
	}
	if payload == nil {
		payload = map[string]any{}
	}

	seq, err := rt.e.deps.Events.AppendWithNextSeq(ctx, rt.chat.ID, rt.messageID, rt.streamID,
		services.NewEvent{
			EventType:     kind,
			RenderPayload: payload,
			AuditPayload:  audit.Wrap(payload),
		})
	if err != nil {
		return err
	}
	if seq > rt.acc.lastSeq {
		rt.acc.lastSeq = seq
	}

	rt.e.deps.Publisher.PublishEnvelope(ctx,
		models.NewEnvelope(rt.chat.ID, rt.messageID, rt.streamID, seq, kind, payload))
	rt.e.deps.Publisher.SignalLive(ctx, rt.chat.ID)
	return nil
}

// writeSnapshot persists the accumulator state. Non-terminal writes keep
// the active stream claim; terminal patches clear it in the service.
func (rt *runtime) writeSnapshot(ctx context.Context, patch services.SnapshotPatch) error {
	text := rt.acc.contentText()
	render, err := rt.acc.renderJSON()
	if err != nil {
		return err
	}

	patch.ContentText = &text
	patch.ContentRender = render
	patch.LastSeq = rt.acc.lastSeq
	if patch.StreamStatus == nil {
		patch.ActiveStreamID = &rt.streamID
	}

	if err := rt.e.deps.Messages.UpdateSnapshot(ctx, rt.messageID, patch); err != nil {
		return err
	}
	rt.acc.markClean()
	rt.lastSnapshot = time.Now()
	return nil
}

// captureSession records the agent session id the first time the runner
// reports one.
func (rt *runtime) captureSession(ctx context.Context, logger *slog.Logger) {
	sid := rt.runner.SessionID()
	if sid == "" || sid == rt.sessionID {
		return
	}
	rt.sessionID = sid
	rt.chat.SessionID = &sid
	if err := rt.e.deps.Chats.UpdateSessionID(ctx, rt.chat.ID, sid); err != nil {
		logger.Warn("Failed to record agent session", "session_id", sid, "error", err)
	}
}

// checkpointSandbox snapshots the chat's sandbox after a completed turn and
// stores the checkpoint id on the message. Best effort.
func (rt *runtime) checkpointSandbox(ctx context.Context, logger *slog.Logger) {
	if rt.chat.SandboxID == nil || *rt.chat.SandboxID == "" {
		return
	}
	checkpointID, err := rt.e.deps.Sandboxes.Checkpoint(ctx, *rt.chat.SandboxID)
	if err != nil {
		logger.Warn("Failed to checkpoint sandbox", "sandbox_id", *rt.chat.SandboxID, "error", err)
		return
	}
	if checkpointID == "" {
		return
	}
	patch := services.SnapshotPatch{CheckpointID: &checkpointID}
	if err := rt.e.deps.Messages.UpdateSnapshot(ctx, rt.messageID, patch); err != nil {
		logger.Warn("Failed to store checkpoint id", "error", err)
	}
}

// handoffFollowUp pops the queued follow-up, creates its turn, and starts
// the next stream. Reports whether a handoff happened; on true the caller
// skips the complete event, the queue_processing marker replaces it.
func (rt *runtime) handoffFollowUp(ctx context.Context, logger *slog.Logger) bool {
	queued, err := rt.e.deps.FollowUps.PopNext(ctx, rt.chat.ID)
	if err != nil {
		logger.Warn("Failed to pop follow-up queue", "error", err)
		return false
	}
	if queued == nil {
		return false
	}

	var modelID *string
	if queued.ModelID != "" {
		modelID = &queued.ModelID
	}
	_, assistantMsg, err := rt.e.deps.Messages.CreateTurn(ctx, rt.chat.ID, queued.Content, modelID, queued.Attachments)
	if err != nil {
		logger.Error("Failed to create follow-up turn", "queued_message_id", queued.ID, "error", err)
		return false
	}

	err = rt.appendControl(ctx, models.EventKindQueueProcessing, map[string]any{
		"queued_message_id": queued.ID.String(),
		"message_id":        assistantMsg.ID.String(),
	})
	if err != nil {
		logger.Warn("Failed to emit queue_processing event", "error", err)
	}

	req := StartRequest{
		Chat:             rt.chat,
		AssistantMessage: assistantMsg,
		Prompt:           queued.Content,
		ModelID:          queued.ModelID,
		PermissionMode:   queued.PermissionMode,
		Attachments:      queued.Attachments,
	}
	if queued.ThinkingMode != nil {
		req.ThinkingMode = *queued.ThinkingMode
	}

	if _, err := rt.e.Submit(ctx, req); err != nil {
		logger.Error("Failed to start follow-up stream", "error", err)
		failed := models.StreamStatusFailed
		patch := services.SnapshotPatch{StreamStatus: &failed}
		if err := rt.e.deps.Messages.UpdateSnapshot(ctx, assistantMsg.ID, patch); err != nil {
			logger.Warn("Failed to mark follow-up message failed", "error", err)
		}
		return false
	}
	return true
}

func (rt *runtime) runSpec() agent.RunSpec {
	spec := agent.RunSpec{
		ChatID:         rt.chat.ID,
		AgentToken:     rt.chat.AgentToken,
		Prompt:         rt.req.Prompt,
		ModelID:        rt.req.ModelID,
		PermissionMode: rt.req.PermissionMode,
		ThinkingMode:   rt.req.ThinkingMode,
		Attachments:    rt.req.Attachments,
	}
	if spec.ModelID == "" && rt.chat.ModelID != nil {
		spec.ModelID = *rt.chat.ModelID
	}
	if spec.ModelID == "" {
		spec.ModelID = rt.e.agentCfg.DefaultModelID
	}
	if rt.chat.SessionID != nil {
		spec.SessionID = *rt.chat.SessionID
	}
	if rt.chat.SandboxID != nil {
		spec.SandboxID = *rt.chat.SandboxID
	}
	return spec
}
