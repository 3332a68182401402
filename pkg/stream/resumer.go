package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/relay/pkg/config"
	relayevents "github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/services"
)

// Resumer delivers a chat's event stream to one follower: it replays the
// durable log from a resume point, then tails the live channel until the
// stream reaches a terminal state.
//
// The log is the only source of frames. Live messages are treated purely
// as wake-up signals, so a follower sees every event exactly once and in
// seq order no matter how its connection interleaves with the writer.
type Resumer struct {
	cfg        *config.StreamConfig
	events     *services.EventService
	messages   *services.MessageService
	subscriber *relayevents.Subscriber
}

// NewResumer creates a Resumer.
func NewResumer(cfg *config.StreamConfig, events *services.EventService, messages *services.MessageService, subscriber *relayevents.Subscriber) *Resumer {
	return &Resumer{
		cfg:        cfg,
		events:     events,
		messages:   messages,
		subscriber: subscriber,
	}
}

// Follow streams the chat's events with seq > afterSeq through send, in
// order and gap-free. It returns nil once the log is drained and no stream
// is running, ctx.Err() on disconnect, or the first error from send.
func (r *Resumer) Follow(ctx context.Context, chatID uuid.UUID, afterSeq int64, send func(*models.StreamEnvelope) error) error {
	// Subscribe before the first page read so a flush landing during
	// catch-up cannot slip between replay and tail.
	sub := r.subscriber.SubscribeLive(ctx, chatID)
	defer func() { _ = sub.Close() }()
	wake := sub.Channel()

	cursor := afterSeq
	for {
		n, err := r.drain(ctx, chatID, &cursor, send)
		if err != nil {
			return err
		}

		terminal, err := r.isTerminal(ctx, chatID)
		if err != nil {
			return err
		}
		if terminal {
			// The terminal control event trails the terminal snapshot by
			// a beat. Keep draining until a wait passes with nothing new.
			if n > 0 {
				continue
			}
			if !r.wait(ctx, wake) {
				return ctx.Err()
			}
			if n, err := r.drain(ctx, chatID, &cursor, send); err != nil {
				return err
			} else if n == 0 {
				return nil
			}
			continue
		}

		if !r.wait(ctx, wake) {
			return ctx.Err()
		}
	}
}

// drain replays log pages from the cursor until a short page, reporting
// how many events were delivered.
func (r *Resumer) drain(ctx context.Context, chatID uuid.UUID, cursor *int64, send func(*models.StreamEnvelope) error) (int, error) {
	delivered := 0
	for {
		page, err := r.events.RangeByChat(ctx, chatID, *cursor, r.cfg.ReplayBatchSize)
		if err != nil {
			return delivered, err
		}
		for _, ev := range page {
			envelope, err := envelopeFromEvent(ev)
			if err != nil {
				slog.Warn("Skipping undecodable event",
					"chat_id", chatID, "seq", ev.Seq, "error", err)
				*cursor = ev.Seq
				continue
			}
			if err := send(envelope); err != nil {
				return delivered, err
			}
			*cursor = ev.Seq
			delivered++
		}
		if len(page) < r.cfg.ReplayBatchSize {
			return delivered, nil
		}
	}
}

// isTerminal reports whether the chat has no stream in flight: its newest
// assistant message is terminal, or it has none at all.
func (r *Resumer) isTerminal(ctx context.Context, chatID uuid.UUID) (bool, error) {
	msg, err := r.messages.LatestAssistantMessage(ctx, chatID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return msg.StreamStatus.IsTerminal(), nil
}

// wait blocks for a live signal or the poll timeout. Returns false when
// ctx ended.
func (r *Resumer) wait(ctx context.Context, wake <-chan *redis.Message) bool {
	timer := time.NewTimer(r.cfg.LiveWaitTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}

// envelopeFromEvent rebuilds the wire frame for a durable log entry.
func envelopeFromEvent(ev *models.MessageEvent) (*models.StreamEnvelope, error) {
	payload := map[string]any{}
	if len(ev.RenderPayload) > 0 {
		if err := json.Unmarshal(ev.RenderPayload, &payload); err != nil {
			return nil, err
		}
	}
	return &models.StreamEnvelope{
		ChatID:    ev.ChatID,
		MessageID: ev.MessageID,
		StreamID:  ev.StreamID,
		Seq:       ev.Seq,
		Kind:      ev.EventType,
		Payload:   payload,
		TS:        ev.CreatedAt,
	}, nil
}
