// Package events provides real-time event delivery via Redis pub/sub for
// cross-pod distribution.
//
// The durable event log in PostgreSQL is the source of truth; everything
// published here is advisory. A subscriber that misses a message still
// converges by reading the log, so publish failures are logged and
// swallowed rather than surfaced to the streaming hot path.
//
// Channel families (formats in pkg/kv/keys.go):
//
//	chat:{id}:stream:live    envelopes and bare "flush" wake-up signals
//	chat:{id}:cancel         cancel requests, fan-in for every pod
//	permission:{rid}:response decision frames for long-poll waiters
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/relay/pkg/kv"
	"github.com/codeready-toolchain/relay/pkg/models"
)

// Signal payloads for channels that carry no JSON body.
const (
	LiveSignal   = "flush"
	CancelSignal = "cancel"
)

// Publisher broadcasts stream activity over Redis pub/sub.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a new Publisher.
func NewPublisher(client *kv.Client) *Publisher {
	return &Publisher{rdb: client.Redis()}
}

// NewPublisherFromRedis wraps an existing Redis client (useful for testing).
func NewPublisherFromRedis(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// SignalLive nudges subscribers of the chat's live channel to re-read the
// event log. The payload carries no data on purpose: the log is the truth.
func (p *Publisher) SignalLive(ctx context.Context, chatID uuid.UUID) {
	p.publish(ctx, kv.LiveChannel(chatID), LiveSignal)
}

// PublishEnvelope broadcasts a full event frame on the chat's live channel
// for low-latency delivery. Subscribers treat it as a hint; replay from the
// log delivers the same event authoritatively.
func (p *Publisher) PublishEnvelope(ctx context.Context, envelope *models.StreamEnvelope) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		slog.Warn("Failed to marshal stream envelope",
			"chat_id", envelope.ChatID, "seq", envelope.Seq, "error", err)
		return
	}
	p.publish(ctx, kv.LiveChannel(envelope.ChatID), payload)
}

// PublishCancel broadcasts a cancel request so the pod running the stream
// picks it up wherever it lives.
func (p *Publisher) PublishCancel(ctx context.Context, chatID uuid.UUID) {
	p.publish(ctx, kv.CancelChannel(chatID), CancelSignal)
}

// PublishPermissionResponse delivers a permission decision to long-poll
// waiters on other pods.
func (p *Publisher) PublishPermissionResponse(ctx context.Context, requestID string, decision *models.PermissionDecision) {
	payload, err := json.Marshal(decision)
	if err != nil {
		slog.Warn("Failed to marshal permission decision", "request_id", requestID, "error", err)
		return
	}
	p.publish(ctx, kv.PermissionResponseChannel(requestID), payload)
}

func (p *Publisher) publish(ctx context.Context, channel string, payload any) {
	if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		slog.Warn("Failed to publish event", "channel", channel, "error", err)
	}
}

// Subscriber opens pub/sub streams for the channel families above. Callers
// own the returned *redis.PubSub and must Close it.
type Subscriber struct {
	rdb *redis.Client
}

// NewSubscriber creates a new Subscriber.
func NewSubscriber(client *kv.Client) *Subscriber {
	return &Subscriber{rdb: client.Redis()}
}

// NewSubscriberFromRedis wraps an existing Redis client (useful for testing).
func NewSubscriberFromRedis(rdb *redis.Client) *Subscriber {
	return &Subscriber{rdb: rdb}
}

// SubscribeLive follows a chat's live channel.
func (s *Subscriber) SubscribeLive(ctx context.Context, chatID uuid.UUID) *redis.PubSub {
	return s.rdb.Subscribe(ctx, kv.LiveChannel(chatID))
}

// SubscribeCancels follows cancel requests for every chat on this instance.
func (s *Subscriber) SubscribeCancels(ctx context.Context) *redis.PubSub {
	return s.rdb.PSubscribe(ctx, kv.CancelChannelPattern)
}

// SubscribePermissionResponse follows the decision channel for one request.
func (s *Subscriber) SubscribePermissionResponse(ctx context.Context, requestID string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, kv.PermissionResponseChannel(requestID))
}

// ParseEnvelope decodes a live-channel message into an envelope. It returns
// (nil, nil) for bare signals like "flush" that carry no JSON body.
func ParseEnvelope(payload string) (*models.StreamEnvelope, error) {
	if payload == "" || payload == LiveSignal {
		return nil, nil
	}
	var envelope models.StreamEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode stream envelope: %w", err)
	}
	return &envelope, nil
}
