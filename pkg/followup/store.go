// Package followup holds the single queued prompt a chat accepts while a
// stream is running. The queue lives in Redis under chat:{id}:queue and is
// popped by the stream runtime when the active turn completes.
package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/relay/pkg/kv"
	"github.com/codeready-toolchain/relay/pkg/models"
)

// ErrConflict is returned when optimistic concurrency keeps failing and
// the write never lands.
var ErrConflict = errors.New("queue modified concurrently")

// casAttempts bounds the WATCH retry loop.
const casAttempts = 5

// Store reads and writes the queued follow-up message of a chat. All
// mutations are CAS-guarded so concurrent writers merge instead of
// clobbering each other.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore creates a Store. ttl bounds how long an unclaimed follow-up
// survives; every write refreshes it.
func NewStore(client *kv.Client, ttl time.Duration) *Store {
	return &Store{rdb: client.Redis(), ttl: ttl}
}

// NewStoreFromRedis wraps an existing Redis client (useful for testing).
func NewStoreFromRedis(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Upsert queues a follow-up or merges into the one already waiting:
// content is appended on a new line, model and permission mode take the
// latest value, thinking mode only changes when provided, and attachments
// accumulate. Returns the stored message and whether it was newly created.
func (s *Store) Upsert(ctx context.Context, chatID uuid.UUID, req models.QueueMessageRequest) (*models.QueuedMessage, bool, error) {
	key := kv.QueueKey(chatID)

	var (
		result  *models.QueuedMessage
		created bool
	)

	txf := func(tx *redis.Tx) error {
		existing, err := s.load(ctx, tx.Get(ctx, key))
		if err != nil {
			return err
		}

		var msg models.QueuedMessage
		if existing == nil {
			created = true
			msg = models.QueuedMessage{
				ID:             uuid.New(),
				Content:        req.Content,
				ModelID:        req.ModelID,
				PermissionMode: req.PermissionMode,
				ThinkingMode:   req.ThinkingMode,
				QueuedAt:       time.Now().UTC(),
				Attachments:    req.Attachments,
			}
		} else {
			created = false
			msg = *existing
			msg.Content = msg.Content + "\n" + req.Content
			msg.ModelID = req.ModelID
			msg.PermissionMode = req.PermissionMode
			if req.ThinkingMode != nil {
				msg.ThinkingMode = req.ThinkingMode
			}
			msg.Attachments = append(msg.Attachments, req.Attachments...)
		}

		if err := s.write(ctx, tx, key, &msg); err != nil {
			return err
		}
		result = &msg
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// Update replaces the queued content, leaving everything else merged so
// far intact. Returns nil when no follow-up is queued.
func (s *Store) Update(ctx context.Context, chatID uuid.UUID, content string) (*models.QueuedMessage, error) {
	key := kv.QueueKey(chatID)

	var result *models.QueuedMessage

	txf := func(tx *redis.Tx) error {
		existing, err := s.load(ctx, tx.Get(ctx, key))
		if err != nil {
			return err
		}
		if existing == nil {
			result = nil
			return nil
		}

		msg := *existing
		msg.Content = content
		if err := s.write(ctx, tx, key, &msg); err != nil {
			return err
		}
		result = &msg
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return result, nil
}

// Get returns the queued follow-up, or nil when none is waiting.
func (s *Store) Get(ctx context.Context, chatID uuid.UUID) (*models.QueuedMessage, error) {
	return s.load(ctx, s.rdb.Get(ctx, kv.QueueKey(chatID)))
}

// Clear drops the queued follow-up. Reports whether one existed.
func (s *Store) Clear(ctx context.Context, chatID uuid.UUID) (bool, error) {
	removed, err := s.rdb.Del(ctx, kv.QueueKey(chatID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to clear follow-up queue: %w", err)
	}
	return removed > 0, nil
}

// PopNext atomically takes the queued follow-up, or returns nil when none
// is waiting. GETDEL guarantees exactly one runtime claims it.
func (s *Store) PopNext(ctx context.Context, chatID uuid.UUID) (*models.QueuedMessage, error) {
	return s.load(ctx, s.rdb.GetDel(ctx, kv.QueueKey(chatID)))
}

func (s *Store) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("failed to update follow-up queue: %w", err)
	}
	return ErrConflict
}

// load decodes the result of a queue GET. A corrupt value is dropped and
// treated as absent so one bad write cannot wedge the chat's queue.
func (s *Store) load(ctx context.Context, cmd *redis.StringCmd) (*models.QueuedMessage, error) {
	raw, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read follow-up queue: %w", err)
	}

	var msg models.QueuedMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		slog.Warn("Dropping corrupt follow-up queue entry", "error", err)
		return nil, nil
	}
	return &msg, nil
}

func (s *Store) write(ctx context.Context, tx *redis.Tx, key string, msg *models.QueuedMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode follow-up message: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, payload, s.ttl)
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}
