package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/relay/pkg/database"
	"github.com/codeready-toolchain/relay/pkg/models"
)

// MaxEventRangeLimit caps how many events a single range query returns.
const MaxEventRangeLimit = 5000

// NewEvent is one log entry to append. AuditPayload may be nil when the
// caller has nothing to redact.
type NewEvent struct {
	EventType     models.EventKind
	RenderPayload map[string]any
	AuditPayload  map[string]any
}

// EventService owns the append-only event log. Chats.last_event_seq is the
// sole seq allocator: every append increments it inside the same
// transaction as the inserted rows, so per chat the seq values form the
// gap-free interval [1..last_event_seq].
type EventService struct {
	client *database.Client
}

// NewEventService creates a new EventService
func NewEventService(client *database.Client) *EventService {
	return &EventService{client: client}
}

// AppendWithNextSeq appends one event and returns its seq.
func (s *EventService) AppendWithNextSeq(httpCtx context.Context, chatID, messageID, streamID uuid.UUID, ev NewEvent) (int64, error) {
	seq, err := s.AppendBatch(httpCtx, chatID, messageID, streamID, []NewEvent{ev})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// AppendBatch appends N events with consecutive seqs and returns the last
// one. A single UPDATE reserves the whole range; concurrent appenders for
// the same chat serialise on the chats row. Runs on a background timeout
// so a cancelled stream context cannot drop written events.
func (s *EventService) AppendBatch(_ context.Context, chatID, messageID, streamID uuid.UUID, events []NewEvent) (int64, error) {
	if len(events) == 0 {
		return 0, NewValidationError("events", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.client.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lastSeq int64
	err = tx.QueryRow(ctx,
		`UPDATE chats SET last_event_seq = last_event_seq + $2, updated_at = now()
		 WHERE chat_id = $1 AND deleted_at IS NULL
		 RETURNING last_event_seq`,
		chatID, len(events)).Scan(&lastSeq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to allocate event seqs: %w", err)
	}

	firstSeq := lastSeq - int64(len(events)) + 1

	batch := &pgx.Batch{}
	for i, ev := range events {
		renderJSON, err := json.Marshal(ev.RenderPayload)
		if err != nil {
			return 0, fmt.Errorf("failed to encode render payload: %w", err)
		}
		var auditJSON []byte
		if ev.AuditPayload != nil {
			auditJSON, err = json.Marshal(ev.AuditPayload)
			if err != nil {
				return 0, fmt.Errorf("failed to encode audit payload: %w", err)
			}
		}
		batch.Queue(
			`INSERT INTO message_events (event_id, chat_id, message_id, stream_id, seq,
			                             event_type, render_payload, audit_payload)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			uuid.New(), chatID, messageID, streamID.String(), firstSeq+int64(i),
			string(ev.EventType), renderJSON, auditJSON)
	}

	results := tx.SendBatch(ctx, batch)
	for range events {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("failed to insert events: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("failed to insert events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit events: %w", err)
	}

	return lastSeq, nil
}

// RangeByChat returns events of a chat with seq > afterSeq, ascending.
func (s *EventService) RangeByChat(ctx context.Context, chatID uuid.UUID, afterSeq int64, limit int) ([]*models.MessageEvent, error) {
	rows, err := s.client.Pool().Query(ctx,
		`SELECT event_id, chat_id, message_id, stream_id, seq, event_type,
		        render_payload, audit_payload, created_at
		 FROM message_events
		 WHERE chat_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		chatID, afterSeq, clampEventLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to range events by chat: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// RangeByMessage returns events of a message with seq > afterSeq, ascending.
func (s *EventService) RangeByMessage(ctx context.Context, messageID uuid.UUID, afterSeq int64, limit int) ([]*models.MessageEvent, error) {
	rows, err := s.client.Pool().Query(ctx,
		`SELECT event_id, chat_id, message_id, stream_id, seq, event_type,
		        render_payload, audit_payload, created_at
		 FROM message_events
		 WHERE message_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		messageID, afterSeq, clampEventLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to range events by message: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

func clampEventLimit(limit int) int {
	if limit <= 0 || limit > MaxEventRangeLimit {
		return MaxEventRangeLimit
	}
	return limit
}

func collectEvents(rows pgx.Rows) ([]*models.MessageEvent, error) {
	events := make([]*models.MessageEvent, 0)
	for rows.Next() {
		var (
			ev       models.MessageEvent
			streamID string
			kind     string
		)
		err := rows.Scan(
			&ev.ID,
			&ev.ChatID,
			&ev.MessageID,
			&streamID,
			&ev.Seq,
			&kind,
			&ev.RenderPayload,
			&ev.AuditPayload,
			&ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		sid, err := uuid.Parse(streamID)
		if err != nil {
			return nil, fmt.Errorf("invalid stream_id %q: %w", streamID, err)
		}
		ev.StreamID = sid
		ev.EventType = models.EventKind(kind)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}
