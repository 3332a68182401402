package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/relay/pkg/database"
	"github.com/codeready-toolchain/relay/pkg/models"
)

const (
	defaultMessagePageSize = 50
	maxMessagePageSize     = 100
)

const messageColumns = `message_id, chat_id, role, content_text, content_render, last_seq,
	active_stream_id, stream_status, model_id, total_cost_usd, checkpoint_id,
	attachments, created_at, updated_at`

// MessageService manages message rows and their stream snapshots
type MessageService struct {
	client *database.Client
}

// NewMessageService creates a new MessageService
func NewMessageService(client *database.Client) *MessageService {
	return &MessageService{client: client}
}

// SnapshotPatch is a partial update of an assistant message's snapshot.
// Nil fields are left untouched; LastSeq is merged with GREATEST so an
// out-of-order flush can never move the snapshot backwards.
type SnapshotPatch struct {
	ContentText    *string
	ContentRender  json.RawMessage
	LastSeq        int64
	ActiveStreamID *uuid.UUID
	ClearStream    bool
	StreamStatus   *models.StreamStatus
	TotalCostUSD   *float64
	CheckpointID   *string
}

// CreateMessage creates a single message row.
func (s *MessageService) CreateMessage(httpCtx context.Context, req models.CreateMessageRequest) (*models.Message, error) {
	if req.ChatID == uuid.Nil {
		return nil, NewValidationError("chat_id", "required")
	}
	if req.Role != models.MessageRoleUser && req.Role != models.MessageRoleAssistant {
		return nil, NewValidationError("role", "must be user or assistant")
	}

	status := req.StreamStatus
	if status == "" {
		if req.Role == models.MessageRoleAssistant {
			status = models.StreamStatusInProgress
		} else {
			status = models.StreamStatusCompleted
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.insertMessage(ctx, s.client.Pool(), req, status, time.Now().UTC())
}

// CreateTurn inserts the user prompt and its assistant placeholder in one
// transaction. The assistant row starts in_progress with an empty snapshot.
// The rows get distinct created_at values so cursor ordering is stable.
func (s *MessageService) CreateTurn(httpCtx context.Context, chatID uuid.UUID, prompt string, modelID *string, attachments []models.Attachment) (*models.Message, *models.Message, error) {
	if chatID == uuid.Nil {
		return nil, nil, NewValidationError("chat_id", "required")
	}
	if prompt == "" {
		return nil, nil, NewValidationError("content", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.client.Pool().Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin turn transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chats WHERE chat_id = $1 AND deleted_at IS NULL)`,
		chatID).Scan(&exists)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to verify chat existence: %w", err)
	}
	if !exists {
		return nil, nil, ErrNotFound
	}

	now := time.Now().UTC()

	userMsg, err := s.insertMessage(ctx, tx, models.CreateMessageRequest{
		ChatID:      chatID,
		Role:        models.MessageRoleUser,
		Content:     prompt,
		Attachments: attachments,
	}, models.StreamStatusCompleted, now)
	if err != nil {
		return nil, nil, err
	}

	assistantMsg, err := s.insertMessage(ctx, tx, models.CreateMessageRequest{
		ChatID:  chatID,
		Role:    models.MessageRoleAssistant,
		ModelID: modelID,
	}, models.StreamStatusInProgress, now.Add(time.Microsecond))
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit turn: %w", err)
	}

	return userMsg, assistantMsg, nil
}

type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *MessageService) insertMessage(ctx context.Context, q pgxQuerier, req models.CreateMessageRequest, status models.StreamStatus, createdAt time.Time) (*models.Message, error) {
	attachments := req.Attachments
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attachments: %w", err)
	}

	msg := &models.Message{
		ID:           uuid.New(),
		ChatID:       req.ChatID,
		Role:         req.Role,
		ContentText:  req.Content,
		StreamStatus: status,
		ModelID:      req.ModelID,
		Attachments:  attachments,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}

	row := q.QueryRow(ctx,
		`INSERT INTO messages (message_id, chat_id, role, content_text, stream_status,
		                       model_id, attachments, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 RETURNING content_render`,
		msg.ID, msg.ChatID, string(msg.Role), msg.ContentText, string(status),
		msg.ModelID, attachmentsJSON, createdAt)
	if err := row.Scan(&msg.ContentRender); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	return msg, nil
}

// GetMessage retrieves a message by ID.
func (s *MessageService) GetMessage(ctx context.Context, messageID uuid.UUID) (*models.Message, error) {
	row := s.client.Pool().QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = $1`,
		messageID)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return msg, nil
}

// LatestAssistantMessage returns the newest assistant message of a chat.
func (s *MessageService) LatestAssistantMessage(ctx context.Context, chatID uuid.UUID) (*models.Message, error) {
	row := s.client.Pool().QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE chat_id = $1 AND role = 'assistant'
		 ORDER BY created_at DESC, message_id DESC
		 LIMIT 1`,
		chatID)

	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest assistant message: %w", err)
	}

	return msg, nil
}

// ListMessages returns a newest-first page of chat messages. The cursor
// encodes the (created_at, message_id) pair of the last row; passing it
// back resumes strictly after that row even when timestamps collide.
func (s *MessageService) ListMessages(ctx context.Context, chatID uuid.UUID, limit int, cursor *string) (*models.CursorPaginatedMessages, error) {
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	if limit > maxMessagePageSize {
		limit = maxMessagePageSize
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE chat_id = $1`
	args := []any{chatID}

	if cursor != nil && *cursor != "" {
		cursorAt, cursorID, err := decodeMessageCursor(*cursor)
		if err != nil {
			return nil, NewValidationError("cursor", "invalid pagination cursor")
		}
		query += ` AND (created_at < $2 OR (created_at = $2 AND message_id < $3))`
		args = append(args, cursorAt, cursorID)
	}

	// Fetch one extra row to learn whether another page exists.
	query += fmt.Sprintf(` ORDER BY created_at DESC, message_id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit+1)

	rows, err := s.client.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	items := make([]*models.Message, 0, limit+1)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}

	resp := &models.CursorPaginatedMessages{Items: items, HasMore: hasMore}
	if hasMore && len(items) > 0 {
		last := items[len(items)-1]
		next := encodeMessageCursor(last.CreatedAt, last.ID)
		resp.NextCursor = &next
	}

	return resp, nil
}

// ClaimStream marks the stream as the single writer of the message. It
// succeeds only while the message is in_progress and no other stream holds
// the claim; reclaiming with the same stream ID is a no-op.
func (s *MessageService) ClaimStream(httpCtx context.Context, messageID, streamID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tag, err := s.client.Pool().Exec(ctx,
		`UPDATE messages SET active_stream_id = $2, updated_at = now()
		 WHERE message_id = $1
		   AND stream_status = 'in_progress'
		   AND (active_stream_id IS NULL OR active_stream_id = $2)`,
		messageID, streamID.String())
	if err != nil {
		return fmt.Errorf("failed to claim stream: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = s.client.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE message_id = $1)`,
		messageID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to claim stream: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStreamActive
}

// UpdateSnapshot applies a partial snapshot update. Terminal statuses clear
// active_stream_id in the same statement and never revert once written.
// Runs on a background timeout so a cancelled stream context cannot lose
// terminal state.
func (s *MessageService) UpdateSnapshot(_ context.Context, messageID uuid.UUID, patch SnapshotPatch) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	set := []string{"updated_at = now()"}
	args := []any{messageID}

	addArg := func(expr string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}

	if patch.ContentText != nil {
		addArg("content_text = $%d", *patch.ContentText)
	}
	if patch.ContentRender != nil {
		addArg("content_render = $%d", patch.ContentRender)
	}
	if patch.LastSeq > 0 {
		addArg("last_seq = GREATEST(last_seq, $%d)", patch.LastSeq)
	}
	if patch.StreamStatus != nil {
		addArg("stream_status = $%d", string(*patch.StreamStatus))
	}
	if patch.TotalCostUSD != nil {
		addArg("total_cost_usd = $%d", *patch.TotalCostUSD)
	}
	if patch.CheckpointID != nil {
		addArg("checkpoint_id = $%d", *patch.CheckpointID)
	}

	terminal := patch.StreamStatus != nil && patch.StreamStatus.IsTerminal()
	switch {
	case patch.ClearStream || terminal:
		set = append(set, "active_stream_id = NULL")
	case patch.ActiveStreamID != nil:
		addArg("active_stream_id = $%d", patch.ActiveStreamID.String())
	}

	query := `UPDATE messages SET ` + strings.Join(set, ", ") + ` WHERE message_id = $1`
	if patch.StreamStatus != nil {
		// A finished message keeps its terminal status.
		query += ` AND stream_status = 'in_progress'`
	}

	tag, err := s.client.Pool().Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update snapshot: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = s.client.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE message_id = $1)`,
		messageID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to update snapshot: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	// Row exists but is already terminal; nothing to write.
	return nil
}

// scanMessage reads one message row. The column order must match
// messageColumns.
func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		msg          models.Message
		role         string
		status       string
		activeStream *string
		attachments  []byte
	)
	err := row.Scan(
		&msg.ID,
		&msg.ChatID,
		&role,
		&msg.ContentText,
		&msg.ContentRender,
		&msg.LastSeq,
		&activeStream,
		&status,
		&msg.ModelID,
		&msg.TotalCostUSD,
		&msg.CheckpointID,
		&attachments,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Role = models.MessageRole(role)
	msg.StreamStatus = models.StreamStatus(status)
	if activeStream != nil {
		sid, err := uuid.Parse(*activeStream)
		if err != nil {
			return nil, fmt.Errorf("invalid active_stream_id %q: %w", *activeStream, err)
		}
		msg.ActiveStreamID = &sid
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("invalid attachments payload: %w", err)
		}
	}

	return &msg, nil
}

func encodeMessageCursor(createdAt time.Time, id uuid.UUID) string {
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeMessageCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, fmt.Errorf("malformed cursor")
	}
	at, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	return at, id, nil
}
