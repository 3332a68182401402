// Package services contains business logic service layer implementations.
package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/relay/pkg/database"
	"github.com/codeready-toolchain/relay/pkg/models"
)

const (
	defaultChatPageSize = 50
	maxChatPageSize     = 100
)

// chatColumns is the SELECT list shared by every chat query. Title is
// nullable in the schema but exposed as a plain string.
const chatColumns = `chat_id, user_id, COALESCE(title, ''), sandbox_id, session_id,
	agent_token, last_event_seq, context_token_usage, model_id,
	created_at, updated_at, deleted_at`

// ChatService manages chat lifecycle and ownership
type ChatService struct {
	client *database.Client
}

// NewChatService creates a new ChatService
func NewChatService(client *database.Client) *ChatService {
	return &ChatService{client: client}
}

// CreateChat creates a new chat for the user with a fresh agent token.
func (s *ChatService) CreateChat(httpCtx context.Context, userID string, req models.CreateChatRequest) (*models.Chat, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}

	token, err := generateAgentToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate agent token: %w", err)
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	chat := &models.Chat{
		ID:         uuid.New(),
		UserID:     userID,
		Title:      req.Title,
		AgentToken: token,
		ModelID:    req.ModelID,
	}

	row := s.client.Pool().QueryRow(ctx,
		`INSERT INTO chats (chat_id, user_id, title, agent_token, model_id)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		 RETURNING created_at, updated_at`,
		chat.ID, chat.UserID, chat.Title, chat.AgentToken, chat.ModelID)
	if err := row.Scan(&chat.CreatedAt, &chat.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	return chat, nil
}

// GetChat retrieves a chat by ID, excluding soft-deleted chats.
func (s *ChatService) GetChat(ctx context.Context, chatID uuid.UUID) (*models.Chat, error) {
	row := s.client.Pool().QueryRow(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE chat_id = $1 AND deleted_at IS NULL`,
		chatID)

	chat, err := scanChat(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	return chat, nil
}

// GetChatForUser retrieves a chat and verifies the caller owns it.
func (s *ChatService) GetChatForUser(ctx context.Context, chatID uuid.UUID, userID string) (*models.Chat, error) {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.UserID != userID {
		return nil, ErrForbidden
	}
	return chat, nil
}

// AuthenticateAgent verifies the chat-scoped bearer token presented by a
// tool collaborator. The comparison is constant time.
func (s *ChatService) AuthenticateAgent(ctx context.Context, chatID uuid.UUID, token string) (*models.Chat, error) {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(chat.AgentToken), []byte(token)) != 1 {
		return nil, ErrForbidden
	}
	return chat, nil
}

// ListChats returns the user's chats newest first with offset pagination.
func (s *ChatService) ListChats(ctx context.Context, userID string, limit, offset int) (*models.ChatListResponse, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}
	if limit <= 0 {
		limit = defaultChatPageSize
	}
	if limit > maxChatPageSize {
		limit = maxChatPageSize
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	err := s.client.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM chats WHERE user_id = $1 AND deleted_at IS NULL`,
		userID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count chats: %w", err)
	}

	rows, err := s.client.Pool().Query(ctx,
		`SELECT `+chatColumns+` FROM chats
		 WHERE user_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	chats := make([]*models.Chat, 0, limit)
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	return &models.ChatListResponse{
		Chats:      chats,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// UpdateChatTitle renames a chat owned by the user.
func (s *ChatService) UpdateChatTitle(httpCtx context.Context, chatID uuid.UUID, userID, title string) (*models.Chat, error) {
	if title == "" {
		return nil, NewValidationError("title", "required")
	}
	if _, err := s.GetChatForUser(httpCtx, chatID, userID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	row := s.client.Pool().QueryRow(ctx,
		`UPDATE chats SET title = $2, updated_at = now()
		 WHERE chat_id = $1 AND deleted_at IS NULL
		 RETURNING `+chatColumns,
		chatID, title)

	chat, err := scanChat(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update chat title: %w", err)
	}

	return chat, nil
}

// SoftDeleteChat marks a chat deleted. Rows stay for the event log; list
// and get queries no longer see them.
func (s *ChatService) SoftDeleteChat(httpCtx context.Context, chatID uuid.UUID, userID string) error {
	if _, err := s.GetChatForUser(httpCtx, chatID, userID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	tag, err := s.client.Pool().Exec(ctx,
		`UPDATE chats SET deleted_at = now(), updated_at = now()
		 WHERE chat_id = $1 AND deleted_at IS NULL`,
		chatID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ForkChat creates a new chat carrying copies of every message up to and
// including the given one. Copies reset the streaming columns so the fork
// starts with an empty event log; the fork gets its own agent token and no
// sandbox until the next stream attaches one.
func (s *ChatService) ForkChat(httpCtx context.Context, chatID uuid.UUID, userID string, messageID uuid.UUID) (*models.ForkChatResponse, error) {
	source, err := s.GetChatForUser(httpCtx, chatID, userID)
	if err != nil {
		return nil, err
	}

	token, err := generateAgentToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate agent token: %w", err)
	}

	ctx, cancel := context.WithTimeout(httpCtx, 10*time.Second)
	defer cancel()

	tx, err := s.client.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin fork transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var pivotAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT created_at FROM messages WHERE message_id = $1 AND chat_id = $2`,
		messageID, chatID).Scan(&pivotAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load fork point: %w", err)
	}

	fork := &models.Chat{
		ID:         uuid.New(),
		UserID:     userID,
		Title:      source.Title,
		AgentToken: token,
		ModelID:    source.ModelID,
	}
	row := tx.QueryRow(ctx,
		`INSERT INTO chats (chat_id, user_id, title, agent_token, model_id)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		 RETURNING created_at, updated_at`,
		fork.ID, fork.UserID, fork.Title, fork.AgentToken, fork.ModelID)
	if err := row.Scan(&fork.CreatedAt, &fork.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create fork chat: %w", err)
	}

	// Copied snapshots keep their content but drop log coordinates: the
	// fork's last_event_seq is 0 so last_seq must be too, and a stream
	// still marked in_progress lands as interrupted.
	tag, err := tx.Exec(ctx,
		`INSERT INTO messages (message_id, chat_id, role, content_text, content_render,
		                       last_seq, active_stream_id, stream_status, model_id,
		                       total_cost_usd, attachments, created_at, updated_at)
		 SELECT gen_random_uuid(), $1, role, content_text, content_render,
		        0, NULL,
		        CASE WHEN stream_status = 'in_progress' THEN 'interrupted' ELSE stream_status END,
		        model_id, total_cost_usd, attachments, created_at, now()
		 FROM messages
		 WHERE chat_id = $2 AND (created_at < $3 OR message_id = $4)`,
		fork.ID, chatID, pivotAt, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to copy messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit fork: %w", err)
	}

	return &models.ForkChatResponse{
		Chat:           fork,
		MessagesCopied: int(tag.RowsAffected()),
	}, nil
}

// UpdateSessionID records the agent session attached to the chat.
// Runs on a background timeout so a cancelled stream context cannot lose it.
func (s *ChatService) UpdateSessionID(_ context.Context, chatID uuid.UUID, sessionID string) error {
	return s.updateChatColumn(chatID, "session_id", sessionID)
}

// UpdateSandboxID records the sandbox attached to the chat.
func (s *ChatService) UpdateSandboxID(_ context.Context, chatID uuid.UUID, sandboxID string) error {
	return s.updateChatColumn(chatID, "sandbox_id", sandboxID)
}

// UpdateModelID records the model used for the latest turn.
func (s *ChatService) UpdateModelID(_ context.Context, chatID uuid.UUID, modelID string) error {
	return s.updateChatColumn(chatID, "model_id", modelID)
}

// UpdateContextUsage stores the latest context token count.
func (s *ChatService) UpdateContextUsage(_ context.Context, chatID uuid.UUID, tokens int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tag, err := s.client.Pool().Exec(ctx,
		`UPDATE chats SET context_token_usage = $2, updated_at = now()
		 WHERE chat_id = $1 AND deleted_at IS NULL`,
		chatID, tokens)
	if err != nil {
		return fmt.Errorf("failed to update context usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveSandboxIDs returns every sandbox id still referenced by a live
// chat. Soft-deleted chats drop out, so their sandboxes become eligible
// for orphan cleanup.
func (s *ChatService) ActiveSandboxIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.client.Pool().Query(ctx,
		`SELECT DISTINCT sandbox_id FROM chats
		 WHERE sandbox_id IS NOT NULL AND deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sandbox ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan sandbox id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list active sandbox ids: %w", err)
	}
	return ids, nil
}

func (s *ChatService) updateChatColumn(chatID uuid.UUID, column, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// column comes from a fixed call site, never from input
	tag, err := s.client.Pool().Exec(ctx,
		`UPDATE chats SET `+column+` = $2, updated_at = now()
		 WHERE chat_id = $1 AND deleted_at IS NULL`,
		chatID, value)
	if err != nil {
		return fmt.Errorf("failed to update chat %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanChat reads one chat row. The column order must match chatColumns.
func scanChat(row pgx.Row) (*models.Chat, error) {
	var chat models.Chat
	err := row.Scan(
		&chat.ID,
		&chat.UserID,
		&chat.Title,
		&chat.SandboxID,
		&chat.SessionID,
		&chat.AgentToken,
		&chat.LastEventSeq,
		&chat.ContextTokenUsage,
		&chat.ModelID,
		&chat.CreatedAt,
		&chat.UpdatedAt,
		&chat.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// generateAgentToken returns a 64 character hex secret scoped to one chat.
func generateAgentToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
