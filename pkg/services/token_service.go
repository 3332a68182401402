package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/relay/pkg/database"
	"github.com/codeready-toolchain/relay/pkg/models"
)

// TokenService manages refresh tokens issued by the auth proxy
type TokenService struct {
	client *database.Client
}

// NewTokenService creates a new TokenService
func NewTokenService(client *database.Client) *TokenService {
	return &TokenService{client: client}
}

// IssueToken stores a new refresh token and returns the raw secret once.
func (s *TokenService) IssueToken(httpCtx context.Context, userID string, ttl time.Duration) (string, *models.RefreshToken, error) {
	if userID == "" {
		return "", nil, NewValidationError("user_id", "required")
	}
	if ttl <= 0 {
		return "", nil, NewValidationError("ttl", "must be positive")
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	raw := hex.EncodeToString(buf)

	token := &models.RefreshToken{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: hashToken(raw),
		ExpiresAt: time.Now().UTC().Add(ttl),
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	row := s.client.Pool().QueryRow(ctx,
		`INSERT INTO refresh_tokens (token_id, user_id, token_hash, expires_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		token.ID, token.UserID, token.TokenHash, token.ExpiresAt)
	if err := row.Scan(&token.CreatedAt); err != nil {
		return "", nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}

	return raw, token, nil
}

// RevokeToken marks the token unusable. Revoked rows stay until the
// maintenance loop purges them.
func (s *TokenService) RevokeToken(httpCtx context.Context, raw string) error {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	tag, err := s.client.Pool().Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = now()
		 WHERE token_hash = $1 AND revoked_at IS NULL`,
		hashToken(raw))
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupExpired removes expired and revoked refresh tokens.
func (s *TokenService) CleanupExpired(ctx context.Context) (int, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tag, err := s.client.Pool().Exec(writeCtx,
		`DELETE FROM refresh_tokens WHERE expires_at < now() OR revoked_at IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup refresh tokens: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
