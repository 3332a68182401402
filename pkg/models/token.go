package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken is an auth-proxy session token. Only the hash is stored;
// expired and revoked rows are purged by the maintenance loop.
type RefreshToken struct {
	ID        uuid.UUID  `json:"token_id"`
	UserID    string     `json:"user_id"`
	TokenHash string     `json:"-"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
}
