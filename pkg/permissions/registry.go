// Package permissions tracks tool invocations that are paused waiting for a
// user decision. The table is in-process; each entry carries a TTL and wakes
// at most one waiter. A copy of each request is mirrored to the KV store so
// operators can inspect pending requests out of band.
package permissions

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/relay/pkg/kv"
	"github.com/codeready-toolchain/relay/pkg/models"
)

// ExpiredInstruction is the guidance attached to the synthetic denial sent
// when a request times out without a user response.
const ExpiredInstruction = "Permission request expired. Please try again."

// ExpiredDecision returns the denial substituted for a request that expired
// before the user answered.
func ExpiredDecision() *models.PermissionDecision {
	return &models.PermissionDecision{
		Approved:               false,
		AlternativeInstruction: ExpiredInstruction,
	}
}

type pendingRequest struct {
	data      models.PermissionRequestData
	expiresAt time.Time
	response  *models.PermissionDecision
	done      chan struct{}
}

// Registry holds pending permission requests keyed by request id. Expired
// entries are evicted opportunistically on every access.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	rdb *redis.Client
	ttl time.Duration
}

// NewRegistry creates a Registry whose entries expire after ttl.
func NewRegistry(client *kv.Client, ttl time.Duration) *Registry {
	return NewRegistryFromRedis(client.Redis(), ttl)
}

// NewRegistryFromRedis wraps an existing Redis client (useful for testing).
func NewRegistryFromRedis(rdb *redis.Client, ttl time.Duration) *Registry {
	return &Registry{
		pending: make(map[string]*pendingRequest),
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Create registers a request and returns its expiry time. The request JSON
// is mirrored to the KV store on a best-effort basis.
func (r *Registry) Create(ctx context.Context, requestID string, data models.PermissionRequestData) time.Time {
	entry := &pendingRequest{
		data:      data,
		expiresAt: time.Now().Add(r.ttl),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.pruneLocked()
	r.pending[requestID] = entry
	r.mu.Unlock()

	r.mirror(ctx, requestID, data)
	return entry.expiresAt
}

// Get returns the request data iff the request is present and unexpired.
func (r *Registry) Get(requestID string) (*models.PermissionRequestData, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	entry, ok := r.pending[requestID]
	if !ok {
		return nil, false
	}
	data := entry.data
	return &data, true
}

// Pending returns how many requests are currently registered and unexpired.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return len(r.pending)
}

// Respond records the decision and wakes the waiter. Returns false when the
// request is unknown or already expired; the caller is then expected to
// publish the decision on the permission response channel instead, so a
// waiter attached only via pub/sub still unblocks.
func (r *Registry) Respond(requestID string, decision models.PermissionDecision) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	entry, ok := r.pending[requestID]
	if !ok {
		return false
	}

	entry.response = &decision
	close(entry.done)
	delete(r.pending, requestID)
	return true
}

// Wait blocks until the request is answered, it expires, or timeout
// elapses, whichever comes first. The second return value reports whether
// the request was known at all:
//
//	decision, true   — answered, or expired (decision is the synthetic denial)
//	nil, true        — still pending when timeout or ctx ended; poll again
//	nil, false       — unknown request id
//
// The block never outlasts the request's remaining TTL.
func (r *Registry) Wait(ctx context.Context, requestID string, timeout time.Duration) (*models.PermissionDecision, bool) {
	r.mu.Lock()
	entry, ok := r.pending[requestID]
	if !ok {
		r.pruneLocked()
		r.mu.Unlock()
		return nil, false
	}

	remaining := time.Until(entry.expiresAt)
	if remaining <= 0 {
		delete(r.pending, requestID)
		r.pruneLocked()
		r.mu.Unlock()
		return ExpiredDecision(), true
	}
	r.pruneLocked()
	r.mu.Unlock()

	expiresFirst := remaining <= timeout
	waitFor := timeout
	if expiresFirst {
		waitFor = remaining
	}

	timer := time.NewTimer(waitFor)
	defer timer.Stop()

	select {
	case <-entry.done:
		return entry.response, true
	case <-ctx.Done():
		return nil, true
	case <-timer.C:
		if !expiresFirst {
			return nil, true
		}
		// A response can race the expiry timer; prefer it.
		select {
		case <-entry.done:
			return entry.response, true
		default:
		}
		r.mu.Lock()
		if cur, ok := r.pending[requestID]; ok && cur == entry {
			delete(r.pending, requestID)
		}
		r.mu.Unlock()
		return ExpiredDecision(), true
	}
}

// Remove drops a request without answering it. Used to roll back a
// registration whose announcement event could not be written.
func (r *Registry) Remove(ctx context.Context, requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.pruneLocked()
	r.mu.Unlock()

	if err := r.rdb.Del(ctx, kv.PermissionRequestKey(requestID)).Err(); err != nil {
		slog.Warn("Failed to drop mirrored permission request", "request_id", requestID, "error", err)
	}
}

// pruneLocked evicts expired entries. Callers must hold r.mu. Waiters
// blocked on an evicted entry still hold its done channel and unblock on
// their own TTL timer.
func (r *Registry) pruneLocked() {
	now := time.Now()
	for id, entry := range r.pending {
		if now.After(entry.expiresAt) {
			delete(r.pending, id)
		}
	}
}

func (r *Registry) mirror(ctx context.Context, requestID string, data models.PermissionRequestData) {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Warn("Failed to encode permission request for mirroring", "request_id", requestID, "error", err)
		return
	}
	if err := r.rdb.Set(ctx, kv.PermissionRequestKey(requestID), payload, r.ttl).Err(); err != nil {
		slog.Warn("Failed to mirror permission request to KV", "request_id", requestID, "error", err)
	}
}
