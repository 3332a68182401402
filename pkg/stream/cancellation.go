// Package stream implements the chat streaming runtime: it consumes agent
// events, persists them as a gap-free per-chat log with coalesced message
// snapshots, fans them out over the live bus, and coordinates cancellation
// and follow-up handoff.
package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// CancelEvent is a one-shot cancellation signal shared between the stream
// runtime and the API layer. Fire is idempotent.
type CancelEvent struct {
	once sync.Once
	ch   chan struct{}
}

func newCancelEvent() *CancelEvent {
	return &CancelEvent{ch: make(chan struct{})}
}

// Fire marks the event cancelled and wakes every waiter.
func (e *CancelEvent) Fire() {
	e.once.Do(func() { close(e.ch) })
}

// Fired reports whether the event has been cancelled.
func (e *CancelEvent) Fired() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the event fires.
func (e *CancelEvent) Done() <-chan struct{} {
	return e.ch
}

// CancellationRegistry tracks the cancel state of every chat on this
// process. A chat has at most one live event (owned by its running stream)
// plus an optional pending flag covering the window between "stop" being
// pressed and the producer registering.
type CancellationRegistry struct {
	mu         sync.Mutex
	live       map[uuid.UUID]*CancelEvent
	pending    map[uuid.UUID]time.Time
	pendingTTL time.Duration
}

// NewCancellationRegistry creates a registry whose pending flags expire
// after pendingTTL.
func NewCancellationRegistry(pendingTTL time.Duration) *CancellationRegistry {
	return &CancellationRegistry{
		live:       make(map[uuid.UUID]*CancelEvent),
		pending:    make(map[uuid.UUID]time.Time),
		pendingTTL: pendingTTL,
	}
}

// Register installs a fresh cancel event for the chat and returns it. A
// cancel requested before registration (a non-expired pending flag) fires
// the event immediately so the producer stops before consuming anything;
// the pending flag is consumed either way.
func (r *CancellationRegistry) Register(chatID uuid.UUID) *CancelEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := newCancelEvent()
	if expiry, ok := r.pending[chatID]; ok {
		if time.Now().Before(expiry) {
			ev.Fire()
		}
		delete(r.pending, chatID)
	}
	r.live[chatID] = ev
	return ev
}

// Unregister removes the registration iff it still belongs to ev. The
// pending flag is left alone: a cancel that raced the stream's exit must
// survive to stop the next registration.
func (r *CancellationRegistry) Unregister(chatID uuid.UUID, ev *CancelEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.live[chatID]; ok && cur == ev {
		delete(r.live, chatID)
	}
}

// RequestCancel fires the chat's live event when a stream is registered,
// otherwise arms a pending flag so the next registration stops at once.
// Reports whether a live stream was signalled.
func (r *CancellationRegistry) RequestCancel(chatID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev, ok := r.live[chatID]; ok {
		ev.Fire()
		return true
	}
	r.pending[chatID] = time.Now().Add(r.pendingTTL)
	return false
}

// IsCancelled reports whether the chat has a fired live event or an
// unexpired pending flag.
func (r *CancellationRegistry) IsCancelled(chatID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev, ok := r.live[chatID]; ok && ev.Fired() {
		return true
	}
	if expiry, ok := r.pending[chatID]; ok {
		if time.Now().Before(expiry) {
			return true
		}
		delete(r.pending, chatID)
	}
	return false
}
