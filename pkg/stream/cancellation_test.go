package stream

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelEvent_FireIsIdempotent(t *testing.T) {
	ev := newCancelEvent()
	assert.False(t, ev.Fired())

	ev.Fire()
	ev.Fire()
	assert.True(t, ev.Fired())

	select {
	case <-ev.Done():
	default:
		t.Fatal("Done channel should be closed after Fire")
	}
}

func TestCancellationRegistry_LiveCancel(t *testing.T) {
	r := NewCancellationRegistry(time.Minute)
	chatID := uuid.New()

	ev := r.Register(chatID)
	assert.False(t, ev.Fired())
	assert.False(t, r.IsCancelled(chatID))

	assert.True(t, r.RequestCancel(chatID), "a registered stream should be signalled directly")
	assert.True(t, ev.Fired())
	assert.True(t, r.IsCancelled(chatID))
}

func TestCancellationRegistry_CancelBeforeRegister(t *testing.T) {
	r := NewCancellationRegistry(time.Minute)
	chatID := uuid.New()

	assert.False(t, r.RequestCancel(chatID), "no stream registered yet")
	assert.True(t, r.IsCancelled(chatID), "pending cancel counts as cancelled")

	// The registration that races the cancel starts pre-fired.
	ev := r.Register(chatID)
	assert.True(t, ev.Fired())

	// The pending flag was consumed: the next registration runs normally.
	r.Unregister(chatID, ev)
	ev2 := r.Register(chatID)
	assert.False(t, ev2.Fired())
}

func TestCancellationRegistry_PendingExpires(t *testing.T) {
	r := NewCancellationRegistry(10 * time.Millisecond)
	chatID := uuid.New()

	r.RequestCancel(chatID)
	time.Sleep(20 * time.Millisecond)

	assert.False(t, r.IsCancelled(chatID), "expired pending cancel is void")
	ev := r.Register(chatID)
	assert.False(t, ev.Fired(), "expired pending cancel must not fire a new stream")
}

func TestCancellationRegistry_UnregisterOnlyOwnEvent(t *testing.T) {
	r := NewCancellationRegistry(time.Minute)
	chatID := uuid.New()

	old := r.Register(chatID)
	current := r.Register(chatID)

	// A late Unregister from the replaced stream must not evict the new one.
	r.Unregister(chatID, old)
	require.True(t, r.RequestCancel(chatID))
	assert.True(t, current.Fired())
	assert.False(t, old.Fired())
}

func TestCancellationRegistry_CancelAfterExitStaysArmed(t *testing.T) {
	r := NewCancellationRegistry(time.Minute)
	chatID := uuid.New()

	ev := r.Register(chatID)
	r.Unregister(chatID, ev)

	// Cancel lands after the stream exited: arm for the next one.
	assert.False(t, r.RequestCancel(chatID))
	next := r.Register(chatID)
	assert.True(t, next.Fired())
}
