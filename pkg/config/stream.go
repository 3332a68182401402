package config

import "time"

// StreamConfig contains stream runtime and live delivery tuning.
// These values control how events are batched into snapshots, how SSE
// and WebSocket replay catches up, and how long stream bookkeeping keys
// live in the KV store.
type StreamConfig struct {
	// FlushInterval is how long buffered events may age before the
	// snapshot is flushed.
	FlushInterval time.Duration

	// FlushMaxEvents flushes the snapshot once this many events are
	// buffered, regardless of age.
	FlushMaxEvents int

	// ReplayBatchSize is the page size used when replaying the event log
	// to a reconnecting client.
	ReplayBatchSize int

	// HeartbeatInterval is how often SSE comment frames are sent to keep
	// intermediaries from closing an idle stream.
	HeartbeatInterval time.Duration

	// LiveWaitTimeout bounds how long a caught-up follower waits on the
	// live channel before polling the log again.
	LiveWaitTimeout time.Duration

	// TaskKeyTTL is the lifetime of the active-task key.
	TaskKeyTTL time.Duration

	// RevokedKeyTTL is the lifetime of the cancel breadcrumb key.
	RevokedKeyTTL time.Duration

	// CancelPendingTTL is how long an early cancel request stays armed
	// while the stream's monitor has not registered yet.
	CancelPendingTTL time.Duration

	// UsagePollInterval is how often context token usage is refreshed
	// while a stream is running.
	UsagePollInterval time.Duration

	// UsageCacheTTL is the lifetime of the cached context usage entry.
	UsageCacheTTL time.Duration
}

// DefaultStreamConfig returns the built-in stream defaults.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		FlushInterval:     200 * time.Millisecond,
		FlushMaxEvents:    24,
		ReplayBatchSize:   500,
		HeartbeatInterval: 15 * time.Second,
		LiveWaitTimeout:   500 * time.Millisecond,
		TaskKeyTTL:        24 * time.Hour,
		RevokedKeyTTL:     1 * time.Hour,
		CancelPendingTTL:  30 * time.Second,
		UsagePollInterval: 20 * time.Second,
		UsageCacheTTL:     60 * time.Second,
	}
}
