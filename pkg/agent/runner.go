// Package agent defines the contract with the coding agent process that
// produces stream events, plus the subprocess adapter that implements it
// and a scriptable in-memory runner for tests.
package agent

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// ErrUsageUnavailable is returned by ContextTokenUsage before the agent has
// reported any usage for the session.
var ErrUsageUnavailable = errors.New("context token usage not reported yet")

// Event is one item of the agent's output sequence. Type carries one of the
// snapshot event kinds; an item with Err set terminates the sequence and
// marks the run as failed.
type Event struct {
	Type    models.EventKind
	Payload map[string]any
	Err     error
}

// RunSpec describes one agent invocation.
type RunSpec struct {
	ChatID         uuid.UUID           `json:"chat_id"`
	SessionID      string              `json:"session_id,omitempty"`
	SandboxID      string              `json:"sandbox_id,omitempty"`
	AgentToken     string              `json:"agent_token"`
	Prompt         string              `json:"prompt"`
	ModelID        string              `json:"model_id,omitempty"`
	PermissionMode string              `json:"permission_mode,omitempty"`
	ThinkingMode   string              `json:"thinking_mode,omitempty"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
}

// Runner produces the event sequence for one stream. Implementations are
// single-consumer: Events is called once and the returned channel closes
// when the run ends.
type Runner interface {
	// Events starts the run and returns its event channel. A non-nil error
	// means the run could not start at all.
	Events(ctx context.Context) (<-chan Event, error)

	// Cancel stops the run. Safe to call at any time, idempotent.
	Cancel()

	// TotalCostUSD reports the accumulated cost of the run so far.
	TotalCostUSD() float64

	// ContextTokenUsage reports the current context window consumption of
	// the agent session, ErrUsageUnavailable before the first report.
	ContextTokenUsage(ctx context.Context) (int64, error)

	// SessionID returns the agent session identifier once known, "" before.
	SessionID() string
}

// Factory builds a Runner per invocation.
type Factory interface {
	NewRunner(spec RunSpec) Runner
}
