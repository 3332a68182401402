// Package sandbox integrates the execution-workspace provider. Each chat
// owns at most one sandbox; the stream runtime checkpoints it after a
// completed turn and the maintenance loop deletes strays.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the provider does not know the sandbox.
var ErrNotFound = errors.New("sandbox not found")

// Info describes one sandbox held by the provider.
type Info struct {
	ID        string    `json:"sandbox_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Service is the provider surface the relay depends on.
type Service interface {
	// Create provisions a fresh sandbox.
	Create(ctx context.Context) (*Info, error)

	// Attach verifies an existing sandbox and wakes it if suspended.
	Attach(ctx context.Context, sandboxID string) (*Info, error)

	// Checkpoint snapshots the sandbox state and returns the checkpoint id.
	Checkpoint(ctx context.Context, sandboxID string) (string, error)

	// Delete releases the sandbox. Deleting an unknown sandbox is not an
	// error.
	Delete(ctx context.Context, sandboxID string) error

	// List returns every sandbox the provider currently holds.
	List(ctx context.Context) ([]Info, error)
}

// Noop serves deployments without a sandbox provider. Creates report an
// empty id, so chats simply run without a workspace.
type Noop struct{}

// Create implements Service.
func (Noop) Create(ctx context.Context) (*Info, error) { return &Info{}, nil }

// Attach implements Service.
func (Noop) Attach(ctx context.Context, sandboxID string) (*Info, error) {
	return &Info{ID: sandboxID}, nil
}

// Checkpoint implements Service.
func (Noop) Checkpoint(ctx context.Context, sandboxID string) (string, error) { return "", nil }

// Delete implements Service.
func (Noop) Delete(ctx context.Context, sandboxID string) error { return nil }

// List implements Service.
func (Noop) List(ctx context.Context) ([]Info, error) { return nil, nil }
