package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Service for tests. Error fields, when set, are
// returned by the matching call.
type Fake struct {
	CreateErr     error
	AttachErr     error
	CheckpointErr error
	DeleteErr     error
	ListErr       error

	mu          sync.Mutex
	nextID      int
	sandboxes   map[string]Info
	checkpoints map[string][]string
	deleted     []string
}

// NewFake returns an empty fake provider.
func NewFake() *Fake {
	return &Fake{
		sandboxes:   make(map[string]Info),
		checkpoints: make(map[string][]string),
	}
}

// Create implements Service.
func (f *Fake) Create(ctx context.Context) (*Info, error) {
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	info := Info{
		ID:        fmt.Sprintf("sbx-%d", f.nextID),
		Status:    "running",
		CreatedAt: time.Now().UTC(),
	}
	f.sandboxes[info.ID] = info
	return &info, nil
}

// Attach implements Service.
func (f *Fake) Attach(ctx context.Context, sandboxID string) (*Info, error) {
	if f.AttachErr != nil {
		return nil, f.AttachErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.sandboxes[sandboxID]
	if !ok {
		return nil, ErrNotFound
	}
	return &info, nil
}

// Checkpoint implements Service.
func (f *Fake) Checkpoint(ctx context.Context, sandboxID string) (string, error) {
	if f.CheckpointErr != nil {
		return "", f.CheckpointErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sandboxes[sandboxID]; !ok {
		return "", ErrNotFound
	}
	id := fmt.Sprintf("ckpt-%s-%d", sandboxID, len(f.checkpoints[sandboxID])+1)
	f.checkpoints[sandboxID] = append(f.checkpoints[sandboxID], id)
	return id, nil
}

// Delete implements Service.
func (f *Fake) Delete(ctx context.Context, sandboxID string) error {
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sandboxes, sandboxID)
	f.deleted = append(f.deleted, sandboxID)
	return nil
}

// List implements Service.
func (f *Fake) List(ctx context.Context) ([]Info, error) {
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Info, 0, len(f.sandboxes))
	for _, info := range f.sandboxes {
		out = append(out, info)
	}
	return out, nil
}

// Seed registers a sandbox as if it had been created earlier.
func (f *Fake) Seed(sandboxID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandboxes[sandboxID] = Info{ID: sandboxID, Status: "running", CreatedAt: time.Now().UTC()}
}

// Deleted returns the ids passed to Delete, in call order.
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

// Checkpoints returns the checkpoint ids taken for a sandbox.
func (f *Fake) Checkpoints(sandboxID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.checkpoints[sandboxID]))
	copy(out, f.checkpoints[sandboxID])
	return out
}
