package agent

import (
	"context"
	"sync"
	"time"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// ScriptedRunner plays back a fixed event sequence. Behaviour knobs are
// plain fields set before Events is called.
type ScriptedRunner struct {
	// Script is emitted in order, one event at a time.
	Script []Event

	// StepDelay pauses before each event.
	StepDelay time.Duration

	// HoldOpen keeps the stream open after the script until Cancel.
	HoldOpen bool

	// FailWith ends the stream with a terminal error after the script.
	FailWith error

	// StartErr makes Events fail outright.
	StartErr error

	Cost     float64
	Usage    int64
	UsageErr error
	Session  string

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// NewScriptedRunner builds a runner that emits the given events and then
// finishes cleanly.
func NewScriptedRunner(script ...Event) *ScriptedRunner {
	return &ScriptedRunner{
		Script:   script,
		cancelCh: make(chan struct{}),
	}
}

// TextEvent is a shorthand for an assistant_text event.
func TextEvent(text string) Event {
	return Event{
		Type:    models.EventKindAssistantText,
		Payload: map[string]any{"text": text},
	}
}

// Events implements Runner. The channel is unbuffered so tests observe a
// deterministic interleaving with the consumer.
func (r *ScriptedRunner) Events(ctx context.Context) (<-chan Event, error) {
	if r.StartErr != nil {
		return nil, r.StartErr
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		for _, ev := range r.Script {
			if r.StepDelay > 0 {
				select {
				case <-time.After(r.StepDelay):
				case <-r.cancelCh:
					return
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- ev:
			case <-r.cancelCh:
				return
			case <-ctx.Done():
				return
			}
		}

		if r.FailWith != nil {
			select {
			case ch <- Event{Err: r.FailWith}:
			case <-r.cancelCh:
			case <-ctx.Done():
			}
			return
		}
		if r.HoldOpen {
			select {
			case <-r.cancelCh:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Cancel implements Runner.
func (r *ScriptedRunner) Cancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

// Cancelled reports whether Cancel was called.
func (r *ScriptedRunner) Cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// TotalCostUSD implements Runner.
func (r *ScriptedRunner) TotalCostUSD() float64 { return r.Cost }

// ContextTokenUsage implements Runner.
func (r *ScriptedRunner) ContextTokenUsage(ctx context.Context) (int64, error) {
	return r.Usage, r.UsageErr
}

// SessionID implements Runner.
func (r *ScriptedRunner) SessionID() string { return r.Session }

// ScriptedFactory hands out queued runners in order and records the specs
// requested from it. When the queue runs dry it returns a runner that
// finishes immediately with no events.
type ScriptedFactory struct {
	mu    sync.Mutex
	queue []*ScriptedRunner
	specs []RunSpec
}

// NewScriptedFactory builds a factory pre-loaded with runners.
func NewScriptedFactory(runners ...*ScriptedRunner) *ScriptedFactory {
	return &ScriptedFactory{queue: runners}
}

// Enqueue appends a runner to the hand-out queue.
func (f *ScriptedFactory) Enqueue(r *ScriptedRunner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, r)
}

// NewRunner implements Factory.
func (f *ScriptedFactory) NewRunner(spec RunSpec) Runner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if len(f.queue) == 0 {
		return NewScriptedRunner()
	}
	r := f.queue[0]
	f.queue = f.queue[1:]
	return r
}

// Specs returns a copy of the run specs requested so far.
func (f *ScriptedFactory) Specs() []RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RunSpec, len(f.specs))
	copy(out, f.specs)
	return out
}
