package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/models"
)

// Agent wire protocol: the run spec is written to stdin as a single JSON
// document, and the agent emits newline-delimited JSON frames on stdout:
//
//	{"event": "<name>", "payload": {...}}
//
// Snapshot event names pass through to the stream; the adapter consumes the
// bookkeeping frames below itself.
const (
	frameInit   = "init"   // payload.session_id
	frameUsage  = "usage"  // payload.context_tokens, payload.total_cost_usd
	frameResult = "result" // payload.total_cost_usd, marks a clean finish
	frameError  = "error"  // payload.message, terminates the run as failed
)

// maxFrameBytes bounds one stdout frame. Tool output frames can be large.
const maxFrameBytes = 4 * 1024 * 1024

// SubprocessRunner launches the agent as a child process and converts its
// NDJSON stdout into the Event sequence.
type SubprocessRunner struct {
	command string
	args    []string
	spec    RunSpec

	cancelOnce sync.Once
	cancelCh   chan struct{}

	mu          sync.Mutex
	proc        *os.Process
	sessionID   string
	cost        float64
	usageTokens int64
	usageKnown  bool
}

// NewSubprocessRunner prepares a runner for one invocation of command.
// Nothing is launched until Events is called.
func NewSubprocessRunner(command string, args []string, spec RunSpec) *SubprocessRunner {
	return &SubprocessRunner{
		command:  command,
		args:     args,
		spec:     spec,
		cancelCh: make(chan struct{}),
	}
}

// Events starts the agent process and returns its event channel.
func (r *SubprocessRunner) Events(ctx context.Context) (<-chan Event, error) {
	input, err := json.Marshal(r.spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run spec: %w", err)
	}
	input = append(input, '\n')

	cmd := exec.CommandContext(ctx, r.command, r.args...)
	cmd.Stdin = bytes.NewReader(input)
	// If a grandchild keeps the pipes open past cancellation, give up on
	// them after a bounded wait instead of hanging.
	cmd.WaitDelay = 10 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	r.mu.Lock()
	r.proc = cmd.Process
	r.mu.Unlock()

	go r.drainStderr(stderr)

	ch := make(chan Event, 32)
	go r.pump(ctx, cmd, stdout, ch)
	return ch, nil
}

// Cancel interrupts the agent process. The consume side sees the channel
// close without a terminal error.
func (r *SubprocessRunner) Cancel() {
	r.cancelOnce.Do(func() {
		close(r.cancelCh)
		r.mu.Lock()
		proc := r.proc
		r.mu.Unlock()
		if proc == nil {
			return
		}
		if err := proc.Signal(os.Interrupt); err != nil {
			slog.Debug("Failed to signal agent process", "error", err)
		}
	})
}

// TotalCostUSD returns the latest cost reported by the agent.
func (r *SubprocessRunner) TotalCostUSD() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cost
}

// ContextTokenUsage returns the latest context usage reported by the agent.
func (r *SubprocessRunner) ContextTokenUsage(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.usageKnown {
		return 0, ErrUsageUnavailable
	}
	return r.usageTokens, nil
}

// SessionID returns the agent session id from the init frame, "" before it
// arrives.
func (r *SubprocessRunner) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *SubprocessRunner) cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

func (r *SubprocessRunner) pump(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, ch chan<- Event) {
	defer close(ch)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var frame struct {
			Event   string         `json:"event"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(line, &frame); err != nil {
			slog.Warn("Skipping malformed agent frame", "error", err)
			continue
		}

		ev, ok := r.applyFrame(frame.Event, frame.Payload)
		if !ok {
			continue
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			_ = cmd.Wait()
			return
		}
	}

	scanErr := scanner.Err()
	waitErr := cmd.Wait()
	if r.cancelled() {
		return
	}

	var err error
	switch {
	case scanErr != nil:
		err = fmt.Errorf("failed to read agent output: %w", scanErr)
	case waitErr != nil:
		err = fmt.Errorf("agent process failed: %w", waitErr)
	default:
		return
	}
	select {
	case ch <- Event{Err: err}:
	case <-ctx.Done():
	}
}

// applyFrame consumes bookkeeping frames and passes snapshot events
// through. The second return value reports whether an Event was produced.
func (r *SubprocessRunner) applyFrame(name string, payload map[string]any) (Event, bool) {
	switch name {
	case frameInit:
		if sid, ok := payload["session_id"].(string); ok && sid != "" {
			r.mu.Lock()
			r.sessionID = sid
			r.mu.Unlock()
		}
		return Event{}, false
	case frameUsage, frameResult:
		r.recordUsage(payload)
		return Event{}, false
	case frameError:
		msg, _ := payload["message"].(string)
		if msg == "" {
			msg = "agent reported an unspecified error"
		}
		return Event{Err: errors.New(msg)}, true
	}

	kind := models.EventKind(name)
	if !kind.IsSnapshotKind() {
		slog.Debug("Ignoring unrecognised agent frame", "event", name)
		return Event{}, false
	}
	return Event{Type: kind, Payload: payload}, true
}

func (r *SubprocessRunner) recordUsage(payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := payload["total_cost_usd"].(float64); ok {
		r.cost = v
	}
	if v, ok := payload["context_tokens"].(float64); ok {
		r.usageTokens = int64(v)
		r.usageKnown = true
	}
}

func (r *SubprocessRunner) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for scanner.Scan() {
		slog.Debug("Agent stderr", "chat_id", r.spec.ChatID, "line", scanner.Text())
	}
}

// SubprocessFactory builds a SubprocessRunner per stream from the
// configured agent command.
type SubprocessFactory struct {
	command string
	args    []string
}

// NewSubprocessFactory creates a factory from agent settings.
func NewSubprocessFactory(cfg *config.AgentConfig) *SubprocessFactory {
	return &SubprocessFactory{command: cfg.Command, args: cfg.Args}
}

// NewRunner implements Factory.
func (f *SubprocessFactory) NewRunner(spec RunSpec) Runner {
	return NewSubprocessRunner(f.command, f.args, spec)
}
