package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/models"
)

func TestScriptedRunner_PlaysScriptThenCloses(t *testing.T) {
	runner := NewScriptedRunner(
		TextEvent("one"),
		Event{Type: models.EventKindToolStarted, Payload: map[string]any{"tool_name": "Bash"}},
		TextEvent("two"),
	)
	runner.Session = "sess-42"
	runner.Cost = 1.25

	ch, err := runner.Events(context.Background())
	require.NoError(t, err)

	evts := collect(t, ch)
	require.Len(t, evts, 3)
	assert.Equal(t, "one", evts[0].Payload["text"])
	assert.Equal(t, models.EventKindToolStarted, evts[1].Type)
	assert.Equal(t, "two", evts[2].Payload["text"])

	assert.Equal(t, "sess-42", runner.SessionID())
	assert.InDelta(t, 1.25, runner.TotalCostUSD(), 0.0001)
	assert.False(t, runner.Cancelled())
}

func TestScriptedRunner_FailWith(t *testing.T) {
	boom := errors.New("boom")
	runner := NewScriptedRunner(TextEvent("partial"))
	runner.FailWith = boom

	ch, err := runner.Events(context.Background())
	require.NoError(t, err)

	evts := collect(t, ch)
	require.Len(t, evts, 2)
	assert.NoError(t, evts[0].Err)
	assert.ErrorIs(t, evts[1].Err, boom)
}

func TestScriptedRunner_HoldOpenUntilCancel(t *testing.T) {
	runner := NewScriptedRunner(TextEvent("working"))
	runner.HoldOpen = true

	ch, err := runner.Events(context.Background())
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, "working", ev.Payload["text"])
	case <-time.After(5 * time.Second):
		t.Fatal("script event never arrived")
	}

	// The stream stays open until cancelled.
	select {
	case _, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before cancel")
		}
	case <-time.After(100 * time.Millisecond):
	}

	runner.Cancel()
	assert.True(t, runner.Cancelled())

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should close after cancel")
	case <-time.After(5 * time.Second):
		t.Fatal("channel never closed after cancel")
	}
}

func TestScriptedRunner_StartErr(t *testing.T) {
	boom := errors.New("cannot start")
	runner := NewScriptedRunner()
	runner.StartErr = boom

	_, err := runner.Events(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestScriptedFactory_HandsOutRunnersInOrder(t *testing.T) {
	first := NewScriptedRunner(TextEvent("first"))
	second := NewScriptedRunner(TextEvent("second"))
	factory := NewScriptedFactory(first, second)

	got := factory.NewRunner(RunSpec{Prompt: "a"})
	assert.Same(t, first, got)
	got = factory.NewRunner(RunSpec{Prompt: "b"})
	assert.Same(t, second, got)

	// Drained factory still produces a working runner.
	extra := factory.NewRunner(RunSpec{Prompt: "c"})
	ch, err := extra.Events(context.Background())
	require.NoError(t, err)
	assert.Empty(t, collect(t, ch))

	specs := factory.Specs()
	require.Len(t, specs, 3)
	assert.Equal(t, "a", specs[0].Prompt)
	assert.Equal(t, "b", specs[1].Prompt)
	assert.Equal(t, "c", specs[2].Prompt)
}
