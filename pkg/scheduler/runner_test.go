package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/agent"
	"github.com/codeready-toolchain/relay/pkg/config"
	relayevents "github.com/codeready-toolchain/relay/pkg/events"
	"github.com/codeready-toolchain/relay/pkg/followup"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/sandbox"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/stream"
	testdb "github.com/codeready-toolchain/relay/test/database"
	"github.com/codeready-toolchain/relay/test/kvtest"
)

type runnerFixture struct {
	runner *Runner
	tasks  *Service
	chats  *services.ChatService
	agents *agent.ScriptedFactory
	engine *stream.Engine
}

func setupRunner(t *testing.T) *runnerFixture {
	client := testdb.NewTestClient(t)
	kvc := kvtest.NewTestClient(t)

	streamCfg := config.DefaultStreamConfig()
	streamCfg.FlushInterval = 20 * time.Millisecond

	chats := services.NewChatService(client)
	messages := services.NewMessageService(client)
	agents := agent.NewScriptedFactory()

	engine := stream.NewEngine(streamCfg, config.DefaultAgentConfig(), stream.Deps{
		Chats:      chats,
		Messages:   messages,
		Events:     services.NewEventService(client),
		Publisher:  relayevents.NewPublisher(kvc),
		Subscriber: relayevents.NewSubscriber(kvc),
		Registry:   stream.NewCancellationRegistry(streamCfg.CancelPendingTTL),
		FollowUps:  followup.NewStore(kvc, time.Hour),
		Sandboxes:  sandbox.NewFake(),
		Agents:     agents,
		KV:         kvc,
	})
	engine.Start(context.Background())
	t.Cleanup(func() { engine.Stop(10 * time.Second) })

	schedCfg := config.DefaultSchedulerConfig()
	schedCfg.ExecutionTimeout = 10 * time.Second

	tasks := NewService(client)
	f := &runnerFixture{
		runner: NewRunner(schedCfg, tasks, chats, messages, engine),
		tasks:  tasks,
		chats:  chats,
		agents: agents,
		engine: engine,
	}
	t.Cleanup(f.runner.Stop)
	return f
}

func TestRunner_ExecutesDueTask(t *testing.T) {
	f := setupRunner(t)
	ctx := context.Background()

	f.agents.Enqueue(agent.NewScriptedRunner(agent.TextEvent("report ready")))

	task, err := f.tasks.CreateTask(ctx, testUser, validRequest())
	require.NoError(t, err)
	makeDue(t, f.tasks, task.ID)

	f.runner.Tick(ctx)
	f.runner.Stop()

	page, err := f.tasks.ListExecutions(ctx, task.ID, testUser, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	exec := page.Items[0]
	assert.Equal(t, models.ExecutionStatusSuccess, exec.Status)
	require.NotNil(t, exec.ChatID)
	assert.NotNil(t, exec.CompletedAt)

	// The execution's chat carries the task name and the streamed output.
	chat, err := f.chats.GetChat(ctx, *exec.ChatID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskName, chat.Title)
	assert.Positive(t, chat.LastEventSeq)

	settled, err := f.tasks.GetTaskForUser(ctx, task.ID, testUser)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusActive, settled.Status, "recurring task goes back to active")
}

func TestRunner_OnceTaskCompletes(t *testing.T) {
	f := setupRunner(t)
	ctx := context.Background()

	f.agents.Enqueue(agent.NewScriptedRunner(agent.TextEvent("done")))

	req := validRequest()
	req.Recurrence = models.RecurrenceOnce
	task, err := f.tasks.CreateTask(ctx, testUser, req)
	require.NoError(t, err)
	makeDue(t, f.tasks, task.ID)

	f.runner.Tick(ctx)
	f.runner.Stop()

	settled, err := f.tasks.GetTaskForUser(ctx, task.ID, testUser)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, settled.Status)
	assert.Nil(t, settled.NextFireTime)
}

func TestRunner_FailedStreamMarksExecutionFailed(t *testing.T) {
	f := setupRunner(t)
	ctx := context.Background()

	runner := agent.NewScriptedRunner()
	runner.FailWith = assert.AnError
	f.agents.Enqueue(runner)

	req := validRequest()
	req.Recurrence = models.RecurrenceOnce
	task, err := f.tasks.CreateTask(ctx, testUser, req)
	require.NoError(t, err)
	makeDue(t, f.tasks, task.ID)

	f.runner.Tick(ctx)
	f.runner.Stop()

	page, err := f.tasks.ListExecutions(ctx, task.ID, testUser, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, models.ExecutionStatusFailed, page.Items[0].Status)

	settled, err := f.tasks.GetTaskForUser(ctx, task.ID, testUser)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, settled.Status, "once task that failed stays failed")
}

func TestRunner_PausedTaskNeverFires(t *testing.T) {
	f := setupRunner(t)
	ctx := context.Background()

	task, err := f.tasks.CreateTask(ctx, testUser, validRequest())
	require.NoError(t, err)
	makeDue(t, f.tasks, task.ID)
	_, err = f.tasks.ToggleTask(ctx, task.ID, testUser)
	require.NoError(t, err)

	f.runner.Tick(ctx)
	f.runner.Stop()

	page, err := f.tasks.ListExecutions(ctx, task.ID, testUser, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}
