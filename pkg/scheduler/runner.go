package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/services"
	"github.com/codeready-toolchain/relay/pkg/stream"
)

// Runner claims due tasks and drives each one through the stream engine as
// a fresh chat. A semaphore caps concurrent executions; the in-flight set
// keeps orphan recovery from reaping runs this process still owns.
type Runner struct {
	cfg      *config.SchedulerConfig
	tasks    *Service
	chats    *services.ChatService
	messages *services.MessageService
	engine   *stream.Engine

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}

	sem      chan struct{}
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRunner creates a scheduler runner.
func NewRunner(cfg *config.SchedulerConfig, tasks *Service, chats *services.ChatService, messages *services.MessageService, engine *stream.Engine) *Runner {
	return &Runner{
		cfg:      cfg,
		tasks:    tasks,
		chats:    chats,
		messages: messages,
		engine:   engine,
		inFlight: make(map[uuid.UUID]struct{}),
		sem:      make(chan struct{}, cfg.WorkerCount),
		stopCh:   make(chan struct{}),
	}
}

// Tick claims due tasks and dispatches them to the worker pool.
func (r *Runner) Tick(ctx context.Context) {
	claimed, err := r.tasks.ClaimDue(ctx, r.cfg.ClaimLimit)
	if err != nil {
		slog.Error("Failed to claim due tasks", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}
	slog.Info("Claimed due tasks", "count", len(claimed))

	for _, c := range claimed {
		select {
		case <-r.stopCh:
			// Unclaimed work stays pending; orphan recovery returns it
			// to active after the threshold.
			return
		case r.sem <- struct{}{}:
		}

		r.track(c.Task.ID)
		r.wg.Add(1)
		go func(c *ClaimedTask) {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			defer r.untrack(c.Task.ID)
			r.execute(c)
		}(c)
	}
}

// Recover fails orphaned executions left behind by dead workers.
func (r *Runner) Recover(ctx context.Context) {
	n, err := r.tasks.RecoverOrphans(ctx, r.cfg.OrphanThreshold, r.isInFlight)
	if err != nil {
		slog.Error("Failed to recover orphaned executions", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Recovered orphaned executions", "count", n)
	}
}

// Stop blocks new dispatches and waits for in-flight executions to finish.
// The stream engine's own shutdown interrupts the underlying streams, so
// this wait is bounded by the engine's grace period.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// execute runs one claimed task end to end on a detached context so an
// HTTP-scoped caller cannot abort a half-finished run.
func (r *Runner) execute(c *ClaimedTask) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ExecutionTimeout)
	defer cancel()

	task := c.Task
	logger := slog.With("task_id", task.ID, "execution_id", c.Execution.ID, "task_name", task.TaskName)
	logger.Info("Executing scheduled task")

	status, errMsg := r.runStream(ctx, c, logger)

	bg, bgCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer bgCancel()

	if err := r.tasks.FinishExecution(bg, c.Execution.ID, status, errMsg); err != nil {
		logger.Error("Failed to record execution outcome", "error", err)
	}

	taskStatus := models.TaskStatusActive
	if task.Recurrence == models.RecurrenceOnce {
		taskStatus = models.TaskStatusCompleted
		if status == models.ExecutionStatusFailed {
			taskStatus = models.TaskStatusFailed
		}
	}
	if err := r.tasks.FinishTask(bg, task.ID, taskStatus); err != nil {
		logger.Error("Failed to settle task status", "error", err)
	}

	logger.Info("Scheduled task finished", "status", status)
}

func (r *Runner) runStream(ctx context.Context, c *ClaimedTask, logger *slog.Logger) (models.ExecutionStatus, string) {
	task := c.Task

	chat, err := r.chats.CreateChat(ctx, task.UserID, models.CreateChatRequest{
		Title:   task.TaskName,
		ModelID: task.ModelID,
	})
	if err != nil {
		logger.Error("Failed to create chat for task", "error", err)
		return models.ExecutionStatusFailed, "failed to create chat: " + err.Error()
	}
	if err := r.tasks.SetExecutionChat(ctx, c.Execution.ID, chat.ID); err != nil {
		logger.Warn("Failed to link execution to chat", "error", err)
	}

	if err := r.engine.EnsureSandbox(ctx, chat); err != nil {
		logger.Error("Failed to provision sandbox for task", "error", err)
		return models.ExecutionStatusFailed, "failed to provision sandbox: " + err.Error()
	}

	_, assistant, err := r.messages.CreateTurn(ctx, chat.ID, task.PromptMessage, task.ModelID, nil)
	if err != nil {
		logger.Error("Failed to create turn for task", "error", err)
		return models.ExecutionStatusFailed, "failed to create turn: " + err.Error()
	}

	modelID := ""
	if task.ModelID != nil {
		modelID = *task.ModelID
	}
	h, err := r.engine.Submit(ctx, stream.StartRequest{
		Chat:             chat,
		AssistantMessage: assistant,
		Prompt:           task.PromptMessage,
		ModelID:          modelID,
	})
	if err != nil {
		logger.Error("Failed to submit scheduled stream", "error", err)
		return models.ExecutionStatusFailed, "failed to start stream: " + err.Error()
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		logger.Warn("Scheduled task hit execution timeout, cancelling stream")
		bg, bgCancel := context.WithTimeout(context.Background(), 5*time.Second)
		r.engine.RequestCancel(bg, chat.ID)
		bgCancel()
		<-h.Done()
	}

	switch h.Status() {
	case models.StreamStatusCompleted:
		return models.ExecutionStatusSuccess, ""
	case models.StreamStatusInterrupted:
		return models.ExecutionStatusFailed, "execution timed out"
	default:
		return models.ExecutionStatusFailed, "stream failed"
	}
}

func (r *Runner) track(taskID uuid.UUID) {
	r.mu.Lock()
	r.inFlight[taskID] = struct{}{}
	r.mu.Unlock()
}

func (r *Runner) untrack(taskID uuid.UUID) {
	r.mu.Lock()
	delete(r.inFlight, taskID)
	r.mu.Unlock()
}

func (r *Runner) isInFlight(taskID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[taskID]
	return ok
}
