package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/relay/pkg/database"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/services"
)

const (
	maxTaskNameLength       = 255
	defaultExecutionsPerPage = 20
	maxExecutionsPerPage     = 100
)

const taskColumns = `task_id, user_id, task_name, prompt_message, recurrence,
	scheduled_time, scheduled_day, timezone, next_fire_time, status, model_id,
	created_at, updated_at`

// Service manages scheduled tasks and their execution history.
type Service struct {
	client *database.Client
}

// NewService creates a new scheduler Service.
func NewService(client *database.Client) *Service {
	return &Service{client: client}
}

// CreateTask validates and stores a task with its first fire time computed.
func (s *Service) CreateTask(httpCtx context.Context, userID string, req models.CreateTaskRequest) (*models.ScheduledTask, error) {
	if userID == "" {
		return nil, services.NewValidationError("user_id", "required")
	}

	task := &models.ScheduledTask{
		ID:            uuid.New(),
		UserID:        userID,
		TaskName:      strings.TrimSpace(req.TaskName),
		PromptMessage: req.PromptMessage,
		Recurrence:    req.Recurrence,
		ScheduledTime: req.ScheduledTime,
		ScheduledDay:  req.ScheduledDay,
		Timezone:      req.Timezone,
		Status:        models.TaskStatusActive,
		ModelID:       req.ModelID,
	}
	if task.Timezone == "" {
		task.Timezone = "UTC"
	}
	if err := validateTask(task); err != nil {
		return nil, err
	}

	next, err := NextFireTime(task, time.Now())
	if err != nil {
		return nil, services.NewValidationError("scheduled_time", err.Error())
	}
	task.NextFireTime = &next

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	row := s.client.Pool().QueryRow(ctx,
		`INSERT INTO scheduled_tasks (task_id, user_id, task_name, prompt_message,
		                              recurrence, scheduled_time, scheduled_day,
		                              timezone, next_fire_time, status, model_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at, updated_at`,
		task.ID, task.UserID, task.TaskName, task.PromptMessage,
		string(task.Recurrence), task.ScheduledTime, task.ScheduledDay,
		task.Timezone, task.NextFireTime, string(task.Status), task.ModelID)
	if err := row.Scan(&task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create scheduled task: %w", err)
	}

	return task, nil
}

// GetTaskForUser retrieves a task and verifies ownership.
func (s *Service) GetTaskForUser(ctx context.Context, taskID uuid.UUID, userID string) (*models.ScheduledTask, error) {
	row := s.client.Pool().QueryRow(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE task_id = $1`, taskID)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, services.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get scheduled task: %w", err)
	}
	if task.UserID != userID {
		return nil, services.ErrForbidden
	}
	return task, nil
}

// ListTasks returns all tasks of the user, soonest fire first.
func (s *Service) ListTasks(ctx context.Context, userID string) ([]*models.ScheduledTask, error) {
	rows, err := s.client.Pool().Query(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE user_id = $1
		 ORDER BY next_fire_time ASC NULLS LAST, created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*models.ScheduledTask, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list scheduled tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTask applies a partial update and recomputes the fire time when the
// schedule changed or the task was set back to active.
func (s *Service) UpdateTask(httpCtx context.Context, taskID uuid.UUID, userID string, req models.UpdateTaskRequest) (*models.ScheduledTask, error) {
	task, err := s.GetTaskForUser(httpCtx, taskID, userID)
	if err != nil {
		return nil, err
	}

	scheduleChanged := false
	if req.TaskName != nil {
		task.TaskName = strings.TrimSpace(*req.TaskName)
	}
	if req.PromptMessage != nil {
		task.PromptMessage = *req.PromptMessage
	}
	if req.Recurrence != nil {
		task.Recurrence = *req.Recurrence
		scheduleChanged = true
	}
	if req.ScheduledTime != nil {
		task.ScheduledTime = *req.ScheduledTime
		scheduleChanged = true
	}
	if req.ScheduledDay != nil {
		task.ScheduledDay = req.ScheduledDay
		scheduleChanged = true
	}
	if req.Timezone != nil {
		task.Timezone = *req.Timezone
		scheduleChanged = true
	}
	if req.ModelID != nil {
		task.ModelID = req.ModelID
	}
	if req.Status != nil {
		if *req.Status != models.TaskStatusActive && *req.Status != models.TaskStatusPaused {
			return nil, services.NewValidationError("status", "must be active or paused")
		}
		if *req.Status == models.TaskStatusActive && task.Status != models.TaskStatusActive {
			scheduleChanged = true
		}
		task.Status = *req.Status
	}

	if err := validateTask(task); err != nil {
		return nil, err
	}
	if scheduleChanged {
		next, err := NextFireTime(task, time.Now())
		if err != nil {
			return nil, services.NewValidationError("scheduled_time", err.Error())
		}
		task.NextFireTime = &next
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	row := s.client.Pool().QueryRow(ctx,
		`UPDATE scheduled_tasks
		 SET task_name = $2, prompt_message = $3, recurrence = $4,
		     scheduled_time = $5, scheduled_day = $6, timezone = $7,
		     next_fire_time = $8, status = $9, model_id = $10,
		     updated_at = now()
		 WHERE task_id = $1
		 RETURNING updated_at`,
		task.ID, task.TaskName, task.PromptMessage, string(task.Recurrence),
		task.ScheduledTime, task.ScheduledDay, task.Timezone,
		task.NextFireTime, string(task.Status), task.ModelID)
	if err := row.Scan(&task.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, services.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update scheduled task: %w", err)
	}

	return task, nil
}

// DeleteTask removes a task and, via cascade, its execution history.
func (s *Service) DeleteTask(httpCtx context.Context, taskID uuid.UUID, userID string) error {
	if _, err := s.GetTaskForUser(httpCtx, taskID, userID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	tag, err := s.client.Pool().Exec(ctx,
		`DELETE FROM scheduled_tasks WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return services.ErrNotFound
	}
	return nil
}

// ToggleTask flips a task between active and paused. Resuming recomputes
// the next fire time so a long pause cannot produce an immediate backlog
// fire.
func (s *Service) ToggleTask(httpCtx context.Context, taskID uuid.UUID, userID string) (*models.TaskToggleResponse, error) {
	task, err := s.GetTaskForUser(httpCtx, taskID, userID)
	if err != nil {
		return nil, err
	}

	var (
		newStatus models.TaskStatus
		nextFire  *time.Time
		message   string
	)
	switch task.Status {
	case models.TaskStatusPaused:
		next, err := NextFireTime(task, time.Now())
		if err != nil {
			return nil, services.NewValidationError("scheduled_time", err.Error())
		}
		newStatus = models.TaskStatusActive
		nextFire = &next
		message = "task resumed"
	case models.TaskStatusActive, models.TaskStatusPending:
		newStatus = models.TaskStatusPaused
		nextFire = task.NextFireTime
		message = "task paused"
	default:
		return nil, services.NewValidationError("status", fmt.Sprintf("cannot toggle a %s task", task.Status))
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	tag, err := s.client.Pool().Exec(ctx,
		`UPDATE scheduled_tasks SET status = $2, next_fire_time = $3, updated_at = now()
		 WHERE task_id = $1`,
		taskID, string(newStatus), nextFire)
	if err != nil {
		return nil, fmt.Errorf("failed to toggle scheduled task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, services.ErrNotFound
	}

	return &models.TaskToggleResponse{
		TaskID:  taskID,
		Enabled: newStatus == models.TaskStatusActive,
		Message: message,
	}, nil
}

// ListExecutions returns one page of a task's execution history, newest
// first.
func (s *Service) ListExecutions(ctx context.Context, taskID uuid.UUID, userID string, page, perPage int) (*models.PaginatedTaskExecutions, error) {
	if _, err := s.GetTaskForUser(ctx, taskID, userID); err != nil {
		return nil, err
	}

	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = defaultExecutionsPerPage
	}
	if perPage > maxExecutionsPerPage {
		perPage = maxExecutionsPerPage
	}

	var total int
	err := s.client.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM task_executions WHERE task_id = $1`, taskID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}

	rows, err := s.client.Pool().Query(ctx,
		`SELECT execution_id, task_id, status, executed_at, completed_at, chat_id, error_message
		 FROM task_executions
		 WHERE task_id = $1
		 ORDER BY executed_at DESC
		 LIMIT $2 OFFSET $3`,
		taskID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	items := make([]*models.TaskExecution, 0, perPage)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		items = append(items, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	pages := (total + perPage - 1) / perPage
	return &models.PaginatedTaskExecutions{
		Items:   items,
		Page:    page,
		PerPage: perPage,
		Total:   total,
		Pages:   pages,
	}, nil
}

func validateTask(task *models.ScheduledTask) error {
	if task.TaskName == "" {
		return services.NewValidationError("task_name", "required")
	}
	if len(task.TaskName) > maxTaskNameLength {
		return services.NewValidationError("task_name", fmt.Sprintf("must be at most %d characters", maxTaskNameLength))
	}
	if task.PromptMessage == "" {
		return services.NewValidationError("prompt_message", "required")
	}

	switch task.Recurrence {
	case models.RecurrenceOnce, models.RecurrenceDaily:
	case models.RecurrenceWeekly:
		if task.ScheduledDay == nil || *task.ScheduledDay < 0 || *task.ScheduledDay > 6 {
			return services.NewValidationError("scheduled_day", "weekly tasks need a day between 0 (Sunday) and 6")
		}
	case models.RecurrenceMonthly:
		if task.ScheduledDay == nil || *task.ScheduledDay < 1 || *task.ScheduledDay > 31 {
			return services.NewValidationError("scheduled_day", "monthly tasks need a day between 1 and 31")
		}
	default:
		return services.NewValidationError("recurrence", "must be once, daily, weekly, or monthly")
	}

	if _, _, _, err := parseClock(task.ScheduledTime); err != nil {
		return services.NewValidationError("scheduled_time", err.Error())
	}
	if _, err := time.LoadLocation(task.Timezone); err != nil {
		return services.NewValidationError("timezone", fmt.Sprintf("unknown timezone %q", task.Timezone))
	}
	return nil
}

// scanTask reads one task row. Column order must match taskColumns.
func scanTask(row pgx.Row) (*models.ScheduledTask, error) {
	var (
		task       models.ScheduledTask
		recurrence string
		status     string
	)
	err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.TaskName,
		&task.PromptMessage,
		&recurrence,
		&task.ScheduledTime,
		&task.ScheduledDay,
		&task.Timezone,
		&task.NextFireTime,
		&status,
		&task.ModelID,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Recurrence = models.Recurrence(recurrence)
	task.Status = models.TaskStatus(status)
	return &task, nil
}

func scanExecution(row pgx.Row) (*models.TaskExecution, error) {
	var (
		exec   models.TaskExecution
		status string
	)
	err := row.Scan(
		&exec.ID,
		&exec.TaskID,
		&status,
		&exec.ExecutedAt,
		&exec.CompletedAt,
		&exec.ChatID,
		&exec.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	exec.Status = models.ExecutionStatus(status)
	return &exec, nil
}
