package models

import (
	"time"

	"github.com/google/uuid"
)

// Recurrence is how often a scheduled task fires.
type Recurrence string

const (
	RecurrenceOnce    Recurrence = "once"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// ExecutionStatus is the outcome of one scheduled task run.
type ExecutionStatus string

const (
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
)

// ScheduledTask is a recurring prompt that fires in the owner's timezone.
// ScheduledTime is "HH:MM" or "HH:MM:SS" local to Timezone; ScheduledDay
// is a weekday 0-6 for weekly tasks and a day of month 1-31 for monthly.
type ScheduledTask struct {
	ID            uuid.UUID  `json:"task_id"`
	UserID        string     `json:"user_id"`
	TaskName      string     `json:"task_name"`
	PromptMessage string     `json:"prompt_message"`
	Recurrence    Recurrence `json:"recurrence"`
	ScheduledTime string     `json:"scheduled_time"`
	ScheduledDay  *int       `json:"scheduled_day,omitempty"`
	Timezone      string     `json:"timezone"`
	NextFireTime  *time.Time `json:"next_fire_time,omitempty"`
	Status        TaskStatus `json:"status"`
	ModelID       *string    `json:"model_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TaskExecution records one firing of a scheduled task.
type TaskExecution struct {
	ID           uuid.UUID       `json:"execution_id"`
	TaskID       uuid.UUID       `json:"task_id"`
	Status       ExecutionStatus `json:"status"`
	ExecutedAt   time.Time       `json:"executed_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ChatID       *uuid.UUID      `json:"chat_id,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

// CreateTaskRequest contains fields for creating a scheduled task
type CreateTaskRequest struct {
	TaskName      string     `json:"task_name"`
	PromptMessage string     `json:"prompt_message"`
	Recurrence    Recurrence `json:"recurrence"`
	ScheduledTime string     `json:"scheduled_time"`
	ScheduledDay  *int       `json:"scheduled_day,omitempty"`
	Timezone      string     `json:"timezone,omitempty"`
	ModelID       *string    `json:"model_id,omitempty"`
}

// UpdateTaskRequest contains fields for updating a scheduled task.
// Nil fields are left unchanged.
type UpdateTaskRequest struct {
	TaskName      *string     `json:"task_name,omitempty"`
	PromptMessage *string     `json:"prompt_message,omitempty"`
	Recurrence    *Recurrence `json:"recurrence,omitempty"`
	ScheduledTime *string     `json:"scheduled_time,omitempty"`
	ScheduledDay  *int        `json:"scheduled_day,omitempty"`
	Timezone      *string     `json:"timezone,omitempty"`
	Status        *TaskStatus `json:"status,omitempty"`
	ModelID       *string     `json:"model_id,omitempty"`
}

// TaskToggleResponse reports the task state after an enable/disable flip
type TaskToggleResponse struct {
	TaskID  uuid.UUID `json:"task_id"`
	Enabled bool      `json:"enabled"`
	Message string    `json:"message"`
}

// PaginatedTaskExecutions contains one page of execution history
type PaginatedTaskExecutions struct {
	Items   []*TaskExecution `json:"items"`
	Page    int              `json:"page"`
	PerPage int              `json:"per_page"`
	Total   int              `json:"total"`
	Pages   int              `json:"pages"`
}
