package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// ClaimedTask is a due task together with the execution record opened for it.
type ClaimedTask struct {
	Task      *models.ScheduledTask
	Execution *models.TaskExecution
}

// ClaimDue atomically claims up to limit due tasks. FOR UPDATE SKIP LOCKED
// keeps concurrent replicas from claiming the same row; within the claim
// transaction each task's next fire time is advanced (or nulled for
// once-tasks), its status moves to pending, and a running execution row is
// opened. A claimed task is therefore invisible to every later tick until
// FinishTask settles it.
func (s *Service) ClaimDue(ctx context.Context, limit int) ([]*ClaimedTask, error) {
	tx, err := s.client.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE status = 'active'
		   AND next_fire_time IS NOT NULL
		   AND next_fire_time <= now()
		 ORDER BY next_fire_time
		 FOR UPDATE SKIP LOCKED
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due tasks: %w", err)
	}

	due := make([]*models.ScheduledTask, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan due task: %w", err)
		}
		due = append(due, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to select due tasks: %w", err)
	}

	now := time.Now()
	claimed := make([]*ClaimedTask, 0, len(due))
	for _, task := range due {
		var nextFire *time.Time
		if task.Recurrence != models.RecurrenceOnce {
			next, err := NextFireTime(task, now)
			if err != nil {
				return nil, fmt.Errorf("failed to advance task %s: %w", task.ID, err)
			}
			nextFire = &next
		}

		if _, err := tx.Exec(ctx,
			`UPDATE scheduled_tasks
			 SET status = 'pending', next_fire_time = $2, updated_at = now()
			 WHERE task_id = $1`,
			task.ID, nextFire); err != nil {
			return nil, fmt.Errorf("failed to mark task %s pending: %w", task.ID, err)
		}

		exec := &models.TaskExecution{
			ID:     uuid.New(),
			TaskID: task.ID,
			Status: models.ExecutionStatusRunning,
		}
		row := tx.QueryRow(ctx,
			`INSERT INTO task_executions (execution_id, task_id, status)
			 VALUES ($1, $2, 'running')
			 RETURNING executed_at`,
			exec.ID, task.ID)
		if err := row.Scan(&exec.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to open execution for task %s: %w", task.ID, err)
		}

		task.Status = models.TaskStatusPending
		task.NextFireTime = nextFire
		claimed = append(claimed, &ClaimedTask{Task: task, Execution: exec})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}
	return claimed, nil
}

// SetExecutionChat links an execution to the chat created for it.
func (s *Service) SetExecutionChat(ctx context.Context, executionID, chatID uuid.UUID) error {
	_, err := s.client.Pool().Exec(ctx,
		`UPDATE task_executions SET chat_id = $2 WHERE execution_id = $1`,
		executionID, chatID)
	if err != nil {
		return fmt.Errorf("failed to link execution to chat: %w", err)
	}
	return nil
}

// FinishExecution settles an execution with its outcome.
func (s *Service) FinishExecution(ctx context.Context, executionID uuid.UUID, status models.ExecutionStatus, errMsg string) error {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	_, err := s.client.Pool().Exec(ctx,
		`UPDATE task_executions
		 SET status = $2, error_message = $3, completed_at = now()
		 WHERE execution_id = $1`,
		executionID, string(status), msg)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	return nil
}

// FinishTask moves a task out of pending once its execution settled.
// Recurring tasks go back to active; once-tasks land on completed or failed.
func (s *Service) FinishTask(ctx context.Context, taskID uuid.UUID, status models.TaskStatus) error {
	_, err := s.client.Pool().Exec(ctx,
		`UPDATE scheduled_tasks SET status = $2, updated_at = now()
		 WHERE task_id = $1 AND status = 'pending'`,
		taskID, string(status))
	if err != nil {
		return fmt.Errorf("failed to finish task: %w", err)
	}
	return nil
}

// RecoverOrphans fails running executions older than threshold whose worker
// is gone (pod restart mid-run leaves them behind). isInFlight reports
// whether this process is still executing the task, so a slow local run is
// never reaped. The owning task returns to active so it fires again.
func (s *Service) RecoverOrphans(ctx context.Context, threshold time.Duration, isInFlight func(taskID uuid.UUID) bool) (int, error) {
	rows, err := s.client.Pool().Query(ctx,
		`SELECT execution_id, task_id FROM task_executions
		 WHERE status = 'running' AND executed_at < $1`,
		time.Now().Add(-threshold))
	if err != nil {
		return 0, fmt.Errorf("failed to find orphaned executions: %w", err)
	}

	type orphan struct {
		executionID uuid.UUID
		taskID      uuid.UUID
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.executionID, &o.taskID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan orphaned execution: %w", err)
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to find orphaned executions: %w", err)
	}

	recovered := 0
	for _, o := range orphans {
		if isInFlight != nil && isInFlight(o.taskID) {
			continue
		}
		err := pgx.BeginFunc(ctx, s.client.Pool(), func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx,
				`UPDATE task_executions
				 SET status = 'failed', error_message = 'orphaned execution', completed_at = now()
				 WHERE execution_id = $1 AND status = 'running'`,
				o.executionID); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`UPDATE scheduled_tasks SET status = 'active', updated_at = now()
				 WHERE task_id = $1 AND status = 'pending'`,
				o.taskID)
			return err
		})
		if err != nil {
			return recovered, fmt.Errorf("failed to recover execution %s: %w", o.executionID, err)
		}
		recovered++
	}
	return recovered, nil
}
