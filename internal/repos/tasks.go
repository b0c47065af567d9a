package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"careops-workflow-core/internal/models"
)

const taskColumns = `task_id, title, description, task_type, service_area, priority, state, due_date,
	metadata, idempotency_key, created_by, assigned_to, created_at, updated_at`

type TasksRepo struct {
	pool   *pgxpool.Pool
	outbox *OutboxRepo
}

func NewTasksRepo(pool *pgxpool.Pool, outbox *OutboxRepo) *TasksRepo {
	return &TasksRepo{pool: pool, outbox: outbox}
}

func (r *TasksRepo) GetTask(ctx context.Context, taskID uuid.UUID) (models.Task, error) {
	var task models.Task
	err := r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE task_id = $1
	`, taskID).Scan(taskScanTargets(&task)...)
	return task, err
}

func (r *TasksRepo) ListTasks(ctx context.Context, state string, limit int, offset int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE ($1 = '' OR state = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, state, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var task models.Task
		if err := rows.Scan(taskScanTargets(&task)...); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CountTasksByState backs the active_tasks_total gauge.
func (r *TasksRepo) CountTasksByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT state, count(*)
		FROM tasks
		GROUP BY state
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// CreateTask inserts a task plus its created event in one transaction. When a
// task with the same idempotency key already exists, the existing task is
// returned, no event is appended, and created is false.
func (r *TasksRepo) CreateTask(ctx context.Context, task models.Task, event models.OutboxEvent) (models.Task, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	task, created, err := insertTask(ctx, tx, task)
	if err != nil {
		_ = tx.Rollback(ctx)
		return models.Task{}, false, err
	}

	if created {
		event.AggregateType = models.AggregateTypeTask
		event.AggregateID = task.TaskID
		if _, err = r.outbox.Append(ctx, tx, event); err != nil {
			_ = tx.Rollback(ctx)
			return models.Task{}, false, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Task{}, false, err
	}
	return task, created, nil
}

// TaskTransition carries the pieces of a state change that must commit
// together: the guard evaluated against the locked row, the outbox event built
// from the pre-transition row, and any extra bookkeeping on the same
// transaction (the SLA hook).
type TaskTransition struct {
	TaskID  uuid.UUID
	ToState string
	Now     time.Time
	// Guard validates the transition against the locked current row. A non-nil
	// error rolls back without mutating anything.
	Guard func(current models.Task) error
	// Event builds the outbox event from the pre-transition row.
	Event func(current models.Task) (models.OutboxEvent, error)
	// InTx runs after the state update and event append, on the same
	// transaction, with the post-transition row.
	InTx func(ctx context.Context, db DBTX, updated models.Task, old string) error
}

// TransitionTask applies a state change, appends the outbox event and runs the
// in-transaction hook as one atomic unit.
func (r *TasksRepo) TransitionTask(ctx context.Context, t TaskTransition) (models.Task, models.OutboxEvent, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, models.OutboxEvent{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var task models.Task
	err = tx.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE task_id = $1
		FOR UPDATE
	`, t.TaskID).Scan(taskScanTargets(&task)...)
	if err != nil {
		return models.Task{}, models.OutboxEvent{}, err
	}

	if t.Guard != nil {
		if err = t.Guard(task); err != nil {
			return models.Task{}, models.OutboxEvent{}, err
		}
	}

	now := t.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err = tx.Exec(ctx, `
		UPDATE tasks
		SET state = $2, updated_at = $3
		WHERE task_id = $1
	`, t.TaskID, t.ToState, now)
	if err != nil {
		return models.Task{}, models.OutboxEvent{}, err
	}

	var event models.OutboxEvent
	if t.Event != nil {
		event, err = t.Event(task)
		if err != nil {
			return models.Task{}, models.OutboxEvent{}, err
		}
		event.AggregateType = models.AggregateTypeTask
		event.AggregateID = task.TaskID
		event, err = r.outbox.Append(ctx, tx, event)
		if err != nil {
			return models.Task{}, models.OutboxEvent{}, err
		}
	}

	oldState := task.State
	task.State = t.ToState
	task.UpdatedAt = now

	if t.InTx != nil {
		if err = t.InTx(ctx, tx, task, oldState); err != nil {
			return models.Task{}, models.OutboxEvent{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Task{}, models.OutboxEvent{}, err
	}
	return task, event, nil
}

func insertTask(ctx context.Context, db DBTX, task models.Task) (models.Task, bool, error) {
	if task.TaskID == uuid.Nil {
		task.TaskID = uuid.New()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt

	err := db.QueryRow(ctx, `
		INSERT INTO tasks (
			`+taskColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+taskColumns,
		task.TaskID, task.Title, task.Description, task.TaskType, task.ServiceArea, task.Priority, task.State, task.DueDate,
		task.Metadata, task.IdempotencyKey, task.CreatedBy, task.AssignedTo, task.CreatedAt, task.UpdatedAt).
		Scan(taskScanTargets(&task)...)
	if err == nil {
		return task, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, false, err
	}

	err = db.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE idempotency_key = $1
	`, task.IdempotencyKey).Scan(taskScanTargets(&task)...)
	if err != nil {
		return models.Task{}, false, err
	}
	return task, false, nil
}

func taskScanTargets(task *models.Task) []any {
	return []any{
		&task.TaskID, &task.Title, &task.Description, &task.TaskType, &task.ServiceArea, &task.Priority, &task.State, &task.DueDate,
		&task.Metadata, &task.IdempotencyKey, &task.CreatedBy, &task.AssignedTo, &task.CreatedAt, &task.UpdatedAt,
	}
}
