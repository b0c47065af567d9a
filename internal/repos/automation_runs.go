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

const runColumns = `run_id, trigger_id, event_id, status, message, started_at, ended_at`

type AutomationRunsRepo struct {
	pool *pgxpool.Pool
}

func NewAutomationRunsRepo(pool *pgxpool.Pool) *AutomationRunsRepo {
	return &AutomationRunsRepo{pool: pool}
}

// StartRun claims the (trigger_id, event_id) dedup key. When a run for the
// key already exists the prior run is returned with created=false so the
// dispatcher can decide whether the trigger already succeeded.
func (r *AutomationRunsRepo) StartRun(ctx context.Context, triggerID string, eventID uuid.UUID) (models.AutomationRun, bool, error) {
	run := models.AutomationRun{
		RunID:     uuid.New(),
		TriggerID: triggerID,
		EventID:   eventID,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO automation_runs (
			`+runColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		ON CONFLICT (trigger_id, event_id) DO NOTHING
		RETURNING `+runColumns,
		run.RunID, run.TriggerID, run.EventID, run.Status, run.Message, run.StartedAt, run.EndedAt).
		Scan(runScanTargets(&run)...)
	if err == nil {
		return run, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.AutomationRun{}, false, err
	}

	err = r.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM automation_runs
		WHERE trigger_id = $1 AND event_id = $2
	`, triggerID, eventID).Scan(runScanTargets(&run)...)
	if err != nil {
		return models.AutomationRun{}, false, err
	}
	return run, false, nil
}

// RetryRun moves a previously failed run back to running for a redelivery.
func (r *AutomationRunsRepo) RetryRun(ctx context.Context, runID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE automation_runs
		SET status = $2, message = '', started_at = now(), ended_at = NULL
		WHERE run_id = $1
	`, runID, models.RunStatusRunning)
	return err
}

func (r *AutomationRunsRepo) FinishRun(ctx context.Context, runID uuid.UUID, status string, message string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE automation_runs
		SET status = $2, message = $3, ended_at = now()
		WHERE run_id = $1
	`, runID, status, message)
	return err
}

func runScanTargets(run *models.AutomationRun) []any {
	return []any{
		&run.RunID, &run.TriggerID, &run.EventID, &run.Status, &run.Message, &run.StartedAt, &run.EndedAt,
	}
}
