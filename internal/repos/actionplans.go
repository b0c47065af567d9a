package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"careops-workflow-core/internal/models"
)

const planColumns = `plan_id, title, description, goals, metadata, state, created_by, created_at, updated_at`

type ActionPlansRepo struct {
	pool   *pgxpool.Pool
	outbox *OutboxRepo
}

func NewActionPlansRepo(pool *pgxpool.Pool, outbox *OutboxRepo) *ActionPlansRepo {
	return &ActionPlansRepo{pool: pool, outbox: outbox}
}

func (r *ActionPlansRepo) GetPlan(ctx context.Context, planID uuid.UUID) (models.ActionPlan, error) {
	var plan models.ActionPlan
	err := r.pool.QueryRow(ctx, `
		SELECT `+planColumns+`
		FROM action_plans
		WHERE plan_id = $1
	`, planID).Scan(planScanTargets(&plan)...)
	return plan, err
}

func (r *ActionPlansRepo) ListPlans(ctx context.Context, state string, limit int, offset int) ([]models.ActionPlan, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+planColumns+`
		FROM action_plans
		WHERE ($1 = '' OR state = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, state, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []models.ActionPlan
	for rows.Next() {
		var plan models.ActionPlan
		if err := rows.Scan(planScanTargets(&plan)...); err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

func (r *ActionPlansRepo) CreatePlan(ctx context.Context, plan models.ActionPlan, event models.OutboxEvent) (models.ActionPlan, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ActionPlan{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if plan.PlanID == uuid.Nil {
		plan.PlanID = uuid.New()
	}
	now := time.Now().UTC()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	plan.UpdatedAt = plan.CreatedAt
	if plan.Goals == nil {
		plan.Goals = []string{}
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO action_plans (
			`+planColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		RETURNING `+planColumns,
		plan.PlanID, plan.Title, plan.Description, plan.Goals, plan.Metadata, plan.State, plan.CreatedBy, plan.CreatedAt, plan.UpdatedAt).
		Scan(planScanTargets(&plan)...)
	if err != nil {
		_ = tx.Rollback(ctx)
		return models.ActionPlan{}, err
	}

	event.AggregateType = models.AggregateTypeActionPlan
	event.AggregateID = plan.PlanID
	if _, err = r.outbox.Append(ctx, tx, event); err != nil {
		_ = tx.Rollback(ctx)
		return models.ActionPlan{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.ActionPlan{}, err
	}
	return plan, nil
}

// PlanTransition mirrors TaskTransition for action plans.
type PlanTransition struct {
	PlanID  uuid.UUID
	ToState string
	Now     time.Time
	Guard   func(current models.ActionPlan) error
	Event   func(current models.ActionPlan) (models.OutboxEvent, error)
}

func (r *ActionPlansRepo) TransitionPlan(ctx context.Context, t PlanTransition) (models.ActionPlan, models.OutboxEvent, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ActionPlan{}, models.OutboxEvent{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var plan models.ActionPlan
	err = tx.QueryRow(ctx, `
		SELECT `+planColumns+`
		FROM action_plans
		WHERE plan_id = $1
		FOR UPDATE
	`, t.PlanID).Scan(planScanTargets(&plan)...)
	if err != nil {
		return models.ActionPlan{}, models.OutboxEvent{}, err
	}

	if t.Guard != nil {
		if err = t.Guard(plan); err != nil {
			return models.ActionPlan{}, models.OutboxEvent{}, err
		}
	}

	now := t.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err = tx.Exec(ctx, `
		UPDATE action_plans
		SET state = $2, updated_at = $3
		WHERE plan_id = $1
	`, t.PlanID, t.ToState, now)
	if err != nil {
		return models.ActionPlan{}, models.OutboxEvent{}, err
	}

	var event models.OutboxEvent
	if t.Event != nil {
		event, err = t.Event(plan)
		if err != nil {
			return models.ActionPlan{}, models.OutboxEvent{}, err
		}
		event.AggregateType = models.AggregateTypeActionPlan
		event.AggregateID = plan.PlanID
		event, err = r.outbox.Append(ctx, tx, event)
		if err != nil {
			return models.ActionPlan{}, models.OutboxEvent{}, err
		}
	}

	plan.State = t.ToState
	plan.UpdatedAt = now

	if err = tx.Commit(ctx); err != nil {
		return models.ActionPlan{}, models.OutboxEvent{}, err
	}
	return plan, event, nil
}

func planScanTargets(plan *models.ActionPlan) []any {
	return []any{
		&plan.PlanID, &plan.Title, &plan.Description, &plan.Goals, &plan.Metadata, &plan.State, &plan.CreatedBy, &plan.CreatedAt, &plan.UpdatedAt,
	}
}
