package repos

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"careops-workflow-core/internal/models"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusSending   = "sending"
	OutboxStatusProcessed = "processed"
	OutboxStatusDead      = "dead"
)

const outboxColumns = `event_id, event_type, aggregate_type, aggregate_id, event_data, correlation_id, actor_id,
	status, attempts, next_retry_at, locked_at, locked_by, last_error, created_at, updated_at, processed_at`

type OutboxRepo struct {
	pool *pgxpool.Pool
}

func NewOutboxRepo(pool *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

// Append inserts an event. It is meant to be called with the transaction that
// mutates the aggregate the event describes, never on its own.
func (r *OutboxRepo) Append(ctx context.Context, db DBTX, event models.OutboxEvent) (models.OutboxEvent, error) {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.CorrelationID == uuid.Nil {
		event.CorrelationID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = event.CreatedAt
	}

	err := db.QueryRow(ctx, `
		INSERT INTO outbox_events (
			`+outboxColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
		RETURNING `+outboxColumns,
		event.EventID, event.EventType, event.AggregateType, event.AggregateID, event.EventData, event.CorrelationID, event.ActorID,
		event.Status, event.Attempts, event.NextRetryAt, event.LockedAt, event.LockedBy, event.LastError, event.CreatedAt, event.UpdatedAt, event.ProcessedAt).
		Scan(outboxScanTargets(&event)...)
	return event, err
}

// ClaimPending marks up to limit due pending events as sending and returns
// them oldest first. SKIP LOCKED keeps concurrent worker replicas from
// claiming the same event.
func (r *OutboxRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		WITH candidates AS (
			SELECT event_id
			FROM outbox_events
			WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE outbox_events o
		SET status = $3, locked_at = now(), locked_by = $4, updated_at = now()
		FROM candidates c
		WHERE o.event_id = c.event_id
		RETURNING o.event_id, o.event_type, o.aggregate_type, o.aggregate_id, o.event_data, o.correlation_id, o.actor_id,
			o.status, o.attempts, o.next_retry_at, o.locked_at, o.locked_by, o.last_error, o.created_at, o.updated_at, o.processed_at
	`, OutboxStatusPending, limit, OutboxStatusSending, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.OutboxEvent, 0, limit)
	for rows.Next() {
		var event models.OutboxEvent
		if err := rows.Scan(outboxScanTargets(&event)...); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Claim order is not guaranteed by the UPDATE, dispatch order is.
	sortEventsByCreatedAt(events)
	return events, nil
}

func (r *OutboxRepo) GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error) {
	var event models.OutboxEvent
	err := r.pool.QueryRow(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE event_id = $1
	`, eventID).Scan(outboxScanTargets(&event)...)
	return event, err
}

// MarkProcessed finalizes a delivered event. The normal poll path never
// returns a processed event again.
func (r *OutboxRepo) MarkProcessed(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, processed_at = now(), updated_at = now()
		WHERE event_id = $1
	`, eventID, OutboxStatusProcessed)
	return err
}

func (r *OutboxRepo) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := OutboxStatusPending
	if dead {
		status = OutboxStatusDead
		nextRetryAt = nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = $3, next_retry_at = $4, last_error = $5, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE event_id = $1
	`, eventID, status, attempts, nextRetryAt, lastErr)
	return err
}

// ReleaseStale returns events stuck in sending back to pending, for workers
// that died mid-batch.
func (r *OutboxRepo) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = $2 AND locked_at < now() - ($3 * interval '1 second')
	`, OutboxStatusPending, OutboxStatusSending, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Requeue is the manual replay escape hatch for dead or processed events.
func (r *OutboxRepo) Requeue(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = 0, next_retry_at = NULL, locked_at = NULL, locked_by = NULL, last_error = NULL, updated_at = now()
		WHERE event_id = $1
	`, eventID, OutboxStatusPending)
	return err
}

func sortEventsByCreatedAt(events []models.OutboxEvent) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}

func outboxScanTargets(event *models.OutboxEvent) []any {
	return []any{
		&event.EventID, &event.EventType, &event.AggregateType, &event.AggregateID, &event.EventData, &event.CorrelationID, &event.ActorID,
		&event.Status, &event.Attempts, &event.NextRetryAt, &event.LockedAt, &event.LockedBy, &event.LastError, &event.CreatedAt, &event.UpdatedAt, &event.ProcessedAt,
	}
}
