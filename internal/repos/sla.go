package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"careops-workflow-core/internal/models"
)

const slaConfigColumns = `config_id, service_area, task_type, target_minutes, active, created_at, updated_at`
const slaRecordColumns = `record_id, task_id, config_id, started_at, completed_at, target_minutes, actual_minutes, breached`

type SLARepo struct {
	pool *pgxpool.Pool
}

func NewSLARepo(pool *pgxpool.Pool) *SLARepo {
	return &SLARepo{pool: pool}
}

func (r *SLARepo) ActiveConfigs(ctx context.Context) ([]models.SLAConfig, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slaConfigColumns+`
		FROM sla_configs
		WHERE active = true
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []models.SLAConfig
	for rows.Next() {
		var cfg models.SLAConfig
		if err := rows.Scan(&cfg.ConfigID, &cfg.ServiceArea, &cfg.TaskType, &cfg.TargetMinutes, &cfg.Active, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (r *SLARepo) GetConfig(ctx context.Context, configID uuid.UUID) (models.SLAConfig, error) {
	var cfg models.SLAConfig
	err := r.pool.QueryRow(ctx, `
		SELECT `+slaConfigColumns+`
		FROM sla_configs
		WHERE config_id = $1
	`, configID).Scan(&cfg.ConfigID, &cfg.ServiceArea, &cfg.TaskType, &cfg.TargetMinutes, &cfg.Active, &cfg.CreatedAt, &cfg.UpdatedAt)
	return cfg, err
}

func (r *SLARepo) UpsertConfig(ctx context.Context, cfg models.SLAConfig) (models.SLAConfig, error) {
	if cfg.ConfigID == uuid.Nil {
		cfg.ConfigID = uuid.New()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	err := r.pool.QueryRow(ctx, `
		INSERT INTO sla_configs (
			`+slaConfigColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		ON CONFLICT (config_id)
		DO UPDATE SET
			service_area = EXCLUDED.service_area,
			task_type = EXCLUDED.task_type,
			target_minutes = EXCLUDED.target_minutes,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
		RETURNING `+slaConfigColumns,
		cfg.ConfigID, cfg.ServiceArea, cfg.TaskType, cfg.TargetMinutes, cfg.Active, cfg.CreatedAt, cfg.UpdatedAt).
		Scan(&cfg.ConfigID, &cfg.ServiceArea, &cfg.TaskType, &cfg.TargetMinutes, &cfg.Active, &cfg.CreatedAt, &cfg.UpdatedAt)
	return cfg, err
}

// HasOpenRecord runs on the caller's transaction so the start condition check
// cannot race the insert.
func (r *SLARepo) HasOpenRecord(ctx context.Context, db DBTX, taskID uuid.UUID, configID uuid.UUID) (bool, error) {
	var n int
	err := db.QueryRow(ctx, `
		SELECT count(*)
		FROM sla_records
		WHERE task_id = $1 AND config_id = $2 AND completed_at IS NULL
	`, taskID, configID).Scan(&n)
	return n > 0, err
}

func (r *SLARepo) InsertRecord(ctx context.Context, db DBTX, rec models.SLARecord) (models.SLARecord, error) {
	if rec.RecordID == uuid.Nil {
		rec.RecordID = uuid.New()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	err := db.QueryRow(ctx, `
		INSERT INTO sla_records (
			`+slaRecordColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING `+slaRecordColumns,
		rec.RecordID, rec.TaskID, rec.ConfigID, rec.StartedAt, rec.CompletedAt, rec.TargetMinutes, rec.ActualMinutes, rec.Breached).
		Scan(recordScanTargets(&rec)...)
	return rec, err
}

// CloseOpenRecords completes every open record for the task, computing floored
// whole-minute durations and the breach flag in one statement. Breached stays
// true once set.
func (r *SLARepo) CloseOpenRecords(ctx context.Context, db DBTX, taskID uuid.UUID, now time.Time) ([]models.SLARecord, error) {
	rows, err := db.Query(ctx, `
		UPDATE sla_records
		SET completed_at = $2,
			actual_minutes = floor(extract(epoch FROM ($2 - started_at)) / 60),
			breached = breached OR (floor(extract(epoch FROM ($2 - started_at)) / 60) > target_minutes)
		WHERE task_id = $1 AND completed_at IS NULL
		RETURNING `+slaRecordColumns,
		taskID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.SLARecord
	for rows.Next() {
		var rec models.SLARecord
		if err := rows.Scan(recordScanTargets(&rec)...); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkOverdueBreached flips still-open overdue records to breached and returns
// the newly breached ones. The WHERE clause makes the flip monotonic.
func (r *SLARepo) MarkOverdueBreached(ctx context.Context, now time.Time) ([]models.SLARecord, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE sla_records
		SET breached = true
		WHERE completed_at IS NULL
			AND breached = false
			AND $1 > started_at + target_minutes * interval '1 minute'
		RETURNING `+slaRecordColumns,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.SLARecord
	for rows.Next() {
		var rec models.SLARecord
		if err := rows.Scan(recordScanTargets(&rec)...); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *SLARepo) ListRecordsForTask(ctx context.Context, taskID uuid.UUID) ([]models.SLARecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slaRecordColumns+`
		FROM sla_records
		WHERE task_id = $1
		ORDER BY started_at ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.SLARecord
	for rows.Next() {
		var rec models.SLARecord
		if err := rows.Scan(recordScanTargets(&rec)...); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func recordScanTargets(rec *models.SLARecord) []any {
	return []any{
		&rec.RecordID, &rec.TaskID, &rec.ConfigID, &rec.StartedAt, &rec.CompletedAt, &rec.TargetMinutes, &rec.ActualMinutes, &rec.Breached,
	}
}
