package sla

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"careops-workflow-core/internal/models"
	"careops-workflow-core/internal/repos"
	"careops-workflow-core/internal/workflow"
	"careops-workflow-core/shared/logx"
	"careops-workflow-core/shared/metricsx"
)

type ConfigSource interface {
	ActiveConfigs(ctx context.Context) ([]models.SLAConfig, error)
}

type RecordStore interface {
	HasOpenRecord(ctx context.Context, db repos.DBTX, taskID uuid.UUID, configID uuid.UUID) (bool, error)
	InsertRecord(ctx context.Context, db repos.DBTX, rec models.SLARecord) (models.SLARecord, error)
	CloseOpenRecords(ctx context.Context, db repos.DBTX, taskID uuid.UUID, now time.Time) ([]models.SLARecord, error)
	MarkOverdueBreached(ctx context.Context, now time.Time) ([]models.SLARecord, error)
}

type Alerter interface {
	Emit(ctx context.Context, n models.Notification) error
}

// TimeseriesWriter is satisfied by the influx client; breach points feed
// long-term duration analysis outside prometheus.
type TimeseriesWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

// Manager owns SLA record bookkeeping. OnTransition runs on the Transition
// Engine's transaction; MonitorBreaches runs on its own schedule.
type Manager struct {
	Configs    ConfigSource
	Records    RecordStore
	Alerter    Alerter
	Timeseries TimeseriesWriter
	Logger     logx.Logger
	Now        func() time.Time
}

func NewManager(configs ConfigSource, records RecordStore, alerter Alerter, logger logx.Logger) *Manager {
	return &Manager{
		Configs: configs,
		Records: records,
		Alerter: alerter,
		Logger:  logger,
		Now:     time.Now,
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// ConfigMatches reports whether a config applies to a task: service area must
// match and the optional task type filter narrows further.
func ConfigMatches(cfg models.SLAConfig, task models.Task) bool {
	if !cfg.Active {
		return false
	}
	if cfg.ServiceArea != task.ServiceArea {
		return false
	}
	return cfg.TaskType == "" || cfg.TaskType == task.TaskType
}

// OnTransition starts records when work begins (new or blocked into
// in_progress) and closes them on terminal states. It runs on the engine's
// transaction via db, so a rolled-back transition never leaves SLA rows.
func (m *Manager) OnTransition(ctx context.Context, db repos.DBTX, task models.Task, oldState string, newState string) error {
	switch newState {
	case workflow.TaskStateInProgress:
		if oldState != workflow.TaskStateNew && oldState != workflow.TaskStateBlocked {
			return nil
		}
		return m.startRecords(ctx, db, task)
	case workflow.TaskStateCompleted, workflow.TaskStateCancelled:
		return m.closeRecords(ctx, db, task)
	}
	return nil
}

func (m *Manager) startRecords(ctx context.Context, db repos.DBTX, task models.Task) error {
	configs, err := m.Configs.ActiveConfigs(ctx)
	if err != nil {
		return err
	}
	now := m.now()
	for _, cfg := range configs {
		if !ConfigMatches(cfg, task) {
			continue
		}
		open, err := m.Records.HasOpenRecord(ctx, db, task.TaskID, cfg.ConfigID)
		if err != nil {
			return err
		}
		if open {
			// Resumed work keeps the original clock running.
			continue
		}
		if _, err := m.Records.InsertRecord(ctx, db, models.SLARecord{
			TaskID:        task.TaskID,
			ConfigID:      cfg.ConfigID,
			StartedAt:     now,
			TargetMinutes: cfg.TargetMinutes,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) closeRecords(ctx context.Context, db repos.DBTX, task models.Task) error {
	records, err := m.Records.CloseOpenRecords(ctx, db, task.TaskID, m.now())
	if err != nil {
		return err
	}
	for _, rec := range records {
		if !rec.Breached {
			continue
		}
		metricsx.IncSLABreached()
		m.alertBreach(ctx, rec)
	}
	return nil
}

// MonitorBreaches flips still-open overdue records to breached and returns
// how many flipped. This is the only path flagging a task breached before it
// finishes.
func (m *Manager) MonitorBreaches(ctx context.Context) (int, error) {
	now := m.now()
	records, err := m.Records.MarkOverdueBreached(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		metricsx.IncSLABreached()
		m.alertBreach(ctx, rec)
		if m.Timeseries != nil {
			openMinutes := int(now.Sub(rec.StartedAt).Minutes())
			if err := m.Timeseries.WritePoint(ctx, "sla_breach",
				map[string]string{
					"task_id":   rec.TaskID.String(),
					"config_id": rec.ConfigID.String(),
				},
				map[string]any{
					"target_minutes": rec.TargetMinutes,
					"open_minutes":   openMinutes,
				}, now); err != nil {
				m.Logger.Warn(ctx, "influx_write_failed", "failed to record breach point",
					slog.String("record_id", rec.RecordID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return len(records), nil
}

func (m *Manager) alertBreach(ctx context.Context, rec models.SLARecord) {
	if m.Alerter == nil {
		return
	}
	alertCtx, err := json.Marshal(map[string]any{
		"record_id":      rec.RecordID.String(),
		"task_id":        rec.TaskID.String(),
		"config_id":      rec.ConfigID.String(),
		"target_minutes": rec.TargetMinutes,
	})
	if err != nil {
		return
	}
	if err := m.Alerter.Emit(ctx, models.Notification{
		AlertType: "sla_breach",
		Severity:  "critical",
		Message:   "SLA target exceeded",
		Context:   alertCtx,
	}); err != nil {
		m.Logger.Warn(ctx, "alert_emit_failed", "failed to emit breach alert",
			slog.String("record_id", rec.RecordID.String()),
			slog.String("error", err.Error()),
		)
	}
}
