// Package alerting persists notifications and fans them out to the alert
// topic for external collaborators.
package alerting

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"careops-workflow-core/internal/models"
	"careops-workflow-core/internal/repos"
	"careops-workflow-core/shared/cachex"
	"careops-workflow-core/shared/events"
	"careops-workflow-core/shared/logx"
	"careops-workflow-core/shared/mqx"
)

const alertChannel = "workflow.alerts"

// Alerter stores each notification and publishes it to kafka and the redis
// alert channel. The database row is authoritative; fan-out is best effort.
type Alerter struct {
	Repo     *repos.NotificationsRepo
	Producer *mqx.Producer
	Cache    *cachex.Client
	Logger   logx.Logger
	Now      func() time.Time
}

func New(repo *repos.NotificationsRepo, producer *mqx.Producer, cache *cachex.Client, logger logx.Logger) *Alerter {
	return &Alerter{
		Repo:     repo,
		Producer: producer,
		Cache:    cache,
		Logger:   logger.With(slog.String("component", "alerting")),
		Now:      time.Now,
	}
}

func (a *Alerter) Emit(ctx context.Context, n models.Notification) error {
	now := a.Now().UTC()
	if n.NotificationID == uuid.Nil {
		n.NotificationID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.Severity == "" {
		n.Severity = "info"
	}

	if a.Repo != nil {
		stored, err := a.Repo.Insert(ctx, n)
		if err != nil {
			return err
		}
		n = stored
	}

	payload, _ := json.Marshal(events.Alert{
		NotificationID: n.NotificationID,
		AlertType:      n.AlertType,
		Severity:       n.Severity,
		Message:        n.Message,
		Context:        n.Context,
		CreatedAt:      n.CreatedAt,
	})

	if a.Producer != nil {
		if err := a.Producer.Publish(ctx, events.TopicAlerts, []byte(n.NotificationID.String()), payload, map[string]string{
			"alert_type": n.AlertType,
		}); err != nil {
			a.Logger.Warn(ctx, "alert_publish_failed", "alert publish failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("alert_type", n.AlertType),
				slog.String("error", err.Error()),
			)
		}
	}

	if a.Cache != nil {
		_ = a.Cache.Client().Publish(ctx, alertChannel, string(payload)).Err()
	}

	a.Logger.Info(ctx, "alert_emitted", "alert emitted",
		slog.String("notification_id", n.NotificationID.String()),
		slog.String("alert_type", n.AlertType),
		slog.String("severity", n.Severity),
	)
	return nil
}
