package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"careops-workflow-core/internal/models"
)

type NotificationsRepo struct {
	pool *pgxpool.Pool
}

func NewNotificationsRepo(pool *pgxpool.Pool) *NotificationsRepo {
	return &NotificationsRepo{pool: pool}
}

func (r *NotificationsRepo) Insert(ctx context.Context, n models.Notification) (models.Notification, error) {
	if n.NotificationID == uuid.Nil {
		n.NotificationID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO notifications (notification_id, alert_type, severity, message, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING notification_id, alert_type, severity, message, context, created_at
	`, n.NotificationID, n.AlertType, n.Severity, n.Message, n.Context, n.CreatedAt).
		Scan(&n.NotificationID, &n.AlertType, &n.Severity, &n.Message, &n.Context, &n.CreatedAt)
	return n, err
}

func (r *NotificationsRepo) List(ctx context.Context, limit int, offset int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT notification_id, alert_type, severity, message, context, created_at
		FROM notifications
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.NotificationID, &n.AlertType, &n.Severity, &n.Message, &n.Context, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
