package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire format for domain events published to kafka after the
// dispatch worker processes them from the outbox.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	ActorID       string          `json:"actor_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Alert is the wire format for alert notifications published for the external
// alerting collaborator.
type Alert struct {
	NotificationID uuid.UUID       `json:"notification_id"`
	AlertType      string          `json:"alert_type"`
	Severity       string          `json:"severity"`
	Message        string          `json:"message"`
	Context        json.RawMessage `json:"context,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

const (
	TopicWorkflowEvents = "workflow.events"
	TopicAlerts         = "workflow.alerts"
)
