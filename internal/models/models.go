package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	AggregateTypeTask       = "task"
	AggregateTypeActionPlan = "action_plan"
)

type Task struct {
	TaskID         uuid.UUID
	Title          string
	Description    string
	TaskType       string
	ServiceArea    string
	Priority       string
	State          string
	DueDate        *time.Time
	Metadata       []byte
	IdempotencyKey string
	CreatedBy      string
	AssignedTo     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ActionPlan struct {
	PlanID      uuid.UUID
	Title       string
	Description string
	Goals       []string
	Metadata    []byte
	State       string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type OutboxEvent struct {
	EventID       uuid.UUID
	EventType     string
	AggregateType string
	AggregateID   uuid.UUID
	EventData     []byte
	CorrelationID uuid.UUID
	ActorID       string
	Status        string
	Attempts      int
	NextRetryAt   *time.Time
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ProcessedAt   *time.Time
}

type SLAConfig struct {
	ConfigID      uuid.UUID
	ServiceArea   string
	TaskType      string
	TargetMinutes int
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type SLARecord struct {
	RecordID      uuid.UUID
	TaskID        uuid.UUID
	ConfigID      uuid.UUID
	StartedAt     time.Time
	CompletedAt   *time.Time
	TargetMinutes int
	ActualMinutes *int
	Breached      bool
}

const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// AutomationRun is the (trigger_id, event_id) dedup record that makes
// mutating automation actions idempotent under event redelivery.
type AutomationRun struct {
	RunID     uuid.UUID
	TriggerID string
	EventID   uuid.UUID
	Status    string
	Message   string
	StartedAt time.Time
	EndedAt   *time.Time
}

type Notification struct {
	NotificationID uuid.UUID
	AlertType      string
	Severity       string
	Message        string
	Context        []byte
	CreatedAt      time.Time
}

type AuditLog struct {
	AuditID      uuid.UUID
	OccurredAt   time.Time
	ActorID      string
	Action       string
	ResourceType *string
	ResourceID   *string
	RequestID    string
	Method       string
	Path         string
	StatusCode   int
	DurationMS   int64
	ClientIP     string
	UserAgent    string
	Details      []byte
}
