package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"careops-workflow-core/internal/models"
	"careops-workflow-core/internal/repos"
	"careops-workflow-core/internal/workflow"
	"careops-workflow-core/shared/metricsx"
)

const (
	ActionCreate     = "workflow.create"
	ActionTransition = "workflow.transition"
)

// Authorizer is the external permission collaborator. The engine only
// consumes the boolean decision.
type Authorizer interface {
	HasPermission(ctx context.Context, actorID string, action string, entity any) bool
}

// SLAHook runs on the transition's transaction so SLA bookkeeping commits or
// rolls back with the entity mutation.
type SLAHook interface {
	OnTransition(ctx context.Context, db repos.DBTX, task models.Task, oldState string, newState string) error
}

type TaskStore interface {
	GetTask(ctx context.Context, taskID uuid.UUID) (models.Task, error)
	CreateTask(ctx context.Context, task models.Task, event models.OutboxEvent) (models.Task, bool, error)
	TransitionTask(ctx context.Context, t repos.TaskTransition) (models.Task, models.OutboxEvent, error)
}

type PlanStore interface {
	GetPlan(ctx context.Context, planID uuid.UUID) (models.ActionPlan, error)
	CreatePlan(ctx context.Context, plan models.ActionPlan, event models.OutboxEvent) (models.ActionPlan, error)
	TransitionPlan(ctx context.Context, t repos.PlanTransition) (models.ActionPlan, models.OutboxEvent, error)
}

type Engine struct {
	Tasks TaskStore
	Plans PlanStore
	Auth  Authorizer
	SLA   SLAHook
	Now   func() time.Time
}

func New(tasks TaskStore, plans PlanStore, auth Authorizer, sla SLAHook) *Engine {
	return &Engine{
		Tasks: tasks,
		Plans: plans,
		Auth:  auth,
		SLA:   sla,
		Now:   time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// EventData is the structured payload of every state-change outbox event.
// Entity snapshot fields ride along so trigger predicates can match on them
// without a lookup.
type EventData struct {
	OldState    string         `json:"old_state,omitempty"`
	NewState    string         `json:"new_state,omitempty"`
	State       string         `json:"state,omitempty"`
	TaskType    string         `json:"task_type,omitempty"`
	ServiceArea string         `json:"service_area,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	Title       string         `json:"title,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

type TransitionParams struct {
	Kind        string
	EntityID    uuid.UUID
	TargetState string
	Context     map[string]any
	ActorID     string
	// ExpectedUpdatedAt, when set, rejects the transition with
	// ErrConcurrentModification if the row changed since the caller read it.
	ExpectedUpdatedAt *time.Time
}

type TransitionResult struct {
	Kind  string
	Task  *models.Task
	Plan  *models.ActionPlan
	Event models.OutboxEvent
}

// ExecuteTransition validates and applies a state change. Preconditions are
// checked in order: existence, permission, transition legality. On success the
// entity update, the outbox append and the SLA hook commit as one unit.
func (e *Engine) ExecuteTransition(ctx context.Context, p TransitionParams) (TransitionResult, error) {
	kind := workflow.NormalizeState(p.Kind)
	target := workflow.NormalizeState(p.TargetState)
	if !workflow.KnownKind(kind) {
		return TransitionResult{}, fmt.Errorf("%w: unknown entity kind %q", ErrEntityNotFound, p.Kind)
	}

	var res TransitionResult
	var err error
	switch kind {
	case workflow.KindTask:
		res, err = e.transitionTask(ctx, p, target)
	case workflow.KindActionPlan:
		res, err = e.transitionPlan(ctx, p, target)
	}
	result := "success"
	if err != nil {
		result = metricsResult(err)
	}
	metricsx.IncWorkflowTransition(kind, result)
	return res, err
}

func (e *Engine) transitionTask(ctx context.Context, p TransitionParams, target string) (TransitionResult, error) {
	task, err := e.Tasks.GetTask(ctx, p.EntityID)
	if err != nil {
		return TransitionResult{}, mapNotFound(err)
	}
	if e.Auth != nil && !e.Auth.HasPermission(ctx, p.ActorID, ActionTransition, task) {
		return TransitionResult{}, ErrPermissionDenied
	}
	if !workflow.KnownState(workflow.KindTask, target) || !workflow.CanTransition(workflow.KindTask, task.State, target) {
		return TransitionResult{}, &InvalidTransitionError{Kind: workflow.KindTask, Current: task.State, Target: target}
	}

	updated, event, err := e.Tasks.TransitionTask(ctx, repos.TaskTransition{
		TaskID:  p.EntityID,
		ToState: target,
		Now:     e.now(),
		Guard: func(current models.Task) error {
			if p.ExpectedUpdatedAt != nil && !current.UpdatedAt.Equal(*p.ExpectedUpdatedAt) {
				return ErrConcurrentModification
			}
			// Revalidate against the locked row; the pre-check read may be stale.
			if !workflow.CanTransition(workflow.KindTask, current.State, target) {
				return &InvalidTransitionError{Kind: workflow.KindTask, Current: current.State, Target: target}
			}
			return nil
		},
		Event: func(current models.Task) (models.OutboxEvent, error) {
			data, err := json.Marshal(EventData{
				OldState:    current.State,
				NewState:    target,
				TaskType:    current.TaskType,
				ServiceArea: current.ServiceArea,
				Priority:    current.Priority,
				AssignedTo:  current.AssignedTo,
				Title:       current.Title,
				Context:     p.Context,
			})
			if err != nil {
				return models.OutboxEvent{}, err
			}
			return models.OutboxEvent{
				EventType:     workflow.EventTaskStateChanged,
				EventData:     data,
				CorrelationID: correlationID(p.Context),
				ActorID:       p.ActorID,
			}, nil
		},
		InTx: func(ctx context.Context, db repos.DBTX, updated models.Task, old string) error {
			if e.SLA == nil {
				return nil
			}
			return e.SLA.OnTransition(ctx, db, updated, old, target)
		},
	})
	if err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Kind: workflow.KindTask, Task: &updated, Event: event}, nil
}

func (e *Engine) transitionPlan(ctx context.Context, p TransitionParams, target string) (TransitionResult, error) {
	plan, err := e.Plans.GetPlan(ctx, p.EntityID)
	if err != nil {
		return TransitionResult{}, mapNotFound(err)
	}
	if e.Auth != nil && !e.Auth.HasPermission(ctx, p.ActorID, ActionTransition, plan) {
		return TransitionResult{}, ErrPermissionDenied
	}
	if !workflow.KnownState(workflow.KindActionPlan, target) || !workflow.CanTransition(workflow.KindActionPlan, plan.State, target) {
		return TransitionResult{}, &InvalidTransitionError{Kind: workflow.KindActionPlan, Current: plan.State, Target: target}
	}

	updated, event, err := e.Plans.TransitionPlan(ctx, repos.PlanTransition{
		PlanID:  p.EntityID,
		ToState: target,
		Now:     e.now(),
		Guard: func(current models.ActionPlan) error {
			if p.ExpectedUpdatedAt != nil && !current.UpdatedAt.Equal(*p.ExpectedUpdatedAt) {
				return ErrConcurrentModification
			}
			if !workflow.CanTransition(workflow.KindActionPlan, current.State, target) {
				return &InvalidTransitionError{Kind: workflow.KindActionPlan, Current: current.State, Target: target}
			}
			return nil
		},
		Event: func(current models.ActionPlan) (models.OutboxEvent, error) {
			data, err := json.Marshal(EventData{
				OldState: current.State,
				NewState: target,
				Title:    current.Title,
				Context:  p.Context,
			})
			if err != nil {
				return models.OutboxEvent{}, err
			}
			return models.OutboxEvent{
				EventType:     workflow.EventPlanStateChanged,
				EventData:     data,
				CorrelationID: correlationID(p.Context),
				ActorID:       p.ActorID,
			}, nil
		},
	})
	if err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Kind: workflow.KindActionPlan, Plan: &updated, Event: event}, nil
}

type CreateTaskParams struct {
	Title          string
	Description    string
	TaskType       string
	ServiceArea    string
	Priority       string
	DueDate        *time.Time
	Metadata       map[string]any
	IdempotencyKey string
	CreatedBy      string
	AssignedTo     string
	Context        map[string]any
	ActorID        string
}

// CreateTask creates a task in the initial state with a TaskCreated outbox
// event in the same transaction. The idempotency key makes the call safe to
// repeat; created is false when an existing task was returned instead.
func (e *Engine) CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, bool, error) {
	if p.Title == "" {
		return models.Task{}, false, errors.New("title is required")
	}
	if e.Auth != nil && !e.Auth.HasPermission(ctx, p.ActorID, ActionCreate, models.Task{TaskType: p.TaskType}) {
		return models.Task{}, false, ErrPermissionDenied
	}

	key := p.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	metadata, err := json.Marshal(orEmpty(p.Metadata))
	if err != nil {
		return models.Task{}, false, err
	}
	initial := workflow.InitialState(workflow.KindTask)
	data, err := json.Marshal(EventData{
		State:       initial,
		TaskType:    p.TaskType,
		ServiceArea: p.ServiceArea,
		Priority:    p.Priority,
		AssignedTo:  p.AssignedTo,
		Title:       p.Title,
		Context:     p.Context,
	})
	if err != nil {
		return models.Task{}, false, err
	}

	task, created, err := e.Tasks.CreateTask(ctx, models.Task{
		Title:          p.Title,
		Description:    p.Description,
		TaskType:       p.TaskType,
		ServiceArea:    p.ServiceArea,
		Priority:       p.Priority,
		State:          initial,
		DueDate:        p.DueDate,
		Metadata:       metadata,
		IdempotencyKey: key,
		CreatedBy:      p.CreatedBy,
		AssignedTo:     p.AssignedTo,
	}, models.OutboxEvent{
		EventType:     workflow.EventTaskCreated,
		EventData:     data,
		CorrelationID: correlationID(p.Context),
		ActorID:       p.ActorID,
	})
	result := "success"
	if err != nil {
		result = metricsResult(err)
	}
	metricsx.IncWorkflowTransition(workflow.KindTask, result)
	return task, created, err
}

type CreatePlanParams struct {
	Title       string
	Description string
	Goals       []string
	Metadata    map[string]any
	CreatedBy   string
	Context     map[string]any
	ActorID     string
}

func (e *Engine) CreateActionPlan(ctx context.Context, p CreatePlanParams) (models.ActionPlan, error) {
	if p.Title == "" {
		return models.ActionPlan{}, errors.New("title is required")
	}
	if e.Auth != nil && !e.Auth.HasPermission(ctx, p.ActorID, ActionCreate, models.ActionPlan{}) {
		return models.ActionPlan{}, ErrPermissionDenied
	}

	metadata, err := json.Marshal(orEmpty(p.Metadata))
	if err != nil {
		return models.ActionPlan{}, err
	}
	initial := workflow.InitialState(workflow.KindActionPlan)
	data, err := json.Marshal(EventData{
		State:   initial,
		Title:   p.Title,
		Context: p.Context,
	})
	if err != nil {
		return models.ActionPlan{}, err
	}

	return e.Plans.CreatePlan(ctx, models.ActionPlan{
		Title:       p.Title,
		Description: p.Description,
		Goals:       p.Goals,
		Metadata:    metadata,
		State:       initial,
		CreatedBy:   p.CreatedBy,
	}, models.OutboxEvent{
		EventType:     workflow.EventPlanCreated,
		EventData:     data,
		CorrelationID: correlationID(p.Context),
		ActorID:       p.ActorID,
	})
}

// correlationID propagates a correlation id supplied by the caller (automation
// passes the source event's) so event chains stay traceable.
func correlationID(context map[string]any) uuid.UUID {
	if context != nil {
		if raw, ok := context["correlation_id"].(string); ok {
			if id, err := uuid.Parse(raw); err == nil {
				return id
			}
		}
	}
	return uuid.New()
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func mapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrEntityNotFound
	}
	return err
}

func metricsResult(err error) string {
	switch Code(err) {
	case "INVALID_TRANSITION":
		return "invalid_transition"
	case "ENTITY_NOT_FOUND":
		return "not_found"
	case "PERMISSION_DENIED":
		return "denied"
	case "CONCURRENT_MODIFICATION":
		return "conflict"
	default:
		return "error"
	}
}
