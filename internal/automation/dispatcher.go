package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"careops-workflow-core/internal/engine"
	"careops-workflow-core/internal/models"
	"careops-workflow-core/shared/logx"
	"careops-workflow-core/shared/metricsx"
)

// Actions is the slice of the Transition Engine the dispatcher drives.
type Actions interface {
	CreateTask(ctx context.Context, p engine.CreateTaskParams) (models.Task, bool, error)
	ExecuteTransition(ctx context.Context, p engine.TransitionParams) (engine.TransitionResult, error)
}

// Alerter is the external alerting sink, fire-and-forget.
type Alerter interface {
	Emit(ctx context.Context, n models.Notification) error
}

// RunStore tracks (trigger_id, event_id) runs for redelivery dedup.
type RunStore interface {
	StartRun(ctx context.Context, triggerID string, eventID uuid.UUID) (models.AutomationRun, bool, error)
	RetryRun(ctx context.Context, runID uuid.UUID) error
	FinishRun(ctx context.Context, runID uuid.UUID, status string, message string) error
}

type ActionResult struct {
	TriggerID  string
	ActionType string
	Err        error
}

type Dispatcher struct {
	triggers []Trigger
	engine   Actions
	alerter  Alerter
	runs     RunStore
	logger   logx.Logger
	maxHops  int
}

// NewDispatcher builds a dispatcher over an immutable trigger registry.
func NewDispatcher(triggers []Trigger, eng Actions, alerter Alerter, runs RunStore, logger logx.Logger, maxHops int) *Dispatcher {
	if maxHops <= 0 {
		maxHops = 5
	}
	reg := make([]Trigger, len(triggers))
	copy(reg, triggers)
	return &Dispatcher{
		triggers: reg,
		engine:   eng,
		alerter:  alerter,
		runs:     runs,
		logger:   logger,
		maxHops:  maxHops,
	}
}

// Dispatch evaluates every registered trigger against the event and executes
// matched actions in order. Actions within a trigger are best-effort: one
// failure is logged and the remaining actions still run, but the trigger is
// reported failed so the worker leaves the event unprocessed for retry.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.OutboxEvent) ([]ActionResult, error) {
	var payload map[string]any
	if len(event.EventData) > 0 {
		if err := json.Unmarshal(event.EventData, &payload); err != nil {
			return nil, fmt.Errorf("decode event data: %w", err)
		}
	}
	hops := automationHops(payload)

	var results []ActionResult
	var failed []string
	visited := make(map[string]bool)

	for _, trigger := range d.triggers {
		if trigger.EventType != event.EventType {
			continue
		}
		if trigger.Predicate != nil && !trigger.Predicate.Eval(payload) {
			metricsx.IncTriggerEvaluation(trigger.ID, "no_match")
			continue
		}
		if hops >= d.maxHops {
			metricsx.IncTriggerEvaluation(trigger.ID, "hop_limit")
			d.logger.Warn(ctx, "automation_hop_limit", "trigger skipped at hop limit",
				slog.String("trigger_id", trigger.ID),
				slog.String("event_id", event.EventID.String()),
				slog.Int("hops", hops),
			)
			continue
		}
		visitKey := trigger.ID + "/" + event.AggregateID.String()
		if visited[visitKey] {
			metricsx.IncTriggerEvaluation(trigger.ID, "cycle_guard")
			continue
		}
		visited[visitKey] = true

		run, created, err := d.runs.StartRun(ctx, trigger.ID, event.EventID)
		if err != nil {
			metricsx.IncTriggerEvaluation(trigger.ID, "error")
			failed = append(failed, trigger.ID)
			continue
		}
		if !created {
			if run.Status == models.RunStatusSuccess {
				metricsx.IncTriggerEvaluation(trigger.ID, "deduped")
				continue
			}
			if err := d.runs.RetryRun(ctx, run.RunID); err != nil {
				metricsx.IncTriggerEvaluation(trigger.ID, "error")
				failed = append(failed, trigger.ID)
				continue
			}
		}

		triggerFailed := false
		for _, action := range trigger.Actions {
			err := d.execute(ctx, trigger, action, event, payload, hops)
			results = append(results, ActionResult{TriggerID: trigger.ID, ActionType: action.Type, Err: err})
			if err != nil {
				triggerFailed = true
				d.logger.Error(ctx, "automation_action_failed", "action failed, continuing with remaining actions",
					slog.String("trigger_id", trigger.ID),
					slog.String("action", action.Type),
					slog.String("event_id", event.EventID.String()),
					slog.String("error", err.Error()),
				)
			}
		}

		if triggerFailed {
			metricsx.IncTriggerEvaluation(trigger.ID, "failed")
			failed = append(failed, trigger.ID)
			_ = d.runs.FinishRun(ctx, run.RunID, models.RunStatusFailed, "one or more actions failed")
		} else {
			metricsx.IncTriggerEvaluation(trigger.ID, "success")
			_ = d.runs.FinishRun(ctx, run.RunID, models.RunStatusSuccess, "")
		}
	}

	if len(failed) > 0 {
		return results, fmt.Errorf("automation: %d trigger(s) failed: %v", len(failed), failed)
	}
	return results, nil
}

func (d *Dispatcher) execute(ctx context.Context, trigger Trigger, action Action, event models.OutboxEvent, payload map[string]any, hops int) error {
	actionCtx := map[string]any{
		"correlation_id":  event.CorrelationID.String(),
		"automation_hops": hops + 1,
		"trigger_id":      trigger.ID,
		"source_event_id": event.EventID.String(),
	}

	switch action.Type {
	case ActionCreateTask:
		p := action.CreateTask
		if p == nil {
			return fmt.Errorf("create_task action missing parameters")
		}
		serviceArea := p.ServiceArea
		if serviceArea == "" {
			serviceArea = fieldString(payload, "service_area")
		}
		assignedTo := ""
		if p.AssignedToField != "" {
			assignedTo = fieldString(payload, p.AssignedToField)
		}
		_, _, err := d.engine.CreateTask(ctx, engine.CreateTaskParams{
			Title:       p.Title,
			Description: p.Description,
			TaskType:    p.TaskType,
			ServiceArea: serviceArea,
			Priority:    p.Priority,
			// Double protection on redelivery alongside the run dedup row.
			IdempotencyKey: "auto:" + trigger.ID + ":" + event.EventID.String(),
			CreatedBy:      "automation",
			AssignedTo:     assignedTo,
			Context:        actionCtx,
			ActorID:        "automation",
		})
		return err

	case ActionEmitAlert:
		p := action.EmitAlert
		if p == nil {
			return fmt.Errorf("emit_alert action missing parameters")
		}
		alertCtx, err := json.Marshal(map[string]any{
			"trigger_id":     trigger.ID,
			"event_id":       event.EventID.String(),
			"aggregate_type": event.AggregateType,
			"aggregate_id":   event.AggregateID.String(),
			"event_type":     event.EventType,
		})
		if err != nil {
			return err
		}
		return d.alerter.Emit(ctx, models.Notification{
			AlertType: p.AlertType,
			Severity:  p.Severity,
			Message:   p.Message,
			Context:   alertCtx,
		})

	case ActionUpdateState:
		p := action.UpdateState
		if p == nil {
			return fmt.Errorf("update_state action missing parameters")
		}
		kind := p.Kind
		if kind == "" {
			kind = event.AggregateType
		}
		entityID := event.AggregateID
		if p.IDField != "" {
			raw := fieldString(payload, p.IDField)
			parsed, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("update_state: field %q is not an id: %w", p.IDField, err)
			}
			entityID = parsed
		}
		_, err := d.engine.ExecuteTransition(ctx, engine.TransitionParams{
			Kind:        kind,
			EntityID:    entityID,
			TargetState: p.TargetState,
			Context:     actionCtx,
			ActorID:     "automation",
		})
		return err

	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

func automationHops(payload map[string]any) int {
	ctx, ok := payload["context"].(map[string]any)
	if !ok {
		return 0
	}
	switch v := ctx["automation_hops"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
