package automation

import "careops-workflow-core/internal/workflow"

const (
	ActionCreateTask  = "create_task"
	ActionEmitAlert   = "emit_alert"
	ActionUpdateState = "update_state"
)

// Action is one step of a trigger. Exactly one of the typed parameter blocks
// matching Type is set.
type Action struct {
	Type        string
	CreateTask  *CreateTaskAction
	EmitAlert   *EmitAlertAction
	UpdateState *UpdateStateAction
}

type CreateTaskAction struct {
	TaskType    string
	ServiceArea string
	Priority    string
	Title       string
	Description string
	// AssignedToField optionally names a payload field whose value becomes the
	// assignee (e.g. "assigned_to" to keep the original owner).
	AssignedToField string
}

type EmitAlertAction struct {
	AlertType string
	Severity  string
	Message   string
}

type UpdateStateAction struct {
	// Kind of the entity to transition. Defaults to the event's aggregate type.
	Kind string
	// IDField optionally names a payload context field carrying the target
	// entity id. When empty the event's own aggregate is transitioned.
	IDField     string
	TargetState string
}

// Trigger is one rule of the static registry: an event type, a typed
// predicate over the payload, and an ordered action list.
type Trigger struct {
	ID          string
	Description string
	EventType   string
	Predicate   Predicate
	Actions     []Action
}

// BuiltinTriggers is the registry loaded at process start. Kept as a
// constructor rather than package state so tests can dispatch against custom
// registries.
func BuiltinTriggers() []Trigger {
	return []Trigger{
		{
			ID:          "intake-completed-followup",
			Description: "create a follow-up assessment task when an intake task completes",
			EventType:   workflow.EventTaskStateChanged,
			Predicate: And{
				EqualsField{Field: "new_state", Value: workflow.TaskStateCompleted},
				EqualsField{Field: "task_type", Value: "intake"},
			},
			Actions: []Action{
				{
					Type: ActionCreateTask,
					CreateTask: &CreateTaskAction{
						TaskType:        "assessment",
						Priority:        "normal",
						Title:           "Follow-up assessment",
						Description:     "Automatically scheduled after intake completion.",
						AssignedToField: "assigned_to",
					},
				},
			},
		},
		{
			ID:          "task-blocked-alert",
			Description: "alert when a task enters blocked",
			EventType:   workflow.EventTaskStateChanged,
			Predicate:   EqualsField{Field: "new_state", Value: workflow.TaskStateBlocked},
			Actions: []Action{
				{
					Type: ActionEmitAlert,
					EmitAlert: &EmitAlertAction{
						AlertType: "task_blocked",
						Severity:  "warning",
						Message:   "task is blocked and needs attention",
					},
				},
			},
		},
		{
			ID:          "urgent-task-alert",
			Description: "alert when an urgent task is created",
			EventType:   workflow.EventTaskCreated,
			Predicate: FieldIn{
				Field:  "priority",
				Values: []string{"urgent", "critical"},
			},
			Actions: []Action{
				{
					Type: ActionEmitAlert,
					EmitAlert: &EmitAlertAction{
						AlertType: "urgent_task_created",
						Severity:  "critical",
						Message:   "urgent task created",
					},
				},
			},
		},
		{
			ID:          "plan-activated-alert",
			Description: "alert when an action plan becomes active",
			EventType:   workflow.EventPlanStateChanged,
			Predicate:   EqualsField{Field: "new_state", Value: workflow.PlanStateActive},
			Actions: []Action{
				{
					Type: ActionEmitAlert,
					EmitAlert: &EmitAlertAction{
						AlertType: "plan_activated",
						Severity:  "info",
						Message:   "action plan activated",
					},
				},
			},
		},
	}
}
