package automation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"careops-workflow-core/internal/engine"
	"careops-workflow-core/internal/models"
	"careops-workflow-core/internal/workflow"
	"careops-workflow-core/shared/logx"
)

type fakeActions struct {
	createCalls     []engine.CreateTaskParams
	transitionCalls []engine.TransitionParams
	createErr       error
	transitionErr   error
}

func (f *fakeActions) CreateTask(ctx context.Context, p engine.CreateTaskParams) (models.Task, bool, error) {
	f.createCalls = append(f.createCalls, p)
	if f.createErr != nil {
		return models.Task{}, false, f.createErr
	}
	return models.Task{TaskID: uuid.New(), Title: p.Title, State: workflow.TaskStateNew}, true, nil
}

func (f *fakeActions) ExecuteTransition(ctx context.Context, p engine.TransitionParams) (engine.TransitionResult, error) {
	f.transitionCalls = append(f.transitionCalls, p)
	return engine.TransitionResult{}, f.transitionErr
}

type fakeAlerter struct {
	alerts []models.Notification
	err    error
}

func (f *fakeAlerter) Emit(ctx context.Context, n models.Notification) error {
	if f.err != nil {
		return f.err
	}
	f.alerts = append(f.alerts, n)
	return nil
}

type fakeRunStore struct {
	runs     map[string]models.AutomationRun
	finished map[uuid.UUID]string
	startErr error
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		runs:     map[string]models.AutomationRun{},
		finished: map[uuid.UUID]string{},
	}
}

func (f *fakeRunStore) StartRun(ctx context.Context, triggerID string, eventID uuid.UUID) (models.AutomationRun, bool, error) {
	if f.startErr != nil {
		return models.AutomationRun{}, false, f.startErr
	}
	key := triggerID + "/" + eventID.String()
	if run, ok := f.runs[key]; ok {
		return run, false, nil
	}
	run := models.AutomationRun{RunID: uuid.New(), TriggerID: triggerID, EventID: eventID, Status: models.RunStatusRunning}
	f.runs[key] = run
	return run, true, nil
}

func (f *fakeRunStore) RetryRun(ctx context.Context, runID uuid.UUID) error { return nil }

func (f *fakeRunStore) FinishRun(ctx context.Context, runID uuid.UUID, status string, message string) error {
	f.finished[runID] = status
	for key, run := range f.runs {
		if run.RunID == runID {
			run.Status = status
			f.runs[key] = run
		}
	}
	return nil
}

func testLogger() logx.Logger {
	return logx.New("automation-test", "test", "", "error")
}

func stateChangedEvent(t *testing.T, data EventDataLike) models.OutboxEvent {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return models.OutboxEvent{
		EventID:       uuid.New(),
		EventType:     workflow.EventTaskStateChanged,
		AggregateType: models.AggregateTypeTask,
		AggregateID:   uuid.New(),
		CorrelationID: uuid.New(),
		EventData:     payload,
	}
}

// EventDataLike mirrors the engine's event payload shape without importing its
// marshalling behavior into assertions.
type EventDataLike struct {
	OldState   string         `json:"old_state,omitempty"`
	NewState   string         `json:"new_state,omitempty"`
	TaskType   string         `json:"task_type,omitempty"`
	Priority   string         `json:"priority,omitempty"`
	AssignedTo string         `json:"assigned_to,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

func TestDispatchCreatesFollowUpTask(t *testing.T) {
	actions := &fakeActions{}
	runs := newFakeRunStore()
	d := NewDispatcher(BuiltinTriggers(), actions, &fakeAlerter{}, runs, testLogger(), 5)

	event := stateChangedEvent(t, EventDataLike{
		OldState:   workflow.TaskStateInProgress,
		NewState:   workflow.TaskStateCompleted,
		TaskType:   "intake",
		AssignedTo: "nurse-7",
	})
	results, err := d.Dispatch(context.Background(), event)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(results) != 1 || results[0].TriggerID != "intake-completed-followup" {
		t.Fatalf("results = %+v", results)
	}
	if len(actions.createCalls) != 1 {
		t.Fatalf("create calls = %d", len(actions.createCalls))
	}

	p := actions.createCalls[0]
	if p.TaskType != "assessment" || p.ActorID != "automation" || p.CreatedBy != "automation" {
		t.Fatalf("params = %+v", p)
	}
	if p.AssignedTo != "nurse-7" {
		t.Fatalf("assignee not lifted from payload: %q", p.AssignedTo)
	}
	wantKey := "auto:intake-completed-followup:" + event.EventID.String()
	if p.IdempotencyKey != wantKey {
		t.Fatalf("idempotency key = %q, want %q", p.IdempotencyKey, wantKey)
	}
	if p.Context["correlation_id"] != event.CorrelationID.String() {
		t.Fatalf("correlation id not propagated: %v", p.Context)
	}
	if p.Context["automation_hops"] != 1 {
		t.Fatalf("hops = %v, want 1", p.Context["automation_hops"])
	}
}

func TestDispatchNoMatch(t *testing.T) {
	actions := &fakeActions{}
	d := NewDispatcher(BuiltinTriggers(), actions, &fakeAlerter{}, newFakeRunStore(), testLogger(), 5)

	event := stateChangedEvent(t, EventDataLike{
		OldState: workflow.TaskStateNew,
		NewState: workflow.TaskStateInProgress,
		TaskType: "intake",
	})
	results, err := d.Dispatch(context.Background(), event)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(results) != 0 || len(actions.createCalls) != 0 {
		t.Fatalf("unexpected actions: %+v", results)
	}
}

func TestDispatchEmitsBlockedAlert(t *testing.T) {
	alerter := &fakeAlerter{}
	d := NewDispatcher(BuiltinTriggers(), &fakeActions{}, alerter, newFakeRunStore(), testLogger(), 5)

	event := stateChangedEvent(t, EventDataLike{
		OldState: workflow.TaskStateInProgress,
		NewState: workflow.TaskStateBlocked,
		TaskType: "visit",
	})
	if _, err := d.Dispatch(context.Background(), event); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(alerter.alerts) != 1 {
		t.Fatalf("alerts = %d", len(alerter.alerts))
	}
	alert := alerter.alerts[0]
	if alert.AlertType != "task_blocked" || alert.Severity != "warning" {
		t.Fatalf("alert = %+v", alert)
	}
	var alertCtx map[string]any
	if err := json.Unmarshal(alert.Context, &alertCtx); err != nil {
		t.Fatalf("alert context: %v", err)
	}
	if alertCtx["event_id"] != event.EventID.String() {
		t.Fatalf("alert context = %v", alertCtx)
	}
}

func TestDispatchDedupOnRedelivery(t *testing.T) {
	actions := &fakeActions{}
	runs := newFakeRunStore()
	d := NewDispatcher(BuiltinTriggers(), actions, &fakeAlerter{}, runs, testLogger(), 5)

	event := stateChangedEvent(t, EventDataLike{
		NewState: workflow.TaskStateCompleted,
		TaskType: "intake",
	})
	if _, err := d.Dispatch(context.Background(), event); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	results, err := d.Dispatch(context.Background(), event)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("redelivery re-ran actions: %+v", results)
	}
	if len(actions.createCalls) != 1 {
		t.Fatalf("create calls = %d, want 1", len(actions.createCalls))
	}
}

func TestDispatchRetriesFailedRun(t *testing.T) {
	actions := &fakeActions{createErr: errors.New("db down")}
	runs := newFakeRunStore()
	d := NewDispatcher(BuiltinTriggers(), actions, &fakeAlerter{}, runs, testLogger(), 5)

	event := stateChangedEvent(t, EventDataLike{
		NewState: workflow.TaskStateCompleted,
		TaskType: "intake",
	})
	if _, err := d.Dispatch(context.Background(), event); err == nil {
		t.Fatal("expected dispatch error while action fails")
	}

	// Run marked failed, so the redelivered event runs the trigger again.
	actions.createErr = nil
	if _, err := d.Dispatch(context.Background(), event); err != nil {
		t.Fatalf("retry dispatch: %v", err)
	}
	if len(actions.createCalls) != 2 {
		t.Fatalf("create calls = %d, want 2", len(actions.createCalls))
	}
}

func TestDispatchHopLimit(t *testing.T) {
	actions := &fakeActions{}
	d := NewDispatcher(BuiltinTriggers(), actions, &fakeAlerter{}, newFakeRunStore(), testLogger(), 5)

	event := stateChangedEvent(t, EventDataLike{
		NewState: workflow.TaskStateCompleted,
		TaskType: "intake",
		Context:  map[string]any{"automation_hops": 5},
	})
	results, err := d.Dispatch(context.Background(), event)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(results) != 0 || len(actions.createCalls) != 0 {
		t.Fatalf("trigger ran past hop limit: %+v", results)
	}
}

func TestDispatchHopCounterIncrements(t *testing.T) {
	actions := &fakeActions{}
	d := NewDispatcher(BuiltinTriggers(), actions, &fakeAlerter{}, newFakeRunStore(), testLogger(), 5)

	event := stateChangedEvent(t, EventDataLike{
		NewState: workflow.TaskStateCompleted,
		TaskType: "intake",
		Context:  map[string]any{"automation_hops": 3},
	})
	if _, err := d.Dispatch(context.Background(), event); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(actions.createCalls) != 1 {
		t.Fatalf("create calls = %d", len(actions.createCalls))
	}
	if got := actions.createCalls[0].Context["automation_hops"]; got != 4 {
		t.Fatalf("hops in action context = %v, want 4", got)
	}
}

func TestDispatchBestEffortAcrossActions(t *testing.T) {
	trigger := Trigger{
		ID:        "multi-action",
		EventType: workflow.EventTaskStateChanged,
		Predicate: Always{},
		Actions: []Action{
			{Type: ActionEmitAlert, EmitAlert: &EmitAlertAction{AlertType: "a", Severity: "info", Message: "m"}},
			{Type: ActionCreateTask, CreateTask: &CreateTaskAction{TaskType: "x", Title: "t"}},
		},
	}
	actions := &fakeActions{}
	alerter := &fakeAlerter{err: errors.New("kafka down")}
	runs := newFakeRunStore()
	d := NewDispatcher([]Trigger{trigger}, actions, alerter, runs, testLogger(), 5)

	event := stateChangedEvent(t, EventDataLike{NewState: workflow.TaskStateBlocked})
	results, err := d.Dispatch(context.Background(), event)
	if err == nil {
		t.Fatal("expected trigger failure")
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Err == nil || results[1].Err != nil {
		t.Fatalf("first action should fail, second should still run: %+v", results)
	}
	if len(actions.createCalls) != 1 {
		t.Fatal("second action did not run after first failed")
	}
	for _, status := range runs.finished {
		if status != models.RunStatusFailed {
			t.Fatalf("run status = %q, want failed", status)
		}
	}
}

func TestDispatchUpdateStateAction(t *testing.T) {
	target := uuid.New()
	trigger := Trigger{
		ID:        "escalate-linked",
		EventType: workflow.EventTaskStateChanged,
		Predicate: EqualsField{Field: "new_state", Value: workflow.TaskStateCompleted},
		Actions: []Action{
			{Type: ActionUpdateState, UpdateState: &UpdateStateAction{
				Kind:        workflow.KindActionPlan,
				IDField:     "context.plan_id",
				TargetState: workflow.PlanStateArchived,
			}},
		},
	}
	actions := &fakeActions{}
	d := NewDispatcher([]Trigger{trigger}, actions, &fakeAlerter{}, newFakeRunStore(), testLogger(), 5)

	event := stateChangedEvent(t, EventDataLike{
		NewState: workflow.TaskStateCompleted,
		Context:  map[string]any{"plan_id": target.String()},
	})
	if _, err := d.Dispatch(context.Background(), event); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(actions.transitionCalls) != 1 {
		t.Fatalf("transition calls = %d", len(actions.transitionCalls))
	}
	p := actions.transitionCalls[0]
	if p.Kind != workflow.KindActionPlan || p.EntityID != target || p.TargetState != workflow.PlanStateArchived {
		t.Fatalf("params = %+v", p)
	}
	if p.ActorID != "automation" {
		t.Fatalf("actor = %q", p.ActorID)
	}
}

func TestDispatchMalformedPayload(t *testing.T) {
	d := NewDispatcher(BuiltinTriggers(), &fakeActions{}, &fakeAlerter{}, newFakeRunStore(), testLogger(), 5)
	_, err := d.Dispatch(context.Background(), models.OutboxEvent{
		EventID:   uuid.New(),
		EventType: workflow.EventTaskStateChanged,
		EventData: []byte("{not json"),
	})
	if err == nil {
		t.Fatal("expected decode error")
	}
}
