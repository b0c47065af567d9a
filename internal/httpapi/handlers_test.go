package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"careops-workflow-core/internal/engine"
	"careops-workflow-core/internal/models"
	"careops-workflow-core/internal/repos"
	"careops-workflow-core/internal/workflow"
	"careops-workflow-core/shared/logx"
)

type memTaskStore struct {
	tasks map[uuid.UUID]models.Task
	byKey map[string]uuid.UUID
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: map[uuid.UUID]models.Task{}, byKey: map[string]uuid.UUID{}}
}

func (s *memTaskStore) GetTask(ctx context.Context, taskID uuid.UUID) (models.Task, error) {
	task, ok := s.tasks[taskID]
	if !ok {
		return models.Task{}, pgx.ErrNoRows
	}
	return task, nil
}

func (s *memTaskStore) CreateTask(ctx context.Context, task models.Task, event models.OutboxEvent) (models.Task, bool, error) {
	if id, ok := s.byKey[task.IdempotencyKey]; ok {
		return s.tasks[id], false, nil
	}
	task.TaskID = uuid.New()
	task.CreatedAt = time.Now().UTC()
	task.UpdatedAt = task.CreatedAt
	s.tasks[task.TaskID] = task
	s.byKey[task.IdempotencyKey] = task.TaskID
	return task, true, nil
}

func (s *memTaskStore) TransitionTask(ctx context.Context, t repos.TaskTransition) (models.Task, models.OutboxEvent, error) {
	current := s.tasks[t.TaskID]
	if t.Guard != nil {
		if err := t.Guard(current); err != nil {
			return models.Task{}, models.OutboxEvent{}, err
		}
	}
	event, err := t.Event(current)
	if err != nil {
		return models.Task{}, models.OutboxEvent{}, err
	}
	event.EventID = uuid.New()
	current.State = t.ToState
	current.UpdatedAt = t.Now
	s.tasks[t.TaskID] = current
	return current, event, nil
}

type memPlanStore struct {
	plans map[uuid.UUID]models.ActionPlan
}

func newMemPlanStore() *memPlanStore {
	return &memPlanStore{plans: map[uuid.UUID]models.ActionPlan{}}
}

func (s *memPlanStore) GetPlan(ctx context.Context, planID uuid.UUID) (models.ActionPlan, error) {
	plan, ok := s.plans[planID]
	if !ok {
		return models.ActionPlan{}, pgx.ErrNoRows
	}
	return plan, nil
}

func (s *memPlanStore) CreatePlan(ctx context.Context, plan models.ActionPlan, event models.OutboxEvent) (models.ActionPlan, error) {
	plan.PlanID = uuid.New()
	plan.CreatedAt = time.Now().UTC()
	plan.UpdatedAt = plan.CreatedAt
	s.plans[plan.PlanID] = plan
	return plan, nil
}

func (s *memPlanStore) TransitionPlan(ctx context.Context, t repos.PlanTransition) (models.ActionPlan, models.OutboxEvent, error) {
	current := s.plans[t.PlanID]
	if t.Guard != nil {
		if err := t.Guard(current); err != nil {
			return models.ActionPlan{}, models.OutboxEvent{}, err
		}
	}
	event, err := t.Event(current)
	if err != nil {
		return models.ActionPlan{}, models.OutboxEvent{}, err
	}
	event.EventID = uuid.New()
	current.State = t.ToState
	current.UpdatedAt = t.Now
	s.plans[t.PlanID] = current
	return current, event, nil
}

func newTestServer(tasks *memTaskStore, plans *memPlanStore) *http.ServeMux {
	srv := &Server{
		Engine: engine.New(tasks, plans, nil, nil),
		Logger: logx.New("httpapi-test", "test", "", "error"),
	}
	mux := http.NewServeMux()
	srv.Register(mux)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeResp(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	decodeResp(t, rec, &envelope)
	return envelope.Error.Code
}

func TestWorkflowMetadata(t *testing.T) {
	mux := newTestServer(newMemTaskStore(), newMemPlanStore())
	rec := doJSON(t, mux, http.MethodGet, "/api/v1/workflow/metadata", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Kinds []struct {
			Kind         string   `json:"kind"`
			InitialState string   `json:"initial_state"`
			States       []string `json:"states"`
		} `json:"kinds"`
	}
	decodeResp(t, rec, &body)
	if len(body.Kinds) != 2 {
		t.Fatalf("kinds = %+v", body.Kinds)
	}
	seen := map[string]string{}
	for _, k := range body.Kinds {
		seen[k.Kind] = k.InitialState
	}
	if seen[workflow.KindTask] != workflow.TaskStateNew || seen[workflow.KindActionPlan] != workflow.PlanStateDraft {
		t.Fatalf("kinds = %v", seen)
	}
}

func TestCreateTaskEndpoint(t *testing.T) {
	mux := newTestServer(newMemTaskStore(), newMemPlanStore())

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/tasks", map[string]any{
		"title":           "review labs",
		"task_type":       "review",
		"service_area":    "clinic",
		"priority":        "high",
		"idempotency_key": "req-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var task taskResponse
	decodeResp(t, rec, &task)
	if task.State != workflow.TaskStateNew || task.Title != "review labs" {
		t.Fatalf("task = %+v", task)
	}

	// Same key returns the existing task with 200.
	rec = doJSON(t, mux, http.MethodPost, "/api/v1/tasks", map[string]any{
		"title":           "review labs",
		"idempotency_key": "req-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat status = %d", rec.Code)
	}
	var repeat taskResponse
	decodeResp(t, rec, &repeat)
	if repeat.TaskID != task.TaskID {
		t.Fatalf("repeat task id = %s, want %s", repeat.TaskID, task.TaskID)
	}
}

func TestCreateTaskIdempotencyHeader(t *testing.T) {
	tasks := newMemTaskStore()
	mux := newTestServer(tasks, newMemPlanStore())

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(map[string]any{"title": "call patient"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", &buf)
	req.Header.Set("Idempotency-Key", "hdr-9")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := tasks.byKey["hdr-9"]; !ok {
		t.Fatal("header idempotency key not used")
	}
}

func TestCreateTaskValidationErrors(t *testing.T) {
	mux := newTestServer(newMemTaskStore(), newMemPlanStore())

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/tasks", map[string]any{"title": "   "})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "INVALID_ARGUMENT" {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBufferString("{broken"))
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", rec2.Code)
	}
}

func TestTransitionTaskEndpoint(t *testing.T) {
	tasks := newMemTaskStore()
	mux := newTestServer(tasks, newMemPlanStore())
	task := models.Task{TaskID: uuid.New(), Title: "t", State: workflow.TaskStateNew, UpdatedAt: time.Now().UTC()}
	tasks.tasks[task.TaskID] = task

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/tasks/"+task.TaskID.String()+"/transition", map[string]any{
		"target_state": "in_progress",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Kind    string       `json:"kind"`
		EventID uuid.UUID    `json:"event_id"`
		Task    taskResponse `json:"task"`
	}
	decodeResp(t, rec, &body)
	if body.Kind != workflow.KindTask || body.Task.State != workflow.TaskStateInProgress {
		t.Fatalf("body = %+v", body)
	}
	if body.EventID == uuid.Nil {
		t.Fatal("event id missing")
	}
}

func TestTransitionTaskErrors(t *testing.T) {
	tasks := newMemTaskStore()
	mux := newTestServer(tasks, newMemPlanStore())
	task := models.Task{TaskID: uuid.New(), State: workflow.TaskStateCompleted, UpdatedAt: time.Now().UTC()}
	tasks.tasks[task.TaskID] = task

	// Terminal state: 409 with transition details.
	rec := doJSON(t, mux, http.MethodPost, "/api/v1/tasks/"+task.TaskID.String()+"/transition", map[string]any{
		"target_state": "in_progress",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	decodeResp(t, rec, &envelope)
	if envelope.Error.Code != "INVALID_TRANSITION" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
	if envelope.Error.Details["current"] != workflow.TaskStateCompleted {
		t.Fatalf("details = %v", envelope.Error.Details)
	}

	// Unknown task: 404.
	rec = doJSON(t, mux, http.MethodPost, "/api/v1/tasks/"+uuid.NewString()+"/transition", map[string]any{
		"target_state": "in_progress",
	})
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "ENTITY_NOT_FOUND" {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Bad id: 400.
	rec = doJSON(t, mux, http.MethodPost, "/api/v1/tasks/not-a-uuid/transition", map[string]any{
		"target_state": "in_progress",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", rec.Code)
	}

	// Missing target state: 400.
	rec = doJSON(t, mux, http.MethodPost, "/api/v1/tasks/"+task.TaskID.String()+"/transition", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing target status = %d", rec.Code)
	}
}

func TestTransitionConcurrentModification(t *testing.T) {
	tasks := newMemTaskStore()
	mux := newTestServer(tasks, newMemPlanStore())
	task := models.Task{TaskID: uuid.New(), State: workflow.TaskStateNew, UpdatedAt: time.Now().UTC().Truncate(time.Second)}
	tasks.tasks[task.TaskID] = task

	stale := task.UpdatedAt.Add(-time.Minute)
	rec := doJSON(t, mux, http.MethodPost, "/api/v1/tasks/"+task.TaskID.String()+"/transition", map[string]any{
		"target_state":        "in_progress",
		"expected_updated_at": stale.Format(time.RFC3339),
	})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "CONCURRENT_MODIFICATION" {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestActionPlanEndpoints(t *testing.T) {
	plans := newMemPlanStore()
	mux := newTestServer(newMemTaskStore(), plans)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/action-plans", map[string]any{
		"title": "discharge plan",
		"goals": []string{"mobility"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var plan planResponse
	decodeResp(t, rec, &plan)
	if plan.State != workflow.PlanStateDraft {
		t.Fatalf("plan = %+v", plan)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/action-plans/"+plan.PlanID.String()+"/transition", map[string]any{
		"target_state": "active",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("transition status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Kind string       `json:"kind"`
		Plan planResponse `json:"action_plan"`
	}
	decodeResp(t, rec, &body)
	if body.Kind != workflow.KindActionPlan || body.Plan.State != workflow.PlanStateActive {
		t.Fatalf("body = %+v", body)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/action-plans", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing title status = %d", rec.Code)
	}
}
