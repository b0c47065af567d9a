// Package httpapi exposes the workflow core over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"careops-workflow-core/internal/engine"
	"careops-workflow-core/internal/models"
	"careops-workflow-core/internal/repos"
	"careops-workflow-core/internal/workflow"
	"careops-workflow-core/shared/authx"
	"careops-workflow-core/shared/httpx"
	"careops-workflow-core/shared/logx"
)

const defaultListLimit = 50

type Server struct {
	Engine        *engine.Engine
	Tasks         *repos.TasksRepo
	Plans         *repos.ActionPlansRepo
	SLA           *repos.SLARepo
	Outbox        *repos.OutboxRepo
	Notifications *repos.NotificationsRepo
	Logger        logx.Logger
	// InvalidateSLAConfigs is called after an SLA config write so cached
	// readers pick up the change.
	InvalidateSLAConfigs func()
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/workflow/metadata", s.handleWorkflowMetadata)

	mux.HandleFunc("POST /api/v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/transition", s.handleTransitionTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}/sla", s.handleTaskSLARecords)

	mux.HandleFunc("POST /api/v1/action-plans", s.handleCreatePlan)
	mux.HandleFunc("GET /api/v1/action-plans", s.handleListPlans)
	mux.HandleFunc("GET /api/v1/action-plans/{id}", s.handleGetPlan)
	mux.HandleFunc("POST /api/v1/action-plans/{id}/transition", s.handleTransitionPlan)

	mux.HandleFunc("GET /api/v1/sla/configs", s.handleListSLAConfigs)
	mux.HandleFunc("PUT /api/v1/sla/configs", s.handleUpsertSLAConfig)
	mux.HandleFunc("GET /api/v1/sla/configs/{id}", s.handleGetSLAConfig)

	mux.HandleFunc("POST /api/v1/outbox/{id}/requeue", s.handleRequeueEvent)
	mux.HandleFunc("GET /api/v1/outbox/{id}", s.handleGetOutboxEvent)

	mux.HandleFunc("GET /api/v1/notifications", s.handleListNotifications)
}

type taskResponse struct {
	TaskID         uuid.UUID       `json:"task_id"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	TaskType       string          `json:"task_type"`
	ServiceArea    string          `json:"service_area,omitempty"`
	Priority       string          `json:"priority,omitempty"`
	State          string          `json:"state"`
	DueDate        *time.Time      `json:"due_date,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedBy      string          `json:"created_by,omitempty"`
	AssignedTo     string          `json:"assigned_to,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func taskToResponse(t models.Task) taskResponse {
	return taskResponse{
		TaskID:         t.TaskID,
		Title:          t.Title,
		Description:    t.Description,
		TaskType:       t.TaskType,
		ServiceArea:    t.ServiceArea,
		Priority:       t.Priority,
		State:          t.State,
		DueDate:        t.DueDate,
		Metadata:       t.Metadata,
		IdempotencyKey: t.IdempotencyKey,
		CreatedBy:      t.CreatedBy,
		AssignedTo:     t.AssignedTo,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

type planResponse struct {
	PlanID      uuid.UUID       `json:"plan_id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Goals       []string        `json:"goals,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	State       string          `json:"state"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func planToResponse(p models.ActionPlan) planResponse {
	return planResponse{
		PlanID:      p.PlanID,
		Title:       p.Title,
		Description: p.Description,
		Goals:       p.Goals,
		Metadata:    p.Metadata,
		State:       p.State,
		CreatedBy:   p.CreatedBy,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func (s *Server) handleWorkflowMetadata(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"kinds": workflow.Metadata()})
}

type createTaskRequest struct {
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	TaskType       string         `json:"task_type"`
	ServiceArea    string         `json:"service_area"`
	Priority       string         `json:"priority"`
	DueDate        *time.Time     `json:"due_date"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotency_key"`
	AssignedTo     string         `json:"assigned_to"`
	Context        map[string]any `json:"context"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "title is required", nil)
		return
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	actor := actorID(r)

	task, created, err := s.Engine.CreateTask(r.Context(), engine.CreateTaskParams{
		Title:          strings.TrimSpace(req.Title),
		Description:    strings.TrimSpace(req.Description),
		TaskType:       strings.TrimSpace(req.TaskType),
		ServiceArea:    strings.TrimSpace(req.ServiceArea),
		Priority:       strings.TrimSpace(req.Priority),
		DueDate:        req.DueDate,
		Metadata:       req.Metadata,
		IdempotencyKey: key,
		CreatedBy:      actor,
		AssignedTo:     strings.TrimSpace(req.AssignedTo),
		Context:        req.Context,
		ActorID:        actor,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	if state != "" && !workflow.KnownState(workflow.KindTask, workflow.NormalizeState(state)) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown task state", nil)
		return
	}
	limit, offset := listWindow(r)
	tasks, err := s.Tasks.ListTasks(r.Context(), workflow.NormalizeState(state), limit, offset)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list tasks", nil)
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskToResponse(t))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	task, err := s.Tasks.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.WriteError(w, r, http.StatusNotFound, "ENTITY_NOT_FOUND", "task not found", nil)
			return
		}
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load task", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, taskToResponse(task))
}

type transitionRequest struct {
	TargetState       string         `json:"target_state"`
	Context           map[string]any `json:"context"`
	ExpectedUpdatedAt *time.Time     `json:"expected_updated_at"`
}

func (s *Server) handleTransitionTask(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, workflow.KindTask)
}

func (s *Server) handleTransitionPlan(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, workflow.KindActionPlan)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, kind string) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TargetState) == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "target_state is required", nil)
		return
	}

	res, err := s.Engine.ExecuteTransition(r.Context(), engine.TransitionParams{
		Kind:              kind,
		EntityID:          id,
		TargetState:       req.TargetState,
		Context:           req.Context,
		ActorID:           actorID(r),
		ExpectedUpdatedAt: req.ExpectedUpdatedAt,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	body := map[string]any{
		"kind":     res.Kind,
		"event_id": res.Event.EventID,
	}
	if res.Task != nil {
		body["task"] = taskToResponse(*res.Task)
	}
	if res.Plan != nil {
		body["action_plan"] = planToResponse(*res.Plan)
	}
	httpx.WriteJSON(w, http.StatusOK, body)
}

type slaRecordResponse struct {
	RecordID      uuid.UUID  `json:"record_id"`
	TaskID        uuid.UUID  `json:"task_id"`
	ConfigID      uuid.UUID  `json:"config_id"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	TargetMinutes int        `json:"target_minutes"`
	ActualMinutes *int       `json:"actual_minutes,omitempty"`
	Breached      bool       `json:"breached"`
}

func (s *Server) handleTaskSLARecords(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	records, err := s.SLA.ListRecordsForTask(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list SLA records", nil)
		return
	}
	out := make([]slaRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, slaRecordResponse{
			RecordID:      rec.RecordID,
			TaskID:        rec.TaskID,
			ConfigID:      rec.ConfigID,
			StartedAt:     rec.StartedAt,
			CompletedAt:   rec.CompletedAt,
			TargetMinutes: rec.TargetMinutes,
			ActualMinutes: rec.ActualMinutes,
			Breached:      rec.Breached,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"records": out})
}

type createPlanRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Goals       []string       `json:"goals"`
	Metadata    map[string]any `json:"metadata"`
	Context     map[string]any `json:"context"`
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "title is required", nil)
		return
	}
	actor := actorID(r)
	plan, err := s.Engine.CreateActionPlan(r.Context(), engine.CreatePlanParams{
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		Goals:       req.Goals,
		Metadata:    req.Metadata,
		CreatedBy:   actor,
		Context:     req.Context,
		ActorID:     actor,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, planToResponse(plan))
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	if state != "" && !workflow.KnownState(workflow.KindActionPlan, workflow.NormalizeState(state)) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown plan state", nil)
		return
	}
	limit, offset := listWindow(r)
	plans, err := s.Plans.ListPlans(r.Context(), workflow.NormalizeState(state), limit, offset)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list action plans", nil)
		return
	}
	out := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, planToResponse(p))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"action_plans": out})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	plan, err := s.Plans.GetPlan(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.WriteError(w, r, http.StatusNotFound, "ENTITY_NOT_FOUND", "action plan not found", nil)
			return
		}
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load action plan", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, planToResponse(plan))
}

type slaConfigRequest struct {
	ConfigID      *uuid.UUID `json:"config_id"`
	ServiceArea   string     `json:"service_area"`
	TaskType      string     `json:"task_type"`
	TargetMinutes int        `json:"target_minutes"`
	Active        *bool      `json:"active"`
}

type slaConfigResponse struct {
	ConfigID      uuid.UUID `json:"config_id"`
	ServiceArea   string    `json:"service_area"`
	TaskType      string    `json:"task_type,omitempty"`
	TargetMinutes int       `json:"target_minutes"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func slaConfigToResponse(c models.SLAConfig) slaConfigResponse {
	return slaConfigResponse{
		ConfigID:      c.ConfigID,
		ServiceArea:   c.ServiceArea,
		TaskType:      c.TaskType,
		TargetMinutes: c.TargetMinutes,
		Active:        c.Active,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func (s *Server) handleListSLAConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.SLA.ActiveConfigs(r.Context())
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list SLA configs", nil)
		return
	}
	out := make([]slaConfigResponse, 0, len(configs))
	for _, c := range configs {
		out = append(out, slaConfigToResponse(c))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"configs": out})
}

func (s *Server) handleUpsertSLAConfig(w http.ResponseWriter, r *http.Request) {
	var req slaConfigRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ServiceArea) == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "service_area is required", nil)
		return
	}
	if req.TargetMinutes <= 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "target_minutes must be > 0", nil)
		return
	}
	cfg := models.SLAConfig{
		ServiceArea:   strings.TrimSpace(req.ServiceArea),
		TaskType:      strings.TrimSpace(req.TaskType),
		TargetMinutes: req.TargetMinutes,
		Active:        true,
	}
	if req.ConfigID != nil {
		cfg.ConfigID = *req.ConfigID
	}
	if req.Active != nil {
		cfg.Active = *req.Active
	}
	stored, err := s.SLA.UpsertConfig(r.Context(), cfg)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to store SLA config", nil)
		return
	}
	if s.InvalidateSLAConfigs != nil {
		s.InvalidateSLAConfigs()
	}
	httpx.WriteJSON(w, http.StatusOK, slaConfigToResponse(stored))
}

func (s *Server) handleGetSLAConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	cfg, err := s.SLA.GetConfig(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.WriteError(w, r, http.StatusNotFound, "ENTITY_NOT_FOUND", "SLA config not found", nil)
			return
		}
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load SLA config", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, slaConfigToResponse(cfg))
}

func (s *Server) handleRequeueEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	event, err := s.Outbox.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.WriteError(w, r, http.StatusNotFound, "ENTITY_NOT_FOUND", "event not found", nil)
			return
		}
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load event", nil)
		return
	}
	if event.Status != repos.OutboxStatusDead && event.Status != repos.OutboxStatusProcessed {
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", "only dead or processed events can be requeued", map[string]any{"status": event.Status})
		return
	}
	if err := s.Outbox.Requeue(r.Context(), id); err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to requeue event", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"event_id": id, "status": repos.OutboxStatusPending})
}

func (s *Server) handleGetOutboxEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	event, err := s.Outbox.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.WriteError(w, r, http.StatusNotFound, "ENTITY_NOT_FOUND", "event not found", nil)
			return
		}
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load event", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"event_id":       event.EventID,
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"event_data":     json.RawMessage(event.EventData),
		"correlation_id": event.CorrelationID,
		"actor_id":       event.ActorID,
		"status":         event.Status,
		"attempts":       event.Attempts,
		"next_retry_at":  event.NextRetryAt,
		"last_error":     event.LastError,
		"created_at":     event.CreatedAt,
		"processed_at":   event.ProcessedAt,
	})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, offset := listWindow(r)
	notifications, err := s.Notifications.List(r.Context(), limit, offset)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list notifications", nil)
		return
	}
	out := make([]map[string]any, 0, len(notifications))
	for _, n := range notifications {
		out = append(out, map[string]any{
			"notification_id": n.NotificationID,
			"alert_type":      n.AlertType,
			"severity":        n.Severity,
			"message":         n.Message,
			"context":         json.RawMessage(n.Context),
			"created_at":      n.CreatedAt,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

// writeEngineError maps engine error codes onto the HTTP error envelope.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := engine.Code(err)
	var details any
	var invalid *engine.InvalidTransitionError
	if errors.As(err, &invalid) {
		details = map[string]any{
			"kind":    invalid.Kind,
			"current": invalid.Current,
			"target":  invalid.Target,
		}
	}
	switch code {
	case "ENTITY_NOT_FOUND":
		httpx.WriteError(w, r, http.StatusNotFound, code, "entity not found", details)
	case "PERMISSION_DENIED":
		httpx.WriteError(w, r, http.StatusForbidden, code, "permission denied", details)
	case "INVALID_TRANSITION":
		httpx.WriteError(w, r, http.StatusConflict, code, "transition not allowed", details)
	case "CONCURRENT_MODIFICATION":
		httpx.WriteError(w, r, http.StatusConflict, code, "entity changed since read", details)
	default:
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "operation failed", nil)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dest); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := strings.TrimSpace(r.PathValue(name))
	id, err := uuid.Parse(raw)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func listWindow(r *http.Request) (int, int) {
	limit := defaultListLimit
	offset := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("offset")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func actorID(r *http.Request) string {
	if auth, ok := authx.FromContext(r.Context()); ok && auth.Subject != "" {
		return auth.Subject
	}
	return "anonymous"
}
