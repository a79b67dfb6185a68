package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/ahg-platform/be-workflow/internal/errors"
	"github.com/ahg-platform/be-workflow/internal/logger"
	"github.com/ahg-platform/be-workflow/internal/middleware"
	"github.com/ahg-platform/be-workflow/internal/repository"
	"github.com/ahg-platform/be-workflow/internal/service"
)

// HTTPHandler exposes the workflow engine over HTTP. The acting user is taken
// from the X-User-ID header set by the platform gateway.
type HTTPHandler struct {
	definitions *service.DefinitionService
	engine      *service.EngineService
	pool        *service.PoolService
	stats       *service.StatsService
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	definitions *service.DefinitionService,
	engine *service.EngineService,
	pool *service.PoolService,
	stats *service.StatsService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		definitions: definitions,
		engine:      engine,
		pool:        pool,
		stats:       stats,
		log:         log,
	}
}

// RegisterRoutes attaches all endpoints to the mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /api/v1/workflows", h.CreateWorkflow)
	mux.HandleFunc("GET /api/v1/workflows", h.ListWorkflows)
	mux.HandleFunc("GET /api/v1/workflows/{id}", h.GetWorkflow)
	mux.HandleFunc("PUT /api/v1/workflows/{id}", h.UpdateWorkflow)
	mux.HandleFunc("DELETE /api/v1/workflows/{id}", h.DeleteWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{id}/disable", h.DisableWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{id}/steps", h.AddStep)
	mux.HandleFunc("PUT /api/v1/workflows/{id}/steps/order", h.ReorderSteps)
	mux.HandleFunc("PUT /api/v1/steps/{id}", h.EditStep)
	mux.HandleFunc("DELETE /api/v1/steps/{id}", h.DeleteStep)

	mux.HandleFunc("POST /api/v1/instances", h.StartWorkflow)
	mux.HandleFunc("GET /api/v1/instances/{id}", h.GetInstance)
	mux.HandleFunc("POST /api/v1/instances/{id}/cancel", h.CancelWorkflow)
	mux.HandleFunc("GET /api/v1/instances/{id}/history", h.InstanceHistory)
	mux.HandleFunc("GET /api/v1/objects/{type}/{id}/history", h.ObjectHistory)

	mux.HandleFunc("GET /api/v1/tasks/pool", h.TaskPool)
	mux.HandleFunc("GET /api/v1/tasks/mine", h.MyTasks)
	mux.HandleFunc("GET /api/v1/tasks/summary", h.TasksSummary)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.GetTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/claim", h.ClaimTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/release", h.ReleaseTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/approve", h.ApproveTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/reject", h.RejectTask)

	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/stats/activity", h.RecentActivity)
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Workflow definitions ─────────────────────────────────────────────────────

// CreateWorkflow creates an empty workflow definition.
func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req service.CreateWorkflowRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.CreatedBy = actor

	def, err := h.definitions.CreateWorkflow(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toDefinitionResponse(def))
}

// ListWorkflows lists definitions; ?active=true filters to active ones.
func (h *HTTPHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	defs, err := h.definitions.ListWorkflows(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]*definitionResponse, 0, len(defs))
	for _, def := range defs {
		out = append(out, toDefinitionResponse(def))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": out})
}

// GetWorkflow returns one definition with its steps.
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := h.definitions.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toDefinitionResponse(def))
}

// UpdateWorkflow edits a definition's metadata.
func (h *HTTPHandler) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	var req service.UpdateWorkflowRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = r.PathValue("id")

	def, err := h.definitions.UpdateWorkflow(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toDefinitionResponse(def))
}

// DisableWorkflow retires a definition.
func (h *HTTPHandler) DisableWorkflow(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	if err := h.definitions.DisableWorkflow(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteWorkflow removes a definition that has never been instantiated.
func (h *HTTPHandler) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	if err := h.definitions.DeleteWorkflow(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddStep inserts a step into a definition.
func (h *HTTPHandler) AddStep(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	var req service.AddStepRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.WorkflowID = r.PathValue("id")

	step, err := h.definitions.AddStep(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toStepResponse(step))
}

// EditStep edits a step in place.
func (h *HTTPHandler) EditStep(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	var req service.EditStepRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.StepID = r.PathValue("id")

	step, err := h.definitions.EditStep(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toStepResponse(step))
}

// DeleteStep removes a step not referenced by any active instance.
func (h *HTTPHandler) DeleteStep(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	if err := h.definitions.DeleteStep(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reorderRequest struct {
	StepIDs []string `json:"step_ids"`
}

// ReorderSteps atomically reassigns step order.
func (h *HTTPHandler) ReorderSteps(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}

	var req reorderRequest
	if !h.decode(w, r, &req) {
		return
	}

	workflowID := r.PathValue("id")
	if err := h.definitions.ReorderSteps(r.Context(), workflowID, req.StepIDs); err != nil {
		h.writeError(w, r, err)
		return
	}

	def, err := h.definitions.GetWorkflow(r.Context(), workflowID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toDefinitionResponse(def))
}

// ── Instances ────────────────────────────────────────────────────────────────

type startRequest struct {
	ObjectID   string `json:"object_id"`
	ObjectType string `json:"object_type"`
	WorkflowID string `json:"workflow_id"`
}

// StartWorkflow starts an instance for an object.
func (h *HTTPHandler) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}

	inst, err := h.engine.StartWorkflow(r.Context(), req.ObjectID, req.ObjectType, req.WorkflowID, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toInstanceResponse(inst))
}

// GetInstance returns one instance.
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.engine.GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toInstanceResponse(inst))
}

// CancelWorkflow administratively terminates an instance.
func (h *HTTPHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	inst, err := h.engine.CancelWorkflow(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toInstanceResponse(inst))
}

// InstanceHistory returns an instance's audit trail, oldest first.
func (h *HTTPHandler) InstanceHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"events": toEventResponses(events)})
}

// ObjectHistory returns the audit trail across every instance of an object.
func (h *HTTPHandler) ObjectHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.ObjectHistory(r.Context(), r.PathValue("id"), r.PathValue("type"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"events": toEventResponses(events)})
}

// ── Tasks ────────────────────────────────────────────────────────────────────

// TaskPool lists open tasks; ?role= filters to one required role.
func (h *HTTPHandler) TaskPool(w http.ResponseWriter, r *http.Request) {
	var role *string
	if v := r.URL.Query().Get("role"); v != "" {
		role = &v
	}

	views, err := h.pool.ListPool(r.Context(), role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": toTaskViewResponses(views)})
}

// MyTasks lists the tasks the caller currently holds.
func (h *HTTPHandler) MyTasks(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	views, err := h.pool.MyTasks(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": toTaskViewResponses(views)})
}

// TasksSummary returns the caller's claimed-task and submission counters.
func (h *HTTPHandler) TasksSummary(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	summary, err := h.stats.TasksSummary(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// GetTask returns one task with its instance's audit trail.
func (h *HTTPHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	view, events, err := h.pool.ViewTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"task":    toTaskViewResponse(view),
		"history": toEventResponses(events),
	})
}

// ClaimTask assigns a pending task to the caller.
func (h *HTTPHandler) ClaimTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	task, err := h.pool.Claim(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTaskResponse(task))
}

// ReleaseTask returns a claimed task to the pool.
func (h *HTTPHandler) ReleaseTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	if err := h.pool.Release(r.Context(), r.PathValue("id"), actor); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type decisionRequest struct {
	Comment *string `json:"comment"`
}

// ApproveTask records an approval on the caller's claimed task.
func (h *HTTPHandler) ApproveTask(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, repository.DecisionApprove)
}

// RejectTask records a rejection; a comment is required.
func (h *HTTPHandler) RejectTask(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, repository.DecisionReject)
}

func (h *HTTPHandler) decide(w http.ResponseWriter, r *http.Request, decision repository.Decision) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	// The comment is optional on approval, so an empty body is accepted.
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		h.writeError(w, r, errors.New(errors.ErrCodeValidation, "invalid request body"))
		return
	}

	inst, err := h.engine.AdvanceTask(r.Context(), r.PathValue("id"), decision, actor, req.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toInstanceResponse(inst))
}

// ── Stats ────────────────────────────────────────────────────────────────────

// Stats returns the dashboard counters.
func (h *HTTPHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// RecentActivity returns the newest audit events; ?limit= caps the count.
func (h *HTTPHandler) RecentActivity(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, errors.InvalidInput("limit", "must be an integer"))
			return
		}
		limit = n
	}

	events, err := h.stats.RecentActivity(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"events": toEventResponses(events)})
}

// ── helpers ──────────────────────────────────────────────────────────────────

// actor resolves the acting user. Mutating and per-user endpoints require it.
func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		h.writeError(w, r, errors.New(errors.ErrCodeUnauthorized, "X-User-ID header is required"))
		return "", false
	}
	return userID, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, errors.New(errors.ErrCodeValidation, "invalid request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

type errorBody struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(err)

	ev := h.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = h.log.Error()
	}
	ev.Err(err).
		Str("request_id", middleware.GetRequestID(r.Context())).
		Str("path", r.URL.Path).
		Str("code", string(code)).
		Msg("Request failed")

	h.writeJSON(w, status, map[string]errorBody{
		"error": {Code: code, Message: errors.MessageOf(err)},
	})
}
