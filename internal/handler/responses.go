package handler

import (
	"time"

	"github.com/ahg-platform/be-workflow/internal/repository"
)

// Response shapes are decoupled from the repository types so storage changes
// never leak into the wire format.

type definitionResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description *string         `json:"description,omitempty"`
	EntityTypes []string        `json:"entity_types"`
	IsActive    bool            `json:"is_active"`
	CreatedBy   *string         `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Steps       []*stepResponse `json:"steps"`
}

type stepResponse struct {
	ID               string  `json:"id"`
	WorkflowID       string  `json:"workflow_id"`
	Name             string  `json:"name"`
	StepOrder        int     `json:"step_order"`
	RequiredRole     string  `json:"required_role"`
	SendBackOnReject bool    `json:"send_back_on_reject"`
	Instructions     *string `json:"instructions,omitempty"`
}

type snapshotStepResponse struct {
	StepID           string `json:"step_id"`
	Name             string `json:"name"`
	RequiredRole     string `json:"required_role"`
	SendBackOnReject bool   `json:"send_back_on_reject"`
}

type instanceResponse struct {
	ID               string                 `json:"id"`
	WorkflowID       string                 `json:"workflow_id"`
	ObjectID         string                 `json:"object_id"`
	ObjectType       string                 `json:"object_type"`
	Status           string                 `json:"status"`
	CurrentStepIndex int                    `json:"current_step_index"`
	Snapshot         []snapshotStepResponse `json:"steps"`
	SubmittedBy      string                 `json:"submitted_by"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

type taskResponse struct {
	ID              string     `json:"id"`
	InstanceID      string     `json:"instance_id"`
	StepIndex       int        `json:"step_index"`
	Status          string     `json:"status"`
	ClaimantID      *string    `json:"claimant_id,omitempty"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	DecisionComment *string    `json:"decision_comment,omitempty"`
	DecidedBy       *string    `json:"decided_by,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type taskViewResponse struct {
	taskResponse
	ObjectID     string `json:"object_id"`
	ObjectType   string `json:"object_type"`
	WorkflowName string `json:"workflow_name"`
	StepName     string `json:"step_name"`
	RequiredRole string `json:"required_role"`
}

type eventResponse struct {
	ID         string                 `json:"id"`
	InstanceID string                 `json:"instance_id"`
	TaskID     *string                `json:"task_id,omitempty"`
	ObjectID   string                 `json:"object_id"`
	ObjectType string                 `json:"object_type"`
	Action     string                 `json:"action"`
	ActorID    string                 `json:"actor_id"`
	FromStatus *string                `json:"from_status,omitempty"`
	ToStatus   *string                `json:"to_status,omitempty"`
	Comment    *string                `json:"comment,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

func toDefinitionResponse(def *repository.WorkflowDefinition) *definitionResponse {
	steps := make([]*stepResponse, 0, len(def.Steps))
	for _, st := range def.Steps {
		steps = append(steps, toStepResponse(st))
	}
	return &definitionResponse{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		EntityTypes: def.EntityTypes,
		IsActive:    def.IsActive,
		CreatedBy:   def.CreatedBy,
		CreatedAt:   def.CreatedAt,
		UpdatedAt:   def.UpdatedAt,
		Steps:       steps,
	}
}

func toStepResponse(st *repository.WorkflowStep) *stepResponse {
	return &stepResponse{
		ID:               st.ID,
		WorkflowID:       st.WorkflowID,
		Name:             st.Name,
		StepOrder:        st.StepOrder,
		RequiredRole:     st.RequiredRole,
		SendBackOnReject: st.SendBackOnReject,
		Instructions:     st.Instructions,
	}
}

func toInstanceResponse(inst *repository.WorkflowInstance) *instanceResponse {
	snapshot := make([]snapshotStepResponse, len(inst.Snapshot))
	for i, st := range inst.Snapshot {
		snapshot[i] = snapshotStepResponse{
			StepID:           st.StepID,
			Name:             st.Name,
			RequiredRole:     st.RequiredRole,
			SendBackOnReject: st.SendBackOnReject,
		}
	}
	return &instanceResponse{
		ID:               inst.ID,
		WorkflowID:       inst.WorkflowID,
		ObjectID:         inst.ObjectID,
		ObjectType:       inst.ObjectType,
		Status:           string(inst.Status),
		CurrentStepIndex: inst.CurrentStepIndex,
		Snapshot:         snapshot,
		SubmittedBy:      inst.SubmittedBy,
		StartedAt:        inst.StartedAt,
		CompletedAt:      inst.CompletedAt,
	}
}

func toTaskResponse(t *repository.Task) *taskResponse {
	return &taskResponse{
		ID:              t.ID,
		InstanceID:      t.InstanceID,
		StepIndex:       t.StepIndex,
		Status:          string(t.Status),
		ClaimantID:      t.ClaimantID,
		ClaimedAt:       t.ClaimedAt,
		DecisionComment: t.DecisionComment,
		DecidedBy:       t.DecidedBy,
		DecidedAt:       t.DecidedAt,
		CreatedAt:       t.CreatedAt,
	}
}

func toTaskViewResponse(v *repository.TaskView) *taskViewResponse {
	return &taskViewResponse{
		taskResponse: *toTaskResponse(&v.Task),
		ObjectID:     v.ObjectID,
		ObjectType:   v.ObjectType,
		WorkflowName: v.WorkflowName,
		StepName:     v.StepName,
		RequiredRole: v.RequiredRole,
	}
}

func toTaskViewResponses(views []*repository.TaskView) []*taskViewResponse {
	out := make([]*taskViewResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toTaskViewResponse(v))
	}
	return out
}

func toEventResponses(events []*repository.AuditEvent) []*eventResponse {
	out := make([]*eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, &eventResponse{
			ID:         ev.ID,
			InstanceID: ev.InstanceID,
			TaskID:     ev.TaskID,
			ObjectID:   ev.ObjectID,
			ObjectType: ev.ObjectType,
			Action:     string(ev.Action),
			ActorID:    ev.ActorID,
			FromStatus: ev.FromStatus,
			ToStatus:   ev.ToStatus,
			Comment:    ev.Comment,
			Metadata:   ev.Metadata,
			OccurredAt: ev.OccurredAt,
		})
	}
	return out
}
