package service

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/ahg-platform/be-workflow/internal/database"
	"github.com/ahg-platform/be-workflow/internal/errors"
	"github.com/ahg-platform/be-workflow/internal/logger"
	"github.com/ahg-platform/be-workflow/internal/repository"
)

// DefinitionService manages workflow definitions and their ordered steps.
// Ordering invariants (unique, contiguous step orders) are maintained here;
// running instances are insulated from edits by their snapshot, so
// definitions may be edited freely except for the in-use guards on deletion.
type DefinitionService struct {
	db   *database.DB
	defs *repository.DefinitionRepository
	log  *logger.Logger
}

// NewDefinitionService creates a new DefinitionService.
func NewDefinitionService(db *database.DB, defs *repository.DefinitionRepository, log *logger.Logger) *DefinitionService {
	return &DefinitionService{db: db, defs: defs, log: log}
}

// CreateWorkflowRequest carries the fields for a new definition.
type CreateWorkflowRequest struct {
	Name        string   `json:"name"`
	Description *string  `json:"description"`
	EntityTypes []string `json:"entity_types"`
	CreatedBy   string   `json:"-"`
}

// CreateWorkflow creates an empty definition; steps are added separately.
func (s *DefinitionService) CreateWorkflow(ctx context.Context, req *CreateWorkflowRequest) (*repository.WorkflowDefinition, error) {
	if req.Name == "" {
		return nil, errors.InvalidInput("name", "workflow name is required")
	}
	if len(req.EntityTypes) == 0 {
		return nil, errors.InvalidInput("entity_types", "at least one entity type is required")
	}

	def := &repository.WorkflowDefinition{
		Name:        req.Name,
		Description: req.Description,
		EntityTypes: req.EntityTypes,
		IsActive:    true,
	}
	if req.CreatedBy != "" {
		def.CreatedBy = &req.CreatedBy
	}

	if err := s.defs.Create(ctx, def); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow definition")
	}

	s.log.Info().
		Str("workflow_id", def.ID).
		Str("name", def.Name).
		Msg("Workflow definition created")

	return def, nil
}

// GetWorkflow returns a definition with its steps.
func (s *DefinitionService) GetWorkflow(ctx context.Context, id string) (*repository.WorkflowDefinition, error) {
	return s.defs.GetByID(ctx, id)
}

// ListWorkflows returns all definitions, optionally only active ones.
func (s *DefinitionService) ListWorkflows(ctx context.Context, activeOnly bool) ([]*repository.WorkflowDefinition, error) {
	return s.defs.List(ctx, activeOnly)
}

// UpdateWorkflowRequest carries editable definition fields.
type UpdateWorkflowRequest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description *string  `json:"description"`
	EntityTypes []string `json:"entity_types"`
	IsActive    *bool    `json:"is_active"`
}

// UpdateWorkflow edits a definition. Editing is allowed while instances run;
// their snapshots are unaffected.
func (s *DefinitionService) UpdateWorkflow(ctx context.Context, req *UpdateWorkflowRequest) (*repository.WorkflowDefinition, error) {
	def, err := s.defs.GetByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	if req.Name != "" {
		def.Name = req.Name
	}
	if req.Description != nil {
		def.Description = req.Description
	}
	if len(req.EntityTypes) > 0 {
		def.EntityTypes = req.EntityTypes
	}
	if req.IsActive != nil {
		def.IsActive = *req.IsActive
	}

	if err := s.defs.Update(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// DisableWorkflow retires a definition without deleting it.
func (s *DefinitionService) DisableWorkflow(ctx context.Context, id string) error {
	if err := s.defs.SetActive(ctx, id, false); err != nil {
		return err
	}
	s.log.Info().Str("workflow_id", id).Msg("Workflow definition disabled")
	return nil
}

// DeleteWorkflow removes a definition and its steps. Disallowed while any
// instance of any status references it; disable instead for retirement.
func (s *DefinitionService) DeleteWorkflow(ctx context.Context, id string) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		defs := s.defs.WithTx(tx)

		n, err := defs.CountInstances(ctx, id)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to count instances")
		}
		if n > 0 {
			return errors.Newf(errors.ErrCodeState,
				"workflow has %d instances and cannot be deleted; disable it instead", n)
		}

		return defs.Delete(ctx, id)
	})
}

// ── Steps ────────────────────────────────────────────────────────────────────

// AddStepRequest carries the fields for a new step.
type AddStepRequest struct {
	WorkflowID       string  `json:"workflow_id"`
	Name             string  `json:"name"`
	RequiredRole     string  `json:"required_role"`
	SendBackOnReject bool    `json:"send_back_on_reject"`
	Instructions     *string `json:"instructions"`
	// Position is the 1-based insertion point; 0 or absent appends.
	Position int `json:"position"`
}

// AddStep inserts a step, renumbering subsequent steps so orders stay
// contiguous. The whole edit is one transaction.
func (s *DefinitionService) AddStep(ctx context.Context, req *AddStepRequest) (*repository.WorkflowStep, error) {
	if req.Name == "" {
		return nil, errors.InvalidInput("name", "step name is required")
	}
	if req.RequiredRole == "" {
		return nil, errors.InvalidInput("required_role", "step role is required")
	}
	if req.Position < 0 {
		return nil, errors.InvalidInput("position", "position cannot be negative")
	}

	step := &repository.WorkflowStep{
		WorkflowID:       req.WorkflowID,
		Name:             req.Name,
		RequiredRole:     req.RequiredRole,
		SendBackOnReject: req.SendBackOnReject,
		Instructions:     req.Instructions,
	}

	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		defs := s.defs.WithTx(tx)

		// Definition must exist.
		if _, err := defs.GetByID(ctx, req.WorkflowID); err != nil {
			return err
		}

		max, err := defs.MaxStepOrder(ctx, req.WorkflowID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to read step orders")
		}

		step.StepOrder = req.Position
		if step.StepOrder == 0 || step.StepOrder > max+1 {
			step.StepOrder = max + 1
		}

		return defs.InsertStepAt(ctx, step)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", req.WorkflowID).
		Str("step_id", step.ID).
		Int("step_order", step.StepOrder).
		Msg("Workflow step added")

	return step, nil
}

// EditStepRequest carries editable step fields. The parent workflow cannot change.
type EditStepRequest struct {
	StepID           string  `json:"step_id"`
	Name             string  `json:"name"`
	RequiredRole     string  `json:"required_role"`
	SendBackOnReject *bool   `json:"send_back_on_reject"`
	Instructions     *string `json:"instructions"`
}

// EditStep edits a step in place. Order changes go through ReorderSteps.
func (s *DefinitionService) EditStep(ctx context.Context, req *EditStepRequest) (*repository.WorkflowStep, error) {
	step, err := s.defs.GetStep(ctx, req.StepID)
	if err != nil {
		return nil, err
	}

	if req.Name != "" {
		step.Name = req.Name
	}
	if req.RequiredRole != "" {
		step.RequiredRole = req.RequiredRole
	}
	if req.SendBackOnReject != nil {
		step.SendBackOnReject = *req.SendBackOnReject
	}
	if req.Instructions != nil {
		step.Instructions = req.Instructions
	}

	if err := s.defs.UpdateStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// DeleteStep removes a step unless an active instance's snapshot still
// references it. The delete and renumber are atomic; a rejected delete leaves
// all steps unchanged.
func (s *DefinitionService) DeleteStep(ctx context.Context, stepID string) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		defs := s.defs.WithTx(tx)

		step, err := defs.GetStep(ctx, stepID)
		if err != nil {
			return err
		}

		inUse, err := defs.CountStepInActiveSnapshots(ctx, stepID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check step usage")
		}
		if inUse > 0 {
			return errors.Newf(errors.ErrCodeState,
				"step is referenced by %d active instances and cannot be deleted", inUse)
		}

		return defs.DeleteStep(ctx, step)
	})
}

// ReorderSteps atomically reassigns step orders to follow orderedStepIDs.
// Rejected unless the given id set exactly matches the definition's current
// steps. Existing instance snapshots are unaffected.
func (s *DefinitionService) ReorderSteps(ctx context.Context, workflowID string, orderedStepIDs []string) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		defs := s.defs.WithTx(tx)

		current, err := defs.GetSteps(ctx, workflowID)
		if err != nil {
			return err
		}
		if len(current) != len(orderedStepIDs) {
			return errors.InvalidInput("step_ids",
				"reorder must list every step of the workflow exactly once")
		}

		existing := make(map[string]bool, len(current))
		for _, st := range current {
			existing[st.ID] = true
		}
		seen := make(map[string]bool, len(orderedStepIDs))
		for _, id := range orderedStepIDs {
			if !existing[id] {
				return errors.InvalidInput("step_ids", "unknown step id "+id)
			}
			if seen[id] {
				return errors.InvalidInput("step_ids", "duplicate step id "+id)
			}
			seen[id] = true
		}

		return defs.Reorder(ctx, workflowID, orderedStepIDs)
	})
}
