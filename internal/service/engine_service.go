package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ahg-platform/be-workflow/internal/client"
	"github.com/ahg-platform/be-workflow/internal/database"
	"github.com/ahg-platform/be-workflow/internal/errors"
	"github.com/ahg-platform/be-workflow/internal/logger"
	"github.com/ahg-platform/be-workflow/internal/repository"
)

// EngineService orchestrates instance creation and step transitions. Every
// mutating operation runs as one transaction against the affected instance
// and task rows, so a racing advance or claim can never leave two open tasks
// for one instance. Collaborator notifications fire after commit.
type EngineService struct {
	db        *database.DB
	defs      *repository.DefinitionRepository
	instances *repository.InstanceRepository
	tasks     *repository.TaskRepository
	audit     *repository.AuditRepository
	validator *TransitionValidator
	records   client.RecordStore
	notifier  *client.NotificationPublisher
	log       *logger.Logger
}

// NewEngineService creates a new EngineService.
func NewEngineService(
	db *database.DB,
	defs *repository.DefinitionRepository,
	instances *repository.InstanceRepository,
	tasks *repository.TaskRepository,
	audit *repository.AuditRepository,
	validator *TransitionValidator,
	records client.RecordStore,
	notifier *client.NotificationPublisher,
	log *logger.Logger,
) *EngineService {
	return &EngineService{
		db:        db,
		defs:      defs,
		instances: instances,
		tasks:     tasks,
		audit:     audit,
		validator: validator,
		records:   records,
		notifier:  notifier,
		log:       log,
	}
}

// ── Start ────────────────────────────────────────────────────────────────────

// StartWorkflow copies the definition's current step sequence into a new
// instance snapshot and opens the first step's task. Later edits to the
// definition never touch the snapshot.
func (s *EngineService) StartWorkflow(ctx context.Context, objectID, objectType, workflowID, submittedBy string) (*repository.WorkflowInstance, error) {
	if objectID == "" {
		return nil, errors.InvalidInput("object_id", "object id is required")
	}

	var inst *repository.WorkflowInstance
	var firstTask *repository.Task

	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		defs := s.defs.WithTx(tx)
		instances := s.instances.WithTx(tx)
		tasks := s.tasks.WithTx(tx)

		def, err := defs.GetByID(ctx, workflowID)
		if err != nil {
			return err
		}
		if !def.IsActive {
			return errors.NotFound("workflow_definition", workflowID)
		}
		if !appliesTo(def, objectType) {
			return errors.Newf(errors.ErrCodeNotFound,
				"workflow %q does not apply to entity type %q", def.Name, objectType)
		}
		if len(def.Steps) == 0 {
			return errors.InvalidInput("workflow_id", "workflow has no steps")
		}

		existing, err := instances.GetActiveByObject(ctx, objectID, objectType)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check active instances")
		}
		if existing != nil {
			return errors.New(errors.ErrCodeConflict, "object is already in an active workflow")
		}

		snapshot := make([]repository.SnapshotStep, len(def.Steps))
		for i, st := range def.Steps {
			snapshot[i] = repository.SnapshotStep{
				StepID:           st.ID,
				Name:             st.Name,
				RequiredRole:     st.RequiredRole,
				SendBackOnReject: st.SendBackOnReject,
			}
		}

		inst = &repository.WorkflowInstance{
			WorkflowID:       workflowID,
			ObjectID:         objectID,
			ObjectType:       objectType,
			Snapshot:         snapshot,
			CurrentStepIndex: 0,
			Status:           repository.InstanceActive,
			SubmittedBy:      submittedBy,
		}
		if err := instances.Create(ctx, inst); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow instance")
		}

		firstTask = &repository.Task{
			InstanceID: inst.ID,
			StepIndex:  0,
			Status:     repository.TaskPending,
		}
		if err := tasks.Create(ctx, firstTask); err != nil {
			return err
		}

		active := string(repository.InstanceActive)
		return s.audit.WithTx(tx).Append(ctx, &repository.AuditEvent{
			InstanceID: inst.ID,
			TaskID:     &firstTask.ID,
			ObjectID:   objectID,
			ObjectType: objectType,
			Action:     repository.ActionStarted,
			ActorID:    submittedBy,
			ToStatus:   &active,
			Metadata:   map[string]interface{}{"workflow_id": workflowID, "total_steps": len(inst.Snapshot)},
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("object_id", objectID).
		Str("workflow_id", workflowID).
		Int("total_steps", len(inst.Snapshot)).
		Msg("Workflow started")

	s.notifier.Publish(ctx, &client.WorkflowEvent{
		EventType:  "started",
		InstanceID: inst.ID,
		TaskID:     firstTask.ID,
		ObjectID:   objectID,
		ObjectType: objectType,
		ActorID:    submittedBy,
		Payload:    map[string]interface{}{"step_name": inst.Snapshot[0].Name},
	})

	return inst, nil
}

// ── Advance ──────────────────────────────────────────────────────────────────

// advanceOutcome carries post-commit side effects out of the transaction.
type advanceOutcome struct {
	event          string
	notifyPublish  bool
	notifyWithdraw bool
	reason         string
	nextTaskID     string
}

// Advance is the single transition entry point: it records the actor's
// decision on the instance's claimed task and moves the instance, all in one
// atomic operation. Any failure leaves the task and instance untouched.
func (s *EngineService) Advance(ctx context.Context, instanceID string, decision repository.Decision, actorID string, comment *string) (*repository.WorkflowInstance, error) {
	if decision == repository.DecisionReject && (comment == nil || *comment == "") {
		return nil, errors.InvalidInput("comment", "rejection reason is required")
	}

	var inst *repository.WorkflowInstance
	var outcome advanceOutcome

	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		instances := s.instances.WithTx(tx)
		tasks := s.tasks.WithTx(tx)
		audit := s.audit.WithTx(tx)

		var err error
		inst, err = instances.GetByIDForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != repository.InstanceActive {
			return errors.Newf(errors.ErrCodeState, "instance is %s, no further transitions", inst.Status)
		}

		task, err := tasks.GetOpenByInstance(ctx, instanceID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to load current task")
		}
		if task == nil {
			return errors.New(errors.ErrCodeState, "instance has no open task")
		}

		step := inst.CurrentStep()
		if err := s.validator.CanDecide(ctx, task, step, actorID, decision); err != nil {
			return err
		}

		switch decision {
		case repository.DecisionApprove:
			return s.approve(ctx, instances, tasks, audit, inst, task, actorID, comment, &outcome)
		default:
			return s.reject(ctx, instances, tasks, audit, inst, task, step, actorID, comment, &outcome)
		}
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("decision", string(decision)).
		Str("actor_id", actorID).
		Str("instance_status", string(inst.Status)).
		Msg("Workflow advanced")

	s.afterAdvance(ctx, inst, actorID, &outcome)
	return inst, nil
}

func (s *EngineService) approve(
	ctx context.Context,
	instances *repository.InstanceRepository,
	tasks *repository.TaskRepository,
	audit *repository.AuditRepository,
	inst *repository.WorkflowInstance,
	task *repository.Task,
	actorID string,
	comment *string,
	outcome *advanceOutcome,
) error {
	if err := tasks.Close(ctx, task.ID, repository.TaskApproved, actorID, comment); err != nil {
		return err
	}

	from, to := string(repository.TaskClaimed), string(repository.TaskApproved)
	metadata := map[string]interface{}{"step_index": task.StepIndex}

	if task.StepIndex < inst.LastStepIndex() {
		next := &repository.Task{
			InstanceID: inst.ID,
			StepIndex:  task.StepIndex + 1,
			Status:     repository.TaskPending,
		}
		if err := tasks.Create(ctx, next); err != nil {
			return err
		}
		if err := instances.SetCurrentStep(ctx, inst.ID, next.StepIndex); err != nil {
			return err
		}
		inst.CurrentStepIndex = next.StepIndex
		outcome.event = "approved"
		outcome.nextTaskID = next.ID
	} else {
		now := time.Now()
		if err := instances.SetStatus(ctx, inst.ID, repository.InstanceCompleted, &now); err != nil {
			return err
		}
		inst.Status = repository.InstanceCompleted
		inst.CompletedAt = &now
		metadata["instance_status"] = string(repository.InstanceCompleted)
		outcome.event = "completed"
		outcome.notifyPublish = true
	}

	return audit.Append(ctx, &repository.AuditEvent{
		InstanceID: inst.ID,
		TaskID:     &task.ID,
		ObjectID:   inst.ObjectID,
		ObjectType: inst.ObjectType,
		Action:     repository.ActionApproved,
		ActorID:    actorID,
		FromStatus: &from,
		ToStatus:   &to,
		Comment:    comment,
		Metadata:   metadata,
	})
}

func (s *EngineService) reject(
	ctx context.Context,
	instances *repository.InstanceRepository,
	tasks *repository.TaskRepository,
	audit *repository.AuditRepository,
	inst *repository.WorkflowInstance,
	task *repository.Task,
	step repository.SnapshotStep,
	actorID string,
	comment *string,
	outcome *advanceOutcome,
) error {
	if err := tasks.Close(ctx, task.ID, repository.TaskRejected, actorID, comment); err != nil {
		return err
	}

	from, to := string(repository.TaskClaimed), string(repository.TaskRejected)

	// A first-step rejection has nowhere to send back to; it terminates.
	if step.SendBackOnReject && task.StepIndex > 0 {
		prev := &repository.Task{
			InstanceID: inst.ID,
			StepIndex:  task.StepIndex - 1,
			Status:     repository.TaskPending,
		}
		if err := tasks.Create(ctx, prev); err != nil {
			return err
		}
		if err := instances.SetCurrentStep(ctx, inst.ID, prev.StepIndex); err != nil {
			return err
		}
		inst.CurrentStepIndex = prev.StepIndex
		outcome.event = "sent_back"
		outcome.nextTaskID = prev.ID

		return audit.Append(ctx, &repository.AuditEvent{
			InstanceID: inst.ID,
			TaskID:     &task.ID,
			ObjectID:   inst.ObjectID,
			ObjectType: inst.ObjectType,
			Action:     repository.ActionSentBack,
			ActorID:    actorID,
			FromStatus: &from,
			ToStatus:   &to,
			Comment:    comment,
			Metadata: map[string]interface{}{
				"step_index":          task.StepIndex,
				"reopened_step_index": prev.StepIndex,
			},
		})
	}

	now := time.Now()
	if err := instances.SetStatus(ctx, inst.ID, repository.InstanceRejected, &now); err != nil {
		return err
	}
	inst.Status = repository.InstanceRejected
	inst.CompletedAt = &now
	outcome.event = "rejected"
	outcome.notifyWithdraw = true
	if comment != nil {
		outcome.reason = *comment
	}

	return audit.Append(ctx, &repository.AuditEvent{
		InstanceID: inst.ID,
		TaskID:     &task.ID,
		ObjectID:   inst.ObjectID,
		ObjectType: inst.ObjectType,
		Action:     repository.ActionRejected,
		ActorID:    actorID,
		FromStatus: &from,
		ToStatus:   &to,
		Comment:    comment,
		Metadata: map[string]interface{}{
			"step_index":      task.StepIndex,
			"instance_status": string(repository.InstanceRejected),
		},
	})
}

// afterAdvance delivers post-commit collaborator calls. The transition is
// already durable; a failed delivery is logged, not rolled back.
func (s *EngineService) afterAdvance(ctx context.Context, inst *repository.WorkflowInstance, actorID string, outcome *advanceOutcome) {
	if outcome.notifyPublish {
		if err := s.records.NotifyPublished(ctx, inst.ObjectID, inst.ObjectType); err != nil {
			s.log.Error().Err(err).
				Str("instance_id", inst.ID).
				Str("object_id", inst.ObjectID).
				Msg("Failed to notify record store of publication")
		}
	}
	if outcome.notifyWithdraw {
		if err := s.records.NotifyWithdrawn(ctx, inst.ObjectID, inst.ObjectType, outcome.reason); err != nil {
			s.log.Error().Err(err).
				Str("instance_id", inst.ID).
				Str("object_id", inst.ObjectID).
				Msg("Failed to notify record store of withdrawal")
		}
	}

	s.notifier.Publish(ctx, &client.WorkflowEvent{
		EventType:  outcome.event,
		InstanceID: inst.ID,
		TaskID:     outcome.nextTaskID,
		ObjectID:   inst.ObjectID,
		ObjectType: inst.ObjectType,
		ActorID:    actorID,
	})
}

// AdvanceTask resolves a task to its instance and advances it. The instance
// row lock inside Advance re-reads the task, so a stale read here only costs
// a typed error, never a lost update.
func (s *EngineService) AdvanceTask(ctx context.Context, taskID string, decision repository.Decision, actorID string, comment *string) (*repository.WorkflowInstance, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.Open() {
		return nil, errors.Newf(errors.ErrCodeState, "task is %s, no further decision is possible", task.Status)
	}
	return s.Advance(ctx, task.InstanceID, decision, actorID, comment)
}

// ── Cancel ───────────────────────────────────────────────────────────────────

// CancelWorkflow administratively terminates an instance, closing its open
// task regardless of current claim ownership.
func (s *EngineService) CancelWorkflow(ctx context.Context, instanceID, actorID string) (*repository.WorkflowInstance, error) {
	if err := s.validator.CanCancel(ctx, actorID); err != nil {
		return nil, err
	}

	var inst *repository.WorkflowInstance

	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		instances := s.instances.WithTx(tx)
		tasks := s.tasks.WithTx(tx)

		var err error
		inst, err = instances.GetByIDForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != repository.InstanceActive {
			return errors.Newf(errors.ErrCodeState, "instance is already %s", inst.Status)
		}

		closedTaskID, err := tasks.CloseOpenForInstance(ctx, instanceID, actorID)
		if err != nil {
			return err
		}

		now := time.Now()
		if err := instances.SetStatus(ctx, instanceID, repository.InstanceCancelled, &now); err != nil {
			return err
		}
		inst.Status = repository.InstanceCancelled
		inst.CompletedAt = &now

		from, to := string(repository.InstanceActive), string(repository.InstanceCancelled)
		ev := &repository.AuditEvent{
			InstanceID: instanceID,
			ObjectID:   inst.ObjectID,
			ObjectType: inst.ObjectType,
			Action:     repository.ActionCancelled,
			ActorID:    actorID,
			FromStatus: &from,
			ToStatus:   &to,
		}
		if closedTaskID != "" {
			ev.TaskID = &closedTaskID
		}
		return s.audit.WithTx(tx).Append(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("instance_id", instanceID).
		Str("actor_id", actorID).
		Msg("Workflow cancelled")

	s.notifier.Publish(ctx, &client.WorkflowEvent{
		EventType:  "cancelled",
		InstanceID: instanceID,
		ObjectID:   inst.ObjectID,
		ObjectType: inst.ObjectType,
		ActorID:    actorID,
	})

	return inst, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetInstance returns an instance by id.
func (s *EngineService) GetInstance(ctx context.Context, instanceID string) (*repository.WorkflowInstance, error) {
	return s.instances.GetByID(ctx, instanceID)
}

// History returns the audit trail of one instance, oldest first.
func (s *EngineService) History(ctx context.Context, instanceID string) ([]*repository.AuditEvent, error) {
	if _, err := s.instances.GetByID(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.audit.EventsForInstance(ctx, instanceID)
}

// ObjectHistory aggregates audit events across every instance ever started
// for an object.
func (s *EngineService) ObjectHistory(ctx context.Context, objectID, objectType string) ([]*repository.AuditEvent, error) {
	return s.audit.EventsForObject(ctx, objectID, objectType)
}

func appliesTo(def *repository.WorkflowDefinition, objectType string) bool {
	for _, t := range def.EntityTypes {
		if t == objectType {
			return true
		}
	}
	return false
}
