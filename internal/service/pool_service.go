package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ahg-platform/be-workflow/internal/client"
	"github.com/ahg-platform/be-workflow/internal/database"
	"github.com/ahg-platform/be-workflow/internal/logger"
	"github.com/ahg-platform/be-workflow/internal/repository"
)

// sweepActor is the actor recorded on audit events written by the claim-TTL
// sweep.
const sweepActor = "system"

// PoolService serves the shared task pool: claiming, releasing, and the
// pending/claimed views reviewers work from.
type PoolService struct {
	db        *database.DB
	instances *repository.InstanceRepository
	tasks     *repository.TaskRepository
	audit     *repository.AuditRepository
	validator *TransitionValidator
	notifier  *client.NotificationPublisher
	log       *logger.Logger
}

// NewPoolService creates a new PoolService.
func NewPoolService(
	db *database.DB,
	instances *repository.InstanceRepository,
	tasks *repository.TaskRepository,
	audit *repository.AuditRepository,
	validator *TransitionValidator,
	notifier *client.NotificationPublisher,
	log *logger.Logger,
) *PoolService {
	return &PoolService{
		db:        db,
		instances: instances,
		tasks:     tasks,
		audit:     audit,
		validator: validator,
		notifier:  notifier,
		log:       log,
	}
}

// Claim assigns a pending task to the user. Under concurrent claims exactly
// one caller wins; the rest get a CONFLICT. Re-claiming a task the user
// already holds is a no-op and writes no audit event.
func (s *PoolService) Claim(ctx context.Context, taskID, userID string) (*repository.Task, error) {
	var task *repository.Task
	var inst *repository.WorkflowInstance
	var alreadyMine bool

	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tasks := s.tasks.WithTx(tx)

		current, err := tasks.GetByID(ctx, taskID)
		if err != nil {
			return err
		}
		inst, err = s.instances.WithTx(tx).GetByID(ctx, current.InstanceID)
		if err != nil {
			return err
		}

		step := inst.Snapshot[current.StepIndex]
		if err := s.validator.CanClaim(ctx, current, step, userID); err != nil {
			return err
		}
		alreadyMine = current.Status == repository.TaskClaimed

		task, err = tasks.Claim(ctx, taskID, userID)
		if err != nil {
			return err
		}
		if alreadyMine {
			return nil
		}

		from, to := string(repository.TaskPending), string(repository.TaskClaimed)
		return s.audit.WithTx(tx).Append(ctx, &repository.AuditEvent{
			InstanceID: inst.ID,
			TaskID:     &task.ID,
			ObjectID:   inst.ObjectID,
			ObjectType: inst.ObjectType,
			Action:     repository.ActionClaimed,
			ActorID:    userID,
			FromStatus: &from,
			ToStatus:   &to,
			Metadata:   map[string]interface{}{"step_index": task.StepIndex},
		})
	})
	if err != nil {
		return nil, err
	}

	if !alreadyMine {
		s.log.Info().
			Str("task_id", taskID).
			Str("claimant_id", userID).
			Msg("Task claimed")

		s.notifier.Publish(ctx, &client.WorkflowEvent{
			EventType:  "claimed",
			InstanceID: inst.ID,
			TaskID:     taskID,
			ObjectID:   inst.ObjectID,
			ObjectType: inst.ObjectType,
			ActorID:    userID,
		})
	}
	return task, nil
}

// Release reverts the user's claim to pending, returning the task to the
// pool. An admin may release another user's claim.
func (s *PoolService) Release(ctx context.Context, taskID, userID string) error {
	var inst *repository.WorkflowInstance
	var forced bool

	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tasks := s.tasks.WithTx(tx)

		task, err := tasks.GetByID(ctx, taskID)
		if err != nil {
			return err
		}
		forced, err = s.validator.CanRelease(ctx, task, userID)
		if err != nil {
			return err
		}
		if err := tasks.Release(ctx, taskID, userID, forced); err != nil {
			return err
		}

		inst, err = s.instances.WithTx(tx).GetByID(ctx, task.InstanceID)
		if err != nil {
			return err
		}

		action := repository.ActionReleased
		metadata := map[string]interface{}{"step_index": task.StepIndex}
		if forced {
			action = repository.ActionForceReleased
			if task.ClaimantID != nil {
				metadata["previous_claimant_id"] = *task.ClaimantID
			}
		}

		from, to := string(repository.TaskClaimed), string(repository.TaskPending)
		return s.audit.WithTx(tx).Append(ctx, &repository.AuditEvent{
			InstanceID: inst.ID,
			TaskID:     &taskID,
			ObjectID:   inst.ObjectID,
			ObjectType: inst.ObjectType,
			Action:     action,
			ActorID:    userID,
			FromStatus: &from,
			ToStatus:   &to,
			Metadata:   metadata,
		})
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("task_id", taskID).
		Str("actor_id", userID).
		Bool("forced", forced).
		Msg("Task released")

	s.notifier.Publish(ctx, &client.WorkflowEvent{
		EventType:  "released",
		InstanceID: inst.ID,
		TaskID:     taskID,
		ObjectID:   inst.ObjectID,
		ObjectType: inst.ObjectType,
		ActorID:    userID,
	})
	return nil
}

// ListPool returns the open tasks of active instances, optionally filtered to
// one required role.
func (s *PoolService) ListPool(ctx context.Context, requiredRole *string) ([]*repository.TaskView, error) {
	return s.tasks.ListOpen(ctx, requiredRole)
}

// MyTasks returns the tasks the user currently holds.
func (s *PoolService) MyTasks(ctx context.Context, userID string) ([]*repository.TaskView, error) {
	return s.tasks.ListClaimedBy(ctx, userID)
}

// ViewTask returns one task's pool projection together with its instance's
// audit trail.
func (s *PoolService) ViewTask(ctx context.Context, taskID string) (*repository.TaskView, []*repository.AuditEvent, error) {
	view, err := s.tasks.GetView(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	events, err := s.audit.EventsForInstance(ctx, view.InstanceID)
	if err != nil {
		return nil, nil, err
	}
	return view, events, nil
}

// ── Claim-TTL sweep ──────────────────────────────────────────────────────────

// SweepExpiredClaims force-releases every claim older than ttl, writing a
// force_released audit event per claim. Returns the number released.
func (s *PoolService) SweepExpiredClaims(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	var released []repository.ExpiredClaim

	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tasks := s.tasks.WithTx(tx)
		instances := s.instances.WithTx(tx)
		audit := s.audit.WithTx(tx)

		var err error
		released, err = tasks.SweepExpiredClaims(ctx, cutoff)
		if err != nil {
			return err
		}

		from, to := string(repository.TaskClaimed), string(repository.TaskPending)
		for _, e := range released {
			inst, err := instances.GetByID(ctx, e.InstanceID)
			if err != nil {
				return err
			}
			taskID := e.TaskID
			err = audit.Append(ctx, &repository.AuditEvent{
				InstanceID: e.InstanceID,
				TaskID:     &taskID,
				ObjectID:   inst.ObjectID,
				ObjectType: inst.ObjectType,
				Action:     repository.ActionForceReleased,
				ActorID:    sweepActor,
				FromStatus: &from,
				ToStatus:   &to,
				Metadata: map[string]interface{}{
					"step_index":           e.StepIndex,
					"previous_claimant_id": e.ClaimantID,
					"claim_ttl":            ttl.String(),
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(released) > 0 {
		s.log.Info().
			Int("released", len(released)).
			Dur("claim_ttl", ttl).
			Msg("Expired claims swept")
	}
	return len(released), nil
}

// RunSweeper sweeps expired claims on the given interval until ctx is
// cancelled.
func (s *PoolService) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().
		Dur("interval", interval).
		Dur("claim_ttl", ttl).
		Msg("Claim sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Claim sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepExpiredClaims(ctx, ttl); err != nil {
				s.log.Error().Err(err).Msg("Claim sweep failed")
			}
		}
	}
}
