package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ahg-platform/be-workflow/internal/database"
	"github.com/ahg-platform/be-workflow/internal/errors"
)

// TaskRepository persists tasks and owns the compare-and-set claim primitive.
// Claim and release are single conditional UPDATEs: under concurrent claims on
// one pending task exactly one caller's WHERE clause matches, the loser sees
// zero rows and gets a CONFLICT, never a silently overwritten claimant.
type TaskRepository struct {
	db database.Querier
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db *database.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *TaskRepository) WithTx(tx pgx.Tx) *TaskRepository {
	return &TaskRepository{db: tx}
}

// Create inserts a pending task. The partial unique index on open tasks
// rejects a second open task for the same instance.
func (r *TaskRepository) Create(ctx context.Context, t *Task) error {
	query := `
		INSERT INTO workflow_tasks (instance_id, step_index, status)
		VALUES ($1, $2, $3::workflow_task_status)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query, t.InstanceID, t.StepIndex, t.Status).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict, "instance already has an open task")
	}
	return errors.Wrap(err, errors.ErrCodeInternal, "failed to create task")
}

// GetByID retrieves a task by primary key.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*Task, error) {
	t, err := r.scanTask(r.db.QueryRow(ctx, selectTask+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("task", id)
	}
	return t, err
}

// GetOpenByInstance returns the instance's open (pending or claimed) task,
// or nil when the instance has none.
func (r *TaskRepository) GetOpenByInstance(ctx context.Context, instanceID string) (*Task, error) {
	t, err := r.scanTask(r.db.QueryRow(ctx,
		selectTask+` WHERE instance_id = $1 AND status IN ('pending', 'claimed') FOR UPDATE`,
		instanceID,
	))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// Claim atomically assigns a pending task to userID. Claiming a task already
// held by the same user is an idempotent no-op. Any other state yields a
// typed error: AlreadyClaimed (CONFLICT) when another user holds the claim,
// STATE when the task is terminal.
func (r *TaskRepository) Claim(ctx context.Context, taskID, userID string) (*Task, error) {
	query := `
		UPDATE workflow_tasks
		SET status     = 'claimed'::workflow_task_status,
		    claimant_id = $2,
		    claimed_at  = COALESCE(claimed_at, NOW()),
		    updated_at  = NOW()
		WHERE id = $1
		  AND (status = 'pending'
		       OR (status = 'claimed' AND claimant_id = $2))
		RETURNING ` + taskColumns

	t, err := r.scanTask(r.db.QueryRow(ctx, query, taskID, userID))
	if err == nil {
		return t, nil
	}
	if err != pgx.ErrNoRows {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to claim task")
	}

	// Lost the compare-and-set; re-read to say why.
	current, err := r.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if current.Status == TaskClaimed {
		return nil, errors.New(errors.ErrCodeConflict, "task is already claimed by another user")
	}
	return nil, errors.Newf(errors.ErrCodeState, "task is %s and can no longer be claimed", current.Status)
}

// Release reverts claimed -> pending. Only the current claimant may release
// unless force is set (admin or TTL sweep). A task that is no longer claimed
// yields a non-fatal CONFLICT so stale callers can ignore it.
func (r *TaskRepository) Release(ctx context.Context, taskID, userID string, force bool) error {
	query := `
		UPDATE workflow_tasks
		SET status      = 'pending'::workflow_task_status,
		    claimant_id = NULL,
		    claimed_at  = NULL,
		    updated_at  = NOW()
		WHERE id = $1
		  AND status = 'claimed'
		  AND ($3 OR claimant_id = $2)
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, taskID, userID, force).Scan(&returnedID)
	if err == nil {
		return nil
	}
	if err != pgx.ErrNoRows {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to release task")
	}

	current, err := r.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if current.Status == TaskClaimed {
		return errors.New(errors.ErrCodeConflict, "task is claimed by another user")
	}
	return errors.Newf(errors.ErrCodeConflict, "task is %s, nothing to release", current.Status)
}

// Close records a decision on a claimed task, moving it to a terminal status.
// Conditional on the task still being claimed; run inside the advance
// transaction.
func (r *TaskRepository) Close(ctx context.Context, taskID string, status TaskStatus, decidedBy string, comment *string) error {
	query := `
		UPDATE workflow_tasks
		SET status           = $2::workflow_task_status,
		    claimant_id      = NULL,
		    decision_comment = $3,
		    decided_by       = $4,
		    decided_at       = NOW(),
		    updated_at       = NOW()
		WHERE id = $1
		  AND status = 'claimed'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, taskID, status, comment, decidedBy).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeState, "task is no longer claimed")
	}
	return errors.Wrap(err, errors.ErrCodeInternal, "failed to close task")
}

// CloseOpenForInstance cancels whatever open task the instance has, claimed or
// not, regardless of claimant. Returns the closed task ID or "" when the
// instance had no open task. Used by administrative cancellation.
func (r *TaskRepository) CloseOpenForInstance(ctx context.Context, instanceID, decidedBy string) (string, error) {
	query := `
		UPDATE workflow_tasks
		SET status      = 'cancelled'::workflow_task_status,
		    claimant_id = NULL,
		    decided_by  = $2,
		    decided_at  = NOW(),
		    updated_at  = NOW()
		WHERE instance_id = $1
		  AND status IN ('pending', 'claimed')
		RETURNING id
	`

	var taskID string
	err := r.db.QueryRow(ctx, query, instanceID, decidedBy).Scan(&taskID)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to cancel open task")
	}
	return taskID, nil
}

// ── Pool projections ─────────────────────────────────────────────────────────

const selectTaskView = `
	SELECT t.id, t.instance_id, t.step_index, t.status, t.claimant_id, t.claimed_at,
	       t.decision_comment, t.decided_by, t.decided_at, t.created_at, t.updated_at,
	       i.object_id, i.object_type,
	       d.name,
	       i.snapshot -> t.step_index ->> 'name',
	       i.snapshot -> t.step_index ->> 'required_role'
	FROM workflow_tasks t
	JOIN workflow_instances i ON i.id = t.instance_id
	JOIN workflow_definitions d ON d.id = i.workflow_id`

// ListOpen returns every pending and claimed task with display fields, for
// the task-pool view. Read-only; safe to serve from a replica.
func (r *TaskRepository) ListOpen(ctx context.Context, requiredRole *string) ([]*TaskView, error) {
	query := selectTaskView + `
	WHERE t.status IN ('pending', 'claimed')
	  AND i.status = 'active'`
	args := []any{}
	if requiredRole != nil {
		query += ` AND i.snapshot -> t.step_index ->> 'required_role' = $1`
		args = append(args, *requiredRole)
	}
	query += ` ORDER BY t.created_at ASC`

	return r.queryViews(ctx, query, args...)
}

// ListClaimedBy returns the tasks a user currently holds.
func (r *TaskRepository) ListClaimedBy(ctx context.Context, userID string) ([]*TaskView, error) {
	query := selectTaskView + `
	WHERE t.status = 'claimed' AND t.claimant_id = $1
	ORDER BY t.claimed_at ASC`

	return r.queryViews(ctx, query, userID)
}

// GetView returns the task-pool projection of one task.
func (r *TaskRepository) GetView(ctx context.Context, taskID string) (*TaskView, error) {
	v, err := r.scanView(r.db.QueryRow(ctx, selectTaskView+` WHERE t.id = $1`, taskID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("task", taskID)
	}
	return v, err
}

// ── Claim-TTL sweep ──────────────────────────────────────────────────────────

// ExpiredClaim identifies a claim force-released by the sweep.
type ExpiredClaim struct {
	TaskID     string
	InstanceID string
	StepIndex  int
	ClaimantID string
}

// SweepExpiredClaims force-releases claims older than cutoff through the same
// conditional-update primitive as Release, in a single statement. A task that
// advanced between the select and the update is skipped by the status guard.
func (r *TaskRepository) SweepExpiredClaims(ctx context.Context, cutoff time.Time) ([]ExpiredClaim, error) {
	query := `
		WITH expired AS (
			SELECT id, claimant_id
			FROM workflow_tasks
			WHERE status = 'claimed' AND claimed_at < $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE workflow_tasks t
		SET status      = 'pending'::workflow_task_status,
		    claimant_id = NULL,
		    claimed_at  = NULL,
		    updated_at  = NOW()
		FROM expired e
		WHERE t.id = e.id AND t.status = 'claimed'
		RETURNING t.id, t.instance_id, t.step_index, e.claimant_id
	`

	rows, err := r.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to sweep expired claims")
	}
	defer rows.Close()

	var released []ExpiredClaim
	for rows.Next() {
		var e ExpiredClaim
		if err := rows.Scan(&e.TaskID, &e.InstanceID, &e.StepIndex, &e.ClaimantID); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan expired claim")
		}
		released = append(released, e)
	}
	return released, rows.Err()
}

// ── Stats ────────────────────────────────────────────────────────────────────

// Stats returns the dashboard counters.
func (r *TaskRepository) Stats(ctx context.Context) (*PoolStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM workflow_definitions WHERE is_active),
			(SELECT COUNT(*) FROM workflow_instances WHERE status = 'active'),
			(SELECT COUNT(*) FROM workflow_tasks WHERE status = 'pending'),
			(SELECT COUNT(*) FROM workflow_tasks WHERE status = 'claimed'),
			(SELECT COUNT(*) FROM workflow_instances
			 WHERE status = 'completed' AND completed_at >= date_trunc('day', NOW()))
	`

	stats := &PoolStats{}
	err := r.db.QueryRow(ctx, query).Scan(
		&stats.ActiveDefinitions,
		&stats.ActiveInstances,
		&stats.PendingTasks,
		&stats.ClaimedTasks,
		&stats.CompletedToday,
	)
	return stats, errors.Wrap(err, errors.ErrCodeInternal, "failed to load stats")
}

// Summary returns per-user counters.
func (r *TaskRepository) Summary(ctx context.Context, userID string) (*TaskSummary, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM workflow_tasks
			 WHERE status = 'claimed' AND claimant_id = $1),
			(SELECT COUNT(*) FROM workflow_instances
			 WHERE status = 'active' AND submitted_by = $1)
	`

	s := &TaskSummary{}
	err := r.db.QueryRow(ctx, query, userID).Scan(&s.MyClaimed, &s.MySubmissions)
	return s, errors.Wrap(err, errors.ErrCodeInternal, "failed to load task summary")
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const taskColumns = `id, instance_id, step_index, status, claimant_id, claimed_at,
	decision_comment, decided_by, decided_at, created_at, updated_at`

const selectTask = `SELECT ` + taskColumns + ` FROM workflow_tasks`

func (r *TaskRepository) scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	err := row.Scan(
		&t.ID,
		&t.InstanceID,
		&t.StepIndex,
		&t.Status,
		&t.ClaimantID,
		&t.ClaimedAt,
		&t.DecisionComment,
		&t.DecidedBy,
		&t.DecidedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *TaskRepository) scanView(row rowScanner) (*TaskView, error) {
	v := &TaskView{}
	err := row.Scan(
		&v.ID,
		&v.InstanceID,
		&v.StepIndex,
		&v.Status,
		&v.ClaimantID,
		&v.ClaimedAt,
		&v.DecisionComment,
		&v.DecidedBy,
		&v.DecidedAt,
		&v.CreatedAt,
		&v.UpdatedAt,
		&v.ObjectID,
		&v.ObjectType,
		&v.WorkflowName,
		&v.StepName,
		&v.RequiredRole,
	)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *TaskRepository) queryViews(ctx context.Context, query string, args ...any) ([]*TaskView, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query tasks")
	}
	defer rows.Close()

	var views []*TaskView
	for rows.Next() {
		v, err := r.scanView(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan task")
		}
		views = append(views, v)
	}
	return views, rows.Err()
}
