package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ahg-platform/be-workflow/internal/database"
	"github.com/ahg-platform/be-workflow/internal/errors"
)

// InstanceRepository persists workflow instances. The snapshot column is the
// JSONB copy of the step sequence taken at start time; instances never read
// the live definition afterwards.
type InstanceRepository struct {
	db database.Querier
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db *database.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *InstanceRepository) WithTx(tx pgx.Tx) *InstanceRepository {
	return &InstanceRepository{db: tx}
}

// Create inserts an instance with its snapshot.
func (r *InstanceRepository) Create(ctx context.Context, inst *WorkflowInstance) error {
	snapshotJSON, err := json.Marshal(inst.Snapshot)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal step snapshot")
	}

	query := `
		INSERT INTO workflow_instances
		    (workflow_id, object_id, object_type, snapshot,
		     current_step_index, status, submitted_by)
		VALUES ($1, $2, $3, $4, $5, $6::workflow_instance_status, $7)
		RETURNING id, started_at, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		inst.WorkflowID,
		inst.ObjectID,
		inst.ObjectType,
		snapshotJSON,
		inst.CurrentStepIndex,
		inst.Status,
		inst.SubmittedBy,
	).Scan(&inst.ID, &inst.StartedAt, &inst.CreatedAt, &inst.UpdatedAt)
	// Racing starts both pass the pre-check; the partial unique index decides.
	if isUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict, "object is already in an active workflow")
	}
	return err
}

// GetByID retrieves an instance by primary key.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*WorkflowInstance, error) {
	inst, err := r.scanInstance(r.db.QueryRow(ctx, selectInstance+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_instance", id)
	}
	return inst, err
}

// GetByIDForUpdate loads an instance under a row lock. Used by advance and
// cancel so concurrent transitions on one instance serialize.
func (r *InstanceRepository) GetByIDForUpdate(ctx context.Context, id string) (*WorkflowInstance, error) {
	inst, err := r.scanInstance(r.db.QueryRow(ctx, selectInstance+` WHERE id = $1 FOR UPDATE`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_instance", id)
	}
	return inst, err
}

// GetActiveByObject returns the active instance for an object, or nil.
func (r *InstanceRepository) GetActiveByObject(ctx context.Context, objectID, objectType string) (*WorkflowInstance, error) {
	inst, err := r.scanInstance(r.db.QueryRow(ctx,
		selectInstance+` WHERE object_id = $1 AND object_type = $2 AND status = 'active'`,
		objectID, objectType,
	))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// SetStatus moves an instance into a (usually terminal) status.
func (r *InstanceRepository) SetStatus(ctx context.Context, id string, status InstanceStatus, completedAt *time.Time) error {
	query := `
		UPDATE workflow_instances
		SET status       = $2::workflow_instance_status,
		    completed_at = $3,
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, completedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_instance", id)
	}
	return err
}

// SetCurrentStep moves the instance pointer to a new snapshot index.
func (r *InstanceRepository) SetCurrentStep(ctx context.Context, id string, stepIndex int) error {
	query := `
		UPDATE workflow_instances
		SET current_step_index = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, stepIndex).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_instance", id)
	}
	return err
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const selectInstance = `
	SELECT id, workflow_id, object_id, object_type, snapshot,
	       current_step_index, status, submitted_by,
	       started_at, completed_at, created_at, updated_at
	FROM workflow_instances`

func (r *InstanceRepository) scanInstance(row rowScanner) (*WorkflowInstance, error) {
	inst := &WorkflowInstance{}
	var snapshotJSON []byte

	err := row.Scan(
		&inst.ID,
		&inst.WorkflowID,
		&inst.ObjectID,
		&inst.ObjectType,
		&snapshotJSON,
		&inst.CurrentStepIndex,
		&inst.Status,
		&inst.SubmittedBy,
		&inst.StartedAt,
		&inst.CompletedAt,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(snapshotJSON, &inst.Snapshot); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal step snapshot")
	}
	return inst, nil
}
