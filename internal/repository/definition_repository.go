package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ahg-platform/be-workflow/internal/database"
	"github.com/ahg-platform/be-workflow/internal/errors"
)

// DefinitionRepository persists workflow definitions and their ordered steps.
// Multi-row edits (insert-at-position, delete-and-renumber, reorder) must run
// inside a transaction; callers get a tx-scoped copy via WithTx.
type DefinitionRepository struct {
	db database.Querier
}

// NewDefinitionRepository creates a new DefinitionRepository.
func NewDefinitionRepository(db *database.DB) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *DefinitionRepository) WithTx(tx pgx.Tx) *DefinitionRepository {
	return &DefinitionRepository{db: tx}
}

// Create inserts a definition.
func (r *DefinitionRepository) Create(ctx context.Context, def *WorkflowDefinition) error {
	query := `
		INSERT INTO workflow_definitions (name, description, entity_types, is_active, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		def.Name,
		def.Description,
		def.EntityTypes,
		def.IsActive,
		def.CreatedBy,
	).Scan(&def.ID, &def.CreatedAt, &def.UpdatedAt)
}

// GetByID retrieves a definition with its steps ordered by step_order.
func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*WorkflowDefinition, error) {
	query := `
		SELECT id, name, description, entity_types, is_active, created_by, created_at, updated_at
		FROM workflow_definitions
		WHERE id = $1
	`

	def, err := r.scanDefinition(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_definition", id)
	}
	if err != nil {
		return nil, err
	}

	def.Steps, err = r.GetSteps(ctx, id)
	return def, err
}

// List returns all definitions, optionally only active ones, without steps.
func (r *DefinitionRepository) List(ctx context.Context, activeOnly bool) ([]*WorkflowDefinition, error) {
	query := `
		SELECT id, name, description, entity_types, is_active, created_by, created_at, updated_at
		FROM workflow_definitions
	`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY name ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow definitions")
	}
	defer rows.Close()

	var defs []*WorkflowDefinition
	for rows.Next() {
		def, err := r.scanDefinition(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow definition")
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// Update persists name, description, entity types and active flag.
func (r *DefinitionRepository) Update(ctx context.Context, def *WorkflowDefinition) error {
	query := `
		UPDATE workflow_definitions
		SET name         = $2,
		    description  = $3,
		    entity_types = $4,
		    is_active    = $5,
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		def.ID,
		def.Name,
		def.Description,
		def.EntityTypes,
		def.IsActive,
	).Scan(&def.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_definition", def.ID)
	}
	return err
}

// SetActive flips the retirement flag.
func (r *DefinitionRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `
		UPDATE workflow_definitions
		SET is_active = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, active).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_definition", id)
	}
	return err
}

// Delete removes a definition and its steps. The service guards against
// referencing instances before calling this.
func (r *DefinitionRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM workflow_steps WHERE workflow_id = $1`, id); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete workflow steps")
	}

	tag, err := r.db.Exec(ctx, `DELETE FROM workflow_definitions WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete workflow definition")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow_definition", id)
	}
	return nil
}

// CountInstances returns how many instances (of any status) reference the definition.
func (r *DefinitionRepository) CountInstances(ctx context.Context, workflowID string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflow_instances WHERE workflow_id = $1`,
		workflowID,
	).Scan(&n)
	return n, err
}

// ── Steps ────────────────────────────────────────────────────────────────────

// GetStep retrieves a single step.
func (r *DefinitionRepository) GetStep(ctx context.Context, id string) (*WorkflowStep, error) {
	query := `
		SELECT id, workflow_id, name, step_order, required_role, send_back_on_reject,
		       instructions, created_at, updated_at
		FROM workflow_steps
		WHERE id = $1
	`

	step, err := r.scanStep(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_step", id)
	}
	return step, err
}

// GetSteps returns all steps of a definition ordered by step_order.
func (r *DefinitionRepository) GetSteps(ctx context.Context, workflowID string) ([]*WorkflowStep, error) {
	query := `
		SELECT id, workflow_id, name, step_order, required_role, send_back_on_reject,
		       instructions, created_at, updated_at
		FROM workflow_steps
		WHERE workflow_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow steps")
	}
	defer rows.Close()

	var steps []*WorkflowStep
	for rows.Next() {
		step, err := r.scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step")
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// MaxStepOrder returns the highest step_order in a definition (0 when empty).
func (r *DefinitionRepository) MaxStepOrder(ctx context.Context, workflowID string) (int, error) {
	var max int
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(step_order), 0) FROM workflow_steps WHERE workflow_id = $1`,
		workflowID,
	).Scan(&max)
	return max, err
}

// InsertStepAt inserts a step at step.StepOrder, shifting subsequent steps up
// by one so orders stay contiguous. Run inside a transaction.
func (r *DefinitionRepository) InsertStepAt(ctx context.Context, step *WorkflowStep) error {
	_, err := r.db.Exec(ctx, `
		UPDATE workflow_steps
		SET step_order = step_order + 1, updated_at = NOW()
		WHERE workflow_id = $1 AND step_order >= $2
	`, step.WorkflowID, step.StepOrder)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to shift step orders")
	}

	query := `
		INSERT INTO workflow_steps
		    (workflow_id, name, step_order, required_role, send_back_on_reject, instructions)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		step.WorkflowID,
		step.Name,
		step.StepOrder,
		step.RequiredRole,
		step.SendBackOnReject,
		step.Instructions,
	).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
}

// UpdateStep persists editable step fields. Parent workflow and order are immutable here.
func (r *DefinitionRepository) UpdateStep(ctx context.Context, step *WorkflowStep) error {
	query := `
		UPDATE workflow_steps
		SET name                = $2,
		    required_role       = $3,
		    send_back_on_reject = $4,
		    instructions        = $5,
		    updated_at          = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		step.ID,
		step.Name,
		step.RequiredRole,
		step.SendBackOnReject,
		step.Instructions,
	).Scan(&step.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_step", step.ID)
	}
	return err
}

// DeleteStep removes a step and closes the order gap. Run inside a transaction.
func (r *DefinitionRepository) DeleteStep(ctx context.Context, step *WorkflowStep) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflow_steps WHERE id = $1`, step.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete workflow step")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow_step", step.ID)
	}

	_, err = r.db.Exec(ctx, `
		UPDATE workflow_steps
		SET step_order = step_order - 1, updated_at = NOW()
		WHERE workflow_id = $1 AND step_order > $2
	`, step.WorkflowID, step.StepOrder)
	return errors.Wrap(err, errors.ErrCodeInternal, "failed to renumber workflow steps")
}

// Reorder assigns step_order 1..N following orderedStepIDs. The unique
// constraint on (workflow_id, step_order) is deferred, so intermediate states
// inside the transaction may collide. Run inside a transaction.
func (r *DefinitionRepository) Reorder(ctx context.Context, workflowID string, orderedStepIDs []string) error {
	for i, stepID := range orderedStepIDs {
		tag, err := r.db.Exec(ctx, `
			UPDATE workflow_steps
			SET step_order = $3, updated_at = NOW()
			WHERE id = $1 AND workflow_id = $2
		`, stepID, workflowID, i+1)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to reorder workflow steps")
		}
		if tag.RowsAffected() == 0 {
			return errors.NotFound("workflow_step", stepID)
		}
	}
	return nil
}

// CountStepInActiveSnapshots returns how many active instances hold the step
// in their snapshot. A non-zero count blocks step deletion.
func (r *DefinitionRepository) CountStepInActiveSnapshots(ctx context.Context, stepID string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM workflow_instances
		WHERE status = 'active'
		  AND snapshot @> jsonb_build_array(jsonb_build_object('step_id', $1::text))
	`, stepID).Scan(&n)
	return n, err
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func (r *DefinitionRepository) scanDefinition(row rowScanner) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{}
	err := row.Scan(
		&def.ID,
		&def.Name,
		&def.Description,
		&def.EntityTypes,
		&def.IsActive,
		&def.CreatedBy,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return def, nil
}

func (r *DefinitionRepository) scanStep(row rowScanner) (*WorkflowStep, error) {
	step := &WorkflowStep{}
	err := row.Scan(
		&step.ID,
		&step.WorkflowID,
		&step.Name,
		&step.StepOrder,
		&step.RequiredRole,
		&step.SendBackOnReject,
		&step.Instructions,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return step, nil
}
