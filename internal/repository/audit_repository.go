package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/ahg-platform/be-workflow/internal/database"
	"github.com/ahg-platform/be-workflow/internal/errors"
)

// AuditRepository appends and reads the immutable workflow audit ledger.
// The table has a delete-prevention trigger; Append is the only mutation.
type AuditRepository struct {
	db database.Querier
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *AuditRepository) WithTx(tx pgx.Tx) *AuditRepository {
	return &AuditRepository{db: tx}
}

// Append inserts one audit event.
func (r *AuditRepository) Append(ctx context.Context, ev *AuditEvent) error {
	var metadataJSON []byte
	if ev.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(ev.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO workflow_audit_events
		    (instance_id, task_id, object_id, object_type,
		     action, actor_id, from_status, to_status, comment, metadata)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8, $9, $10)
		RETURNING id, occurred_at
	`

	return r.db.QueryRow(ctx, query,
		ev.InstanceID,
		ev.TaskID,
		ev.ObjectID,
		ev.ObjectType,
		ev.Action,
		ev.ActorID,
		ev.FromStatus,
		ev.ToStatus,
		ev.Comment,
		metadataJSON,
	).Scan(&ev.ID, &ev.OccurredAt)
}

// EventsForInstance returns the instance's trail ordered oldest-first.
func (r *AuditRepository) EventsForInstance(ctx context.Context, instanceID string) ([]*AuditEvent, error) {
	query := selectAuditEvent + `
		WHERE instance_id = $1
		ORDER BY occurred_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get instance audit trail")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// EventsForObject aggregates events across every instance ever started for an
// object (resubmission cycles included), ordered by instance start time then
// event time.
func (r *AuditRepository) EventsForObject(ctx context.Context, objectID, objectType string) ([]*AuditEvent, error) {
	query := `
		SELECT e.id, e.instance_id, e.task_id, e.object_id, e.object_type,
		       e.action, e.actor_id, e.from_status, e.to_status, e.comment,
		       e.metadata, e.occurred_at
		FROM workflow_audit_events e
		JOIN workflow_instances i ON i.id = e.instance_id
		WHERE e.object_id = $1 AND e.object_type = $2
		ORDER BY i.started_at ASC, e.occurred_at ASC, e.id ASC
	`

	rows, err := r.db.Query(ctx, query, objectID, objectType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get object audit trail")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// RecentActivity returns the newest events across all instances, for the
// dashboard activity feed.
func (r *AuditRepository) RecentActivity(ctx context.Context, limit int) ([]*AuditEvent, error) {
	query := selectAuditEvent + `
		ORDER BY occurred_at DESC, id DESC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get recent activity")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const selectAuditEvent = `
	SELECT id, instance_id, task_id, object_id, object_type,
	       action, actor_id, from_status, to_status, comment,
	       metadata, occurred_at
	FROM workflow_audit_events`

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*AuditEvent, error) {
	var events []*AuditEvent
	for rows.Next() {
		ev, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *AuditRepository) scanEvent(row rowScanner) (*AuditEvent, error) {
	ev := &AuditEvent{}
	var metadataJSON []byte

	err := row.Scan(
		&ev.ID,
		&ev.InstanceID,
		&ev.TaskID,
		&ev.ObjectID,
		&ev.ObjectType,
		&ev.Action,
		&ev.ActorID,
		&ev.FromStatus,
		&ev.ToStatus,
		&ev.Comment,
		&metadataJSON,
		&ev.OccurredAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit event")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &ev.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}
	return ev, nil
}
