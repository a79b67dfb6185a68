package repository

import "time"

// ── Status enums ─────────────────────────────────────────────────────────────

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceActive    InstanceStatus = "active"
	InstanceCompleted InstanceStatus = "completed"
	InstanceRejected  InstanceStatus = "rejected"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status never re-enters active.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceRejected || s == InstanceCancelled
}

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskApproved  TaskStatus = "approved"
	TaskRejected  TaskStatus = "rejected"
	TaskCancelled TaskStatus = "cancelled"
)

// Open reports whether the task still gates its instance.
func (s TaskStatus) Open() bool {
	return s == TaskPending || s == TaskClaimed
}

// AuditAction identifies what an audit event records.
type AuditAction string

const (
	ActionStarted       AuditAction = "started"
	ActionClaimed       AuditAction = "claimed"
	ActionReleased      AuditAction = "released"
	ActionForceReleased AuditAction = "force_released"
	ActionApproved      AuditAction = "approved"
	ActionRejected      AuditAction = "rejected"
	ActionSentBack      AuditAction = "sent_back"
	ActionCancelled     AuditAction = "cancelled"
)

// Decision is the outcome a claimant records on a task.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ── Domain types ─────────────────────────────────────────────────────────────

// WorkflowDefinition is a reusable template of ordered approval steps.
// Retired definitions are disabled, never deleted, once instances exist.
type WorkflowDefinition struct {
	ID          string
	Name        string
	Description *string
	EntityTypes []string
	IsActive    bool
	CreatedBy   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Steps       []*WorkflowStep
}

// WorkflowStep is one stage of a definition. StepOrder is 1-based, unique and
// contiguous within the definition; the highest order is the terminal step.
type WorkflowStep struct {
	ID               string
	WorkflowID       string
	Name             string
	StepOrder        int
	RequiredRole     string
	SendBackOnReject bool
	Instructions     *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SnapshotStep is the frozen copy of a step captured at instance start.
// Instances never dereference the live definition after start.
type SnapshotStep struct {
	StepID           string `json:"step_id"`
	Name             string `json:"name"`
	RequiredRole     string `json:"required_role"`
	SendBackOnReject bool   `json:"send_back_on_reject"`
}

// WorkflowInstance is one execution of a definition against an object.
// CurrentStepIndex indexes into Snapshot (0-based). Never deleted.
type WorkflowInstance struct {
	ID               string
	WorkflowID       string
	ObjectID         string
	ObjectType       string
	Snapshot         []SnapshotStep
	CurrentStepIndex int
	Status           InstanceStatus
	SubmittedBy      string
	StartedAt        time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CurrentStep returns the snapshot step at the current index.
func (i *WorkflowInstance) CurrentStep() SnapshotStep {
	return i.Snapshot[i.CurrentStepIndex]
}

// LastStepIndex returns the index of the terminal step.
func (i *WorkflowInstance) LastStepIndex() int {
	return len(i.Snapshot) - 1
}

// Task is the unit of pending work for the current step of an active instance.
// ClaimantID is non-nil exactly when Status is claimed.
type Task struct {
	ID              string
	InstanceID      string
	StepIndex       int
	Status          TaskStatus
	ClaimantID      *string
	ClaimedAt       *time.Time
	DecisionComment *string
	DecidedBy       *string
	DecidedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TaskView is the pool/my-tasks projection: a task joined with its instance
// and snapshot-step display fields.
type TaskView struct {
	Task
	ObjectID     string
	ObjectType   string
	WorkflowName string
	StepName     string
	RequiredRole string
}

// AuditEvent is one immutable entry in the workflow audit ledger.
type AuditEvent struct {
	ID         string
	InstanceID string
	TaskID     *string
	ObjectID   string
	ObjectType string
	Action     AuditAction
	ActorID    string
	FromStatus *string
	ToStatus   *string
	Comment    *string
	Metadata   map[string]interface{}
	OccurredAt time.Time
}

// PoolStats is the dashboard summary.
type PoolStats struct {
	ActiveDefinitions int64 `json:"active_definitions"`
	ActiveInstances   int64 `json:"active_instances"`
	PendingTasks      int64 `json:"pending_tasks"`
	ClaimedTasks      int64 `json:"claimed_tasks"`
	CompletedToday    int64 `json:"completed_today"`
}

// TaskSummary is the per-user summary.
type TaskSummary struct {
	MyClaimed     int64 `json:"my_claimed"`
	MySubmissions int64 `json:"my_submissions"`
}
