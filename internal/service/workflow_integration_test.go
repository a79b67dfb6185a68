package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ahg-platform/be-workflow/internal/client"
	"github.com/ahg-platform/be-workflow/internal/database"
	"github.com/ahg-platform/be-workflow/internal/errors"
	"github.com/ahg-platform/be-workflow/internal/logger"
	"github.com/ahg-platform/be-workflow/internal/repository"
)

type testEnv struct {
	db      *database.DB
	tasks   *repository.TaskRepository
	defs    *DefinitionService
	engine  *EngineService
	pool    *PoolService
	stats   *StatsService
	roles   *fakeRoles
	records *fakeRecordStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test requires docker")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("workflow-test"),
		postgres.WithUsername("workflow"),
		postgres.WithPassword("workflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../migrations/0001_workflow.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	db := &database.DB{Pool: pool}
	log := logger.Nop()

	defRepo := repository.NewDefinitionRepository(db)
	instanceRepo := repository.NewInstanceRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	roles := newFakeRoles().
		grant("carol", "curator").
		grant("bob", "curator").
		grant("mark", "manager").
		grant("dana", "director").
		grant("root", "curator", "manager", "director").
		makeAdmin("root")
	records := &fakeRecordStore{}
	notifier := client.NewNotificationPublisher(nil, log.Logger)
	validator := NewTransitionValidator(roles)

	return &testEnv{
		db:      db,
		tasks:   taskRepo,
		defs:    NewDefinitionService(db, defRepo, log),
		engine:  NewEngineService(db, defRepo, instanceRepo, taskRepo, auditRepo, validator, records, notifier, log),
		pool:    NewPoolService(db, instanceRepo, taskRepo, auditRepo, validator, notifier, log),
		stats:   NewStatsService(taskRepo, auditRepo),
		roles:   roles,
		records: records,
	}
}

// threeStepWorkflow creates a Curator -> Manager -> Director definition.
// sendBackAt lists 0-based step indexes that send back on rejection.
func threeStepWorkflow(t *testing.T, env *testEnv, name string, sendBackAt ...int) *repository.WorkflowDefinition {
	t.Helper()
	ctx := context.Background()

	def, err := env.defs.CreateWorkflow(ctx, &CreateWorkflowRequest{
		Name:        name,
		EntityTypes: []string{"information_object"},
		CreatedBy:   "root",
	})
	require.NoError(t, err)

	steps := []struct {
		name string
		role string
	}{
		{"Curatorial Review", "curator"},
		{"Managerial Review", "manager"},
		{"Directorial Sign-off", "director"},
	}
	for i, st := range steps {
		sendBack := false
		for _, idx := range sendBackAt {
			if idx == i {
				sendBack = true
			}
		}
		_, err := env.defs.AddStep(ctx, &AddStepRequest{
			WorkflowID:       def.ID,
			Name:             st.name,
			RequiredRole:     st.role,
			SendBackOnReject: sendBack,
		})
		require.NoError(t, err)
	}

	def, err = env.defs.GetWorkflow(ctx, def.ID)
	require.NoError(t, err)
	return def
}

func openTask(t *testing.T, env *testEnv, instanceID string) *repository.Task {
	t.Helper()
	task, err := env.tasks.GetOpenByInstance(context.Background(), instanceID)
	require.NoError(t, err)
	require.NotNil(t, task, "instance %s has no open task", instanceID)
	return task
}

func auditActions(t *testing.T, env *testEnv, instanceID string) []repository.AuditAction {
	t.Helper()
	events, err := env.engine.History(context.Background(), instanceID)
	require.NoError(t, err)
	actions := make([]repository.AuditAction, 0, len(events))
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	return actions
}

func TestWorkflowService(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("approval chain publishes once", func(t *testing.T) {
		def := threeStepWorkflow(t, env, "Publication Approval")

		inst, err := env.engine.StartWorkflow(ctx, "rec-100", "information_object", def.ID, "sam")
		require.NoError(t, err)
		assert.Equal(t, repository.InstanceActive, inst.Status)
		assert.Equal(t, 0, inst.CurrentStepIndex)
		assert.Len(t, inst.Snapshot, 3)

		// A second active instance for the same object is refused.
		_, err = env.engine.StartWorkflow(ctx, "rec-100", "information_object", def.ID, "sam")
		assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

		// The pool shows the curator task; a director filter hides it.
		curatorRole := "curator"
		views, err := env.pool.ListPool(ctx, &curatorRole)
		require.NoError(t, err)
		require.NotEmpty(t, views)
		directorRole := "director"
		directorViews, err := env.pool.ListPool(ctx, &directorRole)
		require.NoError(t, err)
		for _, v := range directorViews {
			assert.NotEqual(t, inst.ID, v.InstanceID)
		}

		// Unclaimed tasks take no decision.
		task := openTask(t, env, inst.ID)
		_, err = env.engine.AdvanceTask(ctx, task.ID, repository.DecisionApprove, "carol", nil)
		assert.Equal(t, errors.ErrCodeState, errors.CodeOf(err))

		chain := []struct {
			user string
		}{{"carol"}, {"mark"}, {"dana"}}
		for i, link := range chain {
			task := openTask(t, env, inst.ID)
			assert.Equal(t, i, task.StepIndex)

			claimed, err := env.pool.Claim(ctx, task.ID, link.user)
			require.NoError(t, err)
			assert.Equal(t, repository.TaskClaimed, claimed.Status)
			require.NotNil(t, claimed.ClaimantID)
			assert.Equal(t, link.user, *claimed.ClaimantID)

			mine, err := env.pool.MyTasks(ctx, link.user)
			require.NoError(t, err)
			require.Len(t, mine, 1)
			assert.Equal(t, task.ID, mine[0].ID)

			inst, err = env.engine.AdvanceTask(ctx, task.ID, repository.DecisionApprove, link.user, nil)
			require.NoError(t, err)
		}

		assert.Equal(t, repository.InstanceCompleted, inst.Status)
		require.NotNil(t, inst.CompletedAt)

		published, withdrawn := env.records.counts()
		assert.Equal(t, 1, published)
		assert.Equal(t, 0, withdrawn)

		assert.Equal(t, []repository.AuditAction{
			repository.ActionStarted,
			repository.ActionClaimed, repository.ActionApproved,
			repository.ActionClaimed, repository.ActionApproved,
			repository.ActionClaimed, repository.ActionApproved,
		}, auditActions(t, env, inst.ID))

		// Terminal instances admit no further transitions.
		_, err = env.engine.Advance(ctx, inst.ID, repository.DecisionApprove, "root", nil)
		assert.Equal(t, errors.ErrCodeState, errors.CodeOf(err))

		stats, err := env.stats.Stats(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, stats.CompletedToday, int64(1))

		// The object may re-enter a workflow once no instance is active.
		_, err = env.engine.StartWorkflow(ctx, "rec-100", "information_object", def.ID, "sam")
		require.NoError(t, err)
	})

	t.Run("concurrent claims admit one winner", func(t *testing.T) {
		def := threeStepWorkflow(t, env, "Claim Contention")
		inst, err := env.engine.StartWorkflow(ctx, "rec-200", "information_object", def.ID, "sam")
		require.NoError(t, err)
		task := openTask(t, env, inst.ID)

		const claimants = 8
		users := make([]string, claimants)
		for i := range users {
			users[i] = fmt.Sprintf("claimant-%d", i)
			env.roles.grant(users[i], "curator")
		}

		var wg sync.WaitGroup
		errs := make([]error, claimants)
		for i, user := range users {
			wg.Add(1)
			go func(i int, user string) {
				defer wg.Done()
				_, errs[i] = env.pool.Claim(ctx, task.ID, user)
			}(i, user)
		}
		wg.Wait()

		wins, conflicts := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, errors.ErrCodeConflict):
				conflicts++
			default:
				t.Fatalf("unexpected claim error: %v", err)
			}
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, claimants-1, conflicts)

		// Exactly one claimed audit event was written.
		claimEvents := 0
		for _, a := range auditActions(t, env, inst.ID) {
			if a == repository.ActionClaimed {
				claimEvents++
			}
		}
		assert.Equal(t, 1, claimEvents)
	})

	t.Run("release returns the task to the pool", func(t *testing.T) {
		def := threeStepWorkflow(t, env, "Release Cycle")
		inst, err := env.engine.StartWorkflow(ctx, "rec-300", "information_object", def.ID, "sam")
		require.NoError(t, err)
		task := openTask(t, env, inst.ID)

		_, err = env.pool.Claim(ctx, task.ID, "carol")
		require.NoError(t, err)

		// A bystander cannot release someone else's claim.
		err = env.pool.Release(ctx, task.ID, "bob")
		assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

		require.NoError(t, env.pool.Release(ctx, task.ID, "carol"))

		// The released task is claimable by another eligible user.
		claimed, err := env.pool.Claim(ctx, task.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, "bob", *claimed.ClaimantID)

		// An admin force-releases other users' claims.
		require.NoError(t, env.pool.Release(ctx, task.ID, "root"))
		actions := auditActions(t, env, inst.ID)
		assert.Contains(t, actions, repository.ActionReleased)
		assert.Contains(t, actions, repository.ActionForceReleased)
	})

	t.Run("rejection without send-back withdraws the record", func(t *testing.T) {
		def := threeStepWorkflow(t, env, "Hard Reject")
		inst, err := env.engine.StartWorkflow(ctx, "rec-400", "information_object", def.ID, "sam")
		require.NoError(t, err)
		task := openTask(t, env, inst.ID)

		_, err = env.pool.Claim(ctx, task.ID, "carol")
		require.NoError(t, err)

		// A rejection without a reason is refused.
		_, err = env.engine.AdvanceTask(ctx, task.ID, repository.DecisionReject, "carol", nil)
		assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))

		_, withdrawnBefore := env.records.counts()
		inst, err = env.engine.AdvanceTask(ctx, task.ID, repository.DecisionReject, "carol", strPtr("missing provenance"))
		require.NoError(t, err)
		assert.Equal(t, repository.InstanceRejected, inst.Status)

		_, withdrawnAfter := env.records.counts()
		assert.Equal(t, withdrawnBefore+1, withdrawnAfter)
		assert.Contains(t, auditActions(t, env, inst.ID), repository.ActionRejected)
	})

	t.Run("rejection with send-back reopens the previous step", func(t *testing.T) {
		def := threeStepWorkflow(t, env, "Send Back", 1)
		inst, err := env.engine.StartWorkflow(ctx, "rec-500", "information_object", def.ID, "sam")
		require.NoError(t, err)

		task := openTask(t, env, inst.ID)
		_, err = env.pool.Claim(ctx, task.ID, "carol")
		require.NoError(t, err)
		_, err = env.engine.AdvanceTask(ctx, task.ID, repository.DecisionApprove, "carol", nil)
		require.NoError(t, err)

		task = openTask(t, env, inst.ID)
		require.Equal(t, 1, task.StepIndex)
		_, err = env.pool.Claim(ctx, task.ID, "mark")
		require.NoError(t, err)

		_, withdrawnBefore := env.records.counts()
		inst, err = env.engine.AdvanceTask(ctx, task.ID, repository.DecisionReject, "mark", strPtr("needs better description"))
		require.NoError(t, err)

		// The instance stays active, back on the curator step.
		assert.Equal(t, repository.InstanceActive, inst.Status)
		assert.Equal(t, 0, inst.CurrentStepIndex)
		reopened := openTask(t, env, inst.ID)
		assert.Equal(t, 0, reopened.StepIndex)
		assert.Equal(t, repository.TaskPending, reopened.Status)
		assert.NotEqual(t, task.ID, reopened.ID)

		_, withdrawnAfter := env.records.counts()
		assert.Equal(t, withdrawnBefore, withdrawnAfter)
		assert.Contains(t, auditActions(t, env, inst.ID), repository.ActionSentBack)

		// The resumed chain runs to completion.
		publishedBefore, _ := env.records.counts()
		for _, user := range []string{"carol", "mark", "dana"} {
			task := openTask(t, env, inst.ID)
			_, err = env.pool.Claim(ctx, task.ID, user)
			require.NoError(t, err)
			inst, err = env.engine.AdvanceTask(ctx, task.ID, repository.DecisionApprove, user, nil)
			require.NoError(t, err)
		}
		assert.Equal(t, repository.InstanceCompleted, inst.Status)
		publishedAfter, _ := env.records.counts()
		assert.Equal(t, publishedBefore+1, publishedAfter)
	})

	t.Run("reorder leaves snapshots untouched", func(t *testing.T) {
		def := threeStepWorkflow(t, env, "Reorder Isolation")
		inst, err := env.engine.StartWorkflow(ctx, "rec-600", "information_object", def.ID, "sam")
		require.NoError(t, err)
		original := inst.Snapshot

		reversed := []string{def.Steps[2].ID, def.Steps[1].ID, def.Steps[0].ID}
		require.NoError(t, env.defs.ReorderSteps(ctx, def.ID, reversed))

		// A partial or duplicated id list is refused.
		err = env.defs.ReorderSteps(ctx, def.ID, reversed[:2])
		assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))
		err = env.defs.ReorderSteps(ctx, def.ID, []string{reversed[0], reversed[0], reversed[1]})
		assert.Equal(t, errors.ErrCodeValidation, errors.CodeOf(err))

		refreshed, err := env.engine.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, original, refreshed.Snapshot)

		// A new instance sees the new order.
		fresh, err := env.engine.StartWorkflow(ctx, "rec-601", "information_object", def.ID, "sam")
		require.NoError(t, err)
		assert.Equal(t, "Directorial Sign-off", fresh.Snapshot[0].Name)
	})

	t.Run("definition guards", func(t *testing.T) {
		def := threeStepWorkflow(t, env, "Guarded")
		_, err := env.engine.StartWorkflow(ctx, "rec-700", "information_object", def.ID, "sam")
		require.NoError(t, err)

		// A definition with instances cannot be deleted, only disabled.
		err = env.defs.DeleteWorkflow(ctx, def.ID)
		assert.Equal(t, errors.ErrCodeState, errors.CodeOf(err))

		// A step referenced by an active snapshot cannot be deleted.
		err = env.defs.DeleteStep(ctx, def.Steps[0].ID)
		assert.Equal(t, errors.ErrCodeState, errors.CodeOf(err))

		// A disabled definition starts no new instances.
		require.NoError(t, env.defs.DisableWorkflow(ctx, def.ID))
		_, err = env.engine.StartWorkflow(ctx, "rec-701", "information_object", def.ID, "sam")
		assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

		// An unused definition deletes cleanly.
		unused := threeStepWorkflow(t, env, "Unused")
		assert.NoError(t, env.defs.DeleteWorkflow(ctx, unused.ID))
	})

	t.Run("cancellation is admin-only", func(t *testing.T) {
		def := threeStepWorkflow(t, env, "Cancellable")
		inst, err := env.engine.StartWorkflow(ctx, "rec-800", "information_object", def.ID, "sam")
		require.NoError(t, err)
		task := openTask(t, env, inst.ID)
		_, err = env.pool.Claim(ctx, task.ID, "carol")
		require.NoError(t, err)

		_, err = env.engine.CancelWorkflow(ctx, inst.ID, "carol")
		assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))

		inst, err = env.engine.CancelWorkflow(ctx, inst.ID, "root")
		require.NoError(t, err)
		assert.Equal(t, repository.InstanceCancelled, inst.Status)

		closed, err := env.tasks.GetByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, repository.TaskCancelled, closed.Status)
		assert.Contains(t, auditActions(t, env, inst.ID), repository.ActionCancelled)

		_, err = env.engine.CancelWorkflow(ctx, inst.ID, "root")
		assert.Equal(t, errors.ErrCodeState, errors.CodeOf(err))
	})

	t.Run("expired claims are swept", func(t *testing.T) {
		def := threeStepWorkflow(t, env, "Sweepable")
		inst, err := env.engine.StartWorkflow(ctx, "rec-900", "information_object", def.ID, "sam")
		require.NoError(t, err)
		task := openTask(t, env, inst.ID)
		_, err = env.pool.Claim(ctx, task.ID, "carol")
		require.NoError(t, err)

		// A fresh claim survives the sweep.
		released, err := env.pool.SweepExpiredClaims(ctx, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, released)

		_, err = env.db.Exec(ctx,
			`UPDATE workflow_tasks SET claimed_at = NOW() - INTERVAL '2 hours' WHERE id = $1`, task.ID)
		require.NoError(t, err)

		released, err = env.pool.SweepExpiredClaims(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, released)

		swept, err := env.tasks.GetByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, repository.TaskPending, swept.Status)
		assert.Nil(t, swept.ClaimantID)

		events, err := env.engine.History(ctx, inst.ID)
		require.NoError(t, err)
		last := events[len(events)-1]
		assert.Equal(t, repository.ActionForceReleased, last.Action)
		assert.Equal(t, "system", last.ActorID)
	})

	t.Run("audit log is append-only", func(t *testing.T) {
		def := threeStepWorkflow(t, env, "Immutable Ledger")
		inst, err := env.engine.StartWorkflow(ctx, "rec-950", "information_object", def.ID, "sam")
		require.NoError(t, err)

		_, err = env.db.Exec(ctx,
			`UPDATE workflow_audit_events SET actor_id = 'tampered' WHERE instance_id = $1`, inst.ID)
		assert.Error(t, err)
		_, err = env.db.Exec(ctx,
			`DELETE FROM workflow_audit_events WHERE instance_id = $1`, inst.ID)
		assert.Error(t, err)

		// Cross-instance history aggregates every event for the object.
		events, err := env.engine.ObjectHistory(ctx, "rec-950", "information_object")
		require.NoError(t, err)
		require.NotEmpty(t, events)
		assert.Equal(t, repository.ActionStarted, events[0].Action)
	})
}
