package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ahg-platform/be-workflow/internal/errors"
	"github.com/ahg-platform/be-workflow/internal/repository"
)

// fakeRoles is an in-memory RoleProvider.
type fakeRoles struct {
	mu     sync.Mutex
	roles  map[string][]string
	admins map[string]bool
}

func newFakeRoles() *fakeRoles {
	return &fakeRoles{roles: map[string][]string{}, admins: map[string]bool{}}
}

func (f *fakeRoles) grant(userID string, roleIDs ...string) *fakeRoles {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[userID] = append(f.roles[userID], roleIDs...)
	return f
}

func (f *fakeRoles) makeAdmin(userID string) *fakeRoles {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admins[userID] = true
	return f
}

func (f *fakeRoles) HasRole(ctx context.Context, userID, roleID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.roles[userID] {
		if r == roleID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRoles) IsAdmin(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.admins[userID], nil
}

// fakeRecordStore counts collaborator notifications.
type fakeRecordStore struct {
	mu        sync.Mutex
	published int
	withdrawn int
}

func (f *fakeRecordStore) NotifyPublished(ctx context.Context, objectID, objectType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published++
	return nil
}

func (f *fakeRecordStore) NotifyWithdrawn(ctx context.Context, objectID, objectType, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawn++
	return nil
}

func (f *fakeRecordStore) counts() (published, withdrawn int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published, f.withdrawn
}

func strPtr(s string) *string { return &s }

func pendingTask() *repository.Task {
	return &repository.Task{ID: "t1", InstanceID: "i1", Status: repository.TaskPending}
}

func claimedTask(by string) *repository.Task {
	now := time.Now()
	return &repository.Task{
		ID:         "t1",
		InstanceID: "i1",
		Status:     repository.TaskClaimed,
		ClaimantID: &by,
		ClaimedAt:  &now,
	}
}

var curatorStep = repository.SnapshotStep{StepID: "s1", Name: "Curatorial Review", RequiredRole: "curator"}

func TestCanClaim(t *testing.T) {
	ctx := context.Background()
	roles := newFakeRoles().grant("alice", "curator")
	v := NewTransitionValidator(roles)

	tests := []struct {
		name     string
		task     *repository.Task
		userID   string
		wantCode errors.Code
	}{
		{"pending with role", pendingTask(), "alice", ""},
		{"pending without role", pendingTask(), "bob", errors.ErrCodeUnauthorized},
		{"reclaim own task", claimedTask("alice"), "alice", ""},
		{"claimed by another", claimedTask("bob"), "alice", errors.ErrCodeConflict},
		{
			"terminal task",
			&repository.Task{Status: repository.TaskApproved},
			"alice",
			errors.ErrCodeState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.CanClaim(ctx, tt.task, curatorStep, tt.userID)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantCode, errors.CodeOf(err))
		})
	}
}

func TestCanDecide(t *testing.T) {
	ctx := context.Background()
	roles := newFakeRoles().
		grant("alice", "curator").
		grant("root", "curator").
		makeAdmin("root").
		makeAdmin("roleless-admin")
	v := NewTransitionValidator(roles)

	tests := []struct {
		name     string
		task     *repository.Task
		userID   string
		decision repository.Decision
		wantCode errors.Code
	}{
		{"claimant approves", claimedTask("alice"), "alice", repository.DecisionApprove, ""},
		{"claimant rejects", claimedTask("alice"), "alice", repository.DecisionReject, ""},
		{"bad decision", claimedTask("alice"), "alice", repository.Decision("defer"), errors.ErrCodeValidation},
		{"pending task", pendingTask(), "alice", repository.DecisionApprove, errors.ErrCodeState},
		{
			"terminal task",
			&repository.Task{Status: repository.TaskRejected},
			"alice",
			repository.DecisionApprove,
			errors.ErrCodeState,
		},
		{"non-claimant", claimedTask("bob"), "alice", repository.DecisionApprove, errors.ErrCodeUnauthorized},
		{"admin overrides ownership", claimedTask("bob"), "root", repository.DecisionApprove, ""},
		// Admin bypasses claim ownership but never the role requirement.
		{"admin without role", claimedTask("bob"), "roleless-admin", repository.DecisionApprove, errors.ErrCodeUnauthorized},
		{"claimant lost role", claimedTask("carol"), "carol", repository.DecisionApprove, errors.ErrCodeUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.CanDecide(ctx, tt.task, curatorStep, tt.userID, tt.decision)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantCode, errors.CodeOf(err))
		})
	}
}

func TestCanCancel(t *testing.T) {
	ctx := context.Background()
	v := NewTransitionValidator(newFakeRoles().makeAdmin("root"))

	assert.NoError(t, v.CanCancel(ctx, "root"))
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(v.CanCancel(ctx, "alice")))
}

func TestCanRelease(t *testing.T) {
	ctx := context.Background()
	v := NewTransitionValidator(newFakeRoles().makeAdmin("root"))

	force, err := v.CanRelease(ctx, claimedTask("alice"), "alice")
	assert.NoError(t, err)
	assert.False(t, force)

	force, err = v.CanRelease(ctx, claimedTask("alice"), "root")
	assert.NoError(t, err)
	assert.True(t, force)

	_, err = v.CanRelease(ctx, claimedTask("alice"), "bob")
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
}
