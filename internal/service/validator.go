package service

import (
	"context"

	"github.com/ahg-platform/be-workflow/internal/client"
	"github.com/ahg-platform/be-workflow/internal/errors"
	"github.com/ahg-platform/be-workflow/internal/repository"
)

// TransitionValidator is the stateless policy answering "may this actor
// perform this action on this task". Roles are resolved through the
// RoleProvider on every call, so a role revoked after claim time is caught at
// decision time. Failures are typed and never downgraded to a no-op.
type TransitionValidator struct {
	roles client.RoleProvider
}

// NewTransitionValidator creates a new TransitionValidator.
func NewTransitionValidator(roles client.RoleProvider) *TransitionValidator {
	return &TransitionValidator{roles: roles}
}

// CanClaim allows claiming a pending task when the user holds the step's
// required role. A task already claimed by the same user passes (the claim
// itself is an idempotent no-op at the storage layer).
func (v *TransitionValidator) CanClaim(ctx context.Context, task *repository.Task, step repository.SnapshotStep, userID string) error {
	switch task.Status {
	case repository.TaskPending:
		// fall through to role check
	case repository.TaskClaimed:
		if task.ClaimantID != nil && *task.ClaimantID == userID {
			return nil
		}
		return errors.New(errors.ErrCodeConflict, "task is already claimed by another user")
	default:
		return errors.Newf(errors.ErrCodeState, "task is %s and can no longer be claimed", task.Status)
	}

	return v.requireRole(ctx, userID, step.RequiredRole)
}

// CanDecide allows an approve/reject decision when the task is claimed by the
// user and the user still holds the step's required role. An admin may
// override claim ownership but never the role requirement.
func (v *TransitionValidator) CanDecide(ctx context.Context, task *repository.Task, step repository.SnapshotStep, userID string, decision repository.Decision) error {
	if decision != repository.DecisionApprove && decision != repository.DecisionReject {
		return errors.InvalidInput("decision", "must be approve or reject")
	}

	switch task.Status {
	case repository.TaskClaimed:
		// fall through
	case repository.TaskPending:
		return errors.New(errors.ErrCodeState, "task must be claimed before a decision")
	default:
		return errors.Newf(errors.ErrCodeState, "task is %s, no further decision is possible", task.Status)
	}

	if task.ClaimantID == nil || *task.ClaimantID != userID {
		isAdmin, err := v.roles.IsAdmin(ctx, userID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve admin capability")
		}
		if !isAdmin {
			return errors.New(errors.ErrCodeUnauthorized, "task is claimed by another user")
		}
	}

	return v.requireRole(ctx, userID, step.RequiredRole)
}

// CanCancel allows administrative cancellation only.
func (v *TransitionValidator) CanCancel(ctx context.Context, userID string) error {
	isAdmin, err := v.roles.IsAdmin(ctx, userID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve admin capability")
	}
	if !isAdmin {
		return errors.New(errors.ErrCodeUnauthorized, "cancellation requires the admin capability")
	}
	return nil
}

// CanRelease allows releasing a claim held by the user, or any claim for an
// admin.
func (v *TransitionValidator) CanRelease(ctx context.Context, task *repository.Task, userID string) (force bool, err error) {
	if task.ClaimantID != nil && *task.ClaimantID == userID {
		return false, nil
	}
	isAdmin, err := v.roles.IsAdmin(ctx, userID)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve admin capability")
	}
	if !isAdmin {
		return false, errors.New(errors.ErrCodeConflict, "task is not claimed by you")
	}
	return true, nil
}

func (v *TransitionValidator) requireRole(ctx context.Context, userID, roleID string) error {
	hasRole, err := v.roles.HasRole(ctx, userID, roleID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve role membership")
	}
	if !hasRole {
		return errors.Newf(errors.ErrCodeUnauthorized, "user does not hold the required role %q", roleID)
	}
	return nil
}
