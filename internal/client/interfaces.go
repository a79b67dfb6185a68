package client

import "context"

// RoleProvider resolves role membership and the admin capability from the
// external identity service. The engine never sees a concrete identity model,
// only this interface.
type RoleProvider interface {
	HasRole(ctx context.Context, userID, roleID string) (bool, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// RecordStore is notified of terminal workflow outcomes. The engine never
// mutates the record's own metadata.
type RecordStore interface {
	NotifyPublished(ctx context.Context, objectID, objectType string) error
	NotifyWithdrawn(ctx context.Context, objectID, objectType, reason string) error
}
