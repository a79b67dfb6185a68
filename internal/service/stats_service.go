package service

import (
	"context"

	"github.com/ahg-platform/be-workflow/internal/repository"
)

const defaultActivityLimit = 50

// StatsService serves the dashboard counters and activity feed. Read-only.
type StatsService struct {
	tasks *repository.TaskRepository
	audit *repository.AuditRepository
}

// NewStatsService creates a new StatsService.
func NewStatsService(tasks *repository.TaskRepository, audit *repository.AuditRepository) *StatsService {
	return &StatsService{tasks: tasks, audit: audit}
}

// Stats returns the system-wide counters.
func (s *StatsService) Stats(ctx context.Context) (*repository.PoolStats, error) {
	return s.tasks.Stats(ctx)
}

// TasksSummary returns the user's claimed-task and submission counters.
func (s *StatsService) TasksSummary(ctx context.Context, userID string) (*repository.TaskSummary, error) {
	return s.tasks.Summary(ctx, userID)
}

// RecentActivity returns the newest audit events. limit <= 0 uses the
// default.
func (s *StatsService) RecentActivity(ctx context.Context, limit int) ([]*repository.AuditEvent, error) {
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	return s.audit.RecentActivity(ctx, limit)
}
