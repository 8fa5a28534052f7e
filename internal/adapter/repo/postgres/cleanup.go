package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// CleanupService removes terminal jobs (and their orphaned results)
// past a retention window, so the jobs table doesn't grow unbounded.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// terminalStatuses lists the statuses eligible for retention cleanup;
// jobs still mid-lifecycle are never touched regardless of age.
var terminalStatuses = []string{"completed", "failed_upload", "failed_submission", "failed_plot", "webhook_expired"}

// CleanupOldData deletes terminal jobs older than the retention
// window, cascading to any leftover result rows first.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM results
		WHERE analysis_id IN (
			SELECT id FROM jobs WHERE created_at < $1 AND status = ANY($2)
		)
	`, cutoff, terminalStatuses)
	if err != nil {
		return fmt.Errorf("cleanup delete results: %w", err)
	}
	deletedResults := tag.RowsAffected()

	tag, err = tx.Exec(ctx, `
		DELETE FROM jobs WHERE created_at < $1 AND status = ANY($2)
	`, cutoff, terminalStatuses)
	if err != nil {
		return fmt.Errorf("cleanup delete jobs: %w", err)
	}
	deletedJobs := tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int64("deleted_results", deletedResults),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
