// Package postgres provides PostgreSQL database adapters for the Job
// Store (C1): atomic status transitions, retry counters, and the
// Result sub-store, over a minimal pgx pool interface for testability.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bfhealy/nmma-relay/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// JobRepo persists and loads Jobs from PostgreSQL, implementing the
// domain.JobStore port (C1).
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

var activeStatuses = []domain.Status{
	domain.StatusRunning,
	domain.StatusRunningPlot,
	domain.StatusRetryUpload,
	domain.StatusFailedSubmissionToUpload,
}

var submittableStatuses = []domain.Status{
	domain.StatusPending,
	domain.StatusJobExpired,
}

// Create inserts a new Job in state pending, failing with
// domain.ErrDuplicateID on an id collision.
func (r *JobRepo) Create(ctx context.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "jobs"))

	q := `INSERT INTO jobs (
		id, resource_id, created_at, invalid_after, callback_url, callback_method,
		source, tmin, tmax, dt, photometry, redshift, status
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := r.Pool.Exec(ctx, q,
		j.ID, j.ResourceID, j.CreatedAt, j.InvalidAfter, j.CallbackURL, j.CallbackMethod,
		j.Inputs.AnalysisParameters.Source, j.Inputs.AnalysisParameters.Tmin, j.Inputs.AnalysisParameters.Tmax, j.Inputs.AnalysisParameters.Dt,
		j.Inputs.Photometry, j.Inputs.Redshift, domain.StatusPending,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("op=job.create: %w", domain.ErrDuplicateID)
		}
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

func (r *JobRepo) findByStatuses(ctx context.Context, statuses []domain.Status) ([]domain.Job, error) {
	args := make([]any, len(statuses))
	placeholders := ""
	for i, s := range statuses {
		args[i] = string(s)
		if i > 0 {
			placeholders += ","
		}
		placeholders += fmt.Sprintf("$%d", i+1)
	}
	q := fmt.Sprintf(`SELECT id, resource_id, created_at, invalid_after, callback_url, callback_method,
		source, tmin, tmax, dt, photometry, redshift, status, cluster_job_id, submitted_at,
		nb_upload_failures, COALESCE(upload_error,''), COALESCE(error,''), COALESCE(warning,'')
		FROM jobs WHERE status IN (%s)`, placeholders)
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.find: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.find_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.find_rows: %w", err)
	}
	return jobs, nil
}

// FindActive returns all Jobs whose status is one of running,
// running_plot, retry_upload, failed_submission_to_upload.
func (r *JobRepo) FindActive(ctx context.Context) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindActive")
	defer span.End()
	return r.findByStatuses(ctx, activeStatuses)
}

// FindSubmittable returns all Jobs in pending or job_expired.
func (r *JobRepo) FindSubmittable(ctx context.Context) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindSubmittable")
	defer span.End()
	return r.findByStatuses(ctx, submittableStatuses)
}

// Get loads a Job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT id, resource_id, created_at, invalid_after, callback_url, callback_method,
		source, tmin, tmax, dt, photometry, redshift, status, cluster_job_id, submitted_at,
		nb_upload_failures, COALESCE(upload_error,''), COALESCE(error,''), COALESCE(warning,'')
		FROM jobs WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.ResourceID, &j.CreatedAt, &j.InvalidAfter, &j.CallbackURL, &j.CallbackMethod,
		&j.Inputs.AnalysisParameters.Source, &j.Inputs.AnalysisParameters.Tmin, &j.Inputs.AnalysisParameters.Tmax, &j.Inputs.AnalysisParameters.Dt,
		&j.Inputs.Photometry, &j.Inputs.Redshift, &j.Status, &j.ClusterJobID, &j.SubmittedAt,
		&j.NbUploadFailures, &j.UploadError, &j.Error, &j.Warning,
	)
	if err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// UpdateStatus atomically applies a partial update to the status field
// and the scalar attributes named in a StatusPatch, within an explicit
// transaction (teacher convention: begin/commit with deferred rollback
// on any non-committed path).
func (r *JobRepo) UpdateStatus(ctx context.Context, id string, patch domain.StatusPatch) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id), attribute.String("job.status", string(patch.Status)))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=job.update_status.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				slog.Error("failed to rollback job status update", slog.String("job_id", id), slog.Any("error", rbErr))
			}
		}
	}()

	q := `UPDATE jobs SET status=$2,
		cluster_job_id = CASE WHEN $3 THEN NULL WHEN $4::bigint IS NOT NULL THEN $4::bigint ELSE cluster_job_id END,
		submitted_at = COALESCE($5, submitted_at),
		nb_upload_failures = COALESCE($6, nb_upload_failures),
		upload_error = COALESCE($7, upload_error),
		error = COALESCE($8, error),
		warning = COALESCE($9, warning)
		WHERE id=$1`
	_, err = tx.Exec(ctx, q, id, patch.Status, patch.ClearClusterJobID, patch.ClusterJobID,
		patch.SubmittedAt, patch.NbUploadFailures, patch.UploadError, patch.Error, patch.Warning)
	if err != nil {
		return fmt.Errorf("op=job.update_status.exec: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.update_status.commit: %w", err)
	}
	committed = true
	return nil
}

// Ping verifies Job Store reachability for the health endpoint.
func (r *JobRepo) Ping(ctx context.Context) error {
	row := r.Pool.QueryRow(ctx, `SELECT 1`)
	var one int
	return row.Scan(&one)
}
