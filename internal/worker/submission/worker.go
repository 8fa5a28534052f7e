// Package submission implements the Submission Worker (C6): it drains
// pending and job_expired jobs from the store, submits them to the
// cluster, and writes back the outcome.
package submission

import (
	"context"
	"log/slog"
	"time"

	"github.com/bfhealy/nmma-relay/internal/adapter/observability"
	"github.com/bfhealy/nmma-relay/internal/app"
	"github.com/bfhealy/nmma-relay/internal/domain"
)

// Worker periodically submits submittable jobs to the cluster.
type Worker struct {
	Store   domain.JobStore
	Cluster domain.ClusterAdapter
}

// New constructs a submission Worker.
func New(store domain.JobStore, cluster domain.ClusterAdapter) *Worker {
	return &Worker{Store: store, Cluster: cluster}
}

// Run starts the tick loop, submitting a fresh batch of jobs every
// interval until ctx is canceled. It does not return until ctx is done.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	app.TickLoop(ctx, interval, "submission", w.tick)
}

func (w *Worker) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		observability.SubmissionTickDuration.Observe(time.Since(start).Seconds())
	}()

	jobs, err := w.Store.FindSubmittable(ctx)
	if err != nil {
		slog.Error("op=submission.tick: failed to list submittable jobs", slog.Any("error", err))
		return
	}
	slog.Info("submission tick found jobs to submit", slog.Int("count", len(jobs)))

	for _, job := range jobs {
		w.submitOne(ctx, job)
	}
}

func (w *Worker) submitOne(ctx context.Context, job domain.Job) {
	wasJobExpired := job.Status == domain.StatusJobExpired

	outcome, err := w.Cluster.Submit(ctx, job, wasJobExpired)
	if err != nil {
		slog.Warn("submission failed", slog.String("job_id", job.ID), slog.Any("error", err))
		errMsg := err.Error()
		patch := domain.StatusPatch{
			Status:            domain.StatusFailedSubmissionToUpload,
			ClearClusterJobID: true,
			Error:             &errMsg,
		}
		if updErr := w.Store.UpdateStatus(ctx, job.ID, patch); updErr != nil {
			slog.Error("op=submission.submitOne: failed to record submission failure", slog.String("job_id", job.ID), slog.Any("error", updErr))
		}
		observability.SubmissionsTotal.WithLabelValues("failed").Inc()
		return
	}

	nextStatus := domain.StatusRunning
	if wasJobExpired {
		nextStatus = domain.StatusRunningPlot
	}

	clusterJobID := outcome.ClusterJobID
	submittedAt := outcome.SubmittedAt
	noError := ""
	patch := domain.StatusPatch{
		Status:       nextStatus,
		ClusterJobID: &clusterJobID,
		SubmittedAt:  &submittedAt,
		Error:        &noError,
		Warning:      &outcome.Warning,
	}
	if err := w.Store.UpdateStatus(ctx, job.ID, patch); err != nil {
		slog.Error("op=submission.submitOne: failed to record submission success", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.SubmissionsTotal.WithLabelValues("submitted").Inc()
}
