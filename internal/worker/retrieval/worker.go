// Package retrieval implements the Retrieval Worker (C7): it scans
// active jobs, enforces time-based transitions, retrieves finished
// artifacts from the cluster, and hands them to the Callback Client
// for delivery.
package retrieval

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/bfhealy/nmma-relay/internal/adapter/observability"
	"github.com/bfhealy/nmma-relay/internal/app"
	"github.com/bfhealy/nmma-relay/internal/domain"
)

// Worker periodically advances active jobs toward completion.
type Worker struct {
	Store            domain.JobStore
	Cluster          domain.ClusterAdapter
	Callback         domain.CallbackClient
	CallbackTimeout  time.Duration
	TimeLimit        time.Duration
	MaxUploadFailures int
}

// New constructs a retrieval Worker.
func New(store domain.JobStore, cluster domain.ClusterAdapter, cb domain.CallbackClient, callbackTimeout, timeLimit time.Duration, maxUploadFailures int) *Worker {
	return &Worker{
		Store:             store,
		Cluster:           cluster,
		Callback:          cb,
		CallbackTimeout:   callbackTimeout,
		TimeLimit:         timeLimit,
		MaxUploadFailures: maxUploadFailures,
	}
}

// Run starts the tick loop until ctx is done.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	app.TickLoop(ctx, interval, "retrieval", w.tick)
}

func (w *Worker) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		observability.RetrievalTickDuration.Observe(time.Since(start).Seconds())
	}()

	jobs, err := w.Store.FindActive(ctx)
	if err != nil {
		slog.Error("op=retrieval.tick: failed to list active jobs", slog.Any("error", err))
		return
	}
	slog.Info("retrieval tick found jobs to process", slog.Int("count", len(jobs)))

	now := time.Now().UTC()
	for _, job := range jobs {
		w.processOne(ctx, job, now)
	}
}

// processOne applies the mandatory precedence order: webhook expiry,
// then wall-clock expiry, then delivery-budget exhaustion, then the
// retrieve/deliver path.
func (w *Worker) processOne(ctx context.Context, job domain.Job, now time.Time) {
	if now.After(job.InvalidAfter) {
		w.handleWebhookExpired(ctx, job)
		return
	}

	if job.Status == domain.StatusRunning && w.deadlineExceeded(job, now) {
		w.handleJobExpired(ctx, job)
		return
	}

	if job.Status == domain.StatusFailedSubmissionToUpload {
		w.handleFailedSubmission(ctx, job)
		return
	}

	if job.Status == domain.StatusRunningPlot && w.deadlineExceeded(job, now) {
		w.handlePlotExpired(ctx, job)
		return
	}

	if job.Status == domain.StatusRetryUpload && job.NbUploadFailures >= w.MaxUploadFailures {
		w.handleUploadBudgetExhausted(ctx, job)
		return
	}

	w.retrieveAndDeliver(ctx, job)
}

func (w *Worker) deadlineExceeded(job domain.Job, now time.Time) bool {
	if job.SubmittedAt == nil {
		return false
	}
	return now.Sub(*job.SubmittedAt) > w.TimeLimit
}

func (w *Worker) handleWebhookExpired(ctx context.Context, job domain.Job) {
	slog.Info("webhook expired, skipping and discarding results", slog.String("job_id", job.ID))
	w.Cluster.Cancel(ctx, job.ClusterJobID)

	patch := domain.StatusPatch{Status: domain.StatusWebhookExpired}
	if err := w.Store.UpdateStatus(ctx, job.ID, patch); err != nil {
		slog.Error("op=retrieval.handleWebhookExpired: update status", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	if err := w.Store.DeleteResult(ctx, job.ID); err != nil {
		slog.Debug("op=retrieval.handleWebhookExpired: no cached result to delete", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func (w *Worker) handleJobExpired(ctx context.Context, job domain.Job) {
	slog.Info("job has run too long, cancelling and starting plot-only resubmission", slog.String("job_id", job.ID))
	w.Cluster.Cancel(ctx, job.ClusterJobID)

	patch := domain.StatusPatch{Status: domain.StatusJobExpired}
	if err := w.Store.UpdateStatus(ctx, job.ID, patch); err != nil {
		slog.Error("op=retrieval.handleJobExpired: update status", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func (w *Worker) handleFailedSubmission(ctx context.Context, job domain.Job) {
	msg := job.Error
	if msg == "" {
		msg = "unknown error"
	}
	w.deliverFailure(ctx, job, msg)

	patch := domain.StatusPatch{Status: domain.StatusFailedSubmission}
	if err := w.Store.UpdateStatus(ctx, job.ID, patch); err != nil {
		slog.Error("op=retrieval.handleFailedSubmission: update status", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func (w *Worker) handlePlotExpired(ctx context.Context, job domain.Job) {
	slog.Info("plot generation ran too long, failing job", slog.String("job_id", job.ID))
	w.Cluster.Cancel(ctx, job.ClusterJobID)
	w.deliverFailure(ctx, job, "analysis ran for too long, and failed to generate plots")

	patch := domain.StatusPatch{Status: domain.StatusFailedPlot}
	if err := w.Store.UpdateStatus(ctx, job.ID, patch); err != nil {
		slog.Error("op=retrieval.handlePlotExpired: update status", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func (w *Worker) handleUploadBudgetExhausted(ctx context.Context, job domain.Job) {
	slog.Warn("delivery budget exhausted, giving up", slog.String("job_id", job.ID), slog.Int("nb_upload_failures", job.NbUploadFailures))

	patch := domain.StatusPatch{Status: domain.StatusFailedUpload}
	if err := w.Store.UpdateStatus(ctx, job.ID, patch); err != nil {
		slog.Error("op=retrieval.handleUploadBudgetExhausted: update status", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	if err := w.Store.DeleteResult(ctx, job.ID); err != nil {
		slog.Debug("op=retrieval.handleUploadBudgetExhausted: no cached result to delete", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// deliverFailure posts a failure notice upstream; delivery outcome is
// best-effort and never blocks the terminal status transition.
func (w *Worker) deliverFailure(ctx context.Context, job domain.Job, message string) {
	payload, err := json.Marshal(struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}{Status: "failure", Message: message})
	if err != nil {
		slog.Error("op=retrieval.deliverFailure: marshal payload", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	ok, errMsg := w.Callback.Deliver(ctx, job.CallbackURL, job.CallbackMethod, payload, w.CallbackTimeout)
	if !ok {
		slog.Warn("failure notice delivery failed", slog.String("job_id", job.ID), slog.String("error", errMsg))
		observability.CallbackDeliveryTotal.WithLabelValues("failed").Inc()
		return
	}
	observability.CallbackDeliveryTotal.WithLabelValues("delivered").Inc()
}

func (w *Worker) retrieveAndDeliver(ctx context.Context, job domain.Job) {
	payload, err := w.loadOrRetrieve(ctx, job)
	if err != nil {
		slog.Warn("retrieve failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if payload == nil {
		slog.Debug("analysis has not completed yet, skipping", slog.String("job_id", job.ID))
		return
	}

	if job.Status == domain.StatusRunning || job.Status == domain.StatusRunningPlot {
		if err := w.Store.PutResult(ctx, job.ID, payload); err != nil {
			slog.Error("op=retrieval.retrieveAndDeliver: cache result", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}

	ok, errMsg := w.Callback.Deliver(ctx, job.CallbackURL, job.CallbackMethod, payload, w.CallbackTimeout)
	if ok {
		observability.CallbackDeliveryTotal.WithLabelValues("delivered").Inc()
		patch := domain.StatusPatch{Status: domain.StatusCompleted}
		if err := w.Store.UpdateStatus(ctx, job.ID, patch); err != nil {
			slog.Error("op=retrieval.retrieveAndDeliver: update status", slog.String("job_id", job.ID), slog.Any("error", err))
			return
		}
		if err := w.Store.DeleteResult(ctx, job.ID); err != nil {
			slog.Debug("op=retrieval.retrieveAndDeliver: no cached result to delete", slog.String("job_id", job.ID), slog.Any("error", err))
		}
		return
	}

	observability.CallbackDeliveryTotal.WithLabelValues("failed").Inc()
	nextFailures := job.NbUploadFailures + 1
	patch := domain.StatusPatch{
		Status:           domain.StatusRetryUpload,
		NbUploadFailures: &nextFailures,
		UploadError:      &errMsg,
	}
	if err := w.Store.UpdateStatus(ctx, job.ID, patch); err != nil {
		slog.Error("op=retrieval.retrieveAndDeliver: record retry", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// loadOrRetrieve prefers a previously cached result (from a prior tick
// that retrieved successfully but failed to deliver) over hitting the
// cluster again.
func (w *Worker) loadOrRetrieve(ctx context.Context, job domain.Job) ([]byte, error) {
	if job.Status == domain.StatusRunning || job.Status == domain.StatusRunningPlot {
		return w.Cluster.Retrieve(ctx, job)
	}

	cached, err := w.Store.GetResult(ctx, job.ID)
	if err == nil {
		return cached, nil
	}
	return w.Cluster.Retrieve(ctx, job)
}
