// Package domain defines core entities, ports, and domain-specific errors
// for the analysis brokerage service.
package domain

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Error taxonomy (sentinels). Adapters wrap these with %w so callers can
// test them with errors.Is; the HTTP layer does not map them to status
// codes.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrDuplicateID      = errors.New("duplicate id")
	ErrInternal         = errors.New("internal error")
	ErrUnknownFilter    = errors.New("unknown filter")
	ErrRetrieveNotReady = errors.New("artifacts not ready")
	ErrWebhookExpired   = errors.New("webhook expired")
)

// Status is one of the canonical job lifecycle states.
type Status string

const (
	StatusPending                   Status = "pending"
	StatusRunning                   Status = "running"
	StatusJobExpired                Status = "job_expired"
	StatusRunningPlot                Status = "running_plot"
	StatusFailedSubmissionToUpload   Status = "failed_submission_to_upload"
	StatusRetryUpload               Status = "retry_upload"
	StatusCompleted                 Status = "completed"
	StatusFailedUpload              Status = "failed_upload"
	StatusFailedSubmission          Status = "failed_submission"
	StatusFailedPlot                Status = "failed_plot"
	StatusWebhookExpired            Status = "webhook_expired"
)

// Terminal reports whether a status is terminal: once reached, no
// subsequent worker tick changes it again (universal property 1).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailedUpload, StatusFailedSubmission, StatusFailedPlot, StatusWebhookExpired:
		return true
	default:
		return false
	}
}

// AnalysisParameters carries the model source and the time-window
// parameters forwarded verbatim to the cluster batch job.
type AnalysisParameters struct {
	Source string  `json:"source"`
	Tmin   float64 `json:"tmin"`
	Tmax   float64 `json:"tmax"`
	Dt     float64 `json:"dt"`
}

// Inputs is the request payload stored on a Job. Photometry and
// Redshift are gzip-compressed CSV blobs once persisted (invariant:
// round-trip decompression reproduces the original bytes exactly).
type Inputs struct {
	AnalysisParameters AnalysisParameters `json:"analysis_parameters"`
	Photometry         []byte             `json:"photometry,omitempty"`
	Redshift           []byte             `json:"redshift,omitempty"`
}

// Job is the central entity: one durable record per incoming analysis
// request, mutated only by the Submission Worker and Retrieval Worker.
type Job struct {
	ID                string
	ResourceID        string
	CreatedAt         time.Time
	InvalidAfter      time.Time
	CallbackURL       string
	CallbackMethod    string
	Inputs            Inputs
	Status            Status
	ClusterJobID      *int64
	SubmittedAt       *time.Time
	NbUploadFailures  int
	UploadError       string
	Error             string
	Warning           string
}

// Label is the stable per-job string used to name artifacts and batch
// jobs on the cluster; it MUST remain unchanged across re-submissions.
func (j Job) Label() string {
	return j.ResourceID + "_" + formatUnixSeconds(j.CreatedAt)
}

func formatUnixSeconds(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// Result holds retrieved artifacts between first retrieval and
// successful delivery. Exists only while an upload is pending/retrying.
type Result struct {
	AnalysisID string
	Payload    []byte
	CreatedAt  time.Time
}

// StatusPatch is an atomic partial update applied by update_status. A
// nil field leaves the corresponding column untouched. id, created_at
// and invalid_after are never part of a patch (Job Store invariant).
type StatusPatch struct {
	Status           Status
	ClusterJobID     *int64
	ClearClusterJobID bool
	SubmittedAt      *time.Time
	NbUploadFailures *int
	UploadError      *string
	Error            *string
	Warning          *string
}

// JobStore is the durable persistence port (C1).
type JobStore interface {
	Create(ctx context.Context, j Job) error
	FindActive(ctx context.Context) ([]Job, error)
	FindSubmittable(ctx context.Context) ([]Job, error)
	Get(ctx context.Context, id string) (Job, error)
	UpdateStatus(ctx context.Context, id string, patch StatusPatch) error

	PutResult(ctx context.Context, analysisID string, payload []byte) error
	GetResult(ctx context.Context, analysisID string) ([]byte, error)
	DeleteResult(ctx context.Context, analysisID string) error

	Ping(ctx context.Context) error
}

// SubmitOutcome is the result of a successful Cluster Adapter submit.
type SubmitOutcome struct {
	ClusterJobID int64
	SubmittedAt  time.Time
	Warning      string
}

// ClusterAdapter is the narrow interface to the remote batch system (C2).
type ClusterAdapter interface {
	Submit(ctx context.Context, job Job, skipSampling bool) (SubmitOutcome, error)
	Retrieve(ctx context.Context, job Job) ([]byte, error) // nil, nil => not ready
	Cancel(ctx context.Context, clusterJobID *int64) bool
	ValidateCredentials(ctx context.Context) bool
}

// CallbackClient delivers a result payload to a caller-supplied URL (C3).
type CallbackClient interface {
	Deliver(ctx context.Context, url, method string, payload []byte, timeout time.Duration) (ok bool, errMsg string)
}

// FilterMapper validates and rewrites per-model photometric filter
// names (C4).
type FilterMapper interface {
	MapFilter(model, filter string) (string, error)
	ModelAllowed(model string) bool
}
