package retrieval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfhealy/nmma-relay/internal/domain"
	"github.com/bfhealy/nmma-relay/internal/worker/retrieval"
)

type fakeStore struct {
	active  []domain.Job
	patches map[string]domain.StatusPatch
	results map[string][]byte
	deleted map[string]bool
}

func newFakeStore(jobs ...domain.Job) *fakeStore {
	return &fakeStore{active: jobs, patches: map[string]domain.StatusPatch{}, results: map[string][]byte{}, deleted: map[string]bool{}}
}

func (f *fakeStore) Create(context.Context, domain.Job) error         { return nil }
func (f *fakeStore) FindActive(context.Context) ([]domain.Job, error) { return f.active, nil }
func (f *fakeStore) FindSubmittable(context.Context) ([]domain.Job, error) { return nil, nil }
func (f *fakeStore) Get(context.Context, string) (domain.Job, error)  { return domain.Job{}, nil }
func (f *fakeStore) UpdateStatus(_ context.Context, id string, patch domain.StatusPatch) error {
	f.patches[id] = patch
	return nil
}
func (f *fakeStore) PutResult(_ context.Context, id string, payload []byte) error {
	f.results[id] = payload
	return nil
}
func (f *fakeStore) GetResult(_ context.Context, id string) ([]byte, error) {
	r, ok := f.results[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r, nil
}
func (f *fakeStore) DeleteResult(_ context.Context, id string) error {
	f.deleted[id] = true
	delete(f.results, id)
	return nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeCluster struct {
	retrievePayload []byte
	retrieveErr     error
	canceled        []int64
}

func (f *fakeCluster) Submit(context.Context, domain.Job, bool) (domain.SubmitOutcome, error) {
	return domain.SubmitOutcome{}, nil
}
func (f *fakeCluster) Retrieve(context.Context, domain.Job) ([]byte, error) {
	return f.retrievePayload, f.retrieveErr
}
func (f *fakeCluster) Cancel(_ context.Context, id *int64) bool {
	if id != nil {
		f.canceled = append(f.canceled, *id)
	}
	return true
}
func (f *fakeCluster) ValidateCredentials(context.Context) bool { return true }

type fakeCallback struct {
	ok     bool
	errMsg string
	calls  int
}

func (f *fakeCallback) Deliver(context.Context, string, string, []byte, time.Duration) (bool, string) {
	f.calls++
	return f.ok, f.errMsg
}

func runOnce(w *retrieval.Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx, 0)
}

func TestWorker_WebhookExpired(t *testing.T) {
	job := domain.Job{ID: "j1", Status: domain.StatusRunning, InvalidAfter: time.Now().Add(-time.Hour)}
	store := newFakeStore(job)
	cluster := &fakeCluster{}
	cb := &fakeCallback{}
	w := retrieval.New(store, cluster, cb, time.Second, time.Hour, 10)

	runOnce(w)

	assert.Equal(t, domain.StatusWebhookExpired, store.patches["j1"].Status)
	assert.True(t, store.deleted["j1"])
}

func TestWorker_JobWallClockExpiry(t *testing.T) {
	submittedAt := time.Now().Add(-2 * time.Hour)
	job := domain.Job{
		ID: "j2", Status: domain.StatusRunning,
		InvalidAfter: time.Now().Add(time.Hour),
		SubmittedAt:  &submittedAt,
	}
	store := newFakeStore(job)
	cluster := &fakeCluster{}
	cb := &fakeCallback{}
	w := retrieval.New(store, cluster, cb, time.Second, time.Hour, 10)

	runOnce(w)

	assert.Equal(t, domain.StatusJobExpired, store.patches["j2"].Status)
}

func TestWorker_FailedSubmissionDeliversFailureNotice(t *testing.T) {
	job := domain.Job{
		ID: "j3", Status: domain.StatusFailedSubmissionToUpload,
		InvalidAfter: time.Now().Add(time.Hour),
		Error:        "ssh dial failed",
	}
	store := newFakeStore(job)
	cluster := &fakeCluster{}
	cb := &fakeCallback{ok: true}
	w := retrieval.New(store, cluster, cb, time.Second, time.Hour, 10)

	runOnce(w)

	assert.Equal(t, 1, cb.calls)
	assert.Equal(t, domain.StatusFailedSubmission, store.patches["j3"].Status)
}

func TestWorker_UploadBudgetExhausted(t *testing.T) {
	job := domain.Job{
		ID: "j4", Status: domain.StatusRetryUpload,
		InvalidAfter:     time.Now().Add(time.Hour),
		NbUploadFailures: 10,
	}
	store := newFakeStore(job)
	store.results["j4"] = []byte(`{}`)
	cluster := &fakeCluster{}
	cb := &fakeCallback{}
	w := retrieval.New(store, cluster, cb, time.Second, time.Hour, 10)

	runOnce(w)

	assert.Equal(t, domain.StatusFailedUpload, store.patches["j4"].Status)
	assert.True(t, store.deleted["j4"])
}

func TestWorker_RetrieveNotReady_NoTransition(t *testing.T) {
	job := domain.Job{ID: "j5", Status: domain.StatusRunning, InvalidAfter: time.Now().Add(time.Hour)}
	store := newFakeStore(job)
	cluster := &fakeCluster{retrievePayload: nil}
	cb := &fakeCallback{}
	w := retrieval.New(store, cluster, cb, time.Second, time.Hour, 10)

	runOnce(w)

	_, ok := store.patches["j5"]
	assert.False(t, ok)
}

func TestWorker_RetrieveAndDeliverSuccess(t *testing.T) {
	job := domain.Job{ID: "j6", Status: domain.StatusRunning, InvalidAfter: time.Now().Add(time.Hour)}
	store := newFakeStore(job)
	cluster := &fakeCluster{retrievePayload: []byte(`{"status":"success"}`)}
	cb := &fakeCallback{ok: true}
	w := retrieval.New(store, cluster, cb, time.Second, time.Hour, 10)

	runOnce(w)

	assert.Equal(t, domain.StatusCompleted, store.patches["j6"].Status)
	assert.True(t, store.deleted["j6"])
}

func TestWorker_RetrieveSuccessDeliverFails_RetryUpload(t *testing.T) {
	job := domain.Job{ID: "j7", Status: domain.StatusRunning, InvalidAfter: time.Now().Add(time.Hour)}
	store := newFakeStore(job)
	cluster := &fakeCluster{retrievePayload: []byte(`{"status":"success"}`)}
	cb := &fakeCallback{ok: false, errMsg: "connection refused"}
	w := retrieval.New(store, cluster, cb, time.Second, time.Hour, 10)

	runOnce(w)

	patch := store.patches["j7"]
	assert.Equal(t, domain.StatusRetryUpload, patch.Status)
	require.NotNil(t, patch.NbUploadFailures)
	assert.Equal(t, 1, *patch.NbUploadFailures)
	require.NotNil(t, patch.UploadError)
	assert.Equal(t, "connection refused", *patch.UploadError)
}

func TestWorker_RetryUpload_UsesCachedResult(t *testing.T) {
	job := domain.Job{ID: "j8", Status: domain.StatusRetryUpload, InvalidAfter: time.Now().Add(time.Hour), NbUploadFailures: 1}
	store := newFakeStore(job)
	store.results["j8"] = []byte(`{"status":"success"}`)
	cluster := &fakeCluster{retrievePayload: []byte(`should not be used`)}
	cb := &fakeCallback{ok: true}
	w := retrieval.New(store, cluster, cb, time.Second, time.Hour, 10)

	runOnce(w)

	assert.Equal(t, domain.StatusCompleted, store.patches["j8"].Status)
}
