// Package cluster implements the Cluster Adapter (C2): submission,
// polling and cancellation of batch jobs on a remote HPC cluster
// reached over SSH/SFTP.
package cluster

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/bfhealy/nmma-relay/internal/adapter/observability"
	"github.com/bfhealy/nmma-relay/internal/domain"
	connobs "github.com/bfhealy/nmma-relay/internal/observability"
)

// Config holds the connection and path parameters needed to reach the
// remote cluster, mirroring the original implementation's expanse.*
// and local.* configuration blocks.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	DialTimeout time.Duration

	RemoteNMMADir     string
	RemoteDataDirname string
	RemoteOutputDirname string

	SlurmScriptName string
}

func (c Config) remoteDataDir() string   { return path.Join(c.RemoteNMMADir, c.RemoteDataDirname) }
func (c Config) remoteOutputDir() string { return path.Join(c.RemoteNMMADir, c.RemoteOutputDirname) }

// Adapter implements domain.ClusterAdapter over a persistent SSH
// connection, reconnecting (guarded by a circuit breaker) whenever a
// session fails to open.
type Adapter struct {
	cfg Config

	mu     sync.Mutex
	client *ssh.Client
	cb     *observability.CircuitBreaker

	stats *connobs.ConnectionMetrics
}

// New constructs an Adapter. It does not dial until first use.
func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:   cfg,
		cb:    observability.NewCircuitBreaker("expanse-ssh", 5, 30*time.Second),
		stats: connobs.NewConnectionMetrics(connobs.ConnectionTypeCluster, connobs.OperationTypeSubmit, fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
	}
}

// Stats reports connection health for the cluster SSH session, for
// diagnostics/health endpoints.
func (a *Adapter) Stats() map[string]any {
	return a.stats.GetStats()
}

var _ domain.ClusterAdapter = (*Adapter)(nil)

func (a *Adapter) dial() (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            a.cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(a.cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // trusted private cluster network, mirrors AutoAddPolicy
		Timeout:         a.cfg.DialTimeout,
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	return ssh.Dial("tcp", addr, cfg)
}

// connection returns a live SSH client, reconnecting through the
// circuit breaker if the cached one is missing or broken.
func (a *Adapter) connection() (*ssh.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	var client *ssh.Client
	err := a.cb.Call(func() error {
		c, err := a.dial()
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.client = client
	return client, nil
}

func (a *Adapter) invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = nil
}

func (a *Adapter) runCommand(cmd string) (stdout, stderr string, err error) {
	a.stats.RecordRequest()
	start := time.Now()

	client, connErr := a.connection()
	if connErr != nil {
		a.stats.RecordFailure(connErr, time.Since(start))
		return "", "", connErr
	}
	session, sessErr := client.NewSession()
	if sessErr != nil {
		a.invalidate()
		a.stats.RecordFailure(sessErr, time.Since(start))
		return "", "", sessErr
	}
	defer func() { _ = session.Close() }()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf
	if runErr := session.Run(cmd); runErr != nil {
		if _, ok := runErr.(*ssh.ExitError); !ok {
			a.invalidate()
			a.stats.RecordFailure(runErr, time.Since(start))
			return outBuf.String(), errBuf.String(), runErr
		}
	}
	a.stats.RecordSuccess(time.Since(start))
	return outBuf.String(), errBuf.String(), nil
}

func (a *Adapter) sftpClient() (*sftp.Client, error) {
	client, err := a.connection()
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		a.invalidate()
		return nil, err
	}
	return sc, nil
}

// ValidateCredentials verifies the SSH session works by round-tripping
// a trivial command, mirroring the original validate_credentials().
func (a *Adapter) ValidateCredentials(ctx context.Context) bool {
	out, _, err := a.runCommand("echo 'hello world'")
	if err != nil {
		slog.Warn("failed to validate cluster credentials", slog.Any("error", err))
		return false
	}
	return strings.TrimSpace(out) == "hello world"
}

// photometryRow is a single decoded row of the input CSV used to
// build the .dat file handed to the batch job.
type photometryRow struct {
	mjd    float64
	filter string
	mag    float64
	magErr float64
}

func decodePhotometry(gzipped []byte) ([]photometryRow, error) {
	if len(gzipped) == 0 {
		return nil, fmt.Errorf("photometry is empty")
	}
	zr, err := gzip.NewReader(bytes.NewReader(gzipped))
	if err != nil {
		return nil, fmt.Errorf("decompress photometry: %w", err)
	}
	defer func() { _ = zr.Close() }()

	reader := csv.NewReader(zr)
	rows, err := reader.ReadAll()
	if err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("read photometry csv: %w", err)
	}
	header := rows[0]
	idx := map[string]int{}
	for i, h := range header {
		idx[strings.TrimSpace(strings.ToLower(h))] = i
	}
	mjdI, mjdOK := idx["mjd"]
	filterI, filterOK := idx["filter"]
	magI, magOK := idx["mag"]
	magErrI, magErrOK := idx["magerr"]
	if !mjdOK || !filterOK || !magOK || !magErrOK {
		return nil, fmt.Errorf("photometry csv missing required columns")
	}

	var out []photometryRow
	for _, r := range rows[1:] {
		mjd, err1 := strconv.ParseFloat(r[mjdI], 64)
		mag, err2 := strconv.ParseFloat(r[magI], 64)
		magErr, err3 := strconv.ParseFloat(r[magErrI], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		if !(math.IsInf(mag, 0) || math.IsNaN(mag)) && !(math.IsInf(magErr, 0) || math.IsNaN(magErr)) && mag > 0 && magErr > 0 {
			out = append(out, photometryRow{mjd: mjd, filter: r[filterI], mag: mag, magErr: magErr})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid photometry rows after filtering")
	}
	return out, nil
}

// mjdToISOT converts a modified Julian date to an ISO-8601 timestamp,
// matching astropy's Time(..., format="mjd").isot representation.
func mjdToISOT(mjd float64) string {
	unixSeconds := (mjd - 40587) * 86400.0
	sec := math.Floor(unixSeconds)
	nsec := int64((unixSeconds - sec) * 1e9)
	t := time.Unix(int64(sec), nsec).UTC()
	return t.Format("2006-01-02T15:04:05.000")
}

func buildDatFile(rows []photometryRow) string {
	var sb strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&sb, "%s %s %g %g\n", mjdToISOT(r.mjd), r.filter, r.mag, r.magErr)
	}
	return sb.String()
}

func earliestMJD(rows []photometryRow) float64 {
	min := math.Inf(1)
	for _, r := range rows {
		if r.mjd < min {
			min = r.mjd
		}
	}
	return min
}

// Submit materializes the job's inputs as a .dat file on the cluster
// and submits a batch job with the parameter set
// {MODEL,LABEL,TT,DATA,TMIN,TMAX,DT,SKIP_SAMPLING}.
func (a *Adapter) Submit(ctx context.Context, job domain.Job, skipSampling bool) (domain.SubmitOutcome, error) {
	rows, err := decodePhotometry(job.Inputs.Photometry)
	if err != nil {
		return domain.SubmitOutcome{}, fmt.Errorf("op=cluster.submit: input data is not in the expected format: %w", err)
	}
	label := job.Label()
	datContent := buildDatFile(rows)
	tt := mjdToISOT(earliestMJD(rows))

	filename := label + ".dat"
	remotePath := path.Join(a.cfg.remoteDataDir(), filename)

	if _, _, err := a.runCommand(fmt.Sprintf("mkdir -p %s", a.cfg.remoteDataDir())); err != nil {
		return domain.SubmitOutcome{}, fmt.Errorf("op=cluster.submit: mkdir remote data dir: %w", err)
	}

	sc, err := a.sftpClient()
	if err != nil {
		return domain.SubmitOutcome{}, fmt.Errorf("op=cluster.submit: sftp connect: %w", err)
	}
	defer func() { _ = sc.Close() }()

	f, err := sc.Create(remotePath)
	if err != nil {
		return domain.SubmitOutcome{}, fmt.Errorf("op=cluster.submit: create remote file: %w", err)
	}
	if _, err := f.Write([]byte(datContent)); err != nil {
		_ = f.Close()
		return domain.SubmitOutcome{}, fmt.Errorf("op=cluster.submit: write remote file: %w", err)
	}
	if err := f.Close(); err != nil {
		return domain.SubmitOutcome{}, fmt.Errorf("op=cluster.submit: close remote file: %w", err)
	}

	skip := ""
	if skipSampling {
		skip = "--skip-sampling"
	}
	cmd := fmt.Sprintf(
		"cd %s; sbatch --export=MODEL=%s,LABEL=%s,TT=%s,DATA=%s,TMIN=%g,TMAX=%g,DT=%g,SKIP_SAMPLING=%s %s",
		a.cfg.RemoteNMMADir, job.Inputs.AnalysisParameters.Source, label, tt, remotePath,
		job.Inputs.AnalysisParameters.Tmin, job.Inputs.AnalysisParameters.Tmax, job.Inputs.AnalysisParameters.Dt,
		skip, a.cfg.SlurmScriptName,
	)
	stdout, stderr, err := a.runCommand(cmd)
	if err != nil {
		return domain.SubmitOutcome{}, fmt.Errorf("op=cluster.submit: sbatch exec: %w", err)
	}
	if strings.TrimSpace(stderr) != "" {
		return domain.SubmitOutcome{}, fmt.Errorf("op=cluster.submit: submission error: %s", strings.TrimSpace(stderr))
	}

	jobID, err := parseSbatchJobID(stdout)
	if err != nil {
		return domain.SubmitOutcome{}, fmt.Errorf("op=cluster.submit: %w", err)
	}

	return domain.SubmitOutcome{ClusterJobID: jobID, SubmittedAt: time.Now().UTC()}, nil
}

// parseSbatchJobID extracts the numeric job id from sbatch's
// confirmation line, "Submitted batch job 123".
func parseSbatchJobID(stdout string) (int64, error) {
	fields := strings.Fields(strings.TrimSpace(stdout))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty sbatch output")
	}
	last := fields[len(fields)-1]
	id, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse job id from sbatch output %q: %w", stdout, err)
	}
	return id, nil
}

// retrieveResult is the successful Callback payload shape (§6).
type retrieveResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Analysis struct {
		InferenceData artifact   `json:"inference_data"`
		Plots         []artifact `json:"plots"`
		Results       artifact   `json:"results"`
	} `json:"analysis"`
}

type artifact struct {
	Format string `json:"format"`
	Data   string `json:"data"`
}

// Retrieve downloads the three expected artifact files for the job's
// label if all are present, assembling the Callback payload. Returns
// nil, nil when any file is missing (job not yet done, not an error).
func (a *Adapter) Retrieve(ctx context.Context, job domain.Job) ([]byte, error) {
	label := job.Label()
	dir := path.Join(a.cfg.remoteOutputDir(), label)
	posteriorPath := path.Join(dir, label+"_posterior_samples.dat")
	jsonPath := path.Join(dir, label+"_result.json")
	plotPath := path.Join(dir, label+"_lightcurves.png")

	sc, err := a.sftpClient()
	if err != nil {
		return nil, fmt.Errorf("op=cluster.retrieve: sftp connect: %w", err)
	}
	defer func() { _ = sc.Close() }()

	for _, p := range []string{posteriorPath, jsonPath, plotPath} {
		if _, err := sc.Stat(p); err != nil {
			return nil, nil //nolint:nilnil // "not ready yet" is a valid non-error outcome
		}
	}

	resultJSON, err := readRemoteFile(sc, jsonPath)
	if err != nil {
		return nil, fmt.Errorf("op=cluster.retrieve: read result json: %w", err)
	}
	plotPNG, err := readRemoteFile(sc, plotPath)
	if err != nil {
		return nil, fmt.Errorf("op=cluster.retrieve: read plot: %w", err)
	}
	posteriorDat, err := readRemoteFile(sc, posteriorPath)
	if err != nil {
		return nil, fmt.Errorf("op=cluster.retrieve: read posterior samples: %w", err)
	}

	var resultDoc struct {
		LogBayesFactor float64 `json:"log_bayes_factor"`
	}
	_ = json.Unmarshal(resultJSON, &resultDoc)

	payload, err := buildRetrievePayload(resultDoc.LogBayesFactor, posteriorDat, plotPNG, resultJSON)
	if err != nil {
		return nil, fmt.Errorf("op=cluster.retrieve: assemble payload: %w", err)
	}
	return payload, nil
}

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func readRemoteFile(sc *sftp.Client, p string) ([]byte, error) {
	f, err := sc.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func buildRetrievePayload(logBayesFactor float64, posteriorDat, plotPNG, resultJSON []byte) ([]byte, error) {
	r := retrieveResult{
		Status:  "success",
		Message: fmt.Sprintf("Good results with log Bayes factor=%v", logBayesFactor),
	}
	r.Analysis.InferenceData = artifact{Format: "netcdf4", Data: base64Encode(posteriorDat)}
	r.Analysis.Plots = []artifact{{Format: "png", Data: base64Encode(plotPNG)}}
	r.Analysis.Results = artifact{Format: "joblib", Data: base64Encode(resultJSON)}
	return json.Marshal(r)
}

// Cancel cancels the cluster job via scancel. A nil id means there is
// nothing to cancel, matching tools/expanse.py's cancel_job.
func (a *Adapter) Cancel(ctx context.Context, clusterJobID *int64) bool {
	if clusterJobID == nil {
		return false
	}
	_, stderr, err := a.runCommand(fmt.Sprintf("scancel %d", *clusterJobID))
	if err != nil {
		slog.Warn("failed to cancel cluster job", slog.Int64("cluster_job_id", *clusterJobID), slog.Any("error", err))
		return false
	}
	if strings.TrimSpace(stderr) != "" {
		slog.Warn("cancel returned stderr", slog.Int64("cluster_job_id", *clusterJobID), slog.String("stderr", stderr))
		return false
	}
	return true
}
