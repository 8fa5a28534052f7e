// Package httpserver contains the ingestion HTTP handlers and middleware.
package httpserver

import (
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/bfhealy/nmma-relay/internal/domain"
)

var validate = validator.New()

// Server holds the dependencies needed by the ingestion HTTP handlers.
type Server struct {
	Store        domain.JobStore
	Cluster      domain.ClusterAdapter
	FilterMapper domain.FilterMapper
	AllowedModels []string
}

// NewServer constructs a Server.
func NewServer(store domain.JobStore, cluster domain.ClusterAdapter, fm domain.FilterMapper, allowedModels []string) *Server {
	return &Server{Store: store, Cluster: cluster, FilterMapper: fm, AllowedModels: allowedModels}
}

type analysisRequest struct {
	Inputs struct {
		AnalysisParameters struct {
			Source string  `json:"source"`
			Tmin   float64 `json:"tmin"`
			Tmax   float64 `json:"tmax"`
			Dt     float64 `json:"dt"`
		} `json:"analysis_parameters"`
		Photometry string `json:"photometry"`
		Redshift   string `json:"redshift"`
	} `json:"inputs"`
	ResourceID     string `json:"resource_id" validate:"required"`
	CallbackURL    string `json:"callback_url" validate:"required,url"`
	CallbackMethod string `json:"callback_method" validate:"required,oneof=POST GET PUT PATCH DELETE"`
	InvalidAfter   *int64 `json:"invalid_after" validate:"required"`
}

// AnalysisCreateHandler implements POST /analysis (C5 Ingestion Validator).
func (s *Server) AnalysisCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		var req analysisRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid JSON")
			return
		}

		if err := validate.Struct(req); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}

		source := req.Inputs.AnalysisParameters.Source
		if !s.modelAllowed(source) {
			writeMessage(w, http.StatusBadRequest, "inputs.analysis_parameters.source must be one of: "+strings.Join(s.AllowedModels, ", "))
			return
		}

		var photometryCSV string
		if req.Inputs.Photometry != "" {
			deduped, err := dedupAndValidatePhotometry(req.Inputs.Photometry, source, s.FilterMapper)
			if err != nil {
				writeMessage(w, http.StatusBadRequest, err.Error())
				return
			}
			photometryCSV = deduped
		}

		job := domain.Job{
			ID:             uuid.NewString(),
			ResourceID:     req.ResourceID,
			CreatedAt:      time.Now().UTC(),
			InvalidAfter:   time.Unix(*req.InvalidAfter, 0).UTC(),
			CallbackURL:    req.CallbackURL,
			CallbackMethod: req.CallbackMethod,
			Status:         domain.StatusPending,
			Inputs: domain.Inputs{
				AnalysisParameters: domain.AnalysisParameters{
					Source: source,
					Tmin:   req.Inputs.AnalysisParameters.Tmin,
					Tmax:   req.Inputs.AnalysisParameters.Tmax,
					Dt:     req.Inputs.AnalysisParameters.Dt,
				},
				Photometry: gzipCompress([]byte(photometryCSV)),
				Redshift:   gzipCompress([]byte(req.Inputs.Redshift)),
			},
		}

		if err := s.Store.Create(r.Context(), job); err != nil {
			writeMessage(w, http.StatusInternalServerError, "could not persist job")
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "pending", "message": "analysis request accepted"})
	}
}

// AnalysisStatusHandler implements GET /analysis.
func (s *Server) AnalysisStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
	}
}

func (s *Server) modelAllowed(model string) bool {
	if model == "" {
		return false
	}
	for _, m := range s.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// dedupAndValidatePhotometry dedups rows by mjd (keeping the first
// occurrence) and drops rows whose filter cannot be mapped for the
// chosen model. Rejects if every row is dropped.
func dedupAndValidatePhotometry(csvText, model string, fm domain.FilterMapper) (string, error) {
	if detected := mimetype.Detect([]byte(csvText)); !strings.HasPrefix(detected.String(), "text/") {
		return "", errInvalidPhotometry
	}

	reader := csv.NewReader(strings.NewReader(csvText))
	rows, err := reader.ReadAll()
	if err != nil || len(rows) == 0 {
		return "", errInvalidPhotometry
	}
	header := rows[0]
	filterIdx, mjdIdx := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(strings.ToLower(h)) {
		case "filter":
			filterIdx = i
		case "mjd":
			mjdIdx = i
		}
	}
	if filterIdx == -1 || mjdIdx == -1 {
		return "", errInvalidPhotometry
	}

	seenMJD := map[string]bool{}
	var kept [][]string
	kept = append(kept, header)
	for _, row := range rows[1:] {
		if mjdIdx >= len(row) || filterIdx >= len(row) {
			continue
		}
		mjd := row[mjdIdx]
		if seenMJD[mjd] {
			continue
		}
		mapped, err := fm.MapFilter(model, row[filterIdx])
		if err != nil {
			continue
		}
		seenMJD[mjd] = true
		row[filterIdx] = mapped
		kept = append(kept, row)
	}
	if len(kept) <= 1 {
		return "", errAllPhotometryRowsDropped
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.WriteAll(kept); err != nil {
		return "", errInvalidPhotometry
	}
	writer.Flush()
	return buf.String(), nil
}

func gzipCompress(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(b)
	_ = zw.Close()
	return buf.Bytes()
}

// gzipDecompress reverses gzipCompress.
func gzipDecompress(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}

var (
	errInvalidPhotometry        = jsonError("photometry must be a non-empty CSV string with filter and mjd columns")
	errAllPhotometryRowsDropped = jsonError("no photometry rows remained after filter validation")
)

type jsonErr string

func (e jsonErr) Error() string { return string(e) }
func jsonError(s string) error  { return jsonErr(s) }
