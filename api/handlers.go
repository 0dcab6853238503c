/*
handlers.go - HTTP API handlers for the roster reconciliation service

PURPOSE:
  Exposes upload, comparison and status editing over REST. Handles HTTP
  request/response and JSON serialization, and delegates to roster.Service.

ENDPOINTS:
  Upload:
    POST   /api/upload              Multipart file + month, year, unit

  Compare:
    POST   /api/compare             Classify a period against the nearest earlier one
    GET    /api/compare/runs        Comparison run log (?unit=&limit=)

  Status:
    PUT    /api/status              Set the status of a stored row
    POST   /api/status/departed     Set the status of a departed employee

  Reads:
    GET    /api/archive             Stored rows (?month=&year=&unit=&search=)
    GET    /api/units               Units and statuses
    GET    /api/health              Liveness and store ping

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, no data uploaded yet
  - 404: Row or employee not found
  - 409: Store conflict (retryable)
  - 500: Internal errors, reported without detail

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/warp/roster/config"
	"github.com/warp/roster/ingest"
	"github.com/warp/roster/roster"
)

const (
	moduleName = "api"

	defaultMaxUploadBytes = 10 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Options configures a Handler.
type Options struct {
	Logger         *logrus.Logger
	MaxUploadBytes int64
	// Ping checks the store for the health endpoint. Optional.
	Ping func(context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	svc            *roster.Service
	log            *logrus.Logger
	maxUploadBytes int64
	ping           func(context.Context) error
}

// NewHandler creates a new handler over svc.
func NewHandler(svc *roster.Service, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &Handler{
		svc:            svc,
		log:            opts.Logger,
		maxUploadBytes: opts.MaxUploadBytes,
		ping:           opts.Ping,
	}
}

// =============================================================================
// UPLOAD
// =============================================================================

// Upload replaces the rows of a period and unit with the uploaded file.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large", err)
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form", err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	scope, err := parseScope(r.FormValue("month"), r.FormValue("year"), r.FormValue("unit"))
	if err != nil {
		h.writeServiceError(w, r, "Upload", err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "File is required", err)
		return
	}
	defer file.Close()

	format, err := ingest.FormatFromFilename(header.Filename)
	if err != nil {
		h.writeServiceError(w, r, "Upload", err)
		return
	}

	candidates, err := ingest.Parse(file, format)
	if err != nil {
		h.writeServiceError(w, r, "Upload", err)
		return
	}

	n, err := h.svc.ReplacePeriod(r.Context(), scope, candidates)
	if err != nil {
		h.writeServiceError(w, r, "Upload", err)
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{
		Status:           "success",
		Message:          "File successfully uploaded and processed",
		RecordsProcessed: n,
		Month:            scope.Period.Month,
		Year:             scope.Period.Year,
		Unit:             string(scope.Unit),
	})
}

// =============================================================================
// COMPARE
// =============================================================================

// Compare classifies a period against the nearest earlier period with data.
func (h *Handler) Compare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	scope := roster.Scope{
		Period: roster.Period{Month: req.Month, Year: req.Year},
		Unit:   roster.Unit(strings.TrimSpace(req.Unit)),
	}
	result, err := h.svc.Compare(r.Context(), scope)
	if err != nil {
		h.writeServiceError(w, r, "Compare", err)
		return
	}

	writeJSON(w, http.StatusOK, toCompareResponse(result))
}

// ListRuns returns the comparison run log, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	var filter roster.RunFilter

	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get("unit")); v != "" {
		u := roster.Unit(v)
		filter.Unit = &u
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", fmt.Errorf("limit must be a non-negative integer, got %q", v))
			return
		}
		filter.Limit = limit
	}

	runs, err := h.svc.Runs(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, "ListRuns", err)
		return
	}

	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// STATUS
// =============================================================================

// UpdateStatus sets the status of one stored row and pins it against
// automatic reclassification.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	status, err := roster.ParseStatus(req.Status)
	if err != nil {
		h.writeServiceError(w, r, "UpdateStatus", err)
		return
	}

	row, err := h.svc.SetStatus(r.Context(), req.ID, status)
	if err != nil {
		h.writeServiceError(w, r, "UpdateStatus", err)
		return
	}

	writeJSON(w, http.StatusOK, toSnapshotDTO(row))
}

// UpdateDepartedStatus sets the status of an employee in a period, creating
// the row from the comparison period if the employee has none yet.
func (h *Handler) UpdateDepartedStatus(w http.ResponseWriter, r *http.Request) {
	var req DepartedStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	status, err := roster.ParseStatus(req.Status)
	if err != nil {
		h.writeServiceError(w, r, "UpdateDepartedStatus", err)
		return
	}

	scope := roster.Scope{
		Period: roster.Period{Month: req.Month, Year: req.Year},
		Unit:   roster.Unit(strings.TrimSpace(req.Unit)),
	}
	row, err := h.svc.SetDepartedStatus(r.Context(), scope, req.Identifier, status)
	if err != nil {
		h.writeServiceError(w, r, "UpdateDepartedStatus", err)
		return
	}

	writeJSON(w, http.StatusOK, toSnapshotDTO(row))
}

// =============================================================================
// READS
// =============================================================================

// Archive lists stored rows, newest period first.
func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	var filter roster.ArchiveFilter

	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  **int
	}{
		{"month", &filter.Month},
		{"year", &filter.Year},
	} {
		v := strings.TrimSpace(q.Get(p.name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeServiceError(w, r, "Archive", fmt.Errorf("%w: %s must be a number, got %q", roster.ErrInvalidPeriod, p.name, v))
			return
		}
		*p.dst = &n
	}
	if v := strings.TrimSpace(q.Get("unit")); v != "" {
		u := roster.Unit(v)
		filter.Unit = &u
	}
	filter.Search = q.Get("search")

	rows, err := h.svc.Archive(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, "Archive", err)
		return
	}

	writeJSON(w, http.StatusOK, toSnapshotDTOs(rows))
}

// ListUnits returns the valid units and statuses.
func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	resp := UnitsResponse{}
	for _, u := range roster.Units() {
		resp.Units = append(resp.Units, string(u))
	}
	for _, s := range roster.Statuses() {
		resp.Statuses = append(resp.Statuses, string(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health reports whether the server and its store are reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			config.LogError(h.log, moduleName, "Health", "store ping failed", nil, err)
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func parseScope(month, year, unit string) (roster.Scope, error) {
	m, err := strconv.Atoi(strings.TrimSpace(month))
	if err != nil {
		return roster.Scope{}, fmt.Errorf("%w: month must be a number, got %q", roster.ErrInvalidPeriod, month)
	}
	y, err := strconv.Atoi(strings.TrimSpace(year))
	if err != nil {
		return roster.Scope{}, fmt.Errorf("%w: year must be a number, got %q", roster.ErrInvalidPeriod, year)
	}
	scope := roster.Scope{
		Period: roster.Period{Month: m, Year: y},
		Unit:   roster.Unit(strings.TrimSpace(unit)),
	}
	return scope, scope.Validate()
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps domain and ingest errors to HTTP responses.
// Anything unrecognized is logged and reported as an opaque 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, funcName string, err error) {
	var verr *ingest.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Code:    "validation_failed",
			Details: verr,
		})
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "unsupported_format"})
	case errors.Is(err, roster.ErrNoDataForPeriod):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "no_data"})
	case roster.IsClientError(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_input"})
	case roster.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case roster.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     "The data changed while the request ran, please retry",
			Code:      "conflict",
			Retryable: true,
		})
	default:
		config.LogError(h.log, moduleName, funcName, "request "+middleware.GetReqID(r.Context()), r.URL.Path, err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
	}
}
