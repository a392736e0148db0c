// Package api is the admin HTTP surface: job listing, run history, manual
// triggers and audit snapshots.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/maferick/corpaudit/internal/domain"
	"github.com/maferick/corpaudit/internal/logging"
	"github.com/maferick/corpaudit/internal/store"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Store interface {
	ListJobs(ctx context.Context) ([]domain.Job, error)
	GetJob(ctx context.Context, key string) (domain.Job, error)
	ListRuns(ctx context.Context, key string, limit, offset int) ([]domain.Run, error)
	GetSnapshot(ctx context.Context, characterID int64) (domain.Fields, time.Time, error)
}

// JobRunner executes a job on demand.
type JobRunner interface {
	RunJob(ctx context.Context, key string, params map[string]any) (domain.Outcome, error)
}

// HealthChecker reports whether the job tables exist and answer queries.
type HealthChecker interface {
	SchemaReady(ctx context.Context) (bool, error)
}

// BreakerStatus lists ESI routes whose circuit is open.
type BreakerStatus interface {
	OpenRoutes() []string
}

type Handler struct {
	store    Store
	runner   JobRunner
	health   HealthChecker // optional
	breakers BreakerStatus // optional
	logger   *zap.SugaredLogger
	router   chi.Router
}

func NewHandler(store Store, runner JobRunner) *Handler {
	h := &Handler{store: store, runner: runner, logger: logging.Nop()}
	h.router = h.routes()
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(hc HealthChecker) *Handler {
	h.health = hc
	return h
}

func (h *Handler) WithBreakerStatus(b BreakerStatus) *Handler {
	h.breakers = b
	return h
}

func (h *Handler) WithLogger(l *zap.SugaredLogger) *Handler {
	h.logger = l
	return h
}

// Router returns the chi router so callers can mount extra routes.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", h.handleHealth)
	r.Get("/jobs", h.listJobs)
	r.Get("/jobs/{key}", h.getJob)
	r.Get("/jobs/{key}/runs", h.listRuns)
	r.Post("/jobs/{key}/run", h.triggerJob)
	r.Get("/characters/{id}/audit", h.getSnapshot)
	return r
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status       string            `json:"status"`
	Components   map[string]string `json:"components,omitempty"`
	OpenCircuits []string          `json:"open_circuits,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	if !verbose {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		ready, err := h.health.SchemaReady(ctx)
		switch {
		case err != nil:
			resp.Status = "degraded"
			resp.Components["database"] = "unhealthy: " + err.Error()
		case !ready:
			resp.Status = "degraded"
			resp.Components["database"] = "unhealthy: schema not migrated"
		default:
			resp.Components["database"] = "healthy"
		}
	}

	// Open circuits degrade ESI collection but the process keeps serving.
	if h.breakers != nil {
		if open := h.breakers.OpenRoutes(); len(open) > 0 {
			resp.OpenCircuits = open
			resp.Components["esi"] = "open circuits: " + strconv.Itoa(len(open))
		} else {
			resp.Components["esi"] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListJobs(r.Context())
	if err != nil {
		h.logger.Errorf("api: list jobs error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Key < jobs[j].Key })

	resp := ListJobsResponse{Jobs: make([]JobResponse, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = toJobResponse(job)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := validateJobKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.store.GetJob(r.Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Errorf("api: get job %s error: %v", key, err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := validateJobKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := h.store.ListRuns(r.Context(), key, limit, offset)
	if err != nil {
		h.logger.Errorf("api: list runs for %s error: %v", key, err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	resp := ListRunsResponse{Runs: make([]RunResponse, len(runs))}
	for i, run := range runs {
		resp.Runs[i] = RunResponse{
			ID:         run.ID.String(),
			JobKey:     run.JobKey,
			Status:     string(run.Status),
			StartedAt:  formatTime(run.StartedAt),
			FinishedAt: formatTimePtr(run.FinishedAt),
			DurationMs: run.DurationMs,
			Message:    run.Message,
			Trace:      run.Trace,
			Metadata:   run.Metadata,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// triggerJob runs a job immediately. The optional JSON object body becomes
// the run's context map.
func (h *Handler) triggerJob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := validateJobKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	outcome, err := h.runner.RunJob(r.Context(), key, params)
	if err != nil {
		h.logger.Errorf("api: run job %s error: %v", key, err)
		writeError(w, http.StatusInternalServerError, "failed to run job")
		return
	}
	if outcome.Status == domain.RunStatusMissing {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := parseCharacterID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fields, updatedAt, err := h.store.GetSnapshot(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no audit for character")
			return
		}
		h.logger.Errorf("api: get snapshot %d error: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to get audit")
		return
	}

	writeJSON(w, http.StatusOK, SnapshotResponse{
		CharacterID: id,
		UpdatedAt:   formatTime(updatedAt),
		Fields:      fields,
	})
}

func toJobResponse(job domain.Job) JobResponse {
	return JobResponse{
		Key:             job.Key,
		Name:            job.Name,
		Description:     job.Description,
		IntervalSeconds: job.IntervalSeconds,
		Enabled:         job.Enabled,
		LastRunAt:       formatTimePtr(job.LastRunAt),
		LastStatus:      string(job.LastStatus),
		LastDurationMs:  job.LastDurationMs,
		LastMessage:     job.LastMessage,
		NextRunAt:       formatTimePtr(job.NextRunAt),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
