package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-ingestor/internal/ingest"
	"github.com/JakeFAU/rag-ingestor/internal/jobs"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	progressTimeout = 3 * time.Second
)

// JobReader serves live job state.
type JobReader interface {
	Get(ctx context.Context, id string) (ingest.Job, error)
	List(ctx context.Context) []ingest.Job
}

// JobHistory serves persisted job snapshots, including jobs pruned from
// memory or started by an earlier process.
type JobHistory interface {
	LoadJob(ctx context.Context, id string) (ingest.Job, error)
	ListJobs(ctx context.Context, status *ingest.JobStatus, limit, offset int) ([]ingest.Job, error)
}

// ProgressHandler exposes read-only job progress endpoints.
type ProgressHandler struct {
	live    JobReader
	history JobHistory
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the live tracker, the optional history store and
// the logger.
func NewProgressHandler(live JobReader, history JobHistory, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		live:    live,
		history: history,
		timeout: progressTimeout,
		logger:  logger,
	}
}

// GetJob handles GET /crawl/status/{jobId}. It returns the job's status,
// progress and result or error, falling back to history when the live
// tracker no longer holds the job. Unknown ids get 404.
func (h *ProgressHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "jobId"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "jobId is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	job, err := h.live.Get(ctx, jobID)
	if errors.Is(err, jobs.ErrNotFound) && h.history != nil {
		job, err = h.history.LoadJob(ctx, jobID)
	}
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /jobs?status=&limit=&offset=, newest first. It reads
// the history store when one is configured and the live tracker otherwise.
func (h *ProgressHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *ingest.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var list []ingest.Job
	if h.history != nil {
		list, err = h.history.ListJobs(ctx, status, limit, offset)
		if err != nil {
			h.logger.Error("list jobs failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list jobs")
			return
		}
	} else {
		list = page(filterStatus(h.live.List(ctx), status), limit, offset)
	}
	out := make([]jobDTO, 0, len(list))
	for _, job := range list {
		out = append(out, toJobDTO(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func filterStatus(in []ingest.Job, status *ingest.JobStatus) []ingest.Job {
	out := make([]ingest.Job, 0, len(in))
	for _, job := range in {
		if status == nil || job.Status == *status {
			out = append(out, job)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func page(in []ingest.Job, limit, offset int) []ingest.Job {
	if offset >= len(in) {
		return nil
	}
	return in[offset:min(offset+limit, len(in))]
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (ingest.JobStatus, error) {
	switch strings.ToLower(input) {
	case "pending":
		return ingest.JobPending, nil
	case "running":
		return ingest.JobRunning, nil
	case "completed", "success":
		return ingest.JobCompleted, nil
	case "failed", "error":
		return ingest.JobFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}

type jobDTO struct {
	JobID     string             `json:"jobId"`
	Type      string             `json:"type"`
	Status    ingest.JobStatus   `json:"status"`
	Progress  ingest.JobProgress `json:"progress"`
	Result    any                `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

func toJobDTO(job ingest.Job) jobDTO {
	return jobDTO{
		JobID:     job.ID,
		Type:      job.Type,
		Status:    job.Status,
		Progress:  job.Progress,
		Result:    job.Result,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
}
