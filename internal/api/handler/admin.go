package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/chartqueue/internal/api/response"
	"github.com/kiranshivaraju/chartqueue/internal/queue"
	"github.com/kiranshivaraju/chartqueue/internal/store"
	"github.com/kiranshivaraju/chartqueue/pkg/models"
)

// AdminQueue is the part of queue.Manager the operator endpoints use.
type AdminQueue interface {
	BuildStatusReport(ctx context.Context, userID string, jobID uuid.UUID, createdAt *time.Time) (*queue.StatusReport, error)
	Requeue(ctx context.Context, jobID uuid.UUID, attempt int, lastError string) error
	MarkError(ctx context.Context, jobID uuid.UUID, errorMessage string) error
	PruneDoneHistory(ctx context.Context, userID string, keep int)
}

type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// NewUserStatusHandler returns an http.HandlerFunc for
// GET /api/v1/users/{userID}/status. The optional job_id query parameter
// selects the job whose rank and ETA are reported.
func NewUserStatusHandler(q AdminQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		var jobID uuid.UUID
		if raw := r.URL.Query().Get("job_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "job_id must be a UUID", nil)
				return
			}
			jobID = id
		}

		report, err := q.BuildStatusReport(r.Context(), userID, jobID, nil)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		response.JSON(w, report)
	}
}

// NewRequeueHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/requeue. attempt defaults to the job's attempt + 1.
func NewRequeueHandler(q AdminQueue, jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := processingJob(w, r, jobs)
		if !ok {
			return
		}

		var req struct {
			Attempt   *int   `json:"attempt"`
			LastError string `json:"last_error"`
		}
		if !decodeOptional(w, r, &req) {
			return
		}
		attempt := job.Attempt + 1
		if req.Attempt != nil {
			attempt = *req.Attempt
		}
		lastError := req.LastError
		if lastError == "" {
			lastError = "requeued by operator"
		}

		if err := q.Requeue(r.Context(), job.ID, attempt, lastError); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJob(w, r, jobs, job.ID)
	}
}

// NewFailHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/fail.
// It resolves a stuck processing job terminally.
func NewFailHandler(q AdminQueue, jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := processingJob(w, r, jobs)
		if !ok {
			return
		}

		var req struct {
			Error string `json:"error"`
		}
		if !decodeOptional(w, r, &req) {
			return
		}
		msg := req.Error
		if msg == "" {
			msg = "failed by operator"
		}

		if err := q.MarkError(r.Context(), job.ID, msg); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJob(w, r, jobs, job.ID)
	}
}

// NewPruneHandler returns an http.HandlerFunc for POST /api/v1/users/{userID}/prune.
// Pruning is best effort, so the response only echoes the request.
func NewPruneHandler(q AdminQueue, defaultKeep int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		var req struct {
			Keep *int `json:"keep"`
		}
		if !decodeOptional(w, r, &req) {
			return
		}
		keep := defaultKeep
		if req.Keep != nil {
			if *req.Keep < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keep must be at least 1", nil)
				return
			}
			keep = *req.Keep
		}

		q.PruneDoneHistory(r.Context(), userID, keep)
		response.Accepted(w, map[string]any{"user_id": userID, "keep": keep})
	}
}

// NewListAnalysesHandler returns an http.HandlerFunc for
// GET /api/v1/users/{userID}/analyses.
func NewListAnalysesHandler(analyses store.AnalysisStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := analyses.ListAnalyses(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		response.Collection(w, rows)
	}
}

// processingJob loads the {jobID} path job and writes an error unless it is
// processing, the only state operators can move a job out of.
func processingJob(w http.ResponseWriter, r *http.Request, jobs JobReader) (*models.Job, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "jobID must be a UUID", nil)
		return nil, false
	}
	job, err := jobs.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	if job.State != models.JobProcessing {
		response.Error(w, http.StatusConflict, "JOB_NOT_PROCESSING",
			"Only processing jobs can be requeued or failed",
			map[string]string{"state": string(job.State)})
		return nil, false
	}
	return job, true
}

func writeJob(w http.ResponseWriter, r *http.Request, jobs JobReader, id uuid.UUID) {
	job, err := jobs.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	response.JSON(w, job)
}

// decodeOptional decodes a JSON body into v. An empty body leaves v untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, queue.ErrInvalidArgument):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, store.ErrUnavailable):
		response.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE",
			"The job store is not available", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
