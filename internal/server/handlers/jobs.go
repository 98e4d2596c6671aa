package handlers

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/transitworks/pipeboard/internal/errors"
	"github.com/transitworks/pipeboard/pkg/jobstore"
	"github.com/transitworks/pipeboard/pkg/orchestrator"
)

// JobsAPI serves the job management endpoints.
type JobsAPI struct {
	store  *jobstore.Store
	orch   *orchestrator.Orchestrator
	logger *zap.Logger

	// submitMu serializes the duplicate check with the create, so two
	// simultaneous identical submissions cannot both pass the check.
	submitMu sync.Mutex
}

// NewJobsAPI wires the job endpoints to the store and orchestrator.
func NewJobsAPI(store *jobstore.Store, orch *orchestrator.Orchestrator, logger *zap.Logger) *JobsAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsAPI{store: store, orch: orch, logger: logger}
}

// SubmitRequest is the body of POST /api/jobs.
type SubmitRequest struct {
	JobType string            `json:"job_type"`
	Params  map[string]string `json:"params,omitempty"`
}

// Submit handles POST /api/jobs. An active duplicate (same type and params,
// not yet terminal) yields 409 with the existing job's id.
func (a *JobsAPI) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.RespondWithError(w, r, http.StatusBadRequest,
			apperrors.CodeInvalidRequest, "invalid request body", nil)
		return
	}

	jobType := jobstore.JobType(strings.TrimSpace(req.JobType))
	if !jobType.Valid() {
		apperrors.RespondWithError(w, r, http.StatusBadRequest,
			apperrors.CodeInvalidRequest, "unknown job_type",
			map[string]any{"job_type": req.JobType})
		return
	}

	job, dup, err := a.createUnlessDuplicate(jobType, req.Params)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if dup != nil {
		apperrors.RespondWithError(w, r, http.StatusConflict,
			apperrors.CodeConflict, "an active job with the same type and params already exists",
			map[string]any{"job_id": dup.ID})
		return
	}

	a.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)))
	writeJSON(w, http.StatusAccepted, job)
}

// createUnlessDuplicate checks for an active duplicate and creates the job
// under one lock. Exactly one of job and dup is non-nil on success.
func (a *JobsAPI) createUnlessDuplicate(jobType jobstore.JobType, params map[string]string) (job, dup *jobstore.Job, err error) {
	a.submitMu.Lock()
	defer a.submitMu.Unlock()

	dup, err = a.store.FindActiveDuplicate(jobType, params)
	if err != nil || dup != nil {
		return nil, dup, err
	}

	job, err = a.store.Create(jobType, params)
	if err != nil {
		return nil, nil, err
	}
	a.orch.Enqueue(job.ID)
	return job, nil, nil
}

// List handles GET /api/jobs, newest first.
func (a *JobsAPI) List(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.store.List()
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []jobstore.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// Get handles GET /api/jobs/{id}.
func (a *JobsAPI) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Cancel handles POST /api/jobs/{id}/cancel. Terminal jobs yield 409.
func (a *JobsAPI) Cancel(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJob(w, r)
	if !ok {
		return
	}

	if job.State.Terminal() {
		apperrors.RespondWithError(w, r, http.StatusConflict,
			apperrors.CodeInvalidState, "job is already finished",
			map[string]any{"job_id": job.ID, "state": string(job.State)})
		return
	}

	if err := a.store.MarkCancel(job.ID); err != nil {
		respondWithError(w, r, err)
		return
	}

	a.logger.Info("job cancellation requested", zap.String("job_id", job.ID))
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": job.ID,
		"status": "cancelling",
	})
}

// ArtifactEntry is one file in an artifacts listing.
type ArtifactEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Artifacts handles GET /api/jobs/{id}/artifacts: a recursive file listing
// of the job's artifacts directory, optionally filtered by a ?glob=
// doublestar pattern against the relative path.
func (a *JobsAPI) Artifacts(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJob(w, r)
	if !ok {
		return
	}

	pattern := strings.TrimSpace(r.URL.Query().Get("glob"))
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		apperrors.RespondWithError(w, r, http.StatusBadRequest,
			apperrors.CodeInvalidRequest, "invalid glob pattern",
			map[string]any{"glob": pattern})
		return
	}

	entries := []ArtifactEntry{}
	err := filepath.WalkDir(job.ArtifactsDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == job.ArtifactsDir {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(job.ArtifactsDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if pattern != "" {
			if match, _ := doublestar.Match(pattern, rel); !match {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, ArtifactEntry{Path: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":    job.ID,
		"artifacts": entries,
	})
}

// Stats handles GET /api/orchestrator/stats.
func (a *JobsAPI) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.orch.Stats())
}

func (a *JobsAPI) loadJob(w http.ResponseWriter, r *http.Request) (*jobstore.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := a.store.Load(id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			apperrors.RespondWithError(w, r, http.StatusNotFound,
				apperrors.CodeNotFound, "job not found",
				map[string]any{"job_id": id})
			return nil, false
		}
		respondWithError(w, r, err)
		return nil, false
	}
	return job, true
}
