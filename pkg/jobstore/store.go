package jobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store persists and loads Jobs from an on-disk directory, with a SQLite
// secondary index for fast listing and recovery scans.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/run.log
//	<root>/<job_id>/cancel.flag
//
// job.json is the primary durable record; writes go through a temp file and
// rename so a reader never observes a half-written record. The cancel flag
// is kept outside job.json so an operator's cancellation request cannot be
// lost to a concurrent record overwrite by the owning worker.
type Store struct {
	root          string
	artifactsRoot string
	maxRetries    int
	index         *Index
}

// Options configures a Store.
type Options struct {
	// ArtifactsRoot is where per-job artifact directories are created.
	ArtifactsRoot string

	// MaxRetries is the default retry budget stamped onto new jobs.
	MaxRetries int

	// Index is the optional SQLite secondary index. When nil the store
	// still works, but ListIncomplete is unavailable.
	Index *Index
}

// NewStore creates a store rooted at root.
func NewStore(root string, opts Options) *Store {
	return &Store{
		root:          strings.TrimSpace(root),
		artifactsRoot: strings.TrimSpace(opts.ArtifactsRoot),
		maxRetries:    opts.MaxRetries,
		index:         opts.Index,
	}
}

func (s *Store) RootDir() string { return s.root }

// Index returns the secondary index, or nil when the store runs without one.
func (s *Store) Index() *Index { return s.index }

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *Store) LogPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "run.log")
}

func (s *Store) cancelPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "cancel.flag")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job store root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// NewJobID allocates a fresh, creation-time-sortable job identifier.
func NewJobID() string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return fmt.Sprintf("job-%d-%s", time.Now().Unix(), suffix)
}

// Create allocates a fresh identifier, computes the artifacts directory and
// log path from it, and persists an initial queued record before returning.
//
// Create never returns a Job whose record failed to persist.
func (s *Store) Create(jobType JobType, params map[string]string) (*Job, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("unknown job type: %q", jobType)
	}
	if err := s.ensureRoot(); err != nil {
		return nil, storageErr("create", "", err)
	}

	jobID := NewJobID()
	artifactsDir := filepath.Join(s.artifactsRoot, jobID)

	job := &Job{
		ID:           jobID,
		Type:         jobType,
		State:        JobStateQueued,
		CreatedAt:    time.Now().UTC(),
		Params:       params,
		ArtifactsDir: artifactsDir,
		LogPath:      s.LogPath(jobID),
		Attempts:     0,
		MaxRetries:   s.maxRetries,
	}

	if err := os.MkdirAll(artifactsDir, 0755); err != nil {
		return nil, storageErr("create", jobID, fmt.Errorf("create artifacts dir: %w", err))
	}
	if err := s.Save(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Save is an idempotent full overwrite of the job record, to job.json and to
// the secondary index. Atomic with respect to partial writes.
func (s *Store) Save(job *Job) error {
	if job == nil {
		return storageErr("save", "", fmt.Errorf("job is nil"))
	}
	jobID := strings.TrimSpace(job.ID)
	if jobID == "" {
		return storageErr("save", "", fmt.Errorf("job_id is required"))
	}
	if err := s.ensureRoot(); err != nil {
		return storageErr("save", jobID, err)
	}

	jobDir := s.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return storageErr("save", jobID, fmt.Errorf("create job dir: %w", err))
	}

	b, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return storageErr("save", jobID, fmt.Errorf("marshal job record: %w", err))
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return storageErr("save", jobID, fmt.Errorf("create temp file: %w", err))
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return storageErr("save", jobID, fmt.Errorf("write temp job file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return storageErr("save", jobID, fmt.Errorf("close temp job file: %w", err))
	}
	if err := os.Rename(tmpName, s.JobPath(jobID)); err != nil {
		return storageErr("save", jobID, fmt.Errorf("rename job file: %w", err))
	}

	if s.index != nil {
		if err := s.index.Upsert(job); err != nil {
			return storageErr("save", jobID, fmt.Errorf("index upsert: %w", err))
		}
	}
	return nil
}

// Load reads a job record by id. Returns ErrNotFound for unknown ids.
func (s *Store) Load(jobID string) (*Job, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, storageErr("load", jobID, err)
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, storageErr("load", jobID, fmt.Errorf("job.json is empty"))
	}

	var job Job
	if err := json.Unmarshal([]byte(trimmed), &job); err != nil {
		return nil, storageErr("load", jobID, fmt.Errorf("parse job.json: %w", err))
	}
	return &job, nil
}

// List returns all jobs ordered by creation time, newest first.
func (s *Store) List() ([]Job, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, storageErr("list", "", err)
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storageErr("list", "", fmt.Errorf("read jobs root: %w", err))
	}

	out := make([]Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		j, err := s.Load(entry.Name())
		if err != nil {
			// Skip partially created or foreign directories.
			continue
		}
		out = append(out, *j)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// FindActiveDuplicate returns a non-terminal job with the same type and
// parameter map, or nil when none exists.
func (s *Store) FindActiveDuplicate(jobType JobType, params map[string]string) (*Job, error) {
	jobs, err := s.List()
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		j := &jobs[i]
		if j.State.Terminal() {
			continue
		}
		if j.Type == jobType && j.ParamsEqual(params) {
			return j, nil
		}
	}
	return nil, nil
}

// MarkCancel sets the cancellation marker for a job. Best-effort: the job
// need not be running yet. Setting an already-set marker is a no-op.
func (s *Store) MarkCancel(jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if err := os.MkdirAll(s.JobDir(jobID), 0755); err != nil {
		return storageErr("mark_cancel", jobID, err)
	}
	if err := os.WriteFile(s.cancelPath(jobID), []byte("1\n"), 0644); err != nil {
		return storageErr("mark_cancel", jobID, err)
	}
	return nil
}

// Delete removes a job's record directory and its index row. Deleting a job
// that does not exist is a no-op.
func (s *Store) Delete(jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if err := os.RemoveAll(s.JobDir(jobID)); err != nil {
		return storageErr("delete", jobID, err)
	}
	if s.index != nil {
		if err := s.index.Delete(jobID); err != nil {
			return storageErr("delete", jobID, err)
		}
	}
	return nil
}

// IsCancelled reports whether the cancellation marker is set.
func (s *Store) IsCancelled(jobID string) bool {
	_, err := os.Stat(s.cancelPath(jobID))
	return err == nil
}

// AppendLog appends one line to the job's log, creating the file (and the
// job directory) if absent. Safe to call before the job has started.
func (s *Store) AppendLog(jobID, line string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if err := os.MkdirAll(s.JobDir(jobID), 0755); err != nil {
		return storageErr("append_log", jobID, err)
	}
	f, err := os.OpenFile(s.LogPath(jobID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return storageErr("append_log", jobID, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(strings.TrimRight(line, "\r\n") + "\n"); err != nil {
		return storageErr("append_log", jobID, err)
	}
	return nil
}
