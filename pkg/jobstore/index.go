package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Index is a SQLite-backed secondary index over the job records.
//
// job.json stays the source of truth; the index exists so listing and the
// startup recovery scan do not have to walk and parse the whole job tree.
// Every Save upserts here, so a row can be at most one write behind the
// file store after a crash, which recovery tolerates by re-reading job.json.
type Index struct {
	db *sql.DB
}

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id      TEXT PRIMARY KEY,
	job_type    TEXT NOT NULL,
	state       TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	started_at  TIMESTAMP,
	finished_at TIMESTAMP,
	attempts    INTEGER NOT NULL DEFAULT 0,
	error       TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
`

// OpenIndex opens (and creates if needed) the jobs index database at path.
//
// WAL and busy_timeout are applied and the pool is pinned to a single
// connection so concurrent workers serialize their upserts.
func OpenIndex(ctx context.Context, path string) (*Index, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("index path is required")
	}
	if path != ":memory:" {
		dir := filepath.Dir(filepath.Clean(path))
		if dir != "." && dir != string(filepath.Separator) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create index directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driverName, dsnFor(path))
	if err != nil {
		return nil, fmt.Errorf("open jobs index: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping jobs index: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if path != ":memory:" {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		var journalMode string
		if err := db.QueryRowContext(pctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		var busyTimeout int
		if err := db.QueryRowContext(pctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, jobsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply jobs schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Close releases the underlying database handle.
func (ix *Index) Close() error {
	if ix == nil || ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

// Ping verifies the index connection is alive. Used by the readiness checker.
func (ix *Index) Ping(ctx context.Context) error {
	if ix == nil || ix.db == nil {
		return errors.New("jobs index is not open")
	}
	return ix.db.PingContext(ctx)
}

// Upsert inserts or fully replaces the indexed row for a job.
func (ix *Index) Upsert(job *Job) error {
	if ix == nil || ix.db == nil {
		return errors.New("jobs index is not open")
	}
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return errors.New("job with id is required")
	}

	var errText *string
	if job.Error != "" {
		errText = &job.Error
	}

	_, err := ix.db.Exec(
		`INSERT INTO jobs (job_id, job_type, state, created_at, started_at, finished_at, attempts, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			job_type = excluded.job_type,
			state = excluded.state,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			attempts = excluded.attempts,
			error = excluded.error`,
		job.ID, string(job.Type), string(job.State),
		job.CreatedAt.UTC(), job.StartedAt, job.FinishedAt,
		job.Attempts, errText)
	if err != nil {
		return fmt.Errorf("upsert job row: %w", err)
	}
	return nil
}

// Delete removes the indexed row for a job, if present.
func (ix *Index) Delete(jobID string) error {
	if ix == nil || ix.db == nil {
		return errors.New("jobs index is not open")
	}
	if _, err := ix.db.Exec(`DELETE FROM jobs WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job row: %w", err)
	}
	return nil
}

// ListIncomplete returns the ids of jobs in a non-terminal state, oldest
// first. This is the recovery scan: the caller re-reads job.json per id.
func (ix *Index) ListIncomplete(ctx context.Context) ([]string, error) {
	if ix == nil || ix.db == nil {
		return nil, errors.New("jobs index is not open")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := ix.db.QueryContext(ctx,
		`SELECT job_id FROM jobs
		 WHERE state IN (?, ?)
		 ORDER BY created_at ASC`,
		string(JobStateQueued), string(JobStateRunning))
	if err != nil {
		return nil, fmt.Errorf("list incomplete jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByState returns per-state job counts for reporting surfaces.
func (ix *Index) CountByState(ctx context.Context) (map[JobState]int, error) {
	if ix == nil || ix.db == nil {
		return nil, errors.New("jobs index is not open")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := ix.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[JobState(state)] = n
	}
	return counts, rows.Err()
}

func dsnFor(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + filepath.Clean(path)
}
