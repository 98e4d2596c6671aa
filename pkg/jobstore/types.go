package jobstore

import "time"

// JobType identifies one of the pipeline job kinds the dashboard can launch.
//
// The set is closed: the command resolver matches it exhaustively, so adding
// a job type is a compile-time-checked change.
type JobType string

const (
	JobTypeSetupBootstrap    JobType = "setup-bootstrap"
	JobTypeSetupDataPipeline JobType = "setup-data-pipeline"
	JobTypeFullPipeline      JobType = "full-pipeline"
	JobTypeTrainStrict       JobType = "train-strict"
	JobTypeBenchmarksCompare JobType = "benchmarks-compare"
	JobTypeHardeningSuite    JobType = "hardening-suite"
	JobTypeMultiSector       JobType = "multi-sector"
)

// JobTypes lists every known job type, in submission-surface order.
var JobTypes = []JobType{
	JobTypeSetupBootstrap,
	JobTypeSetupDataPipeline,
	JobTypeFullPipeline,
	JobTypeTrainStrict,
	JobTypeBenchmarksCompare,
	JobTypeHardeningSuite,
	JobTypeMultiSector,
}

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool {
	for _, k := range JobTypes {
		if t == k {
			return true
		}
	}
	return false
}

// JobState is the lifecycle state of a job.
//
// NOTE: These values are persisted in job.json and the jobs index and are
// part of the stable on-disk contract.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether no further state transitions are permitted.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// Job is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type Job struct {
	ID         string            `json:"job_id"`
	Type       JobType           `json:"job_type"`
	State      JobState          `json:"state"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Params     map[string]string `json:"params,omitempty"`

	ArtifactsDir string `json:"artifacts_dir"`
	LogPath      string `json:"log_path,omitempty"`

	Attempts   int `json:"attempts"`
	MaxRetries int `json:"max_retries"`

	Note  string `json:"note,omitempty"`
	Error string `json:"error,omitempty"`
}

// ParamsEqual reports whether the job's parameter map equals other.
// Used for duplicate-submission suppression.
func (j *Job) ParamsEqual(other map[string]string) bool {
	if len(j.Params) != len(other) {
		return false
	}
	for k, v := range j.Params {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
