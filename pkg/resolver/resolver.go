// Package resolver maps job types onto the external pipeline commands they
// run.
//
// The job type set is closed; the built-in table below is matched
// exhaustively, so a new job type fails to resolve until this package learns
// about it. Deployments can override individual commands through a YAML
// catalog without rebuilding the binary.
package resolver

import (
	"fmt"

	"github.com/transitworks/pipeboard/pkg/jobstore"
)

// ResolverError indicates a job type could not be mapped to a runnable
// command. A resolution failure is terminal for the attempt: no process is
// spawned and the attempt is never retried.
type ResolverError struct {
	JobType jobstore.JobType
	Reason  string
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("resolve command for %q: %s", e.JobType, e.Reason)
}

// Resolver resolves job types to argv slices.
type Resolver struct {
	overrides map[jobstore.JobType][]string
}

// New returns a resolver backed by the built-in command table.
func New() *Resolver {
	return &Resolver{}
}

// builtinCommand is the compiled-in argv for each job type. The switch is
// exhaustive over jobstore.JobTypes.
func builtinCommand(t jobstore.JobType) []string {
	switch t {
	case jobstore.JobTypeSetupBootstrap:
		return []string{"make", "setup-bootstrap"}
	case jobstore.JobTypeSetupDataPipeline:
		return []string{"make", "setup-data-pipeline"}
	case jobstore.JobTypeFullPipeline:
		return []string{"make", "full-pipeline"}
	case jobstore.JobTypeTrainStrict:
		return []string{"make", "train-strict"}
	case jobstore.JobTypeBenchmarksCompare:
		return []string{"make", "benchmarks-compare"}
	case jobstore.JobTypeHardeningSuite:
		return []string{"make", "hardening-suite"}
	case jobstore.JobTypeMultiSector:
		return []string{"make", "multi-sector"}
	default:
		return nil
	}
}

// Resolve returns the argv for a job type. The returned slice is a copy; the
// caller may append to it freely.
func (r *Resolver) Resolve(t jobstore.JobType) ([]string, error) {
	if !t.Valid() {
		return nil, &ResolverError{JobType: t, Reason: "unknown job type"}
	}

	argv := builtinCommand(t)
	if r != nil && r.overrides != nil {
		if ov, ok := r.overrides[t]; ok {
			argv = ov
		}
	}
	if len(argv) == 0 || argv[0] == "" {
		return nil, &ResolverError{JobType: t, Reason: "empty command"}
	}

	out := make([]string, len(argv))
	copy(out, argv)
	return out, nil
}
