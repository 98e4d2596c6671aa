// Package executor runs a single job attempt as an external process and
// supervises it: log capture, cancellation, and termination.
package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/transitworks/pipeboard/pkg/jobstore"
)

// CodeSignalled is the exit code recorded when the process died from a
// signal and no numeric code is available.
const CodeSignalled = -1

// Outcome is the result of a single attempt.
type Outcome struct {
	// Code is the process exit code. CodeSignalled when killed by signal.
	Code int

	// Cancelled is true when the attempt ended because the job's
	// cancellation marker was observed.
	Cancelled bool

	// Err carries failure detail beyond the exit code (start failures,
	// log I/O trouble). Empty on success and on plain non-zero exits.
	Err string
}

// Success reports whether the attempt completed cleanly.
func (o Outcome) Success() bool {
	return !o.Cancelled && o.Code == 0 && o.Err == ""
}

// Executor runs job commands rooted at the pipeline project directory.
type Executor struct {
	store       *jobstore.Store
	projectRoot string
	termGrace   time.Duration
	logger      *zap.Logger
}

// Options configures an Executor.
type Options struct {
	// ProjectRoot is the working directory for every spawned command.
	ProjectRoot string

	// TerminationGrace is how long a cancelled process gets between
	// SIGTERM and SIGKILL.
	TerminationGrace time.Duration

	Logger *zap.Logger
}

// New returns an Executor writing logs and markers through store.
func New(store *jobstore.Store, opts Options) *Executor {
	grace := opts.TerminationGrace
	if grace <= 0 {
		grace = 20 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		store:       store,
		projectRoot: opts.ProjectRoot,
		termGrace:   grace,
		logger:      logger,
	}
}

// cancelPollInterval bounds how stale a cancellation check can get while the
// process is silent.
const cancelPollInterval = 200 * time.Millisecond

// Run executes one attempt of job with the given argv.
//
// Stderr is merged into stdout and streamed line-by-line into the job log as
// it arrives. The cancellation marker is checked on every line and at least
// every 200ms while the process is quiet; when set, the process receives
// SIGTERM, then SIGKILL after the grace period.
//
// On exit 0 a result.json marker is written into the job's artifacts
// directory. Partial artifacts from failed attempts are left in place.
func (e *Executor) Run(ctx context.Context, job *jobstore.Job, argv []string) Outcome {
	if len(argv) == 0 {
		return Outcome{Code: CodeSignalled, Err: "empty command"}
	}

	e.logLine(job.ID, fmt.Sprintf("[attempt %d] starting: %v", job.Attempts, argv))

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = e.projectRoot
	cmd.Env = os.Environ()
	for k, v := range job.Params {
		cmd.Env = append(cmd.Env, fmt.Sprintf("PIPEBOARD_PARAM_%s=%s", envKey(k), v))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{Code: CodeSignalled, Err: fmt.Sprintf("open stdout pipe: %v", err)}
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		detail := fmt.Sprintf("start command: %v", err)
		e.logLine(job.ID, "[error] "+detail)
		return Outcome{Code: CodeSignalled, Err: detail}
	}

	// Stream merged output into the job log. Blocking read; the channel
	// closes when the pipe drains.
	lineCh := make(chan string, 64)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lineCh)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
		scanErr <- scanner.Err()
	}()

	cancelled := false
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

drain:
	for {
		select {
		case line, ok := <-lineCh:
			if !ok {
				break drain
			}
			if err := e.store.AppendLog(job.ID, line); err != nil {
				e.logger.Warn("append job log failed",
					zap.String("job_id", job.ID), zap.Error(err))
			}
			if !cancelled && e.shouldCancel(ctx, job.ID) {
				cancelled = true
				e.terminate(cmd, job.ID)
			}
		case <-ticker.C:
			if !cancelled && e.shouldCancel(ctx, job.ID) {
				cancelled = true
				e.terminate(cmd, job.ID)
			}
		}
	}

	waitErr := cmd.Wait()
	if serr := <-scanErr; serr != nil {
		e.logger.Warn("job output stream error",
			zap.String("job_id", job.ID), zap.Error(serr))
	}

	code := exitCode(waitErr)

	if cancelled {
		e.logLine(job.ID, "[cancelled] job terminated by request")
		return Outcome{Code: code, Cancelled: true}
	}

	if code == 0 {
		if err := e.writeResultMarker(job); err != nil {
			e.logger.Warn("write result marker failed",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		e.logLine(job.ID, fmt.Sprintf("[done] attempt %d succeeded", job.Attempts))
		return Outcome{Code: 0}
	}

	e.logLine(job.ID, fmt.Sprintf("[failed] attempt %d exited with code %d", job.Attempts, code))
	return Outcome{Code: code, Err: fmt.Sprintf("exit code %d", code)}
}

func (e *Executor) shouldCancel(ctx context.Context, jobID string) bool {
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	return e.store.IsCancelled(jobID)
}

// terminate sends SIGTERM, waits up to the grace period, then SIGKILL.
// cmd.Wait in the caller reaps the process either way.
func (e *Executor) terminate(cmd *exec.Cmd, jobID string) {
	proc := cmd.Process
	if proc == nil {
		return
	}

	e.logLine(jobID, fmt.Sprintf("[cancelling] sending SIGTERM (grace %s)", e.termGrace))
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return
		}
		e.logger.Warn("signal term failed", zap.String("job_id", jobID), zap.Error(err))
	}

	deadline := time.Now().Add(e.termGrace)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}

	e.logLine(jobID, "[cancelling] grace expired, sending SIGKILL")
	_ = proc.Signal(syscall.SIGKILL)
}

// writeResultMarker records a minimal success artifact so downstream
// consumers can distinguish a completed run from a partially written one.
func (e *Executor) writeResultMarker(job *jobstore.Job) error {
	marker := map[string]any{
		"job_id":       job.ID,
		"job_type":     string(job.Type),
		"attempts":     job.Attempts,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(job.ArtifactsDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(job.ArtifactsDir, "result.json"), append(b, '\n'), 0644)
}

func (e *Executor) logLine(jobID, line string) {
	if err := e.store.AppendLog(jobID, line); err != nil {
		e.logger.Warn("append job log failed",
			zap.String("job_id", jobID), zap.Error(err))
	}
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if code := ee.ExitCode(); code >= 0 {
			return code
		}
	}
	return CodeSignalled
}

func envKey(k string) string {
	out := make([]byte, 0, len(k))
	for i := 0; i < len(k); i++ {
		c := k[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-('a'-'A'))
		case (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
