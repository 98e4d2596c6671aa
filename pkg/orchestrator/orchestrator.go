// Package orchestrator owns the job lifecycle: queueing, a fixed worker
// pool, retries with exponential backoff, cancellation, and startup
// recovery.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/transitworks/pipeboard/pkg/executor"
	"github.com/transitworks/pipeboard/pkg/jobstore"
)

// stopSentinel is a poison pill; Stop pushes one per worker.
const stopSentinel = "\x00stop"

// Runner executes a single job attempt.
type Runner interface {
	Run(ctx context.Context, job *jobstore.Job, argv []string) executor.Outcome
}

// CommandResolver maps a job type to the argv that runs it.
type CommandResolver interface {
	Resolve(t jobstore.JobType) ([]string, error)
}

// Archiver exports a succeeded job's artifacts. Archive failures are logged
// and never affect the job's terminal state.
type Archiver interface {
	Archive(ctx context.Context, job *jobstore.Job) error
}

// Stats is an eventually-consistent snapshot of orchestrator load.
type Stats struct {
	QueueDepth  int      `json:"queue_depth"`
	Running     []string `json:"running"`
	Concurrency int      `json:"concurrency"`
}

// Options configures an Orchestrator.
type Options struct {
	// Concurrency is the fixed number of workers. Minimum 1.
	Concurrency int

	// BackoffBase is the exponent base for retry delays: the wait before
	// retrying attempt n+1 is min(base^(n-1), ceiling) seconds.
	BackoffBase float64

	// BackoffCeiling caps the retry delay.
	BackoffCeiling time.Duration

	// Archiver, when set, exports artifacts after a job succeeds.
	Archiver Archiver

	Logger *zap.Logger
}

// Orchestrator runs jobs from an unbounded FIFO on a fixed worker pool.
type Orchestrator struct {
	store    *jobstore.Store
	runner   Runner
	resolver CommandResolver
	archiver Archiver
	logger   *zap.Logger

	concurrency    int
	backoffBase    float64
	backoffCeiling time.Duration

	queue *fifo

	mu      sync.Mutex
	running map[string]struct{}
	tracked map[string]struct{}

	wg      sync.WaitGroup
	started bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an orchestrator. Start must be called before jobs execute.
func New(store *jobstore.Store, runner Runner, resolver CommandResolver, opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.BackoffBase <= 1 {
		opts.BackoffBase = 2
	}
	if opts.BackoffCeiling <= 0 {
		opts.BackoffCeiling = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:          store,
		runner:         runner,
		resolver:       resolver,
		archiver:       opts.Archiver,
		logger:         logger,
		concurrency:    opts.Concurrency,
		backoffBase:    opts.BackoffBase,
		backoffCeiling: opts.BackoffCeiling,
		queue:          newFIFO(),
		running:        make(map[string]struct{}),
		tracked:        make(map[string]struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start spawns the worker pool. Calling Start twice is a no-op.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	for i := 0; i < o.concurrency; i++ {
		o.wg.Add(1)
		go o.workerLoop(i)
	}
	o.logger.Info("orchestrator started", zap.Int("concurrency", o.concurrency))
}

// Stop drains the pool: one sentinel per worker, then wait for in-flight
// jobs to finish. Queued-but-unstarted jobs stay queued on disk and are
// picked up by recovery on the next boot.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	for i := 0; i < o.concurrency; i++ {
		o.queue.push(stopSentinel)
	}
	o.wg.Wait()
	o.cancel()
	o.logger.Info("orchestrator stopped")
}

// Enqueue adds a job id to the FIFO. Never blocks.
func (o *Orchestrator) Enqueue(jobID string) {
	o.mu.Lock()
	o.tracked[jobID] = struct{}{}
	o.mu.Unlock()
	o.queue.push(jobID)
	o.logger.Info("job enqueued", zap.String("job_id", jobID))
}

// Tracked reports whether the job has been enqueued in this process
// lifetime and has not yet reached a terminal state.
func (o *Orchestrator) Tracked(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.tracked[jobID]
	return ok
}

// Stats returns a point-in-time snapshot of queue depth and running jobs.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	running := make([]string, 0, len(o.running))
	for id := range o.running {
		running = append(running, id)
	}
	o.mu.Unlock()
	sort.Strings(running)

	return Stats{
		QueueDepth:  o.queue.depth(),
		Running:     running,
		Concurrency: o.concurrency,
	}
}

// Recover re-enqueues jobs that were queued or running when the previous
// process died. It never creates records and is idempotent within a process
// lifetime: ids already tracked are skipped.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	ids, err := o.incompleteIDs(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range ids {
		if o.Tracked(id) {
			continue
		}
		job, err := o.store.Load(id)
		if err != nil {
			o.logger.Warn("recovery: skipping unreadable job",
				zap.String("job_id", id), zap.Error(err))
			continue
		}
		if job.State.Terminal() {
			continue
		}
		o.logger.Info("recovery: re-enqueueing job",
			zap.String("job_id", job.ID), zap.String("state", string(job.State)))
		o.Enqueue(job.ID)
		recovered++
	}
	return recovered, nil
}

func (o *Orchestrator) incompleteIDs(ctx context.Context) ([]string, error) {
	if ix := o.store.Index(); ix != nil {
		return ix.ListIncomplete(ctx)
	}
	jobs, err := o.store.List()
	if err != nil {
		return nil, err
	}
	var ids []string
	for i := len(jobs) - 1; i >= 0; i-- {
		if !jobs[i].State.Terminal() {
			ids = append(ids, jobs[i].ID)
		}
	}
	return ids, nil
}

func (o *Orchestrator) workerLoop(worker int) {
	defer o.wg.Done()
	logger := o.logger.With(zap.Int("worker", worker))

	for {
		id := o.queue.pop()
		if id == stopSentinel {
			return
		}

		o.mu.Lock()
		o.running[id] = struct{}{}
		o.mu.Unlock()

		o.runWithRetries(logger, id)

		o.mu.Lock()
		delete(o.running, id)
		delete(o.tracked, id)
		o.mu.Unlock()
	}
}

// runWithRetries drives one job to a terminal state. Attempt numbers are
// persisted before execution so a crash mid-attempt is visible in the
// record.
func (o *Orchestrator) runWithRetries(logger *zap.Logger, jobID string) {
	job, err := o.store.Load(jobID)
	if err != nil {
		logger.Error("load job for execution", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.State.Terminal() {
		return
	}

	argv, rerr := o.resolver.Resolve(job.Type)
	if rerr != nil {
		// No process spawned, never retried.
		o.finish(logger, job, jobstore.JobStateFailed, rerr.Error())
		return
	}

	for {
		if o.store.IsCancelled(job.ID) {
			o.finish(logger, job, jobstore.JobStateCancelled, "")
			return
		}

		job.Attempts++
		job.State = jobstore.JobStateRunning
		job.Note = ""
		if job.StartedAt == nil {
			now := time.Now().UTC()
			job.StartedAt = &now
		}
		if err := o.saveWithRetry(job); err != nil {
			o.finish(logger, job, jobstore.JobStateFailed, fmt.Sprintf("persist attempt: %v", err))
			return
		}

		logger.Info("attempt starting",
			zap.String("job_id", job.ID),
			zap.String("job_type", string(job.Type)),
			zap.Int("attempt", job.Attempts))

		out := o.runner.Run(o.ctx, job, argv)

		switch {
		case out.Cancelled:
			o.finish(logger, job, jobstore.JobStateCancelled, "")
			return
		case out.Success():
			o.finish(logger, job, jobstore.JobStateSucceeded, "")
			if o.archiver != nil {
				if err := o.archiver.Archive(o.ctx, job); err != nil {
					logger.Warn("artifact archive failed",
						zap.String("job_id", job.ID), zap.Error(err))
				}
			}
			return
		}

		lastErr := out.Err
		if lastErr == "" {
			lastErr = fmt.Sprintf("exit code %d", out.Code)
		}

		if job.Attempts >= job.MaxRetries+1 {
			o.finish(logger, job, jobstore.JobStateFailed, lastErr)
			return
		}

		delay := o.retryDelay(job.Attempts)
		logger.Warn("attempt failed, retrying",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempts),
			zap.Duration("delay", delay),
			zap.String("error", lastErr))

		// The wait is externally visible: still running, with a note.
		job.Note = fmt.Sprintf("retrying in %s (attempt %d of %d)",
			delay.Round(time.Second), job.Attempts+1, job.MaxRetries+1)
		if err := o.saveWithRetry(job); err != nil {
			o.finish(logger, job, jobstore.JobStateFailed, fmt.Sprintf("persist retry note: %v", err))
			return
		}

		switch o.sleepInterruptible(job.ID, delay) {
		case waitCancelled:
			o.finish(logger, job, jobstore.JobStateCancelled, "")
			return
		case waitShutdown:
			// Leave the record running on disk; the next boot's recovery
			// re-queues it.
			logger.Info("shutdown during retry wait", zap.String("job_id", job.ID))
			return
		}
	}
}

// retryDelay is min(base^(attempts-1), ceiling) seconds, deterministic.
func (o *Orchestrator) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = o.backoffBase
	b.MaxInterval = o.backoffCeiling
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop || d > o.backoffCeiling {
		return o.backoffCeiling
	}
	return d
}

// waitResult says how a retry wait ended.
type waitResult int

const (
	waitElapsed waitResult = iota
	waitCancelled
	waitShutdown
)

// sleepInterruptible waits for d, checking the cancellation marker every
// 200ms. A set marker ends the wait as waitCancelled; orchestrator shutdown
// ends it as waitShutdown.
func (o *Orchestrator) sleepInterruptible(jobID string, d time.Duration) waitResult {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if o.store.IsCancelled(jobID) {
			return waitCancelled
		}
		if time.Now().After(deadline) {
			return waitElapsed
		}
		select {
		case <-ticker.C:
		case <-o.ctx.Done():
			return waitShutdown
		}
	}
}

// finish moves the job to a terminal state and persists it.
func (o *Orchestrator) finish(logger *zap.Logger, job *jobstore.Job, state jobstore.JobState, errText string) {
	now := time.Now().UTC()
	job.State = state
	job.FinishedAt = &now
	job.Note = ""
	job.Error = errText

	if err := o.saveWithRetry(job); err != nil {
		logger.Error("persist terminal state",
			zap.String("job_id", job.ID),
			zap.String("state", string(state)),
			zap.Error(err))
		return
	}

	field := zap.String("state", string(state))
	if errText != "" {
		logger.Warn("job finished", zap.String("job_id", job.ID), field, zap.String("error", errText))
		return
	}
	logger.Info("job finished", zap.String("job_id", job.ID), field,
		zap.Int("attempts", job.Attempts))
}

// saveWithRetry bounds transient storage failures to three quick retries
// before surfacing the StorageError to the caller.
func (o *Orchestrator) saveWithRetry(job *jobstore.Job) error {
	op := func() error { return o.store.Save(job) }
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 3)
	return backoff.Retry(op, policy)
}

// delaySchedule is exposed for observability surfaces: the full list of
// retry delays a job with the given budget would see.
func (o *Orchestrator) delaySchedule(maxRetries int) []time.Duration {
	out := make([]time.Duration, 0, maxRetries)
	for i := 1; i <= maxRetries; i++ {
		secs := math.Pow(o.backoffBase, float64(i-1))
		d := time.Duration(secs * float64(time.Second))
		if d > o.backoffCeiling {
			d = o.backoffCeiling
		}
		out = append(out, d)
	}
	return out
}
