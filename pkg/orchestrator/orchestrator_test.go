package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/transitworks/pipeboard/pkg/executor"
	"github.com/transitworks/pipeboard/pkg/jobstore"
)

// fakeRunner scripts per-call outcomes and records invocations.
type fakeRunner struct {
	mu       sync.Mutex
	outcomes []executor.Outcome
	calls    int32
	block    chan struct{}
	attempts []int
}

func (f *fakeRunner) Run(ctx context.Context, job *jobstore.Job, argv []string) executor.Outcome {
	n := atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.attempts = append(f.attempts, job.Attempts)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return executor.Outcome{Cancelled: true}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := int(n) - 1
	if idx < len(f.outcomes) {
		return f.outcomes[idx]
	}
	return executor.Outcome{Code: 0}
}

type fakeResolver struct{ err error }

func (f *fakeResolver) Resolve(t jobstore.JobType) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []string{"true"}, nil
}

func newTestStore(t *testing.T, maxRetries int) *jobstore.Store {
	t.Helper()
	root := t.TempDir()
	return jobstore.NewStore(filepath.Join(root, "jobs"), jobstore.Options{
		ArtifactsRoot: filepath.Join(root, "artifacts"),
		MaxRetries:    maxRetries,
	})
}

func waitForState(t *testing.T, store *jobstore.Store, jobID string, want jobstore.JobState) *jobstore.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Load(jobID)
		if err == nil && job.State == want {
			return job
		}
		time.Sleep(25 * time.Millisecond)
	}
	job, _ := store.Load(jobID)
	t.Fatalf("job %s never reached %s (last: %+v)", jobID, want, job)
	return nil
}

func TestOrchestrator_SuccessFirstAttempt(t *testing.T) {
	store := newTestStore(t, 1)
	runner := &fakeRunner{outcomes: []executor.Outcome{{Code: 0}}}
	o := New(store, runner, &fakeResolver{}, Options{Concurrency: 2})
	o.Start()
	defer o.Stop()

	job, err := store.Create(jobstore.JobTypeFullPipeline, nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	o.Enqueue(job.ID)

	got := waitForState(t, store, job.ID, jobstore.JobStateSucceeded)
	if got.Attempts != 1 {
		t.Fatalf("attempts: got=%d want=1", got.Attempts)
	}
	if got.FinishedAt == nil || got.StartedAt == nil {
		t.Fatalf("timestamps not set: %+v", got)
	}
	if got.Error != "" {
		t.Fatalf("unexpected error on success: %q", got.Error)
	}
}

func TestOrchestrator_RetriesThenFails(t *testing.T) {
	store := newTestStore(t, 2)
	runner := &fakeRunner{outcomes: []executor.Outcome{
		{Code: 1, Err: "exit code 1"},
		{Code: 1, Err: "exit code 1"},
		{Code: 1, Err: "exit code 1"},
	}}
	o := New(store, runner, &fakeResolver{}, Options{
		Concurrency:    1,
		BackoffBase:    2,
		BackoffCeiling: 50 * time.Millisecond,
	})
	o.Start()
	defer o.Stop()

	job, err := store.Create(jobstore.JobTypeTrainStrict, nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	o.Enqueue(job.ID)

	got := waitForState(t, store, job.ID, jobstore.JobStateFailed)
	if got.Attempts != 3 {
		t.Fatalf("attempts: got=%d want=3", got.Attempts)
	}
	if got.Error != "exit code 1" {
		t.Fatalf("last error not recorded: %q", got.Error)
	}

	runner.mu.Lock()
	attempts := append([]int(nil), runner.attempts...)
	runner.mu.Unlock()
	for i, a := range attempts {
		if a != i+1 {
			t.Fatalf("attempt numbers not monotonic from 1: %v", attempts)
		}
	}
}

func TestOrchestrator_RetryThenSuccess(t *testing.T) {
	store := newTestStore(t, 2)
	runner := &fakeRunner{outcomes: []executor.Outcome{
		{Code: 1, Err: "exit code 1"},
		{Code: 0},
	}}
	o := New(store, runner, &fakeResolver{}, Options{
		Concurrency:    1,
		BackoffCeiling: 50 * time.Millisecond,
	})
	o.Start()
	defer o.Stop()

	job, err := store.Create(jobstore.JobTypeBenchmarksCompare, nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	o.Enqueue(job.ID)

	got := waitForState(t, store, job.ID, jobstore.JobStateSucceeded)
	if got.Attempts != 2 {
		t.Fatalf("attempts: got=%d want=2", got.Attempts)
	}
}

func TestOrchestrator_ResolverFailureIsTerminal(t *testing.T) {
	store := newTestStore(t, 3)
	runner := &fakeRunner{}
	o := New(store, runner, &fakeResolver{err: context.DeadlineExceeded}, Options{Concurrency: 1})
	o.Start()
	defer o.Stop()

	job, err := store.Create(jobstore.JobTypeHardeningSuite, nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	o.Enqueue(job.ID)

	got := waitForState(t, store, job.ID, jobstore.JobStateFailed)
	if got.Error == "" {
		t.Fatalf("resolver failure must record an error")
	}
	if atomic.LoadInt32(&runner.calls) != 0 {
		t.Fatalf("runner invoked despite resolution failure")
	}
	if got.Attempts != 0 {
		t.Fatalf("no attempt should be counted: %d", got.Attempts)
	}
}

func TestOrchestrator_CancelQueuedJob(t *testing.T) {
	store := newTestStore(t, 1)
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	o := New(store, runner, &fakeResolver{}, Options{Concurrency: 1})
	o.Start()

	// First job occupies the only worker; the second stays queued.
	first, err := store.Create(jobstore.JobTypeFullPipeline, map[string]string{"n": "1"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	second, err := store.Create(jobstore.JobTypeFullPipeline, map[string]string{"n": "2"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	o.Enqueue(first.ID)
	o.Enqueue(second.ID)

	if err := store.MarkCancel(second.ID); err != nil {
		t.Fatalf("MarkCancel() error: %v", err)
	}
	close(block)

	waitForState(t, store, second.ID, jobstore.JobStateCancelled)
	got, _ := store.Load(second.ID)
	if got.Error != "" {
		t.Fatalf("cancelled job must not carry an error: %q", got.Error)
	}
	o.Stop()

	if atomic.LoadInt32(&runner.calls) != 1 {
		t.Fatalf("cancelled queued job was executed anyway")
	}
}

func TestOrchestrator_StatsTracksRunning(t *testing.T) {
	store := newTestStore(t, 1)
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	o := New(store, runner, &fakeResolver{}, Options{Concurrency: 2})
	o.Start()

	job, err := store.Create(jobstore.JobTypeMultiSector, nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	o.Enqueue(job.ID)

	deadline := time.Now().Add(5 * time.Second)
	for {
		st := o.Stats()
		if len(st.Running) == 1 && st.Running[0] == job.ID {
			if st.Concurrency != 2 {
				t.Fatalf("concurrency: got=%d want=2", st.Concurrency)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never showed up in Stats: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(block)
	waitForState(t, store, job.ID, jobstore.JobStateSucceeded)
	o.Stop()

	st := o.Stats()
	if len(st.Running) != 0 || st.QueueDepth != 0 {
		t.Fatalf("stats not drained: %+v", st)
	}
}

func TestOrchestrator_RecoverIsIdempotent(t *testing.T) {
	store := newTestStore(t, 1)
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	o := New(store, runner, &fakeResolver{}, Options{Concurrency: 1})

	// Simulate a record left behind by a crashed process.
	orphan, err := store.Create(jobstore.JobTypeSetupBootstrap, nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	orphan.State = jobstore.JobStateRunning
	if err := store.Save(orphan); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	n, err := o.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered: got=%d want=1", n)
	}

	// A second scan while the job is still tracked enqueues nothing.
	n, err = o.Recover(context.Background())
	if err != nil {
		t.Fatalf("second Recover() error: %v", err)
	}
	if n != 0 {
		t.Fatalf("double recovery re-enqueued: %d", n)
	}

	o.Start()
	close(block)
	waitForState(t, store, orphan.ID, jobstore.JobStateSucceeded)
	o.Stop()

	if got := atomic.LoadInt32(&runner.calls); got != 1 {
		t.Fatalf("recovered job executed %d times", got)
	}
}

func TestOrchestrator_RetryDelaySchedule(t *testing.T) {
	store := newTestStore(t, 1)
	o := New(store, &fakeRunner{}, &fakeResolver{}, Options{
		Concurrency:    1,
		BackoffBase:    2,
		BackoffCeiling: 60 * time.Second,
	})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := o.retryDelay(i + 1); got != w {
			t.Fatalf("retryDelay(%d): got=%s want=%s", i+1, got, w)
		}
	}

	// Ceiling caps the growth.
	if got := o.retryDelay(20); got != 60*time.Second {
		t.Fatalf("retryDelay(20): got=%s want=60s", got)
	}

	sched := o.delaySchedule(3)
	if len(sched) != 3 || sched[0] != time.Second || sched[2] != 4*time.Second {
		t.Fatalf("delaySchedule: %v", sched)
	}
}

func TestOrchestrator_StopDrainsInFlight(t *testing.T) {
	store := newTestStore(t, 1)
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	o := New(store, runner, &fakeResolver{}, Options{Concurrency: 2})
	o.Start()

	job, err := store.Create(jobstore.JobTypeSetupDataPipeline, nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	o.Enqueue(job.ID)

	stopped := make(chan struct{})
	go func() {
		// Give the worker time to pick the job up, then stop.
		time.Sleep(200 * time.Millisecond)
		close(block)
		o.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatalf("Stop did not drain")
	}

	got, err := store.Load(job.ID)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.State != jobstore.JobStateSucceeded {
		t.Fatalf("in-flight job not drained to terminal: %s", got.State)
	}
}

func TestOrchestrator_ShutdownDuringRetryWaitLeavesJobRunning(t *testing.T) {
	store := newTestStore(t, 2)
	runner := &fakeRunner{outcomes: []executor.Outcome{{Code: 1, Err: "exit code 1"}}}
	o := New(store, runner, &fakeResolver{}, Options{
		Concurrency: 1,
		BackoffBase: 2,
	})

	job, err := store.Create(jobstore.JobTypeFullPipeline, nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.runWithRetries(o.logger, job.ID)
	}()

	// Let the first attempt fail and the retry wait begin, then shut down
	// mid-wait (the first delay is 1s).
	time.Sleep(300 * time.Millisecond)
	o.cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop did not exit on shutdown")
	}

	got, err := store.Load(job.ID)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.State != jobstore.JobStateRunning {
		t.Fatalf("state after shutdown: got=%q want=%q", got.State, jobstore.JobStateRunning)
	}
	if got.FinishedAt != nil {
		t.Fatalf("shutdown must not finish the job: %+v", got)
	}
	if got.Note == "" {
		t.Fatalf("retry note should survive shutdown for the next boot: %+v", got)
	}
}
