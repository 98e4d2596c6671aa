package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/transitworks/pipeboard/pkg/jobstore"
)

func newTestEnv(t *testing.T) (*jobstore.Store, *Executor) {
	t.Helper()
	root := t.TempDir()
	store := jobstore.NewStore(filepath.Join(root, "jobs"), jobstore.Options{
		ArtifactsRoot: filepath.Join(root, "artifacts"),
	})
	exe := New(store, Options{
		ProjectRoot:      root,
		TerminationGrace: 2 * time.Second,
	})
	return store, exe
}

func createJob(t *testing.T, store *jobstore.Store) *jobstore.Job {
	t.Helper()
	job, err := store.Create(jobstore.JobTypeFullPipeline, nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	job.Attempts = 1
	return job
}

func readLog(t *testing.T, store *jobstore.Store, jobID string) string {
	t.Helper()
	b, err := os.ReadFile(store.LogPath(jobID))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(b)
}

func TestRun_SuccessWritesResultMarker(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	store, exe := newTestEnv(t)
	job := createJob(t, store)

	out := exe.Run(context.Background(), job, []string{"sh", "-c", "echo hello from the pipeline"})
	if !out.Success() {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	log := readLog(t, store, job.ID)
	if !strings.Contains(log, "hello from the pipeline") {
		t.Fatalf("process output not captured:\n%s", log)
	}
	if !strings.Contains(log, "[done]") {
		t.Fatalf("success summary line missing:\n%s", log)
	}

	if _, err := os.Stat(filepath.Join(job.ArtifactsDir, "result.json")); err != nil {
		t.Fatalf("result marker missing: %v", err)
	}
}

func TestRun_MergesStderrIntoLog(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	store, exe := newTestEnv(t)
	job := createJob(t, store)

	out := exe.Run(context.Background(), job, []string{"sh", "-c", "echo out-line; echo err-line 1>&2"})
	if !out.Success() {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	log := readLog(t, store, job.ID)
	if !strings.Contains(log, "out-line") || !strings.Contains(log, "err-line") {
		t.Fatalf("stderr not merged into the log:\n%s", log)
	}
}

func TestRun_NonZeroExitFails(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	store, exe := newTestEnv(t)
	job := createJob(t, store)

	out := exe.Run(context.Background(), job, []string{"sh", "-c", "echo about to fail; exit 3"})
	if out.Success() || out.Cancelled {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Code != 3 {
		t.Fatalf("exit code: got=%d want=3", out.Code)
	}

	log := readLog(t, store, job.ID)
	if !strings.Contains(log, "exited with code 3") {
		t.Fatalf("failure line missing:\n%s", log)
	}

	// No success marker on failure.
	if _, err := os.Stat(filepath.Join(job.ArtifactsDir, "result.json")); !os.IsNotExist(err) {
		t.Fatalf("result marker written for a failed attempt")
	}
}

func TestRun_StartFailure(t *testing.T) {
	store, exe := newTestEnv(t)
	job := createJob(t, store)

	out := exe.Run(context.Background(), job, []string{"/no/such/binary-here"})
	if out.Success() || out.Cancelled {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Err == "" {
		t.Fatalf("start failure must carry error detail")
	}
}

func TestRun_CancelMarkerTerminatesProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX signals")
	}
	store, exe := newTestEnv(t)
	job := createJob(t, store)

	done := make(chan Outcome, 1)
	go func() {
		done <- exe.Run(context.Background(), job, []string{"sh", "-c", "echo started; sleep 60"})
	}()

	// Let the process come up, then set the marker.
	time.Sleep(400 * time.Millisecond)
	if err := store.MarkCancel(job.ID); err != nil {
		t.Fatalf("MarkCancel() error: %v", err)
	}

	select {
	case out := <-done:
		if !out.Cancelled {
			t.Fatalf("outcome not cancelled: %+v", out)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("cancelled process did not terminate within grace")
	}

	log := readLog(t, store, job.ID)
	if !strings.Contains(log, "[cancelled]") {
		t.Fatalf("cancellation line missing:\n%s", log)
	}
}

func TestRun_ContextCancellationTerminates(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX signals")
	}
	store, exe := newTestEnv(t)
	job := createJob(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		done <- exe.Run(ctx, job, []string{"sh", "-c", "sleep 60"})
	}()

	time.Sleep(400 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		if !out.Cancelled {
			t.Fatalf("outcome not cancelled: %+v", out)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("process did not terminate after context cancel")
	}
}
