package workflow_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"alps/internal/alps"
	"alps/internal/command"
	"alps/internal/logging"
	"alps/internal/queue"
	"alps/internal/services"
	"alps/internal/workflow"
)

type stubProcessor struct {
	run func(ctx context.Context, jobID, archivePath string, trace command.Trace) (alps.Record, error)
}

func (s stubProcessor) Run(ctx context.Context, jobID, archivePath string, trace command.Trace) (alps.Record, error) {
	return s.run(ctx, jobID, archivePath, trace)
}

type stubNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (s *stubNotifier) NotifyJobCompleted(_ context.Context, id string, _ alps.Record, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return nil
}

func (s *stubNotifier) NotifyJobFailed(_ context.Context, id, kind, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, id+":"+kind)
	return nil
}

func (s *stubNotifier) TestNotification(context.Context) error { return nil }

func (s *stubNotifier) snapshot() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.completed...), append([]string(nil), s.failed...)
}

var goodRecord = alps.Record{Mean: 2, Left: 2, Right: 2}

func succeed(_ context.Context, _ string, _ string, trace command.Trace) (alps.Record, error) {
	trace.Append("about to run: dtifit")
	trace.Append("dtifit completed successfully")
	return goodRecord, nil
}

func startManager(t *testing.T, store queue.Store, proc workflow.Processor, notifier *stubNotifier, opts workflow.Options) *workflow.Manager {
	t.Helper()
	mgr := workflow.NewManager(store, proc, notifier, logging.NewNop(), opts)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(mgr.Stop)
	return mgr
}

func waitTerminal(t *testing.T, mgr *workflow.Manager, id string) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := mgr.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	store := queue.NewMemoryStore()
	notifier := &stubNotifier{}
	mgr := startManager(t, store, stubProcessor{run: succeed}, notifier, workflow.Options{Workers: 2})

	id, err := mgr.Submit(context.Background(), "/tmp/does-not-matter.zip")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := waitTerminal(t, mgr, id)
	if job.Status != queue.StatusCompleted || job.Result == nil || *job.Result != goodRecord {
		t.Fatalf("unexpected job %+v", job)
	}
	if len(job.Log) != 2 || job.Log[1] != "dtifit completed successfully" {
		t.Fatalf("expected persisted trace, got %v", job.Log)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Fatalf("expected timestamps on %+v", job)
	}
	completed, _ := notifier.snapshot()
	if len(completed) != 1 || completed[0] != id {
		t.Fatalf("expected completion notification, got %v", completed)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	mgr := startManager(t, queue.NewMemoryStore(), stubProcessor{run: succeed}, &stubNotifier{}, workflow.Options{})
	if _, err := mgr.Status(context.Background(), "no-such-job"); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestFailureRecordsMessageAndKind(t *testing.T) {
	notifier := &stubNotifier{}
	proc := stubProcessor{run: func(_ context.Context, _, _ string, trace command.Trace) (alps.Record, error) {
		trace.Append("about to run: dwidenoise in.nii.gz out.nii.gz")
		return alps.Record{}, &command.ToolError{Tool: "dwidenoise", ExitCode: 1, Stderr: "bad header"}
	}}
	mgr := startManager(t, queue.NewMemoryStore(), proc, notifier, workflow.Options{})

	id, err := mgr.Submit(context.Background(), "a.zip")
	if err != nil {
		t.Fatal(err)
	}
	job := waitTerminal(t, mgr, id)
	if job.Status != queue.StatusFailed || job.Result != nil {
		t.Fatalf("unexpected job %+v", job)
	}
	if !strings.Contains(job.Error, "dwidenoise") || !strings.Contains(job.Error, "bad header") {
		t.Fatalf("error should name tool and stderr: %q", job.Error)
	}
	if job.ErrorKind != services.KindExternalTool {
		t.Fatalf("expected external_tool kind, got %q", job.ErrorKind)
	}
	if len(job.Log) != 1 {
		t.Fatalf("expected trace up to the failure, got %v", job.Log)
	}
	_, failed := notifier.snapshot()
	if len(failed) != 1 || failed[0] != id+":external_tool" {
		t.Fatalf("expected failure notification, got %v", failed)
	}
}

func TestPanicIsContained(t *testing.T) {
	proc := stubProcessor{run: func(context.Context, string, string, command.Trace) (alps.Record, error) {
		panic("nil volume")
	}}
	mgr := startManager(t, queue.NewMemoryStore(), proc, &stubNotifier{}, workflow.Options{})

	id, err := mgr.Submit(context.Background(), "a.zip")
	if err != nil {
		t.Fatal(err)
	}
	job := waitTerminal(t, mgr, id)
	if job.Status != queue.StatusFailed || job.ErrorKind != services.KindInternal || !strings.Contains(job.Error, "nil volume") {
		t.Fatalf("unexpected job %+v", job)
	}

	// The worker survives the panic.
	second, err := mgr.Submit(context.Background(), "b.zip")
	if err != nil {
		t.Fatal(err)
	}
	if waitTerminal(t, mgr, second).Status != queue.StatusFailed {
		t.Fatal("expected second job to be processed")
	}
}

func TestRunTimeout(t *testing.T) {
	proc := stubProcessor{run: func(ctx context.Context, _, _ string, _ command.Trace) (alps.Record, error) {
		<-ctx.Done()
		return alps.Record{}, ctx.Err()
	}}
	mgr := startManager(t, queue.NewMemoryStore(), proc, &stubNotifier{}, workflow.Options{RunTimeout: 50 * time.Millisecond})

	id, err := mgr.Submit(context.Background(), "a.zip")
	if err != nil {
		t.Fatal(err)
	}
	job := waitTerminal(t, mgr, id)
	if job.ErrorKind != services.KindTimeout {
		t.Fatalf("expected timeout kind, got %+v", job)
	}
}

func TestStartRecoversInterruptedJobs(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	stale := queue.NewJob("stale", "s.zip")
	waiting := queue.NewJob("waiting", "w.zip")
	for _, job := range []*queue.Job{stale, waiting} {
		if err := store.Create(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	stale.MarkRunning(time.Now())
	if err := store.Update(ctx, stale); err != nil {
		t.Fatal(err)
	}

	mgr := startManager(t, store, stubProcessor{run: succeed}, &stubNotifier{}, workflow.Options{})

	got, err := mgr.Status(ctx, "stale")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.StatusFailed || got.Error != queue.InterruptedReason {
		t.Fatalf("unexpected stale job %+v", got)
	}
	if waitTerminal(t, mgr, "waiting").Status != queue.StatusCompleted {
		t.Fatal("queued job should be redispatched")
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	store := queue.NewMemoryStore()
	// Not started, so nothing drains the buffer.
	mgr := workflow.NewManager(store, stubProcessor{run: succeed}, nil, logging.NewNop(), workflow.Options{QueueDepth: 1})

	if _, err := mgr.Submit(context.Background(), "a.zip"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	id, err := mgr.Submit(context.Background(), "b.zip")
	if !errors.Is(err, workflow.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	job, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != queue.StatusFailed {
		t.Fatalf("rejected job should be failed, got %s", job.Status)
	}
}

func TestUploadCleanup(t *testing.T) {
	uploads := t.TempDir()
	outside := filepath.Join(t.TempDir(), "mine.zip")
	inside := filepath.Join(uploads, "upload.zip")
	for _, path := range []string{inside, outside} {
		if err := os.WriteFile(path, []byte("zip"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	mgr := startManager(t, queue.NewMemoryStore(), stubProcessor{run: succeed}, &stubNotifier{}, workflow.Options{UploadDir: uploads})
	for _, path := range []string{inside, outside} {
		id, err := mgr.Submit(context.Background(), path)
		if err != nil {
			t.Fatal(err)
		}
		waitTerminal(t, mgr, id)
	}
	if _, err := os.Stat(inside); !os.IsNotExist(err) {
		t.Fatalf("upload should be removed, stat err %v", err)
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("archive outside the upload dir must be kept: %v", err)
	}
}

func TestRunNowExecutesSynchronously(t *testing.T) {
	mgr := workflow.NewManager(queue.NewMemoryStore(), stubProcessor{run: succeed}, nil, logging.NewNop(), workflow.Options{})
	job, err := mgr.RunNow(context.Background(), "a.zip")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if job.Status != queue.StatusCompleted || job.Result.Mean != 2 {
		t.Fatalf("unexpected job %+v", job)
	}
	jobs, err := mgr.Jobs(context.Background(), queue.StatusCompleted)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected one completed job, got %d (%v)", len(jobs), err)
	}
}

func TestUnstorableResultStillFinishesJob(t *testing.T) {
	store, err := queue.OpenSQLite(filepath.Join(t.TempDir(), "alps.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	nan := math.NaN()
	proc := stubProcessor{run: func(context.Context, string, string, command.Trace) (alps.Record, error) {
		return alps.Record{Mean: nan, Left: 1, Right: nan}, nil
	}}
	notifier := &stubNotifier{}
	mgr := startManager(t, store, proc, notifier, workflow.Options{})

	id, err := mgr.Submit(context.Background(), "a.zip")
	if err != nil {
		t.Fatal(err)
	}
	job := waitTerminal(t, mgr, id)
	if job.Status != queue.StatusFailed || job.ErrorKind != services.KindInternal {
		t.Fatalf("expected internal failure, got %+v", job)
	}
	if job.Result != nil || !strings.Contains(job.Error, "persist job outcome") {
		t.Fatalf("unexpected failure record %+v", job)
	}
}

func TestStartDrainsBacklogLargerThanQueueDepth(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	ids := []string{"job-a", "job-b", "job-c", "job-d", "job-e"}
	for _, id := range ids {
		if err := store.Create(ctx, queue.NewJob(id, id+".zip")); err != nil {
			t.Fatal(err)
		}
	}

	mgr := startManager(t, store, stubProcessor{run: succeed}, &stubNotifier{}, workflow.Options{Workers: 1, QueueDepth: 2})
	for _, id := range ids {
		if got := waitTerminal(t, mgr, id); got.Status != queue.StatusCompleted {
			t.Fatalf("job %s: expected completed, got %+v", id, got)
		}
	}
}

func TestStopLeavesPendingJobsQueued(t *testing.T) {
	started := make(chan struct{}, 1)
	proc := stubProcessor{run: func(ctx context.Context, _, _ string, _ command.Trace) (alps.Record, error) {
		started <- struct{}{}
		<-ctx.Done()
		return alps.Record{}, ctx.Err()
	}}
	store := queue.NewMemoryStore()
	mgr := workflow.NewManager(store, proc, nil, logging.NewNop(), workflow.Options{Workers: 1, QueueDepth: 4})
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := mgr.Submit(context.Background(), "first.zip"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first job never started")
	}
	waiting, err := mgr.Submit(context.Background(), "second.zip")
	if err != nil {
		t.Fatal(err)
	}
	mgr.Stop()

	job, err := store.Get(context.Background(), waiting)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != queue.StatusQueued {
		t.Fatalf("pending job should stay queued after stop, got %+v", job)
	}
}
