package daemonrun

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"alps/internal/daemon"
	"alps/internal/logging"
	"alps/internal/queue"
	"alps/internal/services"
	"alps/internal/testsupport"
)

func TestRunServesUntilCancelled(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	stale := filepath.Join(cfg.Paths.WorkDir, "job-left-behind")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-cfg.RunTimeout() - time.Hour)
	if err := os.Chtimes(stale, past, past); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())

	ready := make(chan *daemon.Daemon, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg, Options{Ready: func(d *daemon.Daemon) { ready <- d }})
	}()

	select {
	case d := <-ready:
		if d.Addr() == nil {
			t.Fatal("expected listening address")
		}
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not become ready")
	}

	if _, err := os.Stat(filepath.Join(cfg.Paths.StateDir, "alps.pid")); err != nil {
		t.Fatalf("expected pid file: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("expected stale work dir swept at startup")
	}
	target, err := os.Readlink(filepath.Join(cfg.Paths.LogDir, logging.LogFileName))
	if err != nil {
		t.Fatalf("expected log pointer: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(target), "alps-") {
		t.Fatalf("unexpected log pointer target %s", target)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.StateDir, "alps.pid")); !os.IsNotExist(err) {
		t.Fatal("expected pid file removed on shutdown")
	}
}

func TestRunRefusesMissingTools(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	cfg.Tools.Dtifit = "definitely-missing-dtifit"

	err := Run(context.Background(), cfg, Options{})
	if err == nil || !strings.Contains(err.Error(), "dtifit") {
		t.Fatalf("expected preflight failure naming dtifit, got %v", err)
	}
}

func TestNewManagerRunsPipeline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	archive := filepath.Join(testsupport.BaseDir(cfg), "subject.zip")
	testsupport.WriteZip(t, archive, map[string][]byte{"DICOM/IM0001": []byte("not really dicom")})

	runner := testsupport.NewFakeRunner().Fail("dcm2niix", "no valid DICOM images")
	mgr := NewManager(cfg, queue.NewMemoryStore(), runner, logging.NewNop())

	job, err := mgr.RunNow(context.Background(), archive)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if job.Status != queue.StatusFailed || job.ErrorKind != services.KindExternalTool {
		t.Fatalf("unexpected job %+v", job)
	}
	if !strings.Contains(job.Error, "no valid DICOM images") {
		t.Fatalf("expected tool stderr in error, got %q", job.Error)
	}
	if len(job.Log) == 0 || !strings.HasPrefix(job.Log[0], "stage: ") {
		t.Fatalf("expected stage trace, got %v", job.Log)
	}
	if _, err := os.Stat(archive); err != nil {
		t.Fatalf("archive outside upload dir must be kept: %v", err)
	}
}
