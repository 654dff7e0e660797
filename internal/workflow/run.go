package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"alps/internal/alps"
	"alps/internal/command"
	"alps/internal/logging"
	"alps/internal/metrics"
	"alps/internal/queue"
	"alps/internal/services"
)

// execute runs one job to a terminal state. Nothing escapes it: pipeline
// errors, timeouts and panics all end up on the job record.
func (m *Manager) execute(ctx context.Context, id string) {
	ctx = services.WithJobID(ctx, id)
	persistCtx := context.WithoutCancel(ctx)
	logger := logging.WithContext(ctx, m.logger)

	job, err := m.store.Get(persistCtx, id)
	if err != nil {
		logger.Error("dispatched job unavailable", logging.Error(err), logging.String(logging.FieldEventType, "job_lookup_failed"))
		return
	}
	if job.Status != queue.StatusQueued {
		logger.Debug("skipping job no longer queued", logging.String("status", string(job.Status)))
		return
	}

	started := time.Now()
	job.MarkRunning(started)
	if err := m.store.Update(persistCtx, job); err != nil {
		logger.Error("failed to mark job running", logging.Error(err), logging.String(logging.FieldEventType, "job_persist_failed"))
		return
	}
	metrics.RunningJobs.Inc()
	defer metrics.RunningJobs.Dec()
	logger.Info("job started", logging.String("archive", job.ArchivePath), logging.String(logging.FieldEventType, "job_start"))

	trace := command.NewLog(func(line string) {
		if err := m.store.AppendLog(persistCtx, id, line); err != nil {
			logger.Warn("failed to persist log line", logging.Error(err))
		}
	})

	runCtx := ctx
	if m.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, m.opts.RunTimeout)
		defer cancel()
	}

	record, runErr := m.safeRun(runCtx, job, trace)
	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && !errors.Is(runErr, services.ErrTimeout) {
		runErr = services.Wrap(services.ErrTimeout, "workflow", "", fmt.Sprintf("run exceeded %s", m.opts.RunTimeout), runErr)
	}
	elapsed := time.Since(started)
	metrics.JobDurationSeconds.Observe(elapsed.Seconds())

	if runErr != nil {
		kind := services.Kind(runErr)
		job.MarkFailed(runErr.Error(), kind, time.Now())
		metrics.JobsFinishedTotal.WithLabelValues(string(queue.StatusFailed), kind).Inc()
		logging.ErrorWithContext(logger, "job failed", "job_failed",
			logging.String("error_kind", kind),
			logging.Duration("elapsed", elapsed),
			logging.Error(runErr),
		)
	} else {
		job.MarkCompleted(record, time.Now())
		metrics.JobsFinishedTotal.WithLabelValues(string(queue.StatusCompleted), "").Inc()
		logger.Info("job completed",
			logging.Float64("alps_mean", record.Mean),
			logging.Duration("elapsed", elapsed),
			logging.String(logging.FieldEventType, "job_complete"),
		)
	}

	m.cleanupUpload(job)
	if err := m.store.Update(persistCtx, job); err != nil {
		logging.ErrorWithContext(logger, "failed to persist job outcome", "job_persist_failed", logging.Error(err))
		job.MarkFailed(fmt.Sprintf("persist job outcome: %v", err), services.KindInternal, time.Now())
		if err := m.store.Update(persistCtx, job); err != nil {
			logging.ErrorWithContext(logger, "failed to persist fallback failure", "job_persist_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the job store; the job stays running until the next restart"),
			)
		}
	}
	m.notify(persistCtx, job, elapsed)
}

// safeRun converts a panic in the processor into an ordinary failure.
func (m *Manager) safeRun(ctx context.Context, job *queue.Job, trace command.Trace) (record alps.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("pipeline panic",
				logging.String(logging.FieldJobID, job.ID),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return m.processor.Run(ctx, job.ID, job.ArchivePath, trace)
}

func (m *Manager) notify(ctx context.Context, job *queue.Job, elapsed time.Duration) {
	var err error
	switch job.Status {
	case queue.StatusCompleted:
		err = m.notifier.NotifyJobCompleted(ctx, job.ID, *job.Result, elapsed)
	case queue.StatusFailed:
		err = m.notifier.NotifyJobFailed(ctx, job.ID, job.ErrorKind, job.Error)
	}
	if err != nil {
		m.logger.Warn("notification failed", logging.String(logging.FieldJobID, job.ID), logging.Error(err))
	}
}

func (m *Manager) cleanupUpload(job *queue.Job) {
	if m.opts.KeepUploads || strings.TrimSpace(job.ArchivePath) == "" || m.opts.UploadDir == "" {
		return
	}
	rel, err := filepath.Rel(m.opts.UploadDir, job.ArchivePath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return
	}
	if err := os.Remove(job.ArchivePath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove upload",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("archive", job.ArchivePath),
			logging.Error(err),
		)
	}
}
