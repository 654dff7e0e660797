package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"alps/internal/alps"
	"alps/internal/command"
	"alps/internal/config"
	"alps/internal/logging"
	"alps/internal/metrics"
	"alps/internal/notifications"
	"alps/internal/queue"
)

// ErrQueueFull is returned by Submit when the dispatch buffer is saturated.
var ErrQueueFull = errors.New("job queue is full")

// Processor runs the pipeline for one archive.
type Processor interface {
	Run(ctx context.Context, jobID, archivePath string, trace command.Trace) (alps.Record, error)
}

// Options tunes dispatch behaviour.
type Options struct {
	Workers     int
	QueueDepth  int
	RunTimeout  time.Duration
	KeepUploads bool
	// UploadDir bounds upload cleanup; archives outside it are never removed.
	UploadDir string
}

// OptionsFromConfig maps workflow configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Workers:     cfg.Workflow.Workers,
		QueueDepth:  cfg.Workflow.QueueDepth,
		RunTimeout:  cfg.RunTimeout(),
		KeepUploads: cfg.Pipeline.KeepUploads,
		UploadDir:   cfg.Paths.UploadDir,
	}
}

// Manager coordinates job submission and execution.
type Manager struct {
	store     queue.Store
	processor Processor
	notifier  notifications.Service
	logger    *slog.Logger
	opts      Options
	pending   chan string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager constructs a Manager. A nil notifier disables notifications.
func NewManager(store queue.Store, processor Processor, notifier notifications.Service, logger *slog.Logger, opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	if notifier == nil {
		notifier = notifications.NewService(&config.Config{})
	}
	return &Manager{
		store:     store,
		processor: processor,
		notifier:  notifier,
		logger:    logging.NewComponentLogger(logger, "workflow"),
		opts:      opts,
		pending:   make(chan string, opts.QueueDepth),
	}
}

// Start recovers state left by a previous process and launches the workers.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	m.running = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	failed, queued, err := queue.RecoverInterrupted(ctx, m.store)
	if err != nil {
		m.Stop()
		return fmt.Errorf("recover jobs: %w", err)
	}
	for _, id := range failed {
		metrics.JobsRecoveredTotal.Inc()
		metrics.JobsFinishedTotal.WithLabelValues(string(queue.StatusFailed), "interrupted").Inc()
		m.logger.Warn("job interrupted by restart marked failed",
			logging.String(logging.FieldJobID, id),
			logging.String(logging.FieldEventType, "job_recovered"),
		)
	}

	m.wg.Add(m.opts.Workers)
	for i := 0; i < m.opts.Workers; i++ {
		go m.worker(runCtx)
	}

	if len(queued) > 0 {
		m.wg.Add(1)
		go m.redispatch(runCtx, queued)
	}
	m.logger.Info("workflow started",
		logging.Int("workers", m.opts.Workers),
		logging.Int("recovered", len(failed)),
		logging.Int("redispatched", len(queued)),
		logging.String(logging.FieldEventType, "workflow_start"),
	)
	return nil
}

// Stop cancels in-flight runs and waits for the workers to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// Submit records a queued job for archivePath and schedules it.
func (m *Manager) Submit(ctx context.Context, archivePath string) (string, error) {
	archivePath = strings.TrimSpace(archivePath)
	if archivePath == "" {
		return "", errors.New("archive path is required")
	}
	job := queue.NewJob(uuid.NewString(), archivePath)
	if err := m.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	metrics.JobsSubmittedTotal.Inc()

	if err := m.enqueue(job.ID); err != nil {
		job.MarkFailed(err.Error(), "internal", time.Now())
		if updateErr := m.store.Update(ctx, job); updateErr != nil {
			m.logger.Error("failed to persist rejected job", logging.String(logging.FieldJobID, job.ID), logging.Error(updateErr))
		}
		return job.ID, err
	}
	logging.WithContext(ctx, m.logger).Info("job submitted",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("archive", archivePath),
		logging.String(logging.FieldEventType, "job_submitted"),
	)
	return job.ID, nil
}

// Status returns the current record for id, or queue.ErrJobNotFound.
func (m *Manager) Status(ctx context.Context, id string) (*queue.Job, error) {
	return m.store.Get(ctx, id)
}

// Jobs lists jobs, optionally filtered by status.
func (m *Manager) Jobs(ctx context.Context, statuses ...queue.Status) ([]*queue.Job, error) {
	return m.store.List(ctx, statuses...)
}

// RunNow creates a job for archivePath and executes it on the calling
// goroutine, returning the terminal record.
func (m *Manager) RunNow(ctx context.Context, archivePath string) (*queue.Job, error) {
	job := queue.NewJob(uuid.NewString(), archivePath)
	if err := m.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	metrics.JobsSubmittedTotal.Inc()
	m.execute(ctx, job.ID)
	return m.store.Get(context.WithoutCancel(ctx), job.ID)
}

func (m *Manager) enqueue(id string) error {
	select {
	case m.pending <- id:
		metrics.QueueDepth.Set(float64(len(m.pending)))
		return nil
	default:
		return ErrQueueFull
	}
}

// redispatch feeds jobs recovered as queued to the workers. Unlike Submit it
// blocks on a full buffer, so a backlog larger than QueueDepth still drains.
func (m *Manager) redispatch(ctx context.Context, ids []string) {
	defer m.wg.Done()
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return
		case m.pending <- id:
			metrics.QueueDepth.Set(float64(len(m.pending)))
		}
	}
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.pending:
			metrics.QueueDepth.Set(float64(len(m.pending)))
			if ctx.Err() != nil {
				// Left queued; the next Start redispatches it.
				return
			}
			m.execute(ctx, id)
		}
	}
}
