package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"

	"alps/internal/config"
	"alps/internal/deps"
	"alps/internal/logging"
	"alps/internal/preflight"
	"alps/internal/queue"
	"alps/internal/workflow"
)

// Daemon owns the workflow manager, the API server and the instance lock.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    queue.Store
	workflow *workflow.Manager
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool                 `json:"running"`
	PID          int                  `json:"pid"`
	LockFilePath string               `json:"lock_file"`
	StoreBackend string               `json:"store_backend"`
	Jobs         map[queue.Status]int `json:"jobs"`
	Dependencies []deps.Status        `json:"dependencies"`
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store queue.Store, logger *slog.Logger, wf *workflow.Manager) (*Daemon, error) {
	if cfg == nil || store == nil || logger == nil || wf == nil {
		return nil, errors.New("daemon requires config, store, logger, and workflow manager")
	}

	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		workflow: wf,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the instance lock, launches the workflow manager and begins
// serving the API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another alps daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.workflow.Start(runCtx); err != nil {
		_ = d.lock.Unlock()
		cancel()
		return fmt.Errorf("start workflow: %w", err)
	}
	if err := d.api.start(runCtx); err != nil {
		d.workflow.Stop()
		_ = d.lock.Unlock()
		cancel()
		return err
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("alps daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api", d.api.address()),
		logging.String(logging.FieldEventType, "daemon_start"),
	)
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.workflow.Stop()
	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "daemon_lock_release_failed", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("alps daemon stopped", logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

// Addr returns the address the API server is listening on, or nil before Start.
func (d *Daemon) Addr() net.Addr {
	return d.api.addr()
}

// Status reports lifecycle, job counts and tool availability.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		LockFilePath: d.lockPath,
		StoreBackend: d.cfg.Store.Backend,
		Jobs:         make(map[queue.Status]int),
		Dependencies: preflight.CheckSystemDeps(d.cfg),
	}
	jobs, err := d.store.List(ctx)
	if err != nil {
		logging.WarnWithContext(d.logger, "failed to list jobs for status", "daemon_status_failed", logging.Error(err))
		return status
	}
	for _, s := range queue.AllStatuses() {
		status.Jobs[s] = 0
	}
	for _, job := range jobs {
		status.Jobs[job.Status]++
	}
	return status
}
