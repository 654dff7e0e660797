package queue

import (
	"context"
	"fmt"
	"time"

	"alps/internal/config"
)

// Store persists jobs. Implementations are safe for concurrent use.
type Store interface {
	// Create inserts a new job. The job's Log is ignored; use AppendLog.
	Create(ctx context.Context, job *Job) error
	// Get returns a copy of the job including its log.
	Get(ctx context.Context, id string) (*Job, error)
	// Update replaces the job's status, result, error and timestamps.
	// It fails with ErrTerminal when the stored job is already terminal.
	Update(ctx context.Context, job *Job) error
	// AppendLog adds one line to a non-terminal job's log.
	AppendLog(ctx context.Context, id, line string) error
	// List returns jobs in creation order, filtered by status when given.
	List(ctx context.Context, statuses ...Status) ([]*Job, error)
	Close() error
}

// Open constructs the backend selected by cfg.Store.Backend.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return NewMemoryStore(), nil
	case config.BackendSQLite, "":
		return OpenSQLite(cfg.DatabasePath())
	case config.BackendRedis:
		return OpenRedis(cfg.Store.RedisURL, cfg.Store.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// RecoverInterrupted fails jobs a previous process left running and returns
// the ids of queued jobs that still need dispatching, oldest first.
func RecoverInterrupted(ctx context.Context, store Store) (failed []string, queued []string, err error) {
	running, err := store.List(ctx, StatusRunning)
	if err != nil {
		return nil, nil, fmt.Errorf("list running jobs: %w", err)
	}
	now := time.Now()
	for _, job := range running {
		job.MarkFailed(InterruptedReason, "interrupted", now)
		if err := store.Update(ctx, job); err != nil {
			return failed, nil, fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
		}
		failed = append(failed, job.ID)
	}

	pending, err := store.List(ctx, StatusQueued)
	if err != nil {
		return failed, nil, fmt.Errorf("list queued jobs: %w", err)
	}
	for _, job := range pending {
		queued = append(queued, job.ID)
	}
	return failed, queued, nil
}

func statusFilter(statuses []Status) map[Status]struct{} {
	if len(statuses) == 0 {
		return nil
	}
	set := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return set
}
