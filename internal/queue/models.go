package queue

import (
	"errors"
	"strings"
	"time"

	"alps/internal/alps"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// InterruptedReason is recorded on jobs left running by a previous daemon.
const InterruptedReason = "interrupted by daemon restart"

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrTerminal is returned when mutating a completed or failed job.
	ErrTerminal = errors.New("job is in a terminal state")
	// ErrDuplicateJob is returned when creating a job whose id already exists.
	ErrDuplicateJob = errors.New("job already exists")
)

var allStatuses = []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed}

// AllStatuses returns every job status in lifecycle order.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus converts text into a Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, s := range allStatuses {
		if s == normalized {
			return s, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the record kept for one submitted archive.
type Job struct {
	ID          string       `json:"job_id" yaml:"job_id"`
	Status      Status       `json:"status" yaml:"status"`
	Log         []string     `json:"log" yaml:"log"`
	Result      *alps.Record `json:"result,omitempty" yaml:"result,omitempty"`
	Error       string       `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorKind   string       `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	ArchivePath string       `json:"archive_path,omitempty" yaml:"archive_path,omitempty"`
	CreatedAt   time.Time    `json:"created_at" yaml:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// NewJob returns a queued job for archivePath.
func NewJob(id, archivePath string) *Job {
	return &Job{
		ID:          id,
		Status:      StatusQueued,
		Log:         []string{},
		ArchivePath: archivePath,
		CreatedAt:   time.Now().UTC(),
	}
}

// MarkRunning moves the job into running.
func (j *Job) MarkRunning(now time.Time) {
	now = now.UTC()
	j.Status = StatusRunning
	j.StartedAt = &now
}

// MarkCompleted records the result and finishes the job.
func (j *Job) MarkCompleted(result alps.Record, now time.Time) {
	now = now.UTC()
	j.Status = StatusCompleted
	j.Result = &result
	j.Error = ""
	j.ErrorKind = ""
	j.FinishedAt = &now
}

// MarkFailed records the failure and finishes the job. Any result is dropped.
func (j *Job) MarkFailed(message, kind string, now time.Time) {
	now = now.UTC()
	j.Status = StatusFailed
	j.Result = nil
	j.Error = strings.TrimSpace(message)
	j.ErrorKind = kind
	j.FinishedAt = &now
}

// Duration returns how long the job has run, or ran.
func (j *Job) Duration(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	return end.Sub(*j.StartedAt)
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Log = append([]string{}, j.Log...)
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}
