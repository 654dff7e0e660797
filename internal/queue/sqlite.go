package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"alps/internal/alps"
)

// SQLiteStore persists jobs in a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const jobColumns = "id, status, archive_path, result_json, error_message, error_kind, created_at, started_at, finished_at"

const terminalClause = "status NOT IN ('completed', 'failed')"

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// OpenSQLite initializes or connects to the job database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// PRAGMAs below are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}
	now := formatTime(time.Now())
	_, err = s.execWithRetry(ctx,
		`INSERT INTO jobs (`+jobColumns+`, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), nullableString(job.ArchivePath), result,
		nullableString(job.Error), nullableString(job.ErrorKind),
		formatTime(job.CreatedAt), nullableTime(job.StartedAt), nullableTime(job.FinishedAt), now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job.Log, err = s.logLines(ctx, id); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLiteStore) Update(ctx context.Context, job *Job) error {
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET status = ?, archive_path = ?, result_json = ?, error_message = ?, error_kind = ?,
		 started_at = ?, finished_at = ?, updated_at = ? WHERE id = ? AND `+terminalClause,
		string(job.Status), nullableString(job.ArchivePath), result,
		nullableString(job.Error), nullableString(job.ErrorKind),
		nullableTime(job.StartedAt), nullableTime(job.FinishedAt), formatTime(time.Now()), job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return s.checkAffected(ctx, res, job.ID)
}

func (s *SQLiteStore) AppendLog(ctx context.Context, id, line string) error {
	res, err := s.execWithRetry(ctx,
		`INSERT INTO job_logs (job_id, line) SELECT id, ? FROM jobs WHERE id = ? AND `+terminalClause,
		line, id,
	)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// checkAffected distinguishes a missing job from a terminal one when a
// guarded statement touched no rows.
func (s *SQLiteStore) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ensureContext(ctx), `SELECT COUNT(1) FROM jobs WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if exists == 0 {
		return ErrJobNotFound
	}
	return ErrTerminal
}

func (s *SQLiteStore) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, job := range jobs {
		if job.Log, err = s.logLines(ctx, job.ID); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (s *SQLiteStore) logLines(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT line FROM job_logs WHERE job_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("read job log: %w", err)
	}
	defer rows.Close()
	lines := []string{}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id           string
		status       string
		archivePath  sql.NullString
		resultJSON   sql.NullString
		errorMessage sql.NullString
		errorKind    sql.NullString
		createdRaw   string
		startedRaw   sql.NullString
		finishedRaw  sql.NullString
	)
	if err := scanner.Scan(&id, &status, &archivePath, &resultJSON, &errorMessage, &errorKind,
		&createdRaw, &startedRaw, &finishedRaw); err != nil {
		return nil, err
	}

	job := &Job{
		ID:          id,
		Status:      Status(status),
		Log:         []string{},
		ArchivePath: archivePath.String,
		Error:       errorMessage.String,
		ErrorKind:   errorKind.String,
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var record alps.Record
		if err := json.Unmarshal([]byte(resultJSON.String), &record); err != nil {
			return nil, fmt.Errorf("decode result for %s: %w", id, err)
		}
		job.Result = &record
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	job.StartedAt = parseNullableTime(startedRaw)
	job.FinishedAt = parseNullableTime(finishedRaw)
	return job, nil
}

func encodeResult(record *alps.Record) (any, error) {
	if record == nil {
		return nil, nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// timeLayout keeps fractional seconds fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
