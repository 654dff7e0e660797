package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"alps/internal/logging"
	"alps/internal/services"
)

// Result holds the captured output of a successful invocation.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes external tools.
type Runner interface {
	Run(ctx context.Context, inv Invocation, trace Trace) (Result, error)
}

// ToolError reports a nonzero exit from an external tool.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s exited with code %d\nstdout:\n%s\nstderr:\n%s",
		e.Tool, e.ExitCode, strings.TrimSpace(e.Stdout), strings.TrimSpace(e.Stderr))
}

// Unwrap lets errors.Is match services.ErrExternalTool.
func (e *ToolError) Unwrap() error { return services.ErrExternalTool }

// Option configures an ExecRunner.
type Option func(*ExecRunner)

// WithLogger sets the logger used for tool start/finish lines.
func WithLogger(logger *slog.Logger) Option {
	return func(r *ExecRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLookPath overrides binary resolution (primarily for tests).
func WithLookPath(fn func(string) (string, error)) Option {
	return func(r *ExecRunner) {
		if fn != nil {
			r.lookPath = fn
		}
	}
}

// ExecRunner runs tools as child processes. At most maxConcurrent
// processes run at once across every caller sharing the runner.
type ExecRunner struct {
	sem      *semaphore.Weighted
	logger   *slog.Logger
	lookPath func(string) (string, error)
}

// NewExecRunner constructs a runner bounded to maxConcurrent processes.
func NewExecRunner(maxConcurrent int, opts ...Option) *ExecRunner {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	r := &ExecRunner{
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		logger:   logging.NewNop(),
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes inv synchronously. Trace receives "about to run" before the
// process starts and "<tool> completed successfully" after a zero exit.
// A nonzero exit yields *ToolError; it is never retried.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation, trace Trace) (Result, error) {
	if err := inv.Validate(); err != nil {
		return Result{}, services.Wrap(services.ErrValidation, "command", inv.Tool, "invalid invocation", err)
	}
	binary, err := r.lookPath(inv.Tool)
	if err != nil {
		return Result{}, services.Wrap(services.ErrExternalTool, "command", inv.Tool, "binary not found", err)
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Result{}, contextFailure(ctx, inv.Tool, err)
	}
	defer r.sem.Release(1)

	if trace != nil {
		trace.Append("about to run: " + inv.String())
	}
	logger := logging.WithContext(ctx, r.logger)
	logger.Debug("tool starting", logging.String(logging.FieldTool, inv.Tool), logging.String("command", inv.String()))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, inv.Argv()...) //nolint:gosec
	cmd.Dir = inv.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}

	if runErr != nil {
		if ctx.Err() != nil {
			return result, contextFailure(ctx, inv.Tool, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			toolErr := &ToolError{
				Tool:     inv.Tool,
				Args:     inv.Argv(),
				ExitCode: exitErr.ExitCode(),
				Stdout:   result.Stdout,
				Stderr:   result.Stderr,
			}
			logger.Warn("tool failed",
				logging.String(logging.FieldTool, inv.Tool),
				logging.Int("exit_code", toolErr.ExitCode),
				logging.Duration("duration", result.Duration),
				logging.String(logging.FieldEventType, "tool_failed"),
			)
			return result, toolErr
		}
		return result, services.Wrap(services.ErrExternalTool, "command", inv.Tool, "start failed", runErr)
	}

	if trace != nil {
		trace.Append(inv.Tool + " completed successfully")
	}
	logger.Debug("tool completed",
		logging.String(logging.FieldTool, inv.Tool),
		logging.Duration("duration", result.Duration),
	)
	return result, nil
}

func contextFailure(ctx context.Context, tool string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "command", tool, "run deadline exceeded", err)
	}
	return services.Wrap(services.ErrTransient, "command", tool, "cancelled", err)
}
