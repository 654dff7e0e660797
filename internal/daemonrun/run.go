// Package daemonrun hosts the "alps serve" process runtime: logging setup,
// startup checks, wiring and the signal-driven lifecycle.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"alps/internal/config"
	"alps/internal/daemon"
	"alps/internal/deps"
	"alps/internal/logging"
	"alps/internal/preflight"
	"alps/internal/queue"
	"alps/internal/workdir"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// LogLevel overrides logging.level when set.
	LogLevel string
	// SkipPreflight starts even when required tools are missing.
	SkipPreflight bool
	// Ready, when set, receives the daemon once it is serving.
	Ready func(*daemon.Daemon)
}

// Run starts the alps daemon and blocks until ctx is cancelled or SIGINT/SIGTERM arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("alps-%s.log", runID))
	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stderr", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update %s link: %v\n", logging.LogFileName, err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays, cfg.Paths.LogDir, "alps-*.log", logPath)

	if err := checkReadiness(signalCtx, cfg, logger); err != nil && !opts.SkipPreflight {
		return err
	}

	pidPath := filepath.Join(cfg.Paths.StateDir, "alps.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return err
	}

	mgr := NewManager(cfg, store, nil, logger)
	d, err := daemon.New(cfg, store, logger, mgr)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check api_bind and that no other alps daemon uses this state_dir"),
		)
		return err
	}
	if !cfg.Pipeline.KeepWorkDir {
		workdir.SweepStale(cfg.Paths.WorkDir, cfg.RunTimeout(), logger)
	}
	if opts.Ready != nil {
		opts.Ready(d)
	}

	<-signalCtx.Done()
	logger.Info("alps daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

// checkReadiness logs a dependency snapshot and fails when a required tool or
// a working directory is unusable. Integration checks only warn.
func checkReadiness(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	statuses := preflight.CheckSystemDeps(cfg)
	logDependencySnapshot(logger, statuses)

	var problems []string
	for _, s := range deps.Missing(statuses) {
		problems = append(problems, fmt.Sprintf("%s (%s)", s.Name, s.Detail))
	}
	for _, r := range preflight.Failed(preflight.RunAll(ctx, cfg)) {
		if strings.HasSuffix(r.Name, "directory") {
			problems = append(problems, fmt.Sprintf("%s: %s", r.Name, r.Detail))
			continue
		}
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
		)
	}
	if len(problems) == 0 {
		return nil
	}
	err := errors.New("preflight failed: " + strings.Join(problems, "; "))
	logging.ErrorWithContext(logger, "preflight failed", "preflight_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "run `alps deps` for details"),
	)
	return err
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, logging.LogFileName)
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, statuses []deps.Status) {
	attrs := []logging.Attr{logging.String(logging.FieldEventType, "dependency_snapshot")}
	for _, s := range statuses {
		attrs = append(attrs, logging.Bool(s.Name+"_available", s.Available))
	}
	logger.Info("dependency snapshot", logging.Args(attrs...)...)
}
