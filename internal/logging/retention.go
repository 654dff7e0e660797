package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CleanupOldLogs removes files in dir matching pattern that are older than
// retentionDays. The active log file is never removed. A retentionDays
// value of 0 disables pruning.
func CleanupOldLogs(logger *slog.Logger, retentionDays int, dir, pattern, active string) {
	dir = strings.TrimSpace(dir)
	if retentionDays <= 0 || dir == "" {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	activeAbs, _ := filepath.Abs(active)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if matched, err := filepath.Match(pattern, entry.Name()); err != nil || !matched {
			continue
		}
		fullPath, err := filepath.Abs(filepath.Join(dir, entry.Name()))
		if err != nil || fullPath == activeAbs {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(fullPath); err != nil {
			WarnWithContext(logger, "log retention remove failed; file remains", "log_retention_failed",
				String("path", fullPath),
				Error(err),
				String(FieldErrorHint, "check file permissions and log_dir ownership"),
			)
			continue
		}
		if logger != nil {
			logger.Info("log pruned", String("path", fullPath), String(FieldEventType, "log_pruned"))
		}
	}
}
