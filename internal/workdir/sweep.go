package workdir

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"alps/internal/logging"
)

// SweepResult lists what a sweep removed and what it could not.
type SweepResult struct {
	Removed []string
	Failed  map[string]error
}

// SweepStale removes run directories under root whose modification time is
// older than maxAge. Files directly under root are left alone. Callers must
// hold the instance lock so no live run is swept.
func SweepStale(root string, maxAge time.Duration, logger *slog.Logger) SweepResult {
	result := SweepResult{Failed: map[string]error{}}
	root = strings.TrimSpace(root)
	if root == "" || maxAge <= 0 {
		return result
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Failed[root] = err
		}
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Failed[dir] = err
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			result.Failed[dir] = err
			continue
		}
		result.Removed = append(result.Removed, dir)
	}

	if logger != nil {
		for dir, err := range result.Failed {
			logging.WarnWithContext(logger, "stale work dir not removed", "work_dir_sweep_failed",
				logging.String("path", dir),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "remove it manually or check permissions"),
			)
		}
		if len(result.Removed) > 0 {
			logger.Info("removed stale work dirs",
				logging.Int("count", len(result.Removed)),
				logging.String(logging.FieldEventType, "work_dir_sweep"),
			)
		}
	}
	return result
}
