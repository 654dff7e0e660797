// Package workdir manages the per-run scratch directory.
package workdir

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Acquire creates a fresh directory under root named after prefix. The
// release func removes it recursively unless keep is set. Release is safe to
// call more than once.
func Acquire(root, prefix string, keep bool) (string, func() error, error) {
	if strings.TrimSpace(root) == "" {
		return "", nil, fmt.Errorf("work root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", nil, fmt.Errorf("create work root: %w", err)
	}
	dir, err := os.MkdirTemp(root, sanitize(prefix)+"-")
	if err != nil {
		return "", nil, fmt.Errorf("create work dir: %w", err)
	}

	var once sync.Once
	var releaseErr error
	release := func() error {
		once.Do(func() {
			if keep {
				return
			}
			releaseErr = os.RemoveAll(dir)
		})
		return releaseErr
	}
	return dir, release, nil
}

func sanitize(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "run"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, prefix)
}
