package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"

	"alps/internal/config"
	"alps/internal/deps"
)

// CheckRedis verifies that the redis job store answers PING.
func CheckRedis(ctx context.Context, url string) Result {
	const name = "Redis"

	if strings.TrimSpace(url) == "" {
		return Result{Name: name, Detail: "missing url"}
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("invalid url (%v)", err)}
	}
	client := redis.NewClient(opts)
	defer client.Close()

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(checkCtx).Err(); err != nil {
		return Result{Name: name, Detail: summarizeNetError("ping", err)}
	}
	return Result{Name: name, Passed: true, Detail: opts.Addr}
}

// CheckNtfy verifies the ntfy topic accepts polling requests.
func CheckNtfy(ctx context.Context, topic string) Result {
	const name = "ntfy"

	base := strings.TrimRight(strings.TrimSpace(topic), "/")
	if base == "" {
		return Result{Name: name, Detail: "missing topic"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, base+"/json?poll=1&since=none", nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("topic check failed (%v)", err)}
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Detail: summarizeNetError("topic check", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Name: name, Passed: true, Detail: "Reachable"}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Result{Name: name, Detail: "topic requires authentication"}
	default:
		return Result{Name: name, Detail: fmt.Sprintf("topic check failed (%d)", resp.StatusCode)}
	}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckSystemDeps evaluates every pipeline tool for the given config. Both
// the daemon and the CLI deps command use this.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	return deps.CheckBinaries(deps.Requirements(cfg))
}

func summarizeNetError(op string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return op + " timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return op + " timed out (unreachable)"
	}
	return fmt.Sprintf("%s failed (%v)", op, err)
}
