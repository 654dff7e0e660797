// Package daemonctl talks to a running alps daemon over its HTTP API.
package daemonctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"alps/internal/config"
	"alps/internal/daemon"
	"alps/internal/queue"
)

// ErrUnavailable is returned when no daemon answers on the configured address.
var ErrUnavailable = errors.New("daemon unavailable")

// Client is a thin HTTP client for the daemon API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient targets the daemon described by cfg.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		base:  BaseURL(cfg.Paths.APIBind),
		token: cfg.Paths.APIToken,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL converts a listen address into a loopback-reachable URL.
func BaseURL(bind string) string {
	bind = strings.TrimSpace(bind)
	if strings.HasPrefix(bind, "http://") || strings.HasPrefix(bind, "https://") {
		return strings.TrimRight(bind, "/")
	}
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return "http://" + bind
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Ping checks the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: healthz returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// WaitReady polls Ping until it succeeds or timeout elapses.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if lastErr = c.Ping(ctx); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	if lastErr == nil {
		lastErr = ErrUnavailable
	}
	return fmt.Errorf("daemon not ready: %w", lastErr)
}

// Status fetches daemon runtime information.
func (c *Client) Status(ctx context.Context) (daemon.Status, error) {
	var status daemon.Status
	err := c.getJSON(ctx, "/status", &status)
	return status, err
}

// Result fetches one job. Unknown ids yield queue.ErrJobNotFound.
func (c *Client) Result(ctx context.Context, id string) (*queue.Job, error) {
	var job queue.Job
	if err := c.getJSON(ctx, "/results/"+url.PathEscape(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Jobs lists jobs, optionally filtered by status.
func (c *Client) Jobs(ctx context.Context, statuses ...queue.Status) ([]*queue.Job, error) {
	q := url.Values{}
	for _, s := range statuses {
		q.Add("status", string(s))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var payload struct {
		Jobs []*queue.Job `json:"jobs"`
	}
	if err := c.getJSON(ctx, path, &payload); err != nil {
		return nil, err
	}
	return payload.Jobs, nil
}

// Submit uploads the archive at path and returns the new job id.
func (c *Client) Submit(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/process", pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	// Uploads can be large; the default client timeout does not apply.
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var payload struct {
		JobID string `json:"job_id"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return payload.JobID, fmt.Errorf("submit failed (%d): %s", resp.StatusCode, payload.Error)
	}
	return payload.JobID, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case http.StatusNotFound:
		return queue.ErrJobNotFound
	case http.StatusUnauthorized:
		return errors.New("daemon rejected credentials; check paths.api_token")
	default:
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, payload.Error)
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
