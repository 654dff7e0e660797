package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"alps/internal/alps"
	"alps/internal/config"
)

const userAgent = "alps/0.1.0"

// Service defines the notification surface exposed to the workflow manager.
type Service interface {
	NotifyJobCompleted(ctx context.Context, jobID string, record alps.Record, elapsed time.Duration) error
	NotifyJobFailed(ctx context.Context, jobID, kind, message string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:  topic,
		client:    &http.Client{Timeout: timeout},
		completed: cfg.Notifications.Completed,
		failed:    cfg.Notifications.Failed,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint  string
	client    *http.Client
	completed bool
	failed    bool
}

func (n *ntfyService) NotifyJobCompleted(ctx context.Context, jobID string, record alps.Record, elapsed time.Duration) error {
	if !n.completed {
		return nil
	}
	elapsed = elapsed.Round(time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	data := payload{
		title: "ALPS - Job Complete",
		message: fmt.Sprintf("Job %s finished in %s\nALPS index %.4f (left %.4f, right %.4f)",
			shortID(jobID), elapsed, record.Mean, record.Left, record.Right),
		tags: []string{"alps", "job", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyJobFailed(ctx context.Context, jobID, kind, message string) error {
	if !n.failed {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("Job ")
	builder.WriteString(shortID(jobID))
	builder.WriteString(" failed")
	if kind = strings.TrimSpace(kind); kind != "" {
		builder.WriteString(" (")
		builder.WriteString(kind)
		builder.WriteString(")")
	}
	builder.WriteString(": ")
	if message = strings.TrimSpace(message); message != "" {
		builder.WriteString(message)
	} else {
		builder.WriteString("unknown")
	}
	data := payload{
		title:    "ALPS - Job Failed",
		message:  builder.String(),
		tags:     []string{"alps", "job", "error"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "ALPS - Test",
		message:  "Notification system test",
		tags:     []string{"alps", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type noopService struct{}

func (noopService) NotifyJobCompleted(context.Context, string, alps.Record, time.Duration) error {
	return nil
}
func (noopService) NotifyJobFailed(context.Context, string, string, string) error { return nil }
func (noopService) TestNotification(context.Context) error                        { return nil }
