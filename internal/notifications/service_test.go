package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"alps/internal/alps"
	"alps/internal/config"
	"alps/internal/notifications"
)

type captured struct {
	title    string
	tags     string
	priority string
	body     string
}

func newServer(t *testing.T, status int) (*httptest.Server, func() []captured) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, captured{
			title:    r.Header.Get("Title"),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
			body:     string(body),
		})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("rejected"))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), seen...)
	}
}

func configWithTopic(topic string) *config.Config {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = topic
	return &cfg
}

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	svc := notifications.NewService(configWithTopic(""))
	if err := svc.NotifyJobFailed(context.Background(), "id", "validation", "boom"); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	srv, seen := newServer(t, http.StatusOK)
	svc := notifications.NewService(configWithTopic(srv.URL))
	ctx := context.Background()

	record := alps.Record{Mean: 1.5, Left: 1.25, Right: 1.75}
	if err := svc.NotifyJobCompleted(ctx, "0123456789abcdef", record, 95*time.Second+400*time.Millisecond); err != nil {
		t.Fatalf("NotifyJobCompleted: %v", err)
	}
	if err := svc.NotifyJobFailed(ctx, "fedcba9876543210", "external_tool", "dwidenoise exited with status 1"); err != nil {
		t.Fatalf("NotifyJobFailed: %v", err)
	}

	got := seen()
	if len(got) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(got))
	}
	tests := []struct {
		name     string
		got      captured
		title    string
		message  string
		tags     string
		priority string
	}{
		{"completed", got[0], "ALPS - Job Complete", "Job 01234567 finished in 1m35s\nALPS index 1.5000 (left 1.2500, right 1.7500)", "alps,job,completed", ""},
		{"failed", got[1], "ALPS - Job Failed", "Job fedcba98 failed (external_tool): dwidenoise exited with status 1", "alps,job,error", "high"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got.title != tc.title {
				t.Errorf("title = %q, want %q", tc.got.title, tc.title)
			}
			if tc.got.body != tc.message {
				t.Errorf("body = %q, want %q", tc.got.body, tc.message)
			}
			if tc.got.tags != tc.tags {
				t.Errorf("tags = %q, want %q", tc.got.tags, tc.tags)
			}
			if tc.got.priority != tc.priority {
				t.Errorf("priority = %q, want %q", tc.got.priority, tc.priority)
			}
		})
	}
}

func TestNtfyServiceHonoursEventToggles(t *testing.T) {
	srv, seen := newServer(t, http.StatusOK)
	cfg := configWithTopic(srv.URL)
	cfg.Notifications.Completed = false
	svc := notifications.NewService(cfg)

	if err := svc.NotifyJobCompleted(context.Background(), "id", alps.Record{}, time.Second); err != nil {
		t.Fatal(err)
	}
	if len(seen()) != 0 {
		t.Fatal("completion notification should be suppressed")
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	srv, _ := newServer(t, http.StatusForbidden)
	svc := notifications.NewService(configWithTopic(srv.URL))
	err := svc.TestNotification(context.Background())
	if err == nil || !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("expected status error with body, got %v", err)
	}
}
