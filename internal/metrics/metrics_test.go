package metrics_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"alps/internal/metrics"
)

func TestObserveStageLabelsOutcome(t *testing.T) {
	before := testutil.CollectAndCount(metrics.StageDurationSeconds)
	metrics.ObserveStage("metrics_test_ok", time.Second, nil)
	metrics.ObserveStage("metrics_test_bad", time.Second, errors.New("boom"))
	if got := testutil.CollectAndCount(metrics.StageDurationSeconds); got != before+2 {
		t.Fatalf("expected two new series, got %d (was %d)", got, before)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	metrics.JobsSubmittedTotal.Inc()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "alps_jobs_submitted_total") {
		t.Fatalf("expected alps metrics in output")
	}
}
