package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func newTestRecorder() *PrometheusRecorder {
	return NewPrometheusRecorder(prometheus.NewRegistry())
}

func histogramSamples(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	m := &dto.Metric{}
	if err := h.Write(m); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestRecorderCountsSubmissionsByRepo(t *testing.T) {
	rec := newTestRecorder()

	rec.ObserveSubmit("web", 512)
	rec.ObserveSubmit("web", 2048)
	rec.ObserveSubmit("api", 0)

	if got := testutil.ToFloat64(rec.submissions.WithLabelValues("web")); got != 2 {
		t.Errorf("Expected 2 web submissions, got %v", got)
	}
	if got := testutil.ToFloat64(rec.submissions.WithLabelValues("api")); got != 1 {
		t.Errorf("Expected 1 api submission, got %v", got)
	}
	// Zero-token submissions carry no estimate and must not skew the
	// token distribution.
	if got := histogramSamples(t, rec.promptTokens); got != 2 {
		t.Errorf("Expected 2 prompt token samples, got %d", got)
	}
}

func TestRecorderCountsOutcomes(t *testing.T) {
	rec := newTestRecorder()

	rec.ObserveTerminal("completed", "", "web", 90*time.Second, 2048, false)
	rec.ObserveTerminal("failed", "agent", "web", 30*time.Second, 512, true)
	rec.ObserveTerminal("failed", "agent", "web", 10*time.Second, 100, false)

	if got := testutil.ToFloat64(rec.outcomes.WithLabelValues("completed", "", "web")); got != 1 {
		t.Errorf("Expected 1 completed outcome, got %v", got)
	}
	if got := testutil.ToFloat64(rec.outcomes.WithLabelValues("failed", "agent", "web")); got != 2 {
		t.Errorf("Expected 2 failed outcomes, got %v", got)
	}
	if got := testutil.ToFloat64(rec.truncations); got != 1 {
		t.Errorf("Expected 1 truncation, got %v", got)
	}
	if got := histogramSamples(t, rec.outputBytes); got != 3 {
		t.Errorf("Expected 3 output size samples, got %d", got)
	}
	// One duration series per (state, repo) pair.
	if got := testutil.CollectAndCount(rec.duration); got != 2 {
		t.Errorf("Expected 2 duration series, got %d", got)
	}
}

func TestRecorderGauges(t *testing.T) {
	rec := newTestRecorder()

	rec.SetQueueDepth(4)
	rec.SetRunning(2)

	if got := testutil.ToFloat64(rec.queueDepth); got != 4 {
		t.Errorf("Expected queue depth 4, got %v", got)
	}
	if got := testutil.ToFloat64(rec.running); got != 2 {
		t.Errorf("Expected 2 running, got %v", got)
	}

	rec.SetQueueDepth(0)
	if got := testutil.ToFloat64(rec.queueDepth); got != 0 {
		t.Errorf("Expected queue depth 0 after reset, got %v", got)
	}
}

func TestRecorderClonesByMethod(t *testing.T) {
	rec := newTestRecorder()

	rec.ObserveClone("reflink", 80*time.Millisecond)
	rec.ObserveClone("copy", 3*time.Second)
	rec.ObserveClone("copy", 5*time.Second)

	if got := testutil.CollectAndCount(rec.cloneDuration); got != 2 {
		t.Errorf("Expected 2 clone method series, got %d", got)
	}
}

func TestRecorderDispatchWait(t *testing.T) {
	rec := newTestRecorder()

	rec.ObserveDispatch(250 * time.Millisecond)
	rec.ObserveDispatch(4 * time.Second)

	if got := histogramSamples(t, rec.queueWait); got != 2 {
		t.Errorf("Expected 2 queue wait samples, got %d", got)
	}
}

func TestNopRecorderDiscardsEverything(t *testing.T) {
	rec := Nop()

	rec.ObserveSubmit("web", 100)
	rec.ObserveDispatch(time.Second)
	rec.ObserveClone("copy", time.Second)
	rec.ObserveTerminal("completed", "", "web", time.Minute, 10, true)
	rec.SetQueueDepth(1)
	rec.SetRunning(1)
}

// fakePrometheus serves canned vector responses keyed by the exact PromQL
// query string. Unknown queries get an empty vector.
func fakePrometheus(t *testing.T, answers map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body, ok := answers[r.Form.Get("query")]
		if !ok {
			body = `[]`
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":%s}}`, body)
	}))
}

func TestQueryOutcomeSummary(t *testing.T) {
	srv := fakePrometheus(t, map[string]string{
		`sum by (state) (job_outcomes_total)`: `[
			{"metric":{"state":"completed"},"value":[1700000000,"12"]},
			{"metric":{"state":"failed"},"value":[1700000000,"3"]},
			{"metric":{"state":"timed-out"},"value":[1700000000,"1"]}
		]`,
	})
	defer srv.Close()

	svc, err := NewQueryService(srv.URL)
	if err != nil {
		t.Fatalf("NewQueryService: %v", err)
	}

	summary, err := svc.GetOutcomeSummary(context.Background())
	if err != nil {
		t.Fatalf("GetOutcomeSummary: %v", err)
	}
	if summary.Completed != 12 {
		t.Errorf("Expected 12 completed, got %d", summary.Completed)
	}
	if summary.Failed != 3 {
		t.Errorf("Expected 3 failed, got %d", summary.Failed)
	}
	if summary.TimedOut != 1 {
		t.Errorf("Expected 1 timed-out, got %d", summary.TimedOut)
	}
	if summary.Cancelled != 0 {
		t.Errorf("Expected 0 cancelled, got %d", summary.Cancelled)
	}
}

func TestQueryRepoMetrics(t *testing.T) {
	srv := fakePrometheus(t, map[string]string{
		`sum(job_submissions_total{repo="web"})`:                 `[{"metric":{},"value":[1700000000,"15"]}]`,
		`sum(job_outcomes_total{repo="web", state="completed"})`: `[{"metric":{},"value":[1700000000,"12"]}]`,
		`sum(job_outcomes_total{repo="web", state="failed"})`:    `[{"metric":{},"value":[1700000000,"2"]}]`,
		`sum(job_duration_seconds_sum{repo="web"})`:              `[{"metric":{},"value":[1700000000,"4200.5"]}]`,
	})
	defer srv.Close()

	svc, err := NewQueryService(srv.URL)
	if err != nil {
		t.Fatalf("NewQueryService: %v", err)
	}

	got, err := svc.GetRepoMetrics(context.Background(), "web")
	if err != nil {
		t.Fatalf("GetRepoMetrics: %v", err)
	}
	if got.Submissions != 15 {
		t.Errorf("Expected 15 submissions, got %d", got.Submissions)
	}
	if got.Completed != 12 {
		t.Errorf("Expected 12 completed, got %d", got.Completed)
	}
	if got.Failed != 2 {
		t.Errorf("Expected 2 failed, got %d", got.Failed)
	}
	if got.AgentSeconds != 4200.5 {
		t.Errorf("Expected 4200.5 agent seconds, got %v", got.AgentSeconds)
	}
}

func TestQueryRepoMetricsAllDiscoversRepos(t *testing.T) {
	srv := fakePrometheus(t, map[string]string{
		`group by (repo) (job_submissions_total)`: `[
			{"metric":{"repo":"web"},"value":[1700000000,"1"]},
			{"metric":{"repo":"api"},"value":[1700000000,"1"]}
		]`,
		`sum(job_submissions_total{repo="web"})`: `[{"metric":{},"value":[1700000000,"9"]}]`,
		`sum(job_submissions_total{repo="api"})`: `[{"metric":{},"value":[1700000000,"4"]}]`,
	})
	defer srv.Close()

	svc, err := NewQueryService(srv.URL)
	if err != nil {
		t.Fatalf("NewQueryService: %v", err)
	}

	all, err := svc.GetRepoMetricsAll(context.Background())
	if err != nil {
		t.Fatalf("GetRepoMetricsAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 repos, got %d", len(all))
	}
	if all["web"].Submissions != 9 {
		t.Errorf("Expected 9 web submissions, got %d", all["web"].Submissions)
	}
	if all["api"].Submissions != 4 {
		t.Errorf("Expected 4 api submissions, got %d", all["api"].Submissions)
	}
}

func TestQueryQueueStatus(t *testing.T) {
	srv := fakePrometheus(t, map[string]string{
		`job_queue_depth`: `[{"metric":{},"value":[1700000000,"4"]}]`,
		`jobs_running`:    `[{"metric":{},"value":[1700000000,"2"]}]`,
	})
	defer srv.Close()

	svc, err := NewQueryService(srv.URL)
	if err != nil {
		t.Fatalf("NewQueryService: %v", err)
	}

	queued, running, err := svc.GetQueueStatus(context.Background())
	if err != nil {
		t.Fatalf("GetQueueStatus: %v", err)
	}
	if queued != 4 {
		t.Errorf("Expected 4 queued, got %d", queued)
	}
	if running != 2 {
		t.Errorf("Expected 2 running, got %d", running)
	}
}
