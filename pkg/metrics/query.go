package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// OutcomeSummary aggregates terminal job counts across all repositories.
type OutcomeSummary struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
	Cancelled int64 `json:"cancelled"`
}

// RepoMetrics represents aggregated job metrics for one repository.
type RepoMetrics struct {
	Repo         string  `json:"repo"`
	Submissions  int64   `json:"submissions"`
	Completed    int64   `json:"completed"`
	Failed       int64   `json:"failed"`
	AgentSeconds float64 `json:"agent_seconds"`
}

// QueryService provides methods to query metrics back from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetOutcomeSummary retrieves terminal job counts grouped by final state,
// summed across repositories and reasons.
func (q *QueryService) GetOutcomeSummary(ctx context.Context) (*OutcomeSummary, error) {
	result, _, err := q.queryAPI.Query(ctx, `sum by (state) (job_outcomes_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query job outcomes: %w", err)
	}

	summary := &OutcomeSummary{}
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			switch string(sample.Metric["state"]) {
			case "completed":
				summary.Completed = int64(sample.Value)
			case "failed":
				summary.Failed = int64(sample.Value)
			case "timed-out":
				summary.TimedOut = int64(sample.Value)
			case "cancelled":
				summary.Cancelled = int64(sample.Value)
			}
		}
	}
	return summary, nil
}

// GetRepoMetrics retrieves aggregated job metrics for a specific repository.
func (q *QueryService) GetRepoMetrics(ctx context.Context, repo string) (*RepoMetrics, error) {
	metrics := &RepoMetrics{
		Repo: repo,
	}

	submissionsQuery := fmt.Sprintf(`sum(job_submissions_total{repo=%q})`, repo)
	submissionsResult, _, err := q.queryAPI.Query(ctx, submissionsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}

	if vector, ok := submissionsResult.(model.Vector); ok && len(vector) > 0 {
		metrics.Submissions = int64(vector[0].Value)
	}

	completedQuery := fmt.Sprintf(`sum(job_outcomes_total{repo=%q, state="completed"})`, repo)
	completedResult, _, err := q.queryAPI.Query(ctx, completedQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query completed jobs: %w", err)
	}

	if vector, ok := completedResult.(model.Vector); ok && len(vector) > 0 {
		metrics.Completed = int64(vector[0].Value)
	}

	failedQuery := fmt.Sprintf(`sum(job_outcomes_total{repo=%q, state="failed"})`, repo)
	failedResult, _, err := q.queryAPI.Query(ctx, failedQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query failed jobs: %w", err)
	}

	if vector, ok := failedResult.(model.Vector); ok && len(vector) > 0 {
		metrics.Failed = int64(vector[0].Value)
	}

	secondsQuery := fmt.Sprintf(`sum(job_duration_seconds_sum{repo=%q})`, repo)
	secondsResult, _, err := q.queryAPI.Query(ctx, secondsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query job seconds: %w", err)
	}

	if vector, ok := secondsResult.(model.Vector); ok && len(vector) > 0 {
		metrics.AgentSeconds = float64(vector[0].Value)
	}

	return metrics, nil
}

// GetRepoMetricsAll retrieves job metrics broken down by repository. This
// discovers every repository that has submitted at least one job and fetches
// the per-repository aggregates for each.
func (q *QueryService) GetRepoMetricsAll(ctx context.Context) (map[string]*RepoMetrics, error) {
	result := make(map[string]*RepoMetrics)

	reposQuery := `group by (repo) (job_submissions_total)`
	reposResult, _, err := q.queryAPI.Query(ctx, reposQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query repositories: %w", err)
	}

	var repos []string
	if vector, ok := reposResult.(model.Vector); ok {
		for _, sample := range vector {
			if repoName, ok := sample.Metric["repo"]; ok {
				repos = append(repos, string(repoName))
			}
		}
	}

	for _, repoName := range repos {
		metrics, err := q.GetRepoMetrics(ctx, repoName)
		if err != nil {
			return nil, fmt.Errorf("failed to query metrics for repository %s: %w", repoName, err)
		}
		result[repoName] = metrics
	}

	return result, nil
}

// GetQueueStatus retrieves the current queue depth and running-job gauges.
func (q *QueryService) GetQueueStatus(ctx context.Context) (queued, running int64, err error) {
	depthResult, _, err := q.queryAPI.Query(ctx, `job_queue_depth`, time.Now())
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query queue depth: %w", err)
	}

	if vector, ok := depthResult.(model.Vector); ok && len(vector) > 0 {
		queued = int64(vector[0].Value)
	}

	runningResult, _, err := q.queryAPI.Query(ctx, `jobs_running`, time.Now())
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query running jobs: %w", err)
	}

	if vector, ok := runningResult.(model.Vector); ok && len(vector) > 0 {
		running = int64(vector[0].Value)
	}

	return queued, running, nil
}
