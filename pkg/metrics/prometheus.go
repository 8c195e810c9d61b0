package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus
// metrics.
type PrometheusRecorder struct {
	submissions   *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	truncations   prometheus.Counter
	queueDepth    prometheus.Gauge
	running       prometheus.Gauge
	duration      *prometheus.HistogramVec
	queueWait     prometheus.Histogram
	promptTokens  prometheus.Histogram
	outputBytes   prometheus.Histogram
	cloneDuration *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder and
// registers its collectors with reg. A nil reg registers with the default
// registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	auto := promauto.With(reg)

	return &PrometheusRecorder{
		submissions: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "job_submissions_total",
				Help: "Total number of jobs accepted into the queue, by repository",
			},
			[]string{"repo"},
		),
		outcomes: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "job_outcomes_total",
				Help: "Total number of jobs reaching a terminal state, by state, reason, and repository",
			},
			[]string{"state", "reason", "repo"},
		),
		truncations: auto.NewCounter(
			prometheus.CounterOpts{
				Name: "job_output_truncated_total",
				Help: "Total number of jobs whose captured output exceeded the tail buffer",
			},
		),
		queueDepth: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "job_queue_depth",
				Help: "Number of jobs currently waiting in the queue",
			},
		),
		running: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobs_running",
				Help: "Number of jobs currently dispatched to workers",
			},
		),
		duration: auto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "job_duration_seconds",
				Help: "Wall time from submission to terminal state",
				// Jobs run from seconds up to the 24h default timeout.
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
			[]string{"state", "repo"},
		),
		queueWait: auto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "job_queue_wait_seconds",
				Help:    "Time jobs spent queued before a worker picked them up",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 9),
			},
		),
		promptTokens: auto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "job_prompt_tokens",
				Help:    "Estimated token count of submitted prompts",
				Buckets: prometheus.ExponentialBuckets(64, 4, 8),
			},
		),
		outputBytes: auto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "job_output_bytes",
				Help:    "Bytes of agent output retained per terminal job",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 9),
			},
		),
		cloneDuration: auto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workspace_clone_duration_seconds",
				Help:    "Duration of workspace materialisation, by clone method",
				Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
			},
			[]string{"method"},
		),
	}
}

// ObserveSubmit records an accepted job submission.
func (p *PrometheusRecorder) ObserveSubmit(repo string, promptTokens int) {
	p.submissions.WithLabelValues(repo).Inc()
	if promptTokens > 0 {
		p.promptTokens.Observe(float64(promptTokens))
	}
}

// ObserveDispatch records the queue wait of a dispatched job.
func (p *PrometheusRecorder) ObserveDispatch(queueWait time.Duration) {
	p.queueWait.Observe(queueWait.Seconds())
}

// ObserveClone records a workspace materialisation.
func (p *PrometheusRecorder) ObserveClone(method string, duration time.Duration) {
	p.cloneDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveTerminal records a job reaching a terminal state.
func (p *PrometheusRecorder) ObserveTerminal(state, reason, repo string, duration time.Duration, outputBytes int, truncated bool) {
	p.outcomes.WithLabelValues(state, reason, repo).Inc()
	p.duration.WithLabelValues(state, repo).Observe(duration.Seconds())
	p.outputBytes.Observe(float64(outputBytes))
	if truncated {
		p.truncations.Inc()
	}
}

// SetQueueDepth sets the queued-jobs gauge.
func (p *PrometheusRecorder) SetQueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

// SetRunning sets the running-jobs gauge.
func (p *PrometheusRecorder) SetRunning(n int) {
	p.running.Set(float64(n))
}
