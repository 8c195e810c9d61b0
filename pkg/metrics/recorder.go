// Package metrics provides metrics recording and querying for the job
// pipeline.
package metrics

import "time"

// Recorder defines the interface for recording job pipeline metrics.
type Recorder interface {
	// ObserveSubmit records an accepted job submission.
	ObserveSubmit(repo string, promptTokens int)

	// ObserveDispatch records the time a job spent waiting in the queue
	// before a worker picked it up.
	ObserveDispatch(queueWait time.Duration)

	// ObserveClone records a workspace materialisation by clone method.
	ObserveClone(method string, duration time.Duration)

	// ObserveTerminal records a job reaching a terminal state.
	ObserveTerminal(state, reason, repo string, duration time.Duration, outputBytes int, truncated bool)

	// SetQueueDepth sets the current number of queued jobs.
	SetQueueDepth(n int)

	// SetRunning sets the current number of dispatched jobs.
	SetRunning(n int)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are
// disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveSubmit does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveSubmit(_ string, _ int) {}

// ObserveDispatch does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveDispatch(_ time.Duration) {}

// ObserveClone does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveClone(_ string, _ time.Duration) {}

// ObserveTerminal does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveTerminal(_, _, _ string, _ time.Duration, _ int, _ bool) {}

// SetQueueDepth does nothing in the no-op recorder.
func (n *NoopRecorder) SetQueueDepth(_ int) {}

// SetRunning does nothing in the no-op recorder.
func (n *NoopRecorder) SetRunning(_ int) {}
