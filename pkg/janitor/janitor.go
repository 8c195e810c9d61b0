// Package janitor is the background reaper: it enforces the whole-pipeline
// job timeout and the queue-wait bound, and reaps terminal jobs once their
// retention interval passes, deleting the workspace and dropping the store
// entry. Stop signals for live jobs go through the dispatcher so that
// teardown always runs in the worker that owns the job; the janitor only
// touches workspaces of jobs no worker can own.
package janitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"agentbatch/pkg/job"
	"agentbatch/pkg/logx"
	"agentbatch/pkg/workspace"
)

// Signaller is the dispatcher surface the janitor drives. Expire forces a
// timed-out transition wherever the job is; FailQueued fails a job still
// waiting in the queue.
type Signaller interface {
	Expire(id string) error
	FailQueued(id, reason string) error
}

type Config struct {
	Store      *job.Store
	Dispatcher Signaller
	Workspaces *workspace.Manager
	// Interval between sweeps.
	Interval time.Duration
	// QueueWait bounds how long a job may sit queued before failing with
	// reason "queue". Zero disables the bound.
	QueueWait time.Duration
	// Retention is how long a terminal job (and its workspace, when the
	// runner deferred destruction) survives before being reaped.
	Retention time.Duration
}

type Janitor struct {
	cfg    Config
	logger *logx.Logger

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Janitor{
		cfg:    cfg,
		logger: logx.NewLogger("janitor"),
		done:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (jn *Janitor) Start(ctx context.Context) {
	jn.mu.Lock()
	defer jn.mu.Unlock()
	if jn.started {
		return
	}
	jn.started = true
	jn.wg.Add(1)
	go jn.loop(ctx)
	jn.logger.Info("Janitor started (interval %s, queue wait %s, retention %s)",
		jn.cfg.Interval, jn.cfg.QueueWait, jn.cfg.Retention)
}

// Stop halts the sweep loop. It does not sweep; call FinalSweep after the
// dispatcher has drained to tear down what is left.
func (jn *Janitor) Stop() {
	jn.mu.Lock()
	if !jn.started {
		jn.mu.Unlock()
		return
	}
	jn.started = false
	close(jn.done)
	jn.mu.Unlock()
	jn.wg.Wait()
}

func (jn *Janitor) loop(ctx context.Context) {
	defer jn.wg.Done()
	ticker := time.NewTicker(jn.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-jn.done:
			return
		case <-ticker.C:
			jn.Tick(time.Now().UTC())
		}
	}
}

// Tick runs one sweep against the clock value now. Store-level errors are
// logged and retried naturally on the next tick.
func (jn *Janitor) Tick(now time.Time) {
	for _, snap := range jn.cfg.Store.List() {
		switch {
		case job.IsTerminal(snap.State):
			jn.reapTerminal(snap, now)
		case snap.State == job.StateCreated:
			// Not submitted yet; no budget is running.
		case snap.State == job.StateQueued:
			jn.checkQueued(snap, now)
		default:
			jn.checkActive(snap, now)
		}
	}
}

// timeout reads the job's whole-pipeline budget, which the public snapshot
// does not carry.
func (jn *Janitor) timeout(id string) time.Duration {
	var d time.Duration
	if err := jn.cfg.Store.Inspect(id, func(j *job.Job) { d = j.Timeout }); err != nil {
		return 0
	}
	return d
}

func (jn *Janitor) checkQueued(snap job.Snapshot, now time.Time) {
	if snap.StartedAt == nil {
		return
	}
	age := now.Sub(*snap.StartedAt)
	if d := jn.timeout(snap.ID); d > 0 && age > d {
		jn.logger.Warn("Job %s exceeded its %s timeout while queued", snap.ID, d)
		if err := jn.cfg.Dispatcher.Expire(snap.ID); err != nil {
			jn.logger.Error("Expiring queued job %s: %v", snap.ID, err)
		}
		return
	}
	if jn.cfg.QueueWait > 0 && age > jn.cfg.QueueWait {
		jn.logger.Warn("Job %s waited %s in queue, failing", snap.ID, age.Round(time.Second))
		if err := jn.cfg.Dispatcher.FailQueued(snap.ID, job.ReasonQueue); err != nil {
			jn.logger.Error("Failing queued job %s: %v", snap.ID, err)
		}
	}
}

func (jn *Janitor) checkActive(snap job.Snapshot, now time.Time) {
	if snap.StartedAt == nil {
		return
	}
	d := jn.timeout(snap.ID)
	if d <= 0 || now.Sub(*snap.StartedAt) <= d {
		return
	}
	jn.logger.Warn("Job %s exceeded its %s timeout in state %s", snap.ID, d, snap.State)
	if err := jn.cfg.Dispatcher.Expire(snap.ID); err != nil {
		jn.logger.Error("Expiring job %s: %v", snap.ID, err)
	}
}

func (jn *Janitor) reapTerminal(snap job.Snapshot, now time.Time) {
	if snap.EndedAt == nil || now.Sub(*snap.EndedAt) < jn.cfg.Retention {
		return
	}
	if snap.WorkspacePath != "" {
		if err := jn.cfg.Workspaces.Destroy(snap.ID); err != nil {
			jn.logger.Error("Reaping workspace of job %s: %v", snap.ID, err)
			return
		}
	}
	if err := jn.cfg.Store.Remove(snap.ID); err != nil && !errors.Is(err, job.ErrNotFound) {
		jn.logger.Error("Removing reaped job %s: %v", snap.ID, err)
		return
	}
	jn.logger.Info("Reaped job %s (%s, ended %s ago)", snap.ID, snap.State, now.Sub(*snap.EndedAt).Round(time.Second))
}

// SweepOrphans destroys workspaces on disk that no job in the store owns.
// Run at boot, before the dispatcher starts, to clear leftovers from an
// unclean shutdown.
func (jn *Janitor) SweepOrphans() {
	ids, err := jn.cfg.Workspaces.List()
	if err != nil {
		jn.logger.Error("Listing workspaces for orphan sweep: %v", err)
		return
	}
	for _, id := range ids {
		if _, err := jn.cfg.Store.Get(id); err == nil {
			continue
		}
		if err := jn.cfg.Workspaces.Destroy(id); err != nil {
			jn.logger.Error("Destroying orphan workspace %s: %v", id, err)
			continue
		}
		jn.logger.Info("Destroyed orphan workspace %s", id)
	}
}

// FinalSweep tears down every workspace still attached to a job in the
// store. Run at shutdown after the dispatcher drained, so retained
// workspaces do not outlive the service.
func (jn *Janitor) FinalSweep() {
	for _, snap := range jn.cfg.Store.List() {
		if snap.WorkspacePath == "" {
			continue
		}
		if err := jn.cfg.Workspaces.Destroy(snap.ID); err != nil {
			jn.logger.Error("Final teardown of workspace %s: %v", snap.ID, err)
		}
	}
}
