// Package dispatch owns the job queue and the worker pool. Jobs enter the
// queue on submit and leave it in FIFO order as workers free up; at most
// workers jobs execute concurrently, with queue positions kept current on
// every queue mutation.
//
// Stop requests (cancel, timeout, shutdown) split by where the job is:
// a queued job is flipped to its terminal state directly, since no worker
// owns it; a dispatched job gets its stop cause recorded and its context
// cancelled, and the runner commits the terminal state so teardown always
// runs in the owning worker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentbatch/pkg/job"
	"agentbatch/pkg/logx"
)

// JobRunner executes one dispatched job until it reaches a terminal state.
// The context is the per-job context; the dispatcher cancels it to stop
// the job after recording the stop cause.
type JobRunner interface {
	Execute(ctx context.Context, id string)
}

// ErrStopped is returned by Submit after shutdown began.
var ErrStopped = errors.New("dispatcher is stopped")

type Dispatcher struct {
	store   *job.Store
	runner  JobRunner
	workers int
	logger  *logx.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []string
	running map[string]context.CancelFunc
	started bool
	stopped bool
	baseCtx context.Context

	wg sync.WaitGroup
}

func New(store *job.Store, runner JobRunner, workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		store:   store,
		runner:  runner,
		workers: workers,
		running: make(map[string]context.CancelFunc),
		logger:  logx.NewLogger("dispatch"),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the worker pool. ctx is the parent of every per-job
// context; cancelling it interrupts all dispatched jobs.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true
	d.baseCtx = ctx
	for n := 1; n <= d.workers; n++ {
		d.wg.Add(1)
		go d.worker(n)
	}
	d.logger.Info("Dispatcher started with %d workers", d.workers)
	return nil
}

// Stop drains the pool: queued jobs are cancelled in place, dispatched
// jobs are signalled to stop, and workers are awaited until ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	queued := d.queue
	d.queue = nil
	active := make(map[string]context.CancelFunc, len(d.running))
	for id, cancel := range d.running {
		active[id] = cancel
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	d.logger.Info("Stopping dispatcher: %d queued, %d running", len(queued), len(active))

	for _, id := range queued {
		if err := d.flip(id, job.StateCancelled, ""); err != nil {
			d.logger.Warn("Cancelling queued job %s on shutdown: %v", id, err)
		}
	}
	for id, cancel := range active {
		if err := d.recordStopCause(id, job.StopCancel); err != nil {
			d.logger.Warn("Recording stop cause for job %s on shutdown: %v", id, err)
		}
		cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher stop timed out with jobs still draining")
		return ctx.Err()
	}
}

// Submit moves a created job into the queue. The queued transition
// validates the job's state, so a double submit fails without touching
// the queue.
func (d *Dispatcher) Submit(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	pos := len(d.queue) + 1
	if err := d.store.Transition(id, job.StateQueued, func(j *job.Job) {
		j.StartedAt = time.Now().UTC()
		j.QueuePosition = pos
	}); err != nil {
		return err
	}
	d.queue = append(d.queue, id)
	d.logger.Info("Job %s queued at position %d", id, pos)
	d.cond.Signal()
	return nil
}

// Cancel stops a job on user request. Cancelling a terminal job is a
// no-op.
func (d *Dispatcher) Cancel(id string) error {
	return d.signal(id, job.StopCancel)
}

// Expire stops a job that exceeded its timeout. Expiring a terminal job
// is a no-op.
func (d *Dispatcher) Expire(id string) error {
	return d.signal(id, job.StopTimeout)
}

// FailQueued fails a job still waiting in the queue, recording reason.
// Jobs already dispatched (or gone) are left alone.
func (d *Dispatcher) FailQueued(id, reason string) error {
	d.mu.Lock()
	i := index(d.queue, id)
	if i < 0 {
		d.mu.Unlock()
		return nil
	}
	d.queue = append(d.queue[:i], d.queue[i+1:]...)
	d.renumberLocked()
	d.mu.Unlock()
	return d.flip(id, job.StateFailed, reason)
}

// QueueDepth reports the number of jobs waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// RunningCount reports the number of jobs a worker currently owns.
func (d *Dispatcher) RunningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

func (d *Dispatcher) worker(n int) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		id := d.queue[0]
		d.queue = d.queue[1:]
		jobCtx, cancel := context.WithCancel(d.baseCtx)
		d.running[id] = cancel
		d.renumberLocked()
		d.mu.Unlock()

		d.dispatch(jobCtx, id, n)

		d.mu.Lock()
		delete(d.running, id)
		d.mu.Unlock()
		cancel()
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, id string, n int) {
	snap, err := d.store.Get(id)
	if err != nil {
		d.logger.Warn("Worker %d: job %s vanished before dispatch: %v", n, id, err)
		return
	}
	if snap.State != job.StateQueued {
		// Flipped terminal while waiting its turn.
		return
	}
	if err := d.store.Patch(id, func(j *job.Job) error {
		j.DispatchedAt = time.Now().UTC()
		return nil
	}); err != nil {
		return
	}

	d.logger.Info("Worker %d dispatching job %s (repo=%s owner=%s)", n, id, snap.RepoName, snap.Owner)
	d.execute(ctx, id, n)

	if final, err := d.store.Get(id); err == nil {
		d.logger.Info("Worker %d finished job %s: %s", n, id, final.State)
	}
}

// execute contains any panic escaping the pipeline: the job is failed with
// reason "internal" and the worker lives on to take the next job.
func (d *Dispatcher) execute(ctx context.Context, id string, n int) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Worker %d: job %s panicked: %v", n, id, r)
			if err := d.flip(id, job.StateFailed, job.ReasonInternal); err != nil {
				d.logger.Error("Worker %d: recording internal failure for job %s: %v", n, id, err)
			}
		}
	}()
	d.runner.Execute(ctx, id)
}

// signal resolves a stop request. Queued jobs are flipped directly;
// dispatched jobs get the stop cause recorded (first signal wins) before
// their context is cancelled.
func (d *Dispatcher) signal(id, cause string) error {
	state := job.StateCancelled
	if cause == job.StopTimeout {
		state = job.StateTimedOut
	}

	d.mu.Lock()
	if i := index(d.queue, id); i >= 0 {
		d.queue = append(d.queue[:i], d.queue[i+1:]...)
		d.renumberLocked()
		d.mu.Unlock()
		return d.flip(id, state, "")
	}
	cancel, dispatched := d.running[id]
	d.mu.Unlock()

	if dispatched {
		if err := d.recordStopCause(id, cause); err != nil {
			return err
		}
		cancel()
		return nil
	}
	// Not tracked here: still created, or already terminal.
	return d.flip(id, state, "")
}

// flip commits a terminal state for a job no worker owns. An already
// terminal job is a no-op.
func (d *Dispatcher) flip(id string, state job.State, reason string) error {
	err := d.store.Transition(id, state, func(j *job.Job) {
		j.Reason = reason
		if m := job.TerminalMarker(state, reason); m != "" {
			j.Output.Append([]byte(m))
		}
	})
	if errors.Is(err, job.ErrTerminal) {
		return nil
	}
	return err
}

func (d *Dispatcher) recordStopCause(id, cause string) error {
	err := d.store.Patch(id, func(j *job.Job) error {
		if j.StopCause == "" {
			j.StopCause = cause
		}
		return nil
	})
	if errors.Is(err, job.ErrTerminal) {
		return nil
	}
	return err
}

// renumberLocked refreshes the 1-based queue positions after a queue
// mutation. Callers hold d.mu.
func (d *Dispatcher) renumberLocked() {
	for i, id := range d.queue {
		pos := i + 1
		_ = d.store.Patch(id, func(j *job.Job) error {
			j.QueuePosition = pos
			return nil
		})
	}
}

func index(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
