package job

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"agentbatch/pkg/logx"
)

// ErrActive is returned when an operation requires a terminal job.
var ErrActive = errors.New("job is still active")

// TransitionEvent describes one committed state change. Handed to the
// transition hook after the job lock is released.
type TransitionEvent struct {
	JobID    string
	Owner    string
	From     State
	To       State
	Reason   string
	ExitCode *int
	At       time.Time
}

// Store is the authoritative in-memory map of jobs. Every mutation runs
// under an exclusive per-job lock; readers get consistent snapshots of one
// job at a time. Nothing is persisted: a restart loses all jobs.
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]*entry
	logger    *logx.Logger
	outputMax int
	readOnly  atomic.Bool

	onTransition func(TransitionEvent)
}

type entry struct {
	mu  sync.Mutex
	job *Job
}

// NewStore returns an empty store. outputMax bounds each job's captured
// output buffer.
func NewStore(outputMax int) *Store {
	return &Store{
		jobs:      make(map[string]*entry),
		logger:    logx.NewLogger("store"),
		outputMax: outputMax,
	}
}

// OnTransition installs a hook fired after every committed transition.
// Install during wiring, before the store is shared.
func (s *Store) OnTransition(fn func(TransitionEvent)) {
	s.onTransition = fn
}

// SetReadOnly stops admission of new jobs. Existing jobs still transition;
// shutdown needs that to drive them terminal.
func (s *Store) SetReadOnly() {
	s.readOnly.Store(true)
}

// Put records a new job. The job must be in StateCreated with a fresh id.
func (s *Store) Put(j *Job) error {
	if s.readOnly.Load() {
		return ErrReadOnly
	}
	if j.ID == "" {
		return fmt.Errorf("job id is empty")
	}
	if j.State == "" {
		j.State = StateCreated
	}
	if j.Output == nil {
		j.Output = NewOutputBuffer(s.outputMax)
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("%w: %s", ErrExists, j.ID)
	}
	s.jobs[j.ID] = &entry{job: j}
	s.logger.Debug("Recorded job %s owner=%s repo=%s", j.ID, j.Owner, j.RepoName)
	return nil
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Get returns a consistent snapshot of one job.
func (s *Store) Get(id string) (Snapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshotLocked(e.job), nil
}

// Patch applies fn to the job under its lock. Terminal jobs are immutable;
// patching one returns ErrTerminal.
func (s *Store) Patch(id string, fn func(*Job) error) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if IsTerminal(e.job.State) {
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	return fn(e.job)
}

// Inspect runs fn with the job under its lock. Unlike Patch it also works
// on terminal jobs; fn must treat the job as read-only. For internal
// readers that need fields the public snapshot does not carry.
func (s *Store) Inspect(id string, fn func(*Job)) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.job)
	return nil
}

// Transition moves the job to state to, validating against the transition
// table. mutate, when non-nil, runs under the same lock before the state
// flips so reason, exit code, and output tail land atomically with it.
// Returns ErrTerminal when the job already reached a terminal state, which
// is how a losing cancel/timeout/complete race observes that it lost.
func (s *Store) Transition(id string, to State, mutate func(*Job)) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	j := e.job
	from := j.State
	if IsTerminal(from) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	if !IsValidTransition(from, to) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if mutate != nil {
		mutate(j)
	}
	j.State = to
	if to != StateQueued {
		j.QueuePosition = 0
	}
	if IsTerminal(to) && j.EndedAt.IsZero() {
		j.EndedAt = time.Now().UTC()
	}
	ev := TransitionEvent{
		JobID:    j.ID,
		Owner:    j.Owner,
		From:     from,
		To:       to,
		Reason:   j.Reason,
		ExitCode: j.ExitCode,
		At:       time.Now().UTC(),
	}
	e.mu.Unlock()

	s.logger.Info("Job %s: %s -> %s", id, from, to)
	if s.onTransition != nil {
		s.onTransition(ev)
	}
	return nil
}

// AppendOutput appends chunk to the job's captured output. Concurrent
// appenders are serialised by the job lock, so byte order follows call
// order. Appends to a terminal job are refused: terminal jobs are frozen.
func (s *Store) AppendOutput(id string, chunk []byte) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if IsTerminal(e.job.State) {
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	e.job.Output.Append(chunk)
	return nil
}

// Remove deletes a job entry. Only terminal jobs may be removed.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	terminal := IsTerminal(e.job.State)
	e.mu.Unlock()
	if !terminal {
		return fmt.Errorf("%w: %s", ErrActive, id)
	}
	delete(s.jobs, id)
	s.logger.Debug("Removed job %s", id)
	return nil
}

// List returns snapshots of all jobs ordered by creation time.
func (s *Store) List() []Snapshot {
	return s.listWhere(func(Snapshot) bool { return true })
}

// ListByOwner returns snapshots of the owner's jobs ordered by creation time.
func (s *Store) ListByOwner(owner string) []Snapshot {
	return s.listWhere(func(snap Snapshot) bool { return snap.Owner == owner })
}

// ListQueuedOrdered returns queued jobs in submit order.
func (s *Store) ListQueuedOrdered() []Snapshot {
	snaps := s.listWhere(func(snap Snapshot) bool { return snap.State == StateQueued })
	sort.Slice(snaps, func(i, k int) bool {
		if snaps[i].StartedAt == nil || snaps[k].StartedAt == nil {
			return snaps[i].CreatedAt.Before(snaps[k].CreatedAt)
		}
		return snaps[i].StartedAt.Before(*snaps[k].StartedAt)
	})
	return snaps
}

func (s *Store) listWhere(keep func(Snapshot) bool) []Snapshot {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		snap := snapshotLocked(e.job)
		e.mu.Unlock()
		if keep(snap) {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(i, k int) bool { return snaps[i].CreatedAt.Before(snaps[k].CreatedAt) })
	return snaps
}

// CountByState tallies jobs per state, for the ops surface and tests.
func (s *Store) CountByState() map[State]int {
	counts := make(map[State]int)
	for _, snap := range s.List() {
		counts[snap.State]++
	}
	return counts
}

// Len returns the number of live job entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
