// Package service is the inbound facade consumed by the HTTP collaborator.
// It owns request validation and the per-owner authorization boundary;
// everything behind it (store, scheduler, workspaces, registry) trusts its
// callers. No HTTP types appear here.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"agentbatch/pkg/job"
	"agentbatch/pkg/logx"
	"agentbatch/pkg/repos"
	"agentbatch/pkg/utils"
	"agentbatch/pkg/workspace"
)

var (
	// ErrInvalid rejects a malformed request before any state change.
	ErrInvalid = errors.New("invalid request")
	// ErrNotOwner rejects operations on another owner's job.
	ErrNotOwner = errors.New("job belongs to another owner")
	// ErrBusy means a deleted job did not reach a terminal state within the
	// drain wait.
	ErrBusy = errors.New("job is still shutting down")
)

// deleteDrainWait bounds how long DeleteJob waits for a cancelled job to
// reach a terminal state before giving up.
const deleteDrainWait = 10 * time.Second

// Scheduler is the slice of the dispatcher the facade drives.
type Scheduler interface {
	Submit(id string) error
	Cancel(id string) error
}

// Config wires a Service.
type Config struct {
	Store          *job.Store
	Registry       *repos.Registry
	Workspaces     *workspace.Manager
	Scheduler      Scheduler
	MaxPromptBytes int
	DefaultTimeout time.Duration
}

// Service validates, authorizes, and forwards inbound operations.
type Service struct {
	store      *job.Store
	registry   *repos.Registry
	workspaces *workspace.Manager
	sched      Scheduler

	counter        *utils.TokenCounter
	maxPromptBytes int
	defaultTimeout time.Duration

	logger *logx.Logger
}

// New builds the facade. A tokenizer failure downgrades token estimates to
// the character heuristic; it never blocks startup.
func New(cfg Config) *Service {
	logger := logx.NewLogger("service")

	counter, err := utils.NewTokenCounter()
	if err != nil {
		logger.Warn("Token counter unavailable, falling back to character estimates: %v", err)
		counter = nil
	}

	return &Service{
		store:          cfg.Store,
		registry:       cfg.Registry,
		workspaces:     cfg.Workspaces,
		sched:          cfg.Scheduler,
		counter:        counter,
		maxPromptBytes: cfg.MaxPromptBytes,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         logger,
	}
}

// CreateRequest carries a job submission.
type CreateRequest struct {
	Owner    string
	Prompt   string
	RepoName string
	// Options nil applies the defaults (git and index awareness on,
	// service default timeout).
	Options *job.Options
}

// CreateJob validates the request and records a new job in state created.
// Files may be staged and the job started afterwards.
func (s *Service) CreateJob(req CreateRequest) (job.Snapshot, error) {
	if req.Owner == "" {
		return job.Snapshot{}, fmt.Errorf("%w: owner is required", ErrInvalid)
	}
	if req.Prompt == "" {
		return job.Snapshot{}, fmt.Errorf("%w: prompt is empty", ErrInvalid)
	}
	if len(req.Prompt) > s.maxPromptBytes {
		return job.Snapshot{}, fmt.Errorf("%w: prompt is %d bytes, limit %d",
			ErrInvalid, len(req.Prompt), s.maxPromptBytes)
	}
	if _, err := s.registry.Lookup(req.RepoName); err != nil {
		return job.Snapshot{}, fmt.Errorf("%w: unknown repository %q", ErrInvalid, req.RepoName)
	}

	opts := job.DefaultOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	if opts.TimeoutSeconds < 0 {
		return job.Snapshot{}, fmt.Errorf("%w: negative timeout", ErrInvalid)
	}
	timeout := s.defaultTimeout
	if opts.TimeoutSeconds > 0 {
		timeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}

	j := &job.Job{
		ID:           uuid.NewString(),
		Owner:        req.Owner,
		Prompt:       req.Prompt,
		RepoName:     req.RepoName,
		Options:      opts,
		PromptBytes:  len(req.Prompt),
		PromptTokens: s.counter.CountTokens(req.Prompt),
		Timeout:      timeout,
	}
	if err := s.store.Put(j); err != nil {
		return job.Snapshot{}, err
	}

	s.logger.Info("Job %s created by %s for repo %s (%d prompt bytes)",
		j.ID, req.Owner, req.RepoName, j.PromptBytes)
	return s.store.Get(j.ID)
}

// StageFile attaches a file to a job that has not started. The file appears
// under files/ in the workspace when the job dispatches. Duplicate names
// overwrite.
func (s *Service) StageFile(owner, id, name string, content []byte) error {
	if err := validFilename(name); err != nil {
		return err
	}
	if _, err := s.authorized(owner, id); err != nil {
		return err
	}

	return s.store.Patch(id, func(j *job.Job) error {
		if j.State != job.StateCreated {
			return fmt.Errorf("%w: files may only be staged before start (state %s)", ErrInvalid, j.State)
		}
		for i := range j.Files {
			if j.Files[i].Name == name {
				j.Files[i].Content = content
				return nil
			}
		}
		j.Files = append(j.Files, job.StagedFile{Name: name, Content: content})
		return nil
	})
}

// StartJob submits the job to the queue and returns the snapshot carrying
// its queue position.
func (s *Service) StartJob(owner, id string) (job.Snapshot, error) {
	if _, err := s.authorized(owner, id); err != nil {
		return job.Snapshot{}, err
	}
	if err := s.sched.Submit(id); err != nil {
		return job.Snapshot{}, err
	}
	return s.store.Get(id)
}

// GetJob returns the current snapshot.
func (s *Service) GetJob(owner, id string) (job.Snapshot, error) {
	return s.authorized(owner, id)
}

// ListJobs returns every job belonging to owner.
func (s *Service) ListJobs(owner string) []job.Snapshot {
	return s.store.ListByOwner(owner)
}

// CancelJob requests cancellation. Idempotent: cancelling a terminal job is
// a no-op.
func (s *Service) CancelJob(owner, id string) error {
	if _, err := s.authorized(owner, id); err != nil {
		return err
	}
	return s.sched.Cancel(id)
}

// DeleteJob cancels the job if it is still live, waits for it to reach a
// terminal state, then tears down its workspace and removes it from the
// store. Returns ErrBusy when the job does not drain within the wait.
func (s *Service) DeleteJob(ctx context.Context, owner, id string) error {
	snap, err := s.authorized(owner, id)
	if err != nil {
		return err
	}

	if !job.IsTerminal(snap.State) {
		if err := s.sched.Cancel(id); err != nil {
			return err
		}
		if err := s.awaitTerminal(ctx, id); err != nil {
			return err
		}
	}

	if err := s.workspaces.Destroy(id); err != nil {
		return fmt.Errorf("failed to destroy workspace: %w", err)
	}
	if err := s.store.Remove(id); err != nil && !errors.Is(err, job.ErrNotFound) {
		return err
	}
	s.logger.Info("Job %s deleted by %s", id, owner)
	return nil
}

// ListFiles lists a directory inside the job's workspace.
func (s *Service) ListFiles(owner, id, subpath string) ([]workspace.Entry, error) {
	if _, err := s.authorized(owner, id); err != nil {
		return nil, err
	}
	return s.workspaces.ListFiles(id, subpath)
}

// ReadFile streams one file from the job's workspace.
func (s *Service) ReadFile(owner, id, subpath string) (io.ReadCloser, error) {
	if _, err := s.authorized(owner, id); err != nil {
		return nil, err
	}
	return s.workspaces.ReadFile(id, subpath)
}

// RegisterRepo registers a repository. URL sources clone asynchronously;
// the returned record reports cloning until the clone lands.
func (s *Service) RegisterRepo(name, source string) (repos.Repo, error) {
	if err := s.registry.Register(name, source, repos.Options{}); err != nil {
		return repos.Repo{}, err
	}
	return s.registry.Lookup(name)
}

// ListRepos returns all registrations.
func (s *Service) ListRepos() []repos.Repo {
	return s.registry.List()
}

// UnregisterRepo removes a registration and its on-disk tree. Jobs already
// referencing it fail with reason repo-gone at dispatch.
func (s *Service) UnregisterRepo(name string) error {
	return s.registry.Unregister(name)
}

// authorized fetches the snapshot and enforces ownership.
func (s *Service) authorized(owner, id string) (job.Snapshot, error) {
	snap, err := s.store.Get(id)
	if err != nil {
		return job.Snapshot{}, err
	}
	if snap.Owner != owner {
		return job.Snapshot{}, ErrNotOwner
	}
	return snap, nil
}

// awaitTerminal polls until the job is terminal, the drain wait elapses, or
// ctx is done. A job reaped concurrently counts as terminal.
func (s *Service) awaitTerminal(ctx context.Context, id string) error {
	deadline := time.NewTimer(deleteDrainWait)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		snap, err := s.store.Get(id)
		if err != nil {
			if errors.Is(err, job.ErrNotFound) {
				return nil
			}
			return err
		}
		if job.IsTerminal(snap.State) {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrBusy, ctx.Err())
		case <-deadline.C:
			return ErrBusy
		case <-tick.C:
		}
	}
}

// validFilename applies the workspace staged-file contract at the request
// boundary, so illegal names are rejected at submit rather than failing the
// job at dispatch.
func validFilename(name string) error {
	if err := workspace.ValidateFilename(name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
