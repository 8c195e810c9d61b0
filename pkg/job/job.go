// Package job defines the job record, its lifecycle states, and the in-memory
// store that is the single source of truth for job state.
package job

import (
	"errors"
	"time"
)

// Failure reasons recorded on jobs that end in StateFailed.
const (
	ReasonWorkspace = "workspace"
	ReasonGit       = "git"
	ReasonRepoGone  = "repo-gone"
	ReasonQueue     = "queue"
	ReasonAgent     = "agent"
	ReasonInternal  = "internal"
)

// Git refresh outcomes, surfaced on the job snapshot.
const (
	GitPulled  = "pulled"
	GitSkipped = "skipped"
	GitFailed  = "failed"
)

// Index step outcomes, surfaced on the job snapshot.
const (
	IndexReady       = "ready"
	IndexUnavailable = "unavailable"
	IndexSkipped     = "skipped"
)

// Stop causes, set under the job lock before a run context is cancelled so
// the worker can tell a timeout from an external cancel.
const (
	StopCancel  = "cancel"
	StopTimeout = "timeout"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrExists            = errors.New("job already exists")
	ErrTerminal          = errors.New("job is terminal")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrReadOnly          = errors.New("store is read-only")
)

// Options are the caller-supplied knobs on a job.
type Options struct {
	TimeoutSeconds int  `json:"timeout_seconds,omitempty"`
	GitAware       bool `json:"git_aware"`
	IndexAware     bool `json:"index_aware"`
}

// DefaultOptions returns the option set applied when the caller supplies none:
// git and index awareness on, timeout deferred to the service default.
func DefaultOptions() Options {
	return Options{GitAware: true, IndexAware: true}
}

// StagedFile is one input file attached to a job before it starts. Files are
// materialised under <workspace>/files/ at clone time.
type StagedFile struct {
	Name    string
	Content []byte
}

// Job is the unit of work. All runtime fields are guarded by the store's
// per-job lock; nothing outside the store may hold a *Job.
type Job struct {
	ID       string
	Owner    string
	Prompt   string
	RepoName string
	Options  Options
	Files    []StagedFile

	PromptBytes  int
	PromptTokens int

	State         State
	QueuePosition int // 1-based while queued, else 0
	WorkspacePath string
	Output        *OutputBuffer
	ExitCode      *int
	Reason        string
	GitStatus     string
	IndexStatus   string
	CloneMethod   string

	// StopCause records why the run context was cancelled ("cancel" or
	// "timeout"). Set before cancellation, read by the worker after the
	// child exits.
	StopCause string

	Timeout time.Duration

	CreatedAt    time.Time
	StartedAt    time.Time // set on submit
	DispatchedAt time.Time // set when a worker takes the job
	EndedAt      time.Time
}

// Snapshot is a consistent copy of one job, safe to hand to callers.
type Snapshot struct {
	ID            string     `json:"id"`
	Owner         string     `json:"owner"`
	RepoName      string     `json:"repo_name"`
	Options       Options    `json:"options"`
	State         State      `json:"state"`
	QueuePosition int        `json:"queue_position,omitempty"`
	WorkspacePath string     `json:"workspace_path,omitempty"`
	Output        string     `json:"output"`
	OutputBytes   int        `json:"output_bytes"`
	Truncated     bool       `json:"truncated,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	GitStatus     string     `json:"git_status,omitempty"`
	IndexStatus   string     `json:"index_status,omitempty"`
	CloneMethod   string     `json:"clone_method,omitempty"`
	PromptBytes   int        `json:"prompt_bytes"`
	PromptTokens  int        `json:"prompt_tokens,omitempty"`
	FileNames     []string   `json:"file_names,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// snapshotLocked builds a Snapshot; the caller holds the entry lock.
func snapshotLocked(j *Job) Snapshot {
	snap := Snapshot{
		ID:            j.ID,
		Owner:         j.Owner,
		RepoName:      j.RepoName,
		Options:       j.Options,
		State:         j.State,
		QueuePosition: j.QueuePosition,
		WorkspacePath: j.WorkspacePath,
		Reason:        j.Reason,
		GitStatus:     j.GitStatus,
		IndexStatus:   j.IndexStatus,
		CloneMethod:   j.CloneMethod,
		PromptBytes:   j.PromptBytes,
		PromptTokens:  j.PromptTokens,
		CreatedAt:     j.CreatedAt,
	}
	if j.Output != nil {
		snap.Output = j.Output.String()
		snap.OutputBytes = j.Output.Len()
		snap.Truncated = j.Output.Truncated()
	}
	if j.ExitCode != nil {
		code := *j.ExitCode
		snap.ExitCode = &code
	}
	for _, f := range j.Files {
		snap.FileNames = append(snap.FileNames, f.Name)
	}
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		snap.StartedAt = &t
	}
	if !j.EndedAt.IsZero() {
		t := j.EndedAt
		snap.EndedAt = &t
	}
	return snap
}

// Terminal reports whether the snapshot is in a terminal state.
func (s Snapshot) Terminal() bool {
	return IsTerminal(s.State)
}
