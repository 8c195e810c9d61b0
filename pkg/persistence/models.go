package persistence

import "time"

// JobEvent is one committed state transition.
type JobEvent struct {
	ID       int64     `json:"id"`
	JobID    string    `json:"job_id"`
	Owner    string    `json:"owner,omitempty"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	At       time.Time `json:"at"`
}

// JobSummary is the durable record of one job, upserted when the job
// reaches a terminal state. It outlives the in-memory entry.
type JobSummary struct {
	JobID        string     `json:"job_id"`
	Owner        string     `json:"owner,omitempty"`
	Repo         string     `json:"repo,omitempty"`
	State        string     `json:"state"`
	Reason       string     `json:"reason,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	CloneMethod  string     `json:"clone_method,omitempty"`
	GitStatus    string     `json:"git_status,omitempty"`
	IndexStatus  string     `json:"index_status,omitempty"`
	PromptBytes  int        `json:"prompt_bytes,omitempty"`
	PromptTokens int        `json:"prompt_tokens,omitempty"`
	OutputBytes  int        `json:"output_bytes,omitempty"`
	Truncated    bool       `json:"output_truncated,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// ServiceRun is one lifetime of the service process.
type ServiceRun struct {
	ID        int64      `json:"id"`
	SessionID string     `json:"session_id"`
	Version   string     `json:"version,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}
