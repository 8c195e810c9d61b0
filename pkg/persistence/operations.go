package persistence

import (
	"database/sql"
	"fmt"
	"time"
)

// Operations provides the SQL-level methods. Writes are meant to be
// driven by the Writer's worker goroutine; reads may run from any
// goroutine, the connection pool serialises them.
type Operations struct {
	db *sql.DB
}

func NewOperations(db *sql.DB) *Operations {
	return &Operations{db: db}
}

// InsertEvent appends one transition to the audit log.
func (ops *Operations) InsertEvent(ev *JobEvent) error {
	_, err := ops.db.Exec(`
		INSERT INTO job_events (job_id, owner, from_state, to_state, reason, exit_code, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.JobID, ev.Owner, ev.From, ev.To, ev.Reason, nullableInt(ev.ExitCode), ev.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event for job %s: %w", ev.JobID, err)
	}
	return nil
}

// UpsertJob records or refreshes the durable summary of a job.
func (ops *Operations) UpsertJob(s *JobSummary) error {
	_, err := ops.db.Exec(`
		INSERT INTO jobs (job_id, owner, repo, state, reason, exit_code, clone_method,
			git_status, index_status, prompt_bytes, prompt_tokens, output_bytes,
			output_truncated, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			exit_code = excluded.exit_code,
			clone_method = excluded.clone_method,
			git_status = excluded.git_status,
			index_status = excluded.index_status,
			output_bytes = excluded.output_bytes,
			output_truncated = excluded.output_truncated,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at`,
		s.JobID, s.Owner, s.Repo, s.State, s.Reason, nullableInt(s.ExitCode), s.CloneMethod,
		s.GitStatus, s.IndexStatus, s.PromptBytes, s.PromptTokens, s.OutputBytes,
		s.Truncated, s.CreatedAt.UTC(), nullableTime(s.StartedAt), nullableTime(s.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job %s: %w", s.JobID, err)
	}
	return nil
}

// StartServiceRun records a new service lifetime and returns its row id.
func (ops *Operations) StartServiceRun(sessionID, version string, startedAt time.Time) (int64, error) {
	res, err := ops.db.Exec(`
		INSERT INTO service_runs (session_id, version, started_at) VALUES (?, ?, ?)`,
		sessionID, version, startedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record service run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read service run id: %w", err)
	}
	return id, nil
}

// FinishServiceRun stamps the stop time of a service lifetime.
func (ops *Operations) FinishServiceRun(id int64, stoppedAt time.Time) error {
	_, err := ops.db.Exec(`UPDATE service_runs SET stopped_at = ? WHERE id = ?`, stoppedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish service run %d: %w", id, err)
	}
	return nil
}

// EventsForJob returns the transition history of one job, oldest first.
func (ops *Operations) EventsForJob(jobID string) ([]*JobEvent, error) {
	rows, err := ops.db.Query(`
		SELECT id, job_id, owner, from_state, to_state, reason, exit_code, at
		FROM job_events WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for job %s: %w", jobID, err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// RecentEvents returns the newest limit transitions across all jobs,
// newest first.
func (ops *Operations) RecentEvents(limit int) ([]*JobEvent, error) {
	rows, err := ops.db.Query(`
		SELECT id, job_id, owner, from_state, to_state, reason, exit_code, at
		FROM job_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// JobHistory returns terminal job summaries, newest first. owner filters
// when non-empty; limit <= 0 means no limit.
func (ops *Operations) JobHistory(owner string, limit int) ([]*JobSummary, error) {
	query := `
		SELECT job_id, owner, repo, state, reason, exit_code, clone_method,
			git_status, index_status, prompt_bytes, prompt_tokens, output_bytes,
			output_truncated, created_at, started_at, ended_at
		FROM jobs`
	args := []any{}
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY ended_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*JobSummary
	for rows.Next() {
		var (
			s        JobSummary
			exitCode sql.NullInt64
			started  sql.NullTime
			ended    sql.NullTime
		)
		if err := rows.Scan(&s.JobID, &s.Owner, &s.Repo, &s.State, &s.Reason, &exitCode,
			&s.CloneMethod, &s.GitStatus, &s.IndexStatus, &s.PromptBytes, &s.PromptTokens,
			&s.OutputBytes, &s.Truncated, &s.CreatedAt, &started, &ended); err != nil {
			return nil, fmt.Errorf("failed to scan job summary: %w", err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			s.ExitCode = &code
		}
		if started.Valid {
			t := started.Time
			s.StartedAt = &t
		}
		if ended.Valid {
			t := ended.Time
			s.EndedAt = &t
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]*JobEvent, error) {
	var out []*JobEvent
	for rows.Next() {
		var (
			ev       JobEvent
			exitCode sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Owner, &ev.From, &ev.To, &ev.Reason,
			&exitCode, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			ev.ExitCode = &code
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
