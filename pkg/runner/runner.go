// Package runner drives a dispatched job through its lifecycle: workspace
// cloning, git refresh, indexing, impersonated agent execution, and
// teardown. No error leaves the per-job boundary; every failure path
// funnels into one terminate routine that records the terminal state and
// reason, appends the reason marker to the output tail, stops the indexer
// if it was started, and destroys the workspace unless retention defers
// that to the janitor.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v5"

	"agentbatch/pkg/exec"
	"agentbatch/pkg/indexer"
	"agentbatch/pkg/job"
	"agentbatch/pkg/logx"
	"agentbatch/pkg/metrics"
	"agentbatch/pkg/repos"
	"agentbatch/pkg/workspace"
)

const gitStepTimeout = 2 * time.Minute

// Config wires a Runner. All fields are required except AgentEnv,
// Retention, and Metrics.
type Config struct {
	Store        *job.Store
	Registry     *repos.Registry
	Workspaces   *workspace.Manager
	Impersonator exec.Executor
	Indexer      *indexer.Client
	AgentBin     string
	// AgentEnv is overlaid onto the agent environment (decrypted secrets,
	// static settings).
	AgentEnv []string
	// Retention > 0 defers workspace destruction to the janitor.
	Retention time.Duration
	// Metrics receives pipeline observations. Nil disables recording.
	Metrics metrics.Recorder
}

// Runner executes jobs. One Runner serves all workers; per-job state lives
// in the run struct.
type Runner struct {
	cfg    Config
	logger *logx.Logger
}

func New(cfg Config) *Runner {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	return &Runner{cfg: cfg, logger: logx.NewLogger("runner")}
}

// details are the job fields the pipeline needs, copied out under the job
// lock once at the start of execution. Prompt and files are frozen after
// submit, so the copy stays valid for the whole run.
type details struct {
	owner      string
	repoName   string
	prompt     string
	files      []job.StagedFile
	gitAware   bool
	indexAware bool
	timeout    time.Duration
	startedAt  time.Time
}

// Execute drives the job with the given id to a terminal state. ctx is the
// per-job context; the dispatcher cancels it for cancellation, timeout, and
// shutdown, after recording the job's stop cause.
func (r *Runner) Execute(ctx context.Context, id string) {
	var d details
	err := r.cfg.Store.Inspect(id, func(j *job.Job) {
		d = details{
			owner:      j.Owner,
			repoName:   j.RepoName,
			prompt:     j.Prompt,
			files:      j.Files,
			gitAware:   j.Options.GitAware,
			indexAware: j.Options.IndexAware,
			timeout:    j.Timeout,
			startedAt:  j.StartedAt,
		}
	})
	if err != nil {
		r.logger.Error("Job %s vanished before execution: %v", id, err)
		return
	}

	x := &run{r: r, id: id, d: d}
	x.execute(ctx)
}

// run is the per-job execution state.
type run struct {
	r              *Runner
	id             string
	d              details
	wsPath         string
	indexerStarted bool
}

func (x *run) execute(ctx context.Context) {
	if x.interruptedBeforeExec(ctx) {
		return
	}

	// Dispatch-time check: the repository must still be ready. A repo
	// unregistered (or still cloning, or failed) after submit fails the
	// job before any workspace exists.
	rec, err := x.r.cfg.Registry.Lookup(x.d.repoName)
	if err != nil || rec.Status != repos.StatusReady {
		x.terminate(job.StateFailed, job.ReasonRepoGone, nil)
		return
	}

	if err := x.r.cfg.Store.Transition(x.id, job.StateCloning, nil); err != nil {
		// A cancel won the job lock first; nothing started, nothing to
		// tear down.
		return
	}

	cloneStart := time.Now()
	wsPath, method, err := x.r.cfg.Workspaces.Create(x.id, rec.Path, x.d.owner, x.d.files)
	if err != nil {
		x.r.logger.Warn("Job %s workspace creation failed: %v", x.id, err)
		x.terminate(job.StateFailed, job.ReasonWorkspace, nil)
		return
	}
	x.r.cfg.Metrics.ObserveClone(string(method), time.Since(cloneStart))
	x.wsPath = wsPath
	if err := x.patch(func(jj *job.Job) {
		jj.WorkspacePath = wsPath
		jj.CloneMethod = string(method)
	}); err != nil {
		x.interrupted(nil)
		return
	}

	if !x.stageGit(ctx) {
		return
	}
	indexReady, ok := x.stageIndex(ctx)
	if !ok {
		return
	}
	x.stageAgent(ctx, indexReady)
}

func (x *run) patch(fn func(*job.Job)) error {
	return x.r.cfg.Store.Patch(x.id, func(jj *job.Job) error {
		fn(jj)
		return nil
	})
}

// stageGit refreshes the clone from its upstream. Entered whenever the job
// is git-aware and the clone has a .git directory; inside the step, a
// missing remote or a failing pull is a "git" failure. Returns false when
// the job reached a terminal state.
func (x *run) stageGit(ctx context.Context) bool {
	gitDir := filepath.Join(x.wsPath, ".git")
	info, statErr := os.Stat(gitDir)
	if !x.d.gitAware || statErr != nil || !info.IsDir() {
		if err := x.patch(func(jj *job.Job) { jj.GitStatus = job.GitSkipped }); err != nil {
			x.interrupted(nil)
			return false
		}
		return true
	}

	if err := x.r.cfg.Store.Transition(x.id, job.StateGitRefreshing, nil); err != nil {
		return false
	}
	if x.interruptedBeforeExec(ctx) {
		return false
	}

	repo, err := git.PlainOpen(x.wsPath)
	if err != nil {
		x.failGit("failed to open clone: %v", err)
		return false
	}
	remotes, err := repo.Remotes()
	if err != nil || len(remotes) == 0 {
		x.failGit("no remote configured")
		return false
	}

	res, err := x.r.cfg.Impersonator.Run(ctx, []string{"git", "pull"}, &exec.Opts{
		User:    x.d.owner,
		WorkDir: x.wsPath,
		Timeout: gitStepTimeout,
	})
	switch {
	case err != nil:
		x.failGit("git pull did not start: %v", err)
		return false
	case res.Cancelled:
		x.interrupted(nil)
		return false
	case res.TimedOut:
		x.terminate(job.StateTimedOut, "", nil)
		return false
	case res.ExitCode != 0:
		x.failGit("git pull exited %d", res.ExitCode)
		return false
	}

	if err := x.patch(func(jj *job.Job) { jj.GitStatus = job.GitPulled }); err != nil {
		x.interrupted(nil)
		return false
	}
	return true
}

func (x *run) failGit(format string, args ...any) {
	x.r.logger.Warn("Job %s git step: %s", x.id, fmt.Sprintf(format, args...))
	x.patch(func(jj *job.Job) { jj.GitStatus = job.GitFailed })
	x.terminate(job.StateFailed, job.ReasonGit, nil)
}

// stageIndex starts and reconciles the indexer. Indexer trouble never fails
// the job; it just downgrades the prompt fragment. The bool result is the
// observed index readiness; ok is false when the job went terminal.
func (x *run) stageIndex(ctx context.Context) (ready, ok bool) {
	ix := x.r.cfg.Indexer
	if !x.d.indexAware || !ix.Enabled() {
		if err := x.patch(func(jj *job.Job) { jj.IndexStatus = job.IndexSkipped }); err != nil {
			x.interrupted(nil)
			return false, false
		}
		return false, true
	}

	if err := x.r.cfg.Store.Transition(x.id, job.StateIndexing, nil); err != nil {
		return false, false
	}
	if x.interruptedBeforeExec(ctx) {
		return false, false
	}

	if err := ix.Start(ctx, x.wsPath, x.d.owner); err != nil {
		x.r.logger.Warn("Job %s indexer start failed: %v", x.id, err)
	} else {
		x.indexerStarted = true
		if err := ix.Reconcile(ctx, x.wsPath, x.d.owner); err != nil {
			x.r.logger.Warn("Job %s index reconcile failed: %v", x.id, err)
		}
	}
	if ctx.Err() != nil {
		x.interrupted(nil)
		return false, false
	}

	ready = x.indexerStarted && ix.Ready(ctx, x.wsPath, x.d.owner)
	status := job.IndexUnavailable
	if ready {
		status = job.IndexReady
	}
	if err := x.patch(func(jj *job.Job) { jj.IndexStatus = status }); err != nil {
		x.interrupted(nil)
		return false, false
	}
	return ready, true
}

// stageAgent launches the agent with the prompt on stdin and the selected
// system-prompt fragment as its one argument, streaming merged output into
// the store.
func (x *run) stageAgent(ctx context.Context, indexReady bool) {
	if err := x.r.cfg.Store.Transition(x.id, job.StateRunning, nil); err != nil {
		return
	}
	if x.interruptedBeforeExec(ctx) {
		return
	}

	remaining := x.d.timeout - time.Since(x.d.startedAt)
	if remaining <= 0 {
		x.terminate(job.StateTimedOut, "", nil)
		return
	}

	res, err := x.r.cfg.Impersonator.Run(ctx, []string{x.r.cfg.AgentBin, indexer.PromptFragment(indexReady)}, &exec.Opts{
		User:    x.d.owner,
		WorkDir: x.wsPath,
		Env:     x.r.cfg.AgentEnv,
		Stdin:   []byte(x.d.prompt),
		Timeout: remaining,
		OnOutput: func(chunk []byte) {
			// Appends racing the terminal transition lose quietly; output
			// captured before the flip is what the contract preserves.
			_ = x.r.cfg.Store.AppendOutput(x.id, chunk)
		},
	})
	switch {
	case err != nil:
		x.r.logger.Error("Job %s agent did not start: %v", x.id, err)
		x.terminate(job.StateFailed, job.ReasonAgent, nil)
	case res.Cancelled:
		code := res.ExitCode
		x.interrupted(&code)
	case res.TimedOut:
		code := res.ExitCode
		x.terminate(job.StateTimedOut, "", &code)
	case res.ExitCode == 0:
		code := 0
		x.terminate(job.StateCompleted, "", &code)
	default:
		code := res.ExitCode
		x.terminate(job.StateFailed, job.ReasonAgent, &code)
	}
}

// interruptedBeforeExec short-circuits a stage when the job context is
// already gone, so no further child process is spawned.
func (x *run) interruptedBeforeExec(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	x.interrupted(nil)
	return true
}

// interrupted resolves a context cancellation into the terminal state the
// signaller asked for: timed-out when the janitor set the stop cause,
// cancelled otherwise (explicit cancel or shutdown).
func (x *run) interrupted(exitCode *int) {
	var cause string
	x.r.cfg.Store.Inspect(x.id, func(j *job.Job) { cause = j.StopCause })
	state := job.StateCancelled
	if cause == job.StopTimeout {
		state = job.StateTimedOut
	}
	x.terminate(state, "", exitCode)
}

// terminate commits the terminal transition under the job lock and runs
// teardown. Exactly one caller wins; losers return without touching the
// workspace.
func (x *run) terminate(state job.State, reason string, exitCode *int) {
	marker := job.TerminalMarker(state, reason)
	err := x.r.cfg.Store.Transition(x.id, state, func(jj *job.Job) {
		jj.Reason = reason
		jj.ExitCode = exitCode
		if marker != "" {
			jj.Output.Append([]byte(marker))
		}
	})
	if err != nil {
		return
	}
	x.teardown()
}

func (x *run) teardown() {
	if x.indexerStarted {
		// The job context is usually dead by now; the stop gets its own.
		if err := x.r.cfg.Indexer.Stop(context.Background(), x.wsPath, x.d.owner); err != nil {
			x.r.logger.Warn("Job %s indexer stop failed: %v", x.id, err)
		}
	}
	if x.wsPath == "" {
		return
	}
	if x.r.cfg.Retention > 0 {
		x.r.logger.Debug("Job %s workspace retained for %s", x.id, x.r.cfg.Retention)
		return
	}
	if err := x.r.cfg.Workspaces.Destroy(x.id); err != nil {
		x.r.logger.Error("Job %s workspace teardown failed: %v", x.id, err)
	}
}
