// Package kernel wires the job pipeline together and owns its lifecycle.
// Construction builds every component and installs the store's transition
// hook; Start and Stop sequence the pieces so the audit trail sees every
// transition and no component outlives the ones it depends on.
package kernel

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"agentbatch/pkg/config"
	"agentbatch/pkg/cow"
	"agentbatch/pkg/dispatch"
	"agentbatch/pkg/exec"
	"agentbatch/pkg/indexer"
	"agentbatch/pkg/janitor"
	"agentbatch/pkg/job"
	"agentbatch/pkg/logx"
	"agentbatch/pkg/metrics"
	"agentbatch/pkg/persistence"
	"agentbatch/pkg/repos"
	"agentbatch/pkg/runner"
	"agentbatch/pkg/service"
	"agentbatch/pkg/version"
	"agentbatch/pkg/workspace"
)

// persistenceBuffer sizes the audit writer's queue. Writes are small and
// the writer drops when saturated, so a modest buffer is enough.
const persistenceBuffer = 256

// drainTimeout bounds the audit queue drain during shutdown.
const drainTimeout = 10 * time.Second

// Kernel holds every long-lived component of the service. Fields are
// exported for the daemon and for tests; treat them as read-only after New.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // parent of every per-job context
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Store      *job.Store
	Registry   *repos.Registry
	Cloner     *cow.Cloner
	Workspaces *workspace.Manager
	Runner     *runner.Runner
	Dispatcher *dispatch.Dispatcher
	Janitor    *janitor.Janitor
	Service    *service.Service
	Metrics    metrics.Recorder

	Database   *sql.DB
	Operations *persistence.Operations
	Writer     *persistence.Writer

	promRegistry *prometheus.Registry
	opsServer    *opsServer

	sessionID string
	runID     int64
	startedAt time.Time
	running   bool
}

// New builds a kernel from validated configuration. The returned kernel is
// fully wired but idle until Start.
func New(parent context.Context, cfg *config.Config) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)

	k := &Kernel{
		ctx:       ctx,
		cancel:    cancel,
		Config:    cfg,
		Logger:    logx.NewLogger("kernel"),
		sessionID: uuid.NewString(),
	}
	if err := k.build(); err != nil {
		cancel()
		return nil, fmt.Errorf("kernel wiring: %w", err)
	}
	return k, nil
}

// build constructs the components in dependency order and installs the
// transition hook last, so the hook never sees a half-built kernel.
func (k *Kernel) build() error {
	cfg := k.Config

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	// The cloner probes the workspace root, so it must exist first.
	if err := os.MkdirAll(cfg.WorkspaceRoot, 0755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}

	k.Store = job.NewStore(cfg.OutputBufferMaxBytes)

	var err error
	k.Registry, err = repos.New(cfg.RegistryRoot)
	if err != nil {
		return fmt.Errorf("repository registry: %w", err)
	}

	k.Cloner, err = cow.New(cfg.WorkspaceRoot, cow.FSProber{}, cow.Options{})
	if err != nil {
		return fmt.Errorf("workspace cloner: %w", err)
	}
	k.Workspaces, err = workspace.NewManager(cfg.WorkspaceRoot, k.Cloner)
	if err != nil {
		return fmt.Errorf("workspace manager: %w", err)
	}

	var impersonator exec.Executor
	switch cfg.ImpersonationMode {
	case config.ModeSetuid:
		impersonator = exec.NewSetuidExec()
	case config.ModeSudo:
		impersonator = exec.NewSudoExec()
	default:
		impersonator = exec.NewLocalExec()
	}

	if cfg.MetricsEnabled {
		k.promRegistry = prometheus.NewRegistry()
		k.Metrics = metrics.NewPrometheusRecorder(k.promRegistry)
	} else {
		k.Metrics = metrics.Nop()
	}

	k.Database, err = persistence.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("audit database: %w", err)
	}
	k.Operations = persistence.NewOperations(k.Database)
	k.Writer = persistence.NewWriter(k.Operations, persistenceBuffer)

	k.Runner = runner.New(runner.Config{
		Store:        k.Store,
		Registry:     k.Registry,
		Workspaces:   k.Workspaces,
		Impersonator: impersonator,
		Indexer:      indexer.New(cfg.IndexerBin, cfg.EmbeddingProvider, impersonator),
		AgentBin:     cfg.AgentBin,
		AgentEnv:     config.AgentEnv(cfg.AgentEnvSecrets),
		Retention:    cfg.TerminalRetention,
		Metrics:      k.Metrics,
	})
	k.Dispatcher = dispatch.New(k.Store, k.Runner, cfg.MaxConcurrentJobs)

	k.Janitor = janitor.New(janitor.Config{
		Store:      k.Store,
		Dispatcher: k.Dispatcher,
		Workspaces: k.Workspaces,
		Interval:   cfg.JanitorInterval,
		QueueWait:  cfg.QueueWaitTimeout,
		Retention:  cfg.TerminalRetention,
	})

	k.Service = service.New(service.Config{
		Store:          k.Store,
		Registry:       k.Registry,
		Workspaces:     k.Workspaces,
		Scheduler:      k.Dispatcher,
		MaxPromptBytes: cfg.MaxPromptBytes,
		DefaultTimeout: cfg.DefaultJobTimeout,
	})

	k.Store.OnTransition(k.onTransition)

	k.Logger.Info("Kernel wired (session %s, clone method %s, impersonation %s)",
		k.sessionID, k.Cloner.Preferred(), cfg.ImpersonationMode)
	return nil
}

// Start brings the kernel up: audit run record, repo seeds, orphan sweep,
// then the dispatcher, janitor, and ops listener.
func (k *Kernel) Start() error {
	if k.running {
		return fmt.Errorf("kernel already running")
	}
	k.startedAt = time.Now().UTC()

	runID, err := k.Operations.StartServiceRun(k.sessionID, version.Version, k.startedAt)
	if err != nil {
		return fmt.Errorf("recording service run: %w", err)
	}
	k.runID = runID
	k.Writer.Start()

	k.seedRepos()

	// Jobs do not survive a restart, so anything under the workspace root
	// is a leftover of a dead process. Sweep before workers start creating
	// new workspaces.
	k.Janitor.SweepOrphans()

	if err := k.Dispatcher.Start(k.ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	k.Janitor.Start(k.ctx)

	if k.Config.MetricsEnabled {
		k.opsServer = newOpsServer(k, k.Config.MetricsAddr)
		if err := k.opsServer.Start(); err != nil {
			return fmt.Errorf("starting ops listener: %w", err)
		}
	}

	k.running = true
	k.Logger.Info("Kernel started (run %d)", runID)
	return nil
}

// seedRepos registers the configured repository seeds. Seeds already known
// to the registry (including masters adopted from a previous run) are
// skipped; failures are logged and never block boot.
func (k *Kernel) seedRepos() {
	for _, seed := range k.Config.Repos {
		if _, err := k.Registry.Lookup(seed.Name); err == nil {
			k.Logger.Debug("Repository seed %s already registered", seed.Name)
			continue
		}
		if err := k.Registry.Register(seed.Name, seed.Source, repos.Options{}); err != nil {
			k.Logger.Warn("Registering repository seed %s from %s: %v", seed.Name, seed.Source, err)
			continue
		}
		k.Logger.Info("Registered repository seed %s", seed.Name)
	}
}

// Stop shuts the kernel down in order: refuse new jobs, quiesce the
// janitor, drain the dispatcher, tear down workspaces, drain the audit
// queue, close the database. Safe to call once; a second call is a no-op.
func (k *Kernel) Stop() error {
	if !k.running {
		return nil
	}
	k.Logger.Info("Stopping kernel...")

	k.Store.SetReadOnly()
	if k.opsServer != nil {
		k.opsServer.Stop()
	}

	// The janitor stops first so nothing expires or reaps mid-drain.
	k.Janitor.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), k.Config.GracefulShutdownTimeout)
	if err := k.Dispatcher.Stop(stopCtx); err != nil {
		k.Logger.Error("Dispatcher stop: %v", err)
	}
	stopCancel()

	k.Registry.WaitIdle()
	k.Janitor.FinalSweep()

	// Producers are done; cancel the base context and drain the audit
	// queue before the database goes away.
	k.cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	if err := k.Writer.Stop(drainCtx); err != nil {
		k.Logger.Warn("Audit drain: %v", err)
	}
	drainCancel()

	if err := k.Operations.FinishServiceRun(k.runID, time.Now().UTC()); err != nil {
		k.Logger.Warn("Closing service run record: %v", err)
	}
	if err := k.Database.Close(); err != nil {
		k.Logger.Error("Closing database: %v", err)
	}

	k.running = false
	k.Logger.Info("Kernel stopped")
	return nil
}

// SessionID identifies this process lifetime in the audit trail.
func (k *Kernel) SessionID() string {
	return k.sessionID
}

// onTransition is the store's transition hook. It runs after the per-job
// lock is released, so reading the job back is safe and cheap. Everything
// here must tolerate the job having been removed in the meantime.
func (k *Kernel) onTransition(ev job.TransitionEvent) {
	k.Writer.RecordEvent(&persistence.JobEvent{
		JobID:    ev.JobID,
		Owner:    ev.Owner,
		From:     string(ev.From),
		To:       string(ev.To),
		Reason:   ev.Reason,
		ExitCode: ev.ExitCode,
		At:       ev.At,
	})

	switch {
	case ev.From == job.StateCreated && ev.To == job.StateQueued:
		if snap, err := k.Store.Get(ev.JobID); err == nil {
			k.Metrics.ObserveSubmit(snap.RepoName, snap.PromptTokens)
		}
	case ev.From == job.StateQueued && ev.To == job.StateCloning:
		if snap, err := k.Store.Get(ev.JobID); err == nil && snap.StartedAt != nil {
			k.Metrics.ObserveDispatch(ev.At.Sub(*snap.StartedAt))
		}
	case job.IsTerminal(ev.To):
		snap, err := k.Store.Get(ev.JobID)
		if err != nil {
			break
		}
		var duration time.Duration
		if snap.StartedAt != nil && snap.EndedAt != nil {
			duration = snap.EndedAt.Sub(*snap.StartedAt)
		}
		k.Metrics.ObserveTerminal(string(ev.To), ev.Reason, snap.RepoName,
			duration, snap.OutputBytes, snap.Truncated)
		k.Writer.RecordJob(summarize(snap))
	}

	k.Metrics.SetQueueDepth(k.Dispatcher.QueueDepth())
	k.Metrics.SetRunning(k.Dispatcher.RunningCount())
}

// summarize converts a terminal snapshot into its durable record.
func summarize(snap job.Snapshot) *persistence.JobSummary {
	return &persistence.JobSummary{
		JobID:        snap.ID,
		Owner:        snap.Owner,
		Repo:         snap.RepoName,
		State:        string(snap.State),
		Reason:       snap.Reason,
		ExitCode:     snap.ExitCode,
		CloneMethod:  snap.CloneMethod,
		GitStatus:    snap.GitStatus,
		IndexStatus:  snap.IndexStatus,
		PromptBytes:  snap.PromptBytes,
		PromptTokens: snap.PromptTokens,
		OutputBytes:  snap.OutputBytes,
		Truncated:    snap.Truncated,
		CreatedAt:    snap.CreatedAt,
		StartedAt:    snap.StartedAt,
		EndedAt:      snap.EndedAt,
	}
}
