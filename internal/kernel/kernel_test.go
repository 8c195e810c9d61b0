package kernel

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agentbatch/pkg/config"
	"agentbatch/pkg/job"
	"agentbatch/pkg/persistence"
	"agentbatch/pkg/repos"
	"agentbatch/pkg/service"
	"agentbatch/pkg/testkit"
)

// testConfig builds a valid configuration rooted in a temp dir, with the
// janitor quiet and the ops listener on an ephemeral port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()

	cfg := config.Default()
	cfg.DataDir = filepath.Join(base, "data")
	cfg.RegistryRoot = filepath.Join(base, "repos")
	cfg.WorkspaceRoot = filepath.Join(base, "workspaces")
	cfg.AgentBin = testkit.StubAgent(t, base, 0)
	cfg.JanitorInterval = time.Hour
	cfg.MetricsAddr = "127.0.0.1:0"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Test config invalid: %v", err)
	}
	return cfg
}

func newTestKernel(t *testing.T, cfg *config.Config) *Kernel {
	t.Helper()
	k, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return k
}

func TestNewWiresComponents(t *testing.T) {
	k := newTestKernel(t, testConfig(t))
	defer func() {
		k.cancel()
		_ = k.Database.Close()
	}()

	if k.Store == nil {
		t.Error("Store is nil")
	}
	if k.Registry == nil {
		t.Error("Registry is nil")
	}
	if k.Cloner == nil {
		t.Error("Cloner is nil")
	}
	if k.Workspaces == nil {
		t.Error("Workspaces is nil")
	}
	if k.Runner == nil {
		t.Error("Runner is nil")
	}
	if k.Dispatcher == nil {
		t.Error("Dispatcher is nil")
	}
	if k.Janitor == nil {
		t.Error("Janitor is nil")
	}
	if k.Service == nil {
		t.Error("Service is nil")
	}
	if k.Metrics == nil {
		t.Error("Metrics is nil")
	}
	if k.Writer == nil {
		t.Error("Writer is nil")
	}
	if k.SessionID() == "" {
		t.Error("SessionID is empty")
	}
}

func TestLifecycle(t *testing.T) {
	cfg := testConfig(t)
	k := newTestKernel(t, cfg)

	if err := k.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !k.running {
		t.Error("kernel should be running after Start")
	}
	if err := k.Start(); err == nil {
		t.Error("second Start should fail")
	}

	if _, err := os.Stat(cfg.DBPath()); err != nil {
		t.Errorf("database file missing: %v", err)
	}

	if err := k.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if k.running {
		t.Error("kernel should not be running after Stop")
	}
	if err := k.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op: %v", err)
	}
}

func TestSeedReposRegisteredAtBoot(t *testing.T) {
	cfg := testConfig(t)

	src := filepath.Join(t.TempDir(), "seed-src")
	if err := os.MkdirAll(src, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "main.go"), []byte("package main"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg.Repos = []config.RepoSeed{{Name: "seeded", Source: src}, {Name: "broken", Source: filepath.Join(src, "missing")}}

	k := newTestKernel(t, cfg)
	if err := k.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer k.Stop()
	k.Registry.WaitIdle()

	if !k.Registry.Ready("seeded") {
		t.Error("seed repository should be registered and ready")
	}
	if k.Registry.Ready("broken") {
		t.Error("broken seed must not become ready")
	}
	if rec, err := k.Registry.Lookup("broken"); err != nil {
		t.Errorf("broken seed should be recorded as failed: %v", err)
	} else if rec.Status != repos.StatusFailed {
		t.Errorf("broken seed status = %s, want %s", rec.Status, repos.StatusFailed)
	}

	// Second boot against the same roots adopts the master instead of
	// re-cloning; Start must stay idempotent about seeds.
	if err := k.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	k2 := newTestKernel(t, cfg)
	if err := k2.Start(); err != nil {
		t.Fatalf("second boot failed: %v", err)
	}
	defer k2.Stop()
	k2.Registry.WaitIdle()
	if !k2.Registry.Ready("seeded") {
		t.Error("seed repository should survive a restart")
	}
}

func TestEndToEndJobLeavesAuditTrail(t *testing.T) {
	cfg := testConfig(t)
	k := newTestKernel(t, cfg)
	if err := k.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	src := filepath.Join(t.TempDir(), "src")
	if err := os.MkdirAll(src, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "README.md"), []byte("demo"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := k.Service.RegisterRepo("demo", src); err != nil {
		t.Fatalf("RegisterRepo failed: %v", err)
	}
	k.Registry.WaitIdle()

	snap, err := k.Service.CreateJob(service.CreateRequest{
		Owner:    "erin",
		Prompt:   "add a health endpoint",
		RepoName: "demo",
		Options:  &job.Options{TimeoutSeconds: 60},
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if _, err := k.Service.StartJob("erin", snap.ID); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}

	testkit.Eventually(t, 15*time.Second, "job terminal", func() bool {
		got, err := k.Store.Get(snap.ID)
		return err == nil && job.IsTerminal(got.State)
	})
	got, err := k.Store.Get(snap.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != job.StateCompleted {
		t.Fatalf("state = %s (reason %q), want completed; output:\n%s", got.State, got.Reason, got.Output)
	}

	if err := k.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// The audit survives the process: reopen the database cold.
	db, err := persistence.Open(cfg.DBPath())
	if err != nil {
		t.Fatalf("reopen database: %v", err)
	}
	defer db.Close()
	ops := persistence.NewOperations(db)

	events, err := ops.EventsForJob(snap.ID)
	if err != nil {
		t.Fatalf("EventsForJob failed: %v", err)
	}
	if len(events) < 4 {
		t.Fatalf("want at least 4 events (queued/cloning/running/completed), got %d", len(events))
	}
	if events[0].To != "queued" {
		t.Errorf("first event to = %s, want queued", events[0].To)
	}
	if last := events[len(events)-1]; last.To != "completed" {
		t.Errorf("last event to = %s, want completed", last.To)
	}

	history, err := ops.JobHistory("erin", 10)
	if err != nil {
		t.Fatalf("JobHistory failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("want 1 summary row, got %d", len(history))
	}
	if history[0].State != "completed" || history[0].Repo != "demo" {
		t.Errorf("summary = %s/%s, want completed/demo", history[0].State, history[0].Repo)
	}
}

func TestOpsEndpoints(t *testing.T) {
	k := newTestKernel(t, testConfig(t))
	if err := k.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer k.Stop()

	base := "http://" + k.opsServer.Addr()

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	var health healthPayload
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("health status = %q", health.Status)
	}
	if health.CloneMethod == "" {
		t.Error("health payload missing clone method")
	}
	if health.SessionID != k.SessionID() {
		t.Errorf("health session = %q, want %q", health.SessionID, k.SessionID())
	}

	metricsResp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", metricsResp.StatusCode)
	}
}

func TestMetricsDisabledSkipsListener(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsEnabled = false
	cfg.MetricsAddr = ""

	k := newTestKernel(t, cfg)
	if err := k.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer k.Stop()

	if k.opsServer != nil {
		t.Error("ops listener should not start with metrics disabled")
	}
}
