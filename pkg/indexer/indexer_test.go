package indexer

import (
	"context"
	"strings"
	"testing"

	"agentbatch/pkg/exec"
	"agentbatch/pkg/testkit"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name   string
		output string
		ready  bool
	}{
		{"all ready", "vector-db: ready\nembedder: ready\n", true},
		{"single component", "vector-db: ready", true},
		{"ready with detail", "vector-db: ready (warm)\nembedder: ready since 10s\n", true},
		{"one starting", "vector-db: ready\nembedder: starting\n", false},
		{"one failed", "vector-db: error connection refused\nembedder: ready\n", false},
		{"empty output", "", false},
		{"blank lines only", "\n\n  \n", false},
		{"banner ignored", "Indexer v2.1\n\nvector-db: ready\n", true},
		{"banner only", "Indexer v2.1\nno components running\n", false},
		{"readyish is not ready", "vector-db: readying\n", false},
		{"case sensitive", "vector-db: Ready\n", false},
	}
	for _, tt := range tests {
		if got := ParseStatus(tt.output); got != tt.ready {
			t.Errorf("%s: ParseStatus = %v, want %v", tt.name, got, tt.ready)
		}
	}
}

func TestPromptFragmentSelection(t *testing.T) {
	ready := PromptFragment(true)
	unavailable := PromptFragment(false)
	if ready == unavailable {
		t.Fatal("Expected distinct fragments")
	}
	if !strings.Contains(ready, "semantic-search") {
		t.Errorf("Expected ready fragment to point at semantic search, got %q", ready)
	}
	if !strings.Contains(unavailable, "text search") {
		t.Errorf("Expected unavailable fragment to point at text search, got %q", unavailable)
	}
}

func TestLifecycleAgainstStub(t *testing.T) {
	dir := t.TempDir()
	bin := testkit.StubIndexer(t, dir)
	c := New(bin, "openai", exec.NewLocalExec())
	ctx := context.Background()

	if err := c.Start(ctx, dir, ""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Reconcile(ctx, dir, ""); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !c.Ready(ctx, dir, "") {
		t.Error("Expected stub indexer to report ready")
	}
	if err := c.Stop(ctx, dir, ""); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestReconcilePassesProvider(t *testing.T) {
	dir := t.TempDir()
	bin := testkit.WriteScript(t, dir, "check-indexer", `
test "$1" = "index-reconcile" || exit 1
test "$2" = "--embedding-provider" || exit 1
test "$3" = "voyage" || exit 1
exit 0
`)
	c := New(bin, "voyage", exec.NewLocalExec())
	if err := c.Reconcile(context.Background(), dir, ""); err != nil {
		t.Errorf("Expected provider flags to be passed through, got %v", err)
	}
}

func TestReconcileOmitsEmptyProvider(t *testing.T) {
	dir := t.TempDir()
	bin := testkit.WriteScript(t, dir, "check-indexer", `
test "$1" = "index-reconcile" || exit 1
test -z "$2" || exit 1
exit 0
`)
	c := New(bin, "", exec.NewLocalExec())
	if err := c.Reconcile(context.Background(), dir, ""); err != nil {
		t.Errorf("Expected no provider flag, got %v", err)
	}
}

func TestBrokenIndexer(t *testing.T) {
	dir := t.TempDir()
	bin := testkit.BrokenIndexer(t, dir)
	c := New(bin, "", exec.NewLocalExec())
	ctx := context.Background()

	if err := c.Start(ctx, dir, ""); err == nil {
		t.Error("Expected start failure from broken indexer")
	}
	if c.Ready(ctx, dir, "") {
		t.Error("Expected broken indexer to report not ready")
	}
}

func TestMissingBinary(t *testing.T) {
	c := New("/nonexistent/indexer", "", exec.NewLocalExec())
	ctx := context.Background()
	if c.Ready(ctx, t.TempDir(), "") {
		t.Error("Expected missing binary to report not ready")
	}
	if err := c.Start(ctx, t.TempDir(), ""); err == nil {
		t.Error("Expected start failure for missing binary")
	}
}

func TestDisabledClient(t *testing.T) {
	c := New("", "", exec.NewLocalExec())
	if c.Enabled() {
		t.Error("Expected empty binary to disable the client")
	}
	if c.Ready(context.Background(), t.TempDir(), "") {
		t.Error("Expected disabled client to report not ready")
	}
}
