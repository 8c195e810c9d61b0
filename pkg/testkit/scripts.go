package testkit

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// WriteScript writes an executable /bin/sh script and returns its path.
func WriteScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("Failed to write script %s: %v", name, err)
	}
	return path
}

// StubAgent returns a stand-in agent binary: echoes stdin to stdout and
// exits with exitCode. The first argument (the system-prompt fragment) is
// announced on a line of its own so tests can assert which template was
// passed.
func StubAgent(t *testing.T, dir string, exitCode int) string {
	t.Helper()
	body := fmt.Sprintf("echo \"fragment: $1\"\ncat\nexit %d\n", exitCode)
	return WriteScript(t, dir, "stub-agent", body)
}

// SlowAgent returns an agent that prints a marker, then sleeps far longer
// than any test timeout. For cancellation and timeout paths.
func SlowAgent(t *testing.T, dir string) string {
	t.Helper()
	return WriteScript(t, dir, "slow-agent", "echo started\nsleep 600\n")
}

// StubIndexer returns an indexer binary whose status subcommand reports
// every component ready.
func StubIndexer(t *testing.T, dir string) string {
	t.Helper()
	body := `case "$1" in
start) echo "indexer started" ;;
stop) echo "indexer stopped" ;;
index-reconcile) echo "reconciled provider=$3" ;;
status) printf 'vector-db: ready\nembedder: ready\n' ;;
*) echo "unknown subcommand $1" >&2; exit 2 ;;
esac
exit 0
`
	return WriteScript(t, dir, "stub-indexer", body)
}

// BrokenIndexer returns an indexer whose start subcommand fails, for the
// degraded path.
func BrokenIndexer(t *testing.T, dir string) string {
	t.Helper()
	body := `echo "indexer broken" >&2
exit 1
`
	return WriteScript(t, dir, "broken-indexer", body)
}
