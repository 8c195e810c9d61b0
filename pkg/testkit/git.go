// Package testkit provides shared helpers for exercising the service in
// tests: git fixture builders, stub executables standing in for the agent
// and the indexer, and a condition poller.
package testkit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// InitGitRepo creates a non-bare git repository at dir with files committed.
// The repository has no remotes configured.
func InitGitRepo(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create repo dir: %v", err)
	}
	if _, err := git.PlainInit(dir, false); err != nil {
		t.Fatalf("Failed to init git repo: %v", err)
	}
	CommitFiles(t, dir, files, "initial commit")
}

// CommitFiles writes files into an existing repository and commits them.
func CommitFiles(t *testing.T, dir string, files map[string]string, message string) {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("Failed to open git repo: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to get worktree: %v", err)
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("Failed to create dir for %s: %v", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("Failed to add %s: %v", name, err)
		}
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "testkit",
			Email: "testkit@example.invalid",
			When:  time.Now(),
		},
	})
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
}

// AddRemote configures a named remote on an existing repository.
func AddRemote(t *testing.T, dir, name, url string) {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("Failed to open git repo: %v", err)
	}
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: name,
		URLs: []string{url},
	})
	if err != nil {
		t.Fatalf("Failed to add remote: %v", err)
	}
}

// RemoteCount returns how many remotes a repository has configured.
func RemoteCount(t *testing.T, dir string) int {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("Failed to open git repo: %v", err)
	}
	remotes, err := repo.Remotes()
	if err != nil {
		t.Fatalf("Failed to list remotes: %v", err)
	}
	return len(remotes)
}
