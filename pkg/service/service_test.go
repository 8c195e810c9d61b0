package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentbatch/pkg/cow"
	"agentbatch/pkg/job"
	"agentbatch/pkg/repos"
	"agentbatch/pkg/workspace"
)

// fakeScheduler performs the store flips a real dispatcher would, without
// workers. Cancel resolves immediately so delete flows stay fast.
type fakeScheduler struct {
	store   *job.Store
	queued  int
	cancels []string
}

func (f *fakeScheduler) Submit(id string) error {
	return f.store.Transition(id, job.StateQueued, func(j *job.Job) {
		j.StartedAt = time.Now().UTC()
		f.queued++
		j.QueuePosition = f.queued
	})
}

func (f *fakeScheduler) Cancel(id string) error {
	f.cancels = append(f.cancels, id)
	err := f.store.Transition(id, job.StateCancelled, func(j *job.Job) {
		j.Output.Append([]byte(job.TerminalMarker(job.StateCancelled, "")))
	})
	if errors.Is(err, job.ErrTerminal) {
		return nil
	}
	return err
}

type fixture struct {
	svc      *Service
	store    *job.Store
	registry *repos.Registry
	ws       *workspace.Manager
	sched    *fakeScheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()

	registry, err := repos.New(filepath.Join(base, "registry"))
	require.NoError(t, err)

	wsRoot := filepath.Join(base, "workspaces")
	require.NoError(t, os.MkdirAll(wsRoot, 0755))
	cloner, err := cow.New(wsRoot, cow.FakeProber{}, cow.Options{})
	require.NoError(t, err)
	manager, err := workspace.NewManager(wsRoot, cloner)
	require.NoError(t, err)

	store := job.NewStore(64 * 1024)
	sched := &fakeScheduler{store: store}

	svc := New(Config{
		Store:          store,
		Registry:       registry,
		Workspaces:     manager,
		Scheduler:      sched,
		MaxPromptBytes: 1024,
		DefaultTimeout: 2 * time.Hour,
	})
	return &fixture{svc: svc, store: store, registry: registry, ws: manager, sched: sched}
}

func (f *fixture) registerRepo(t *testing.T, name string) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src-"+name)
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "README.md"), []byte("hello"), 0644))
	require.NoError(t, f.registry.Register(name, src, repos.Options{}))
	f.registry.WaitIdle()
	require.True(t, f.registry.Ready(name), "repository %s must be ready", name)
	return src
}

func TestCreateJobDefaults(t *testing.T) {
	f := newFixture(t)
	f.registerRepo(t, "web")

	snap, err := f.svc.CreateJob(CreateRequest{
		Owner:    "alice",
		Prompt:   "add a health endpoint",
		RepoName: "web",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, job.StateCreated, snap.State)
	assert.Equal(t, "alice", snap.Owner)
	assert.Equal(t, len("add a health endpoint"), snap.PromptBytes)
	assert.Greater(t, snap.PromptTokens, 0)
	assert.True(t, snap.Options.GitAware)
	assert.True(t, snap.Options.IndexAware)

	require.NoError(t, f.store.Inspect(snap.ID, func(j *job.Job) {
		assert.Equal(t, 2*time.Hour, j.Timeout)
	}))
}

func TestCreateJobExplicitOptions(t *testing.T) {
	f := newFixture(t)
	f.registerRepo(t, "web")

	snap, err := f.svc.CreateJob(CreateRequest{
		Owner:    "alice",
		Prompt:   "quick fix",
		RepoName: "web",
		Options:  &job.Options{TimeoutSeconds: 60, GitAware: false, IndexAware: false},
	})
	require.NoError(t, err)

	assert.False(t, snap.Options.GitAware)
	assert.False(t, snap.Options.IndexAware)
	require.NoError(t, f.store.Inspect(snap.ID, func(j *job.Job) {
		assert.Equal(t, time.Minute, j.Timeout)
	}))
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t)
	f.registerRepo(t, "web")

	long := make([]byte, 1025)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing owner", CreateRequest{Prompt: "p", RepoName: "web"}},
		{"empty prompt", CreateRequest{Owner: "alice", RepoName: "web"}},
		{"oversized prompt", CreateRequest{Owner: "alice", Prompt: string(long), RepoName: "web"}},
		{"unknown repo", CreateRequest{Owner: "alice", Prompt: "p", RepoName: "nope"}},
		{"negative timeout", CreateRequest{
			Owner: "alice", Prompt: "p", RepoName: "web",
			Options: &job.Options{TimeoutSeconds: -1},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateJob(tt.req)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
	assert.Equal(t, 0, f.store.Len(), "rejected requests must not create jobs")
}

func TestStageFileLifecycle(t *testing.T) {
	f := newFixture(t)
	f.registerRepo(t, "web")

	snap, err := f.svc.CreateJob(CreateRequest{Owner: "alice", Prompt: "p", RepoName: "web"})
	require.NoError(t, err)

	require.NoError(t, f.svc.StageFile("alice", snap.ID, "spec.txt", []byte("v1")))
	require.NoError(t, f.svc.StageFile("alice", snap.ID, "spec.txt", []byte("v2")))
	require.NoError(t, f.svc.StageFile("alice", snap.ID, "notes.md", []byte("n")))

	require.NoError(t, f.store.Inspect(snap.ID, func(j *job.Job) {
		require.Len(t, j.Files, 2)
		assert.Equal(t, "spec.txt", j.Files[0].Name)
		assert.Equal(t, []byte("v2"), j.Files[0].Content, "duplicate names overwrite")
	}))

	// Staging freezes at submit.
	_, err = f.svc.StartJob("alice", snap.ID)
	require.NoError(t, err)
	err = f.svc.StageFile("alice", snap.ID, "late.txt", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestStageFileRejectsIllegalNames(t *testing.T) {
	f := newFixture(t)
	f.registerRepo(t, "web")
	snap, err := f.svc.CreateJob(CreateRequest{Owner: "alice", Prompt: "p", RepoName: "web"})
	require.NoError(t, err)

	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "../escape"} {
		err := f.svc.StageFile("alice", snap.ID, name, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalid, "name %q must be rejected", name)
	}
}

func TestStartJobReportsQueuePosition(t *testing.T) {
	f := newFixture(t)
	f.registerRepo(t, "web")

	first, err := f.svc.CreateJob(CreateRequest{Owner: "alice", Prompt: "p1", RepoName: "web"})
	require.NoError(t, err)
	second, err := f.svc.CreateJob(CreateRequest{Owner: "alice", Prompt: "p2", RepoName: "web"})
	require.NoError(t, err)

	started, err := f.svc.StartJob("alice", first.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateQueued, started.State)
	assert.Equal(t, 1, started.QueuePosition)

	started, err = f.svc.StartJob("alice", second.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, started.QueuePosition)

	// Double start is rejected by the transition table.
	_, err = f.svc.StartJob("alice", first.ID)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
}

func TestOwnershipBoundary(t *testing.T) {
	f := newFixture(t)
	f.registerRepo(t, "web")

	snap, err := f.svc.CreateJob(CreateRequest{Owner: "alice", Prompt: "p", RepoName: "web"})
	require.NoError(t, err)

	_, err = f.svc.GetJob("bob", snap.ID)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.ErrorIs(t, f.svc.CancelJob("bob", snap.ID), ErrNotOwner)
	assert.ErrorIs(t, f.svc.StageFile("bob", snap.ID, "f.txt", nil), ErrNotOwner)
	assert.ErrorIs(t, f.svc.DeleteJob(context.Background(), "bob", snap.ID), ErrNotOwner)
	_, err = f.svc.ListFiles("bob", snap.ID, "files")
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = f.svc.GetJob("alice", "no-such-job")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.registerRepo(t, "web")

	snap, err := f.svc.CreateJob(CreateRequest{Owner: "alice", Prompt: "p", RepoName: "web"})
	require.NoError(t, err)
	_, err = f.svc.StartJob("alice", snap.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.CancelJob("alice", snap.ID))
	got, err := f.svc.GetJob("alice", snap.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCancelled, got.State)

	require.NoError(t, f.svc.CancelJob("alice", snap.ID), "second cancel is a no-op")
}

func TestListJobsFiltersByOwner(t *testing.T) {
	f := newFixture(t)
	f.registerRepo(t, "web")

	for _, owner := range []string{"alice", "alice", "bob"} {
		_, err := f.svc.CreateJob(CreateRequest{Owner: owner, Prompt: "p", RepoName: "web"})
		require.NoError(t, err)
	}

	assert.Len(t, f.svc.ListJobs("alice"), 2)
	assert.Len(t, f.svc.ListJobs("bob"), 1)
	assert.Empty(t, f.svc.ListJobs("mallory"))
}

func TestDeleteCreatedJob(t *testing.T) {
	f := newFixture(t)
	f.registerRepo(t, "web")

	snap, err := f.svc.CreateJob(CreateRequest{Owner: "alice", Prompt: "p", RepoName: "web"})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteJob(context.Background(), "alice", snap.ID))

	_, err = f.svc.GetJob("alice", snap.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestDeleteActiveJobTearsDownWorkspace(t *testing.T) {
	f := newFixture(t)
	src := f.registerRepo(t, "web")

	snap, err := f.svc.CreateJob(CreateRequest{Owner: "alice", Prompt: "p", RepoName: "web"})
	require.NoError(t, err)
	_, err = f.svc.StartJob("alice", snap.ID)
	require.NoError(t, err)

	// Simulate dispatch far enough to own a workspace.
	wsPath, _, err := f.ws.Create(snap.ID, src, "alice", nil)
	require.NoError(t, err)
	require.NoError(t, f.store.Transition(snap.ID, job.StateCloning, func(j *job.Job) {
		j.WorkspacePath = wsPath
	}))

	require.NoError(t, f.svc.DeleteJob(context.Background(), "alice", snap.ID))

	_, err = os.Stat(wsPath)
	assert.True(t, os.IsNotExist(err), "workspace must be removed")
	_, err = f.store.Get(snap.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)
	assert.Contains(t, f.sched.cancels, snap.ID)
}

func TestDeleteTerminalJobSkipsCancel(t *testing.T) {
	f := newFixture(t)
	f.registerRepo(t, "web")

	snap, err := f.svc.CreateJob(CreateRequest{Owner: "alice", Prompt: "p", RepoName: "web"})
	require.NoError(t, err)
	_, err = f.svc.StartJob("alice", snap.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.CancelJob("alice", snap.ID))
	require.Len(t, f.sched.cancels, 1)

	require.NoError(t, f.svc.DeleteJob(context.Background(), "alice", snap.ID))
	assert.Len(t, f.sched.cancels, 1, "terminal jobs need no cancel")
}

func TestWorkspaceFileAccess(t *testing.T) {
	f := newFixture(t)
	src := f.registerRepo(t, "web")

	snap, err := f.svc.CreateJob(CreateRequest{Owner: "alice", Prompt: "p", RepoName: "web"})
	require.NoError(t, err)

	staged := []job.StagedFile{{Name: "input.txt", Content: []byte("payload")}}
	_, _, err = f.ws.Create(snap.ID, src, "alice", staged)
	require.NoError(t, err)

	entries, err := f.svc.ListFiles("alice", snap.ID, "files")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "input.txt", entries[0].Name)

	rc, err := f.svc.ReadFile("alice", snap.ID, "files/input.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestRepoSurface(t *testing.T) {
	f := newFixture(t)

	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.go"), []byte("package main"), 0644))

	rec, err := f.svc.RegisterRepo("api", src)
	require.NoError(t, err)
	assert.Equal(t, "api", rec.Name)

	f.registry.WaitIdle()
	list := f.svc.ListRepos()
	require.Len(t, list, 1)
	assert.Equal(t, repos.StatusReady, list[0].Status)

	require.NoError(t, f.svc.UnregisterRepo("api"))
	require.NoError(t, f.svc.UnregisterRepo("api"), "unregister is a no-op on repeat")

	_, err = f.svc.CreateJob(CreateRequest{Owner: "alice", Prompt: "p", RepoName: "api"})
	assert.ErrorIs(t, err, ErrInvalid)
}
