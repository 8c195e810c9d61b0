// Package repos maintains the set of registered source repositories and
// their master clones under the registry root. Registration returns
// immediately; the initial clone runs in the background through a staging
// directory and an atomic rename, so a ready master is never observed
// partially written.
package repos

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"agentbatch/pkg/cow"
	"agentbatch/pkg/logx"
)

const stagingDirName = ".staging"

// Status is the lifecycle of a registration.
type Status string

const (
	StatusCloning Status = "cloning"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

var (
	// ErrNotFound means no registration exists under that name.
	ErrNotFound = errors.New("repository not registered")
	// ErrExists rejects a second registration under an existing name.
	ErrExists = errors.New("repository already registered")
	// ErrBadName rejects names outside [A-Za-z0-9._-] or starting with a dot.
	ErrBadName = errors.New("invalid repository name")
)

// Repo is one registration. Path points into the registry root and only
// holds a complete tree while Status is ready.
type Repo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Status       Status    `json:"status"`
	Upstream     string    `json:"upstream"`
	RegisteredAt time.Time `json:"registered_at"`
	Error        string    `json:"error,omitempty"`
}

// Options tune the initial clone.
type Options struct {
	// Branch checks out a specific branch instead of the remote default.
	Branch string
	// Shallow clones with depth 1.
	Shallow bool
}

// Registry owns the master clones. Read-mostly: lookups take a read lock,
// registration and unregistration a write lock.
type Registry struct {
	root   string
	logger *logx.Logger

	mu    sync.RWMutex
	repos map[string]*Repo

	clones sync.WaitGroup
}

// New prepares the registry root, clears stale staging leftovers, and
// adopts directories already present as ready registrations from a prior
// run.
func New(root string) (*Registry, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("registry root must be an absolute path: %s", root)
	}
	if err := os.MkdirAll(filepath.Join(root, stagingDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry root: %w", err)
	}

	r := &Registry{
		root:   root,
		logger: logx.NewLogger("registry"),
		repos:  make(map[string]*Repo),
	}

	staging := filepath.Join(root, stagingDirName)
	if entries, err := os.ReadDir(staging); err == nil {
		for _, e := range entries {
			stale := filepath.Join(staging, e.Name())
			r.logger.Warn("Removing stale staging entry: %s", stale)
			if err := os.RemoveAll(stale); err != nil {
				r.logger.Error("Failed to remove stale staging entry %s: %v", stale, err)
			}
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		registeredAt := time.Now()
		if info, err := e.Info(); err == nil {
			registeredAt = info.ModTime()
		}
		r.repos[e.Name()] = &Repo{
			Name:         e.Name(),
			Path:         filepath.Join(root, e.Name()),
			Status:       StatusReady,
			RegisteredAt: registeredAt,
		}
		r.logger.Info("Adopted existing repository: %s", e.Name())
	}

	return r, nil
}

// validateName enforces the registration name charset. Names become
// directory names, so separators and leading dots are rejected outright.
func validateName(name string) error {
	if name == "" || len(name) > 100 {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	if name[0] == '.' {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return fmt.Errorf("%w: %q", ErrBadName, name)
		}
	}
	return nil
}

// isRemoteURL distinguishes clone sources from local directory sources.
// Anything with a scheme, plus scp-like user@host:path forms, is remote.
func isRemoteURL(source string) bool {
	if strings.Contains(source, "://") {
		return true
	}
	if strings.HasPrefix(source, "/") || strings.HasPrefix(source, ".") {
		return false
	}
	at := strings.Index(source, "@")
	if at <= 0 {
		return false
	}
	rest := source[at+1:]
	colon := strings.Index(rest, ":")
	if colon <= 0 {
		return false
	}
	slash := strings.Index(rest, "/")
	return slash == -1 || slash > colon
}

// Register records a registration in state cloning and kicks off the
// background materialisation. A URL source is cloned; a local directory
// source is mirrored as-is, .git and remote configuration included.
func (r *Registry) Register(name, source string, opts Options) error {
	if err := validateName(name); err != nil {
		return err
	}
	if source == "" {
		return fmt.Errorf("empty source for repository %q", name)
	}

	rec := &Repo{
		Name:         name,
		Path:         filepath.Join(r.root, name),
		Status:       StatusCloning,
		Upstream:     source,
		RegisteredAt: time.Now(),
	}

	r.mu.Lock()
	if _, ok := r.repos[name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, name)
	}
	r.repos[name] = rec
	r.mu.Unlock()

	r.logger.Info("Registered repository %s from %s", name, source)
	r.clones.Add(1)
	go r.materialize(rec, source, opts)
	return nil
}

// materialize produces the master tree in staging, then publishes it with
// one rename under the registry lock.
func (r *Registry) materialize(rec *Repo, source string, opts Options) {
	defer r.clones.Done()

	staging, err := os.MkdirTemp(filepath.Join(r.root, stagingDirName), rec.Name+"-")
	if err != nil {
		r.fail(rec, fmt.Errorf("failed to create staging dir: %w", err))
		return
	}

	if isRemoteURL(source) {
		err = cloneInto(staging, source, opts)
	} else {
		err = mirrorInto(staging, source)
	}
	if err != nil {
		os.RemoveAll(staging)
		r.fail(rec, err)
		return
	}

	r.mu.Lock()
	current, ok := r.repos[rec.Name]
	if !ok || current != rec {
		// Unregistered while the clone was running.
		r.mu.Unlock()
		os.RemoveAll(staging)
		return
	}
	if err := os.Rename(staging, rec.Path); err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
		r.mu.Unlock()
		os.RemoveAll(staging)
		r.logger.Error("Failed to publish repository %s: %v", rec.Name, err)
		return
	}
	rec.Status = StatusReady
	r.mu.Unlock()
	r.logger.Info("Repository %s ready at %s", rec.Name, rec.Path)
}

func cloneInto(dir, url string, opts Options) error {
	cloneOpts := &git.CloneOptions{URL: url}
	if opts.Branch != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(opts.Branch)
		cloneOpts.SingleBranch = true
	}
	if opts.Shallow {
		cloneOpts.Depth = 1
	}
	if _, err := git.PlainClone(dir, false, cloneOpts); err != nil {
		return fmt.Errorf("failed to clone %s: %w", url, err)
	}
	return nil
}

// mirrorInto copies a local source tree verbatim. Deliberately not a git
// clone: cloning a path would configure an origin remote the source never
// had, and the master must reflect the source exactly.
func mirrorInto(dir, source string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("failed to read source path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source path is not a directory: %s", source)
	}
	if err := cow.CopyTree(source, dir); err != nil {
		return fmt.Errorf("failed to copy source tree: %w", err)
	}
	return nil
}

func (r *Registry) fail(rec *Repo, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.repos[rec.Name]; !ok || current != rec {
		return
	}
	rec.Status = StatusFailed
	rec.Error = err.Error()
	r.logger.Warn("Repository %s failed: %v", rec.Name, err)
}

// Lookup returns a snapshot of one registration.
func (r *Registry) Lookup(name string) (Repo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.repos[name]
	if !ok {
		return Repo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return *rec, nil
}

// Ready reports whether name is registered with a complete master tree.
func (r *Registry) Ready(name string) bool {
	rec, err := r.Lookup(name)
	return err == nil && rec.Status == StatusReady
}

// List returns all registrations sorted by name.
func (r *Registry) List() []Repo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Repo, 0, len(r.repos))
	for _, rec := range r.repos {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unregister removes the registration and its on-disk tree. A second call
// for the same name is a no-op. An in-flight clone notices the removal when
// it completes and discards its staging tree.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	rec, ok := r.repos[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.repos, name)
	path := rec.Path
	r.mu.Unlock()

	if err := os.RemoveAll(path); err != nil {
		return logx.Wrap(err, fmt.Sprintf("failed to remove repository tree %s", path))
	}
	r.logger.Info("Unregistered repository %s", name)
	return nil
}

// WaitIdle blocks until no background clone is in flight. Used by shutdown
// and tests.
func (r *Registry) WaitIdle() {
	r.clones.Wait()
}
