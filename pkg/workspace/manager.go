// Package workspace provisions and tears down per-job working copies under
// the workspace root. Every path that reaches the filesystem is
// canonicalised and checked against the workspace first; symlinks resolving
// outside the workspace are refused rather than followed.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"agentbatch/pkg/cow"
	"agentbatch/pkg/job"
	"agentbatch/pkg/logx"
)

// FilesDir is the reserved subdirectory holding staged input files.
const FilesDir = "files"

var (
	// ErrExists means the job's workspace is already on disk.
	ErrExists = errors.New("workspace already exists")
	// ErrNotFound means the job has no workspace on disk.
	ErrNotFound = errors.New("workspace does not exist")
	// ErrBadPath refuses a path that escapes the workspace.
	ErrBadPath = errors.New("path escapes the workspace")
	// ErrBadFilename refuses staged filenames with separators or dot-dot.
	ErrBadFilename = errors.New("invalid staged filename")
)

// Entry is one row of a directory listing.
type Entry struct {
	Name  string    `json:"name"`
	Type  string    `json:"type"`
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
}

// Manager owns the workspace root. Safe for concurrent use; each job only
// ever touches its own subtree.
type Manager struct {
	root   string
	cloner *cow.Cloner
	logger *logx.Logger
}

// NewManager prepares the workspace root.
func NewManager(root string, cloner *cow.Cloner) (*Manager, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("workspace root must be an absolute path: %s", root)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Manager{
		root:   root,
		cloner: cloner,
		logger: logx.NewLogger("workspace"),
	}, nil
}

// Path returns where jobID's workspace lives (whether or not it exists).
func (m *Manager) Path(jobID string) string {
	return filepath.Join(m.root, jobID)
}

// Create clones sourceRepoPath into the job's workspace, creates files/
// with the staged inputs, and hands the tree to owner when running as root.
// The workspace is removed again if any step after the clone fails, so a
// path on disk always means a complete workspace.
func (m *Manager) Create(jobID, sourceRepoPath, owner string, staged []job.StagedFile) (string, cow.Method, error) {
	path := m.Path(jobID)
	if _, err := os.Lstat(path); err == nil {
		return "", "", fmt.Errorf("%w: %s", ErrExists, path)
	}

	method, err := m.cloner.Clone(sourceRepoPath, path)
	if err != nil {
		return "", "", fmt.Errorf("failed to clone workspace: %w", err)
	}

	if err := m.populate(path, owner, staged); err != nil {
		os.RemoveAll(path)
		return "", "", err
	}

	m.logger.Info("Created workspace for job %s via %s", jobID, method)
	return path, method, nil
}

func (m *Manager) populate(path, owner string, staged []job.StagedFile) error {
	filesPath := filepath.Join(path, FilesDir)
	if err := os.MkdirAll(filesPath, 0755); err != nil {
		return fmt.Errorf("failed to create files dir: %w", err)
	}
	for _, f := range staged {
		if err := ValidateFilename(f.Name); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(filesPath, f.Name), f.Content, 0644); err != nil {
			return fmt.Errorf("failed to stage file %s: %w", f.Name, err)
		}
	}

	if owner != "" && os.Geteuid() == 0 {
		uid, gid, err := lookupOwner(owner)
		if err != nil {
			return err
		}
		if err := chownTree(path, uid, gid); err != nil {
			return fmt.Errorf("failed to hand workspace to %s: %w", owner, err)
		}
	}
	return nil
}

// ValidateFilename enforces the staged-file contract: a single path
// component, no separators, no dot-dot.
func ValidateFilename(name string) error {
	if name == "" || len(name) > 255 {
		return fmt.Errorf("%w: %q", ErrBadFilename, name)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrBadFilename, name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrBadFilename, name)
	}
	return nil
}

// StageFile writes content into the workspace's files/ directory,
// overwriting an existing file of the same name.
func (m *Manager) StageFile(jobID, name string, content []byte) error {
	if err := ValidateFilename(name); err != nil {
		return err
	}
	filesPath := filepath.Join(m.Path(jobID), FilesDir)
	if _, err := os.Stat(filesPath); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return os.WriteFile(filepath.Join(filesPath, name), content, 0644)
}

// ListFiles returns the entries of subpath within the workspace.
func (m *Manager) ListFiles(jobID, subpath string) ([]Entry, error) {
	target, err := m.resolve(jobID, subpath)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(target)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", subpath, err)
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, e := range dirEntries {
		entry := Entry{Name: e.Name(), Type: entryType(e.Type())}
		if info, err := e.Info(); err == nil {
			entry.Size = info.Size()
			entry.MTime = info.ModTime()
		}
		out = append(out, entry)
	}
	return out, nil
}

func entryType(mode fs.FileMode) string {
	switch {
	case mode.IsDir():
		return "dir"
	case mode&fs.ModeSymlink != 0:
		return "symlink"
	case mode.IsRegular():
		return "file"
	default:
		return "other"
	}
}

// ReadFile opens subpath for streaming. The caller closes the reader.
func (m *Manager) ReadFile(jobID, subpath string) (io.ReadCloser, error) {
	target, err := m.resolve(jobID, subpath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", subpath, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrBadPath, subpath)
	}
	return os.Open(target)
}

// resolve canonicalises subpath against the workspace and refuses anything
// that lands outside it, symlink indirection included.
func (m *Manager) resolve(jobID, subpath string) (string, error) {
	if filepath.IsAbs(subpath) {
		return "", fmt.Errorf("%w: %s", ErrBadPath, subpath)
	}
	base := m.Path(jobID)
	if _, err := os.Stat(base); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	base, err := cleanAbs(base)
	if err != nil {
		return "", err
	}
	target, err := cleanAbs(filepath.Join(base, subpath))
	if err != nil {
		return "", err
	}
	if !isSubpath(target, base) {
		return "", fmt.Errorf("%w: %s", ErrBadPath, subpath)
	}
	return target, nil
}

// Destroy removes the workspace tree. Absent workspaces are a no-op, so
// repeated destruction during teardown races stays quiet.
func (m *Manager) Destroy(jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, "/\\") || jobID == "." || jobID == ".." {
		return fmt.Errorf("%w: %q", ErrBadPath, jobID)
	}
	path := m.Path(jobID)
	if err := os.RemoveAll(path); err != nil {
		return logx.Wrap(err, fmt.Sprintf("failed to destroy workspace %s", jobID))
	}
	m.logger.Debug("Destroyed workspace %s", path)
	return nil
}

// List returns the job ids with a workspace currently on disk.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// cleanAbs makes path absolute and resolves symlinks where possible. A
// nonexistent path keeps its lexical form; the later open reports it.
func cleanAbs(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

func isSubpath(candidate, parent string) bool {
	rel, err := filepath.Rel(parent, candidate)
	if err != nil {
		return false
	}
	rel = filepath.Clean(rel)
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".."
}

func lookupOwner(owner string) (int, int, error) {
	u, err := user.Lookup(owner)
	if err != nil {
		return 0, 0, fmt.Errorf("unknown workspace owner %q: %w", owner, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("non-numeric uid for %q: %w", owner, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("non-numeric gid for %q: %w", owner, err)
	}
	return uid, gid, nil
}

// chownTree hands every entry of the tree to uid:gid. Lchown so symlink
// targets outside the tree are never touched.
func chownTree(root string, uid, gid int) error {
	return filepath.WalkDir(root, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(path, uid, gid)
	})
}
