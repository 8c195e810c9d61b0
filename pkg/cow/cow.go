// Package cow produces isolated workspace trees from a source directory
// using the best copy-on-write primitive the destination filesystem offers.
// The filesystem is probed once at startup; every clone after that uses the
// cached decision.
package cow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"agentbatch/pkg/logx"
)

// Method names the primitive a clone was produced with.
type Method string

const (
	// MethodReflink shares extents copy-on-write, one clone call per file.
	MethodReflink Method = "reflink"
	// MethodSnapshot snapshots a whole subvolume in one operation.
	MethodSnapshot Method = "snapshot"
	// MethodHardlink links regular files to the source. Writes would leak
	// into the source, so jobs never select it; it exists for callers that
	// guarantee read-only trees.
	MethodHardlink Method = "hardlink"
	// MethodCopy is the full recursive byte copy of last resort.
	MethodCopy Method = "copy"
)

const btrfsSuperMagic = 0x9123683e

var (
	// ErrDestExists means the clone destination already exists.
	ErrDestExists = errors.New("clone destination already exists")

	// errUnsupported marks a strategy the filesystem refused; the cloner
	// falls through to the next rung.
	errUnsupported = errors.New("clone method unsupported here")
)

// Capabilities reports what a destination filesystem supports.
type Capabilities struct {
	Reflink  bool
	Snapshot bool
}

// Prober detects destination filesystem capabilities. The production prober
// touches the real filesystem; tests install a fake that advertises
// arbitrary capabilities.
type Prober interface {
	Probe(destRoot string) (Capabilities, error)
}

// FSProber probes the real destination filesystem.
type FSProber struct{}

// Probe attempts a test reflink in destRoot and inspects the filesystem
// type for subvolume support.
func (FSProber) Probe(destRoot string) (Capabilities, error) {
	if _, err := os.Stat(destRoot); err != nil {
		return Capabilities{}, fmt.Errorf("probe destination: %w", err)
	}
	caps := Capabilities{
		Reflink:  probeReflink(destRoot),
		Snapshot: probeSnapshot(destRoot),
	}
	return caps, nil
}

// probeReflink clones one scratch file onto another inside dir.
func probeReflink(dir string) bool {
	src, err := os.CreateTemp(dir, ".reflink-probe-*")
	if err != nil {
		return false
	}
	defer os.Remove(src.Name())
	defer src.Close()
	if _, err := src.WriteString("probe"); err != nil {
		return false
	}

	dst, err := os.CreateTemp(dir, ".reflink-probe-*")
	if err != nil {
		return false
	}
	defer os.Remove(dst.Name())
	defer dst.Close()

	return unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())) == nil
}

// probeSnapshot checks whether dir lives on a subvolume-capable filesystem.
func probeSnapshot(dir string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return false
	}
	return uint64(st.Type) == btrfsSuperMagic
}

// FakeProber advertises fixed capabilities, for tests.
type FakeProber struct {
	Caps Capabilities
	Err  error
}

func (f FakeProber) Probe(string) (Capabilities, error) {
	return f.Caps, f.Err
}

// Options tune cloner construction.
type Options struct {
	// AllowHardlink admits the hardlink rung into the ladder. Leave off
	// for trees that will be written to: hardlinked clones share bytes
	// with the source, so a writable clone degrades to a full copy
	// anyway.
	AllowHardlink bool
}

// Cloner clones source trees into a destination root with a fixed strategy
// ladder. Safe for concurrent use; each clone touches only its own paths.
type Cloner struct {
	ladder []Method
	logger *logx.Logger
}

// New probes destRoot once and fixes the strategy ladder.
func New(destRoot string, prober Prober, opts Options) (*Cloner, error) {
	caps, err := prober.Probe(destRoot)
	if err != nil {
		return nil, fmt.Errorf("capability probe: %w", err)
	}

	var ladder []Method
	if caps.Reflink {
		ladder = append(ladder, MethodReflink)
	}
	if caps.Snapshot {
		ladder = append(ladder, MethodSnapshot)
	}
	if opts.AllowHardlink {
		ladder = append(ladder, MethodHardlink)
	}
	ladder = append(ladder, MethodCopy)

	c := &Cloner{ladder: ladder, logger: logx.NewLogger("cow")}
	c.logger.Info("Clone ladder: %v (reflink=%v snapshot=%v)", ladder, caps.Reflink, caps.Snapshot)
	return c, nil
}

// Preferred returns the first rung of the ladder, for observability.
func (c *Cloner) Preferred() Method {
	return c.ladder[0]
}

// Clone materialises destDir with the contents of srcDir as an independent
// writable tree, returning the method that succeeded. destDir must not
// exist; its parent must. A failed rung is cleaned up before the next one
// runs, so destDir is never left half-written.
func (c *Cloner) Clone(srcDir, destDir string) (Method, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		return "", fmt.Errorf("clone source: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("clone source is not a directory: %s", srcDir)
	}
	if _, err := os.Lstat(destDir); err == nil {
		return "", fmt.Errorf("%w: %s", ErrDestExists, destDir)
	}
	if _, err := os.Stat(filepath.Dir(destDir)); err != nil {
		return "", fmt.Errorf("clone destination parent: %w", err)
	}

	for _, method := range c.ladder {
		err := c.cloneWith(method, srcDir, destDir)
		if err == nil {
			c.logger.Debug("Cloned %s -> %s via %s", srcDir, destDir, method)
			return method, nil
		}
		os.RemoveAll(destDir)
		if errors.Is(err, errUnsupported) {
			c.logger.Debug("Method %s refused for %s, falling through: %v", method, srcDir, err)
			continue
		}
		return "", fmt.Errorf("clone via %s: %w", method, err)
	}
	return "", fmt.Errorf("no clone method succeeded for %s", srcDir)
}

func (c *Cloner) cloneWith(method Method, srcDir, destDir string) error {
	switch method {
	case MethodReflink:
		return reflinkTree(srcDir, destDir)
	case MethodSnapshot:
		return snapshotTree(srcDir, destDir)
	case MethodHardlink:
		return hardlinkTree(srcDir, destDir)
	case MethodCopy:
		return CopyTree(srcDir, destDir)
	default:
		return fmt.Errorf("unknown clone method %q", method)
	}
}
