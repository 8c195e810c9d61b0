package cow

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// walkFunc receives each source entry with its relative path and handles the
// regular-file case; directories and symlinks are shared across strategies.
type walkFunc func(srcPath, destPath string, mode fs.FileMode) error

// walkTree mirrors the directory skeleton and symlinks of srcDir under
// destDir and delegates regular files to fn. Symlinks are recreated verbatim
// and never followed, so a link pointing outside the source tree stays a
// link. Sockets, pipes and devices are skipped.
func walkTree(srcDir, destDir string, fn walkFunc) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return fn(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

// reflinkTree clones every regular file with the filesystem's file-clone
// ioctl so the copy shares extents with the source until written.
func reflinkTree(srcDir, destDir string) error {
	return walkTree(srcDir, destDir, func(srcPath, destPath string, mode fs.FileMode) error {
		src, err := os.Open(srcPath)
		if err != nil {
			return err
		}
		defer src.Close()

		dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
		if err != nil {
			return err
		}
		defer dst.Close()

		if err := unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())); err != nil {
			if isCloneUnsupported(err) {
				return fmt.Errorf("%w: reflink %s: %v", errUnsupported, srcPath, err)
			}
			return fmt.Errorf("reflink %s: %w", srcPath, err)
		}
		return nil
	})
}

// isCloneUnsupported reports errnos that mean the filesystem cannot reflink,
// as opposed to a genuine I/O failure.
func isCloneUnsupported(err error) bool {
	return errors.Is(err, unix.EOPNOTSUPP) ||
		errors.Is(err, unix.ENOTSUP) ||
		errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.ENOTTY) ||
		errors.Is(err, unix.EXDEV)
}

// snapshotTree snapshots srcDir as a new subvolume at destDir. The source
// must itself be a subvolume; anything else is reported as unsupported so
// the ladder falls through.
func snapshotTree(srcDir, destDir string) error {
	btrfs, err := exec.LookPath("btrfs")
	if err != nil {
		return fmt.Errorf("%w: btrfs tool not found", errUnsupported)
	}
	out, err := exec.Command(btrfs, "subvolume", "snapshot", srcDir, destDir).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		return fmt.Errorf("%w: btrfs snapshot: %v (%s)", errUnsupported, err, msg)
	}
	return nil
}

// hardlinkTree links every regular file to the source. The result shares
// inodes with the source, so callers must treat it as read-only.
func hardlinkTree(srcDir, destDir string) error {
	return walkTree(srcDir, destDir, func(srcPath, destPath string, _ fs.FileMode) error {
		if err := os.Link(srcPath, destPath); err != nil {
			if errors.Is(err, unix.EXDEV) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.EMLINK) {
				return fmt.Errorf("%w: hardlink %s: %v", errUnsupported, srcPath, err)
			}
			return err
		}
		return nil
	})
}

// CopyTree copies srcDir to destDir byte for byte, recreating symlinks and
// preserving file modes. The ladder's last rung, also used directly by
// callers that need a plain mirror (the registry copying a local source
// tree, .git included).
func CopyTree(srcDir, destDir string) error {
	return walkTree(srcDir, destDir, func(srcPath, destPath string, mode fs.FileMode) error {
		src, err := os.Open(srcPath)
		if err != nil {
			return err
		}
		defer src.Close()

		dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(dst, src); err != nil {
			dst.Close()
			return fmt.Errorf("copy %s: %w", srcPath, err)
		}
		return dst.Close()
	})
}
