// Package pathguard performs last-instant filesystem safety checks before a
// write.
//
// The checks close the time-of-check-to-time-of-use window: a path that
// passed an earlier existence check can have been swapped for a symlink, or
// hardlinked somewhere else, by a concurrent process. CheckSafe must
// therefore be the final call before the write syscall, and callers re-run it
// even when an earlier check already passed.
package pathguard

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Security errors. All of them abort the write before any byte is produced.
var (
	// ErrOutsideRoot indicates the target does not resolve inside the
	// designated subtree.
	ErrOutsideRoot = errors.New("path escapes the designated root")

	// ErrSymlink indicates the target or its parent directory is a symlink.
	ErrSymlink = errors.New("path is a symlink")

	// ErrHardLink indicates the existing target has more than one hard
	// link, so overwriting it would silently write through to another name.
	ErrHardLink = errors.New("path has multiple hard links")
)

// CheckSafe validates that path is a safe write target under root.
//
// It rejects when:
//   - path does not resolve lexically inside root
//   - the parent directory is (or has become) a symlink
//   - the target exists and is a symlink
//   - the target exists with a hard-link count above one
//
// A non-existent target with a safe parent is the normal case and passes.
func CheckSafe(root, path string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving root: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s not under %s", ErrOutsideRoot, absPath, absRoot)
	}

	if err := rejectSymlink(filepath.Dir(absPath), true); err != nil {
		return fmt.Errorf("parent of %s: %w", absPath, err)
	}

	var st unix.Stat_t
	if err := unix.Lstat(absPath, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil // nothing there yet, parent already vetted
		}
		return fmt.Errorf("lstat %s: %w", absPath, err)
	}

	if st.Mode&unix.S_IFMT == unix.S_IFLNK {
		return fmt.Errorf("%s: %w", absPath, ErrSymlink)
	}
	if st.Mode&unix.S_IFMT == unix.S_IFREG && st.Nlink > 1 {
		return fmt.Errorf("%s: %w (nlink=%d)", absPath, ErrHardLink, st.Nlink)
	}

	return nil
}

// rejectSymlink fails when the path exists and is a symlink. A missing
// parent is tolerated; the writer creates it later.
func rejectSymlink(path string, allowMissing bool) error {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if allowMissing && errors.Is(err, unix.ENOENT) {
			return nil
		}
		return fmt.Errorf("lstat: %w", err)
	}
	if st.Mode&unix.S_IFMT == unix.S_IFLNK {
		return ErrSymlink
	}
	return nil
}
