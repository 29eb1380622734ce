// Package document writes the human-readable Markdown artifact for a
// learning record.
//
// Each record gets exactly one file under the documents root, at a path
// derived deterministically from domain, title and timestamp. Writes are
// security-hardened: the path is re-validated by pathguard immediately
// before the open, the file is created with O_EXCL so a concurrent writer
// (or an attacker's pre-placed file) fails loudly instead of being
// overwritten, and the mode is 0600 so documents are never group or world
// writable.
package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/pathguard"
	"github.com/fyrsmithlabs/learnd/internal/sanitize"
)

// ErrExists indicates the target file was already present. Two processes
// writing the same domain+title in the same second would collide here; the
// later one must fail rather than clobber the earlier document.
var ErrExists = errors.New("document already exists")

const (
	fileMode = 0o600
	dirMode  = 0o700
)

// Writer creates record documents under a fixed root directory.
type Writer struct {
	root   string
	logger *zap.Logger
}

// NewWriter returns a Writer rooted at root. The root must exist; it is the
// pre-initialized document tree, not something this core creates.
func NewWriter(root string, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving documents root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("documents root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("documents root %s is not a directory", abs)
	}
	return &Writer{root: abs, logger: logger}, nil
}

// Root returns the absolute documents root.
func (w *Writer) Root() string {
	return w.root
}

// RelPath derives the document path for a record, relative to the root.
//
// Layout: <domain-slug>/<utc-timestamp>-<title-slug>.md. Both slugs fall
// back to a content-hash token when sanitization empties them, so even an
// all-punctuation title yields a unique, non-colliding basename.
func RelPath(rec *learning.Record) string {
	stamp := rec.CreatedAt.UTC().Format("20060102-150405")
	return filepath.Join(
		sanitize.Slug(rec.Domain),
		fmt.Sprintf("%s-%s.md", stamp, sanitize.Slug(rec.Title)),
	)
}

// Write renders rec and creates its document file, returning the absolute
// path written. The pathguard check runs as the last step before the open
// syscall; an earlier check by the caller does not exempt it.
func (w *Writer) Write(ctx context.Context, rec *learning.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	abs := filepath.Join(w.root, rec.FilePath)

	if err := os.MkdirAll(filepath.Dir(abs), dirMode); err != nil {
		return "", fmt.Errorf("creating document directory: %w", err)
	}

	// Last instant before the write syscall. A symlink or hardlink swapped
	// in after any earlier check is caught here.
	if err := pathguard.CheckSafe(w.root, abs); err != nil {
		return "", err
	}

	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrExists, abs)
		}
		return "", fmt.Errorf("creating document: %w", err)
	}

	if _, err := f.WriteString(Render(rec)); err != nil {
		_ = f.Close()
		_ = os.Remove(abs)
		return "", fmt.Errorf("writing document: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(abs)
		return "", fmt.Errorf("syncing document: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(abs)
		return "", fmt.Errorf("closing document: %w", err)
	}

	w.logger.Debug("document written",
		zap.String("path", rec.FilePath),
		zap.Int("bytes", len(rec.Summary)))
	return abs, nil
}

// Remove deletes a previously written document. Used by rollback; a missing
// file is not an error. Parent directories are left in place, they are
// shared across records of the same domain.
func (w *Writer) Remove(relPath string) error {
	abs := filepath.Join(w.root, relPath)
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing document: %w", err)
	}
	return nil
}

// Render produces the Markdown body for a record: a small front-matter
// block for tooling, then title and summary for humans.
func Render(rec *learning.Record) string {
	var b strings.Builder

	b.WriteString("---\n")
	fmt.Fprintf(&b, "type: %s\n", rec.Type)
	fmt.Fprintf(&b, "domain: %s\n", rec.Domain)
	if len(rec.Tags) > 0 {
		fmt.Fprintf(&b, "tags: [%s]\n", strings.Join(rec.Tags, ", "))
	}
	if rec.Type.UsesSeverity() {
		fmt.Fprintf(&b, "severity: %d\n", rec.Severity)
	} else {
		fmt.Fprintf(&b, "confidence: %.2f\n", rec.Confidence)
	}
	fmt.Fprintf(&b, "created: %s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	b.WriteString("---\n\n")

	fmt.Fprintf(&b, "# %s\n\n", rec.Title)
	b.WriteString(rec.Summary)
	b.WriteString("\n")

	return b.String()
}
