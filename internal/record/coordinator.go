// Package record implements the concurrent write coordinator for the shared
// knowledge base.
//
// One Record call drives the full write path across the three stores:
//
//	Validating -> WritingDocument -> WritingIndex -> LockWait -> Committing -> Done
//
// Validation failures reject the call before any side effect. Every later
// failure routes through rollback, which undoes completed steps in reverse
// order, so the caller observes either a committed record (document + index
// row + history commit) or the pre-call state. There is no transaction
// spanning the stores; this is ordered writes plus compensation.
//
// Known gap: a process crash between the document write and the index
// insert leaves an orphan document with no row. This core does not attempt
// reconciliation; detecting such orphans is left to out-of-scope audit
// tooling.
package record

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/document"
	"github.com/fyrsmithlabs/learnd/internal/history"
	"github.com/fyrsmithlabs/learnd/internal/index"
	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/lock"
	"github.com/fyrsmithlabs/learnd/internal/pathguard"
	"github.com/fyrsmithlabs/learnd/internal/sanitize"
)

// DocumentWriter is the document-tree side of the write path.
type DocumentWriter interface {
	Root() string
	Write(ctx context.Context, rec *learning.Record) (string, error)
	Remove(relPath string) error
}

// IndexWriter is the SQLite side of the write path.
type IndexWriter interface {
	Insert(ctx context.Context, rec *learning.Record) (int64, error)
	Delete(ctx context.Context, id int64) error
	Checkpoint(ctx context.Context) error
}

// HistoryCommitter is the Git side of the write path.
type HistoryCommitter interface {
	Commit(ctx context.Context, paths []string, message string) error
}

// Input is the raw, unvalidated request for one learning record. Severity
// and Confidence arrive as strings so the sanitizer's strict patterns can
// reject out-of-range values instead of anything getting silently clamped
// by numeric conversion.
type Input struct {
	Type       string
	Domain     string
	Title      string
	Summary    string
	Tags       []string
	Severity   string
	Confidence string
}

// Coordinator orchestrates one record write across the three stores.
type Coordinator struct {
	docs        DocumentWriter
	idx         IndexWriter
	hist        HistoryCommitter
	lck         lock.Lock
	base        string
	indexPath   string
	lockTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// New wires a Coordinator from its collaborators.
//
// base is the knowledge-base root (the Git working copy); indexPath is the
// absolute path of the SQLite file, used to stage it for the history commit.
func New(docs DocumentWriter, idx IndexWriter, hist HistoryCommitter, lck lock.Lock,
	base, indexPath string, lockTimeout time.Duration, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		docs:        docs,
		idx:         idx,
		hist:        hist,
		lck:         lck,
		base:        base,
		indexPath:   indexPath,
		lockTimeout: lockTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// Record validates the input and writes one learning record to all three
// stores, returning its assigned ID.
//
// On failure it returns a *Error reporting the failed step, whether
// completed steps were rolled back, and whether retrying the identical call
// is safe. The call always returns within the configured retry and lock
// budgets.
func (c *Coordinator) Record(ctx context.Context, in Input) (int64, error) {
	rec, verr := c.validate(in)
	if verr != nil {
		recordsTotal.WithLabelValues("rejected").Inc()
		return 0, verr
	}

	rb := &rollback{logger: c.logger}

	// Document first: an orphan file is greppable and harmless, an index
	// row pointing at a missing file would poison readers.
	docAbs, err := c.writeDocument(ctx, rec)
	if err != nil {
		return 0, c.fail(ctx, rb, err)
	}
	rb.push("document", func(ctx context.Context) error {
		return c.docs.Remove(rec.FilePath)
	})

	id, err := c.writeIndex(ctx, rec)
	if err != nil {
		return 0, c.fail(ctx, rb, err)
	}
	rec.ID = id
	rb.push("index row", func(ctx context.Context) error {
		return c.idx.Delete(ctx, id)
	})

	if err := c.commitHistory(ctx, rec, docAbs, rb); err != nil {
		return 0, c.fail(ctx, rb, err)
	}

	recordsTotal.WithLabelValues("ok").Inc()
	c.logger.Info("learning record committed",
		zap.Int64("id", id),
		zap.String("type", string(rec.Type)),
		zap.String("domain", rec.Domain),
		zap.String("score", rec.Score()),
		zap.String("path", rec.FilePath))
	return id, nil
}

// validate runs the sanitizer over every field and assembles the record.
// Pure except for reading the clock; no store is touched.
func (c *Coordinator) validate(in Input) (*learning.Record, *Error) {
	reject := func(err error) *Error {
		return &Error{Kind: KindValidation, Step: StepValidate, Retryable: true, Err: err}
	}

	start := c.now()
	defer func() {
		stepDuration.WithLabelValues(string(StepValidate)).Observe(time.Since(start).Seconds())
	}()

	typ, err := learning.ParseType(in.Type)
	if err != nil {
		return nil, reject(err)
	}
	domain, err := sanitize.Line(in.Domain, sanitize.MaxDomainLength)
	if err != nil {
		return nil, reject(fmt.Errorf("domain: %w", err))
	}
	title, err := sanitize.Line(in.Title, sanitize.MaxTitleLength)
	if err != nil {
		return nil, reject(fmt.Errorf("title: %w", err))
	}

	maxBody := sanitize.MaxSummaryLength
	if typ == learning.TypeExperiment {
		maxBody = sanitize.MaxExplanationLength
	}
	summary, err := sanitize.Body(in.Summary, maxBody)
	if err != nil {
		return nil, reject(fmt.Errorf("summary: %w", err))
	}

	tags, err := sanitize.Tags(in.Tags)
	if err != nil {
		return nil, reject(err)
	}

	rec := &learning.Record{
		Type:      typ,
		Domain:    domain,
		Title:     title,
		Summary:   summary,
		Tags:      tags,
		CreatedAt: c.now().UTC(),
	}

	if typ.UsesSeverity() {
		if in.Confidence != "" {
			return nil, reject(fmt.Errorf("%s records take severity, not confidence", typ))
		}
		rec.Severity, err = sanitize.Severity(in.Severity)
	} else {
		if in.Severity != "" {
			return nil, reject(fmt.Errorf("%s records take confidence, not severity", typ))
		}
		rec.Confidence, err = sanitize.Confidence(in.Confidence)
	}
	if err != nil {
		return nil, reject(err)
	}

	rec.FilePath = document.RelPath(rec)
	return rec, nil
}

// writeDocument runs the path guard and creates the record's document.
// The writer repeats the guard immediately before its open syscall.
func (c *Coordinator) writeDocument(ctx context.Context, rec *learning.Record) (string, error) {
	start := c.now()
	defer func() {
		stepDuration.WithLabelValues(string(StepWriteDocument)).Observe(time.Since(start).Seconds())
	}()

	abs := filepath.Join(c.docs.Root(), rec.FilePath)
	if err := pathguard.CheckSafe(c.docs.Root(), abs); err != nil {
		return "", &Error{Kind: KindSecurity, Step: StepWriteDocument, Retryable: true, Err: err}
	}

	docAbs, err := c.docs.Write(ctx, rec)
	if err != nil {
		if isSecurityErr(err) {
			// The writer's own guard fired before any byte was written,
			// so the call may be retried verbatim like the pre-check.
			return "", &Error{Kind: KindSecurity, Step: StepWriteDocument, Retryable: true, Err: err}
		}
		return "", &Error{Kind: KindFilesystem, Step: StepWriteDocument, Err: err}
	}
	return docAbs, nil
}

func (c *Coordinator) writeIndex(ctx context.Context, rec *learning.Record) (int64, error) {
	start := c.now()
	defer func() {
		stepDuration.WithLabelValues(string(StepWriteIndex)).Observe(time.Since(start).Seconds())
	}()

	id, err := c.idx.Insert(ctx, rec)
	if err != nil {
		return 0, &Error{Kind: KindStorage, Step: StepWriteIndex, Err: err}
	}
	return id, nil
}

// commitHistory serializes the history commit behind the advisory lock.
// A commit failure gets one retry after dropping and re-acquiring the lock;
// persistent failure is fatal and the record is rolled back rather than
// reported as saved-but-not-historized.
func (c *Coordinator) commitHistory(ctx context.Context, rec *learning.Record, docAbs string, rb *rollback) error {
	lockStart := c.now()
	err := c.lck.Acquire(ctx, c.lockTimeout)
	stepDuration.WithLabelValues(string(StepLockWait)).Observe(time.Since(lockStart).Seconds())
	if err != nil {
		return &Error{Kind: KindLockTimeout, Step: StepLockWait, Err: err}
	}
	held := true
	defer func() {
		if held {
			if rerr := c.lck.Release(); rerr != nil {
				c.logger.Error("releasing advisory lock", zap.Error(rerr))
			}
		}
	}()

	commitStart := c.now()
	defer func() {
		stepDuration.WithLabelValues(string(StepCommit)).Observe(time.Since(commitStart).Seconds())
	}()

	// Flush the WAL so the staged database file contains the new row.
	if err := c.idx.Checkpoint(ctx); err != nil {
		return &Error{Kind: KindStorage, Step: StepCommit, Err: fmt.Errorf("wal checkpoint: %w", err)}
	}

	paths := c.stagePaths(docAbs)
	msg := history.Message(rec.Domain, rec.Title, rec.ID)

	cerr := c.hist.Commit(ctx, paths, msg)
	if cerr == nil {
		return nil
	}
	c.logger.Warn("history commit failed, retrying once after lock re-acquisition",
		zap.Error(cerr))

	// Drop and re-take the lock: if the failure came from another process
	// racing the Git index outside the lock protocol, the fresh hold gives
	// its writes time to settle.
	if rerr := c.lck.Release(); rerr != nil {
		c.logger.Error("releasing advisory lock before retry", zap.Error(rerr))
	}
	held = false
	if aerr := c.lck.Acquire(ctx, c.lockTimeout); aerr != nil {
		return &Error{Kind: KindHistory, Step: StepCommit,
			Err: fmt.Errorf("re-acquiring lock for retry after %v: %w", cerr, aerr)}
	}
	held = true

	if cerr = c.hist.Commit(ctx, paths, msg); cerr != nil {
		return &Error{Kind: KindHistory, Step: StepCommit, Err: cerr}
	}
	return nil
}

// stagePaths returns the repo-relative paths to commit: the document plus
// the index database when it lives inside the working copy.
func (c *Coordinator) stagePaths(docAbs string) []string {
	paths := make([]string, 0, 2)
	if rel, err := filepath.Rel(c.base, docAbs); err == nil && !strings.HasPrefix(rel, "..") {
		paths = append(paths, rel)
	}
	if rel, err := filepath.Rel(c.base, c.indexPath); err == nil && !strings.HasPrefix(rel, "..") {
		paths = append(paths, rel)
	}
	return paths
}

// fail runs rollback and annotates err with the cleanup outcome.
func (c *Coordinator) fail(ctx context.Context, rb *rollback, err error) error {
	recordsTotal.WithLabelValues("failed").Inc()

	var recErr *Error
	if !errors.As(err, &recErr) {
		recErr = &Error{Kind: KindStorage, Step: StepWriteIndex, Err: err}
	}

	// Security rejections before any byte was written need no cleanup and
	// are safe to retry verbatim.
	if recErr.Kind == KindSecurity && len(rb.steps) == 0 {
		return recErr
	}

	clean := rb.run(ctx, recErr.Step)
	recErr.RolledBack = clean
	// Retrying the identical call is only safe once the stores are back to
	// the pre-call state; otherwise a retry could commit a near-duplicate
	// record under a different ID.
	recErr.Retryable = clean
	return recErr
}

// isSecurityErr matches the pathguard detections.
func isSecurityErr(err error) bool {
	return errors.Is(err, pathguard.ErrSymlink) ||
		errors.Is(err, pathguard.ErrHardLink) ||
		errors.Is(err, pathguard.ErrOutsideRoot)
}

// Open wires a Coordinator from concrete stores rooted under base. It is
// the production constructor used by the CLI; tests wire New directly with
// fakes.
func Open(base, indexPath, docsDir, lockDir string, strategy lock.Strategy,
	retry index.RetryConfig, lockTimeout time.Duration, sig history.Signature,
	logger *zap.Logger) (*Coordinator, func() error, error) {

	docs, err := document.NewWriter(docsDir, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("document writer: %w", err)
	}

	idx, err := index.Open(indexPath, retry, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("index writer: %w", err)
	}
	cleanup := idx.Close

	if err := idx.EnsureSchema(context.Background()); err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("index schema: %w", err)
	}

	hist, err := history.NewCommitter(base, sig, logger)
	if err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("history committer: %w", err)
	}

	lck, err := lock.New(lockDir, "history", strategy, logger)
	if err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("advisory lock: %w", err)
	}

	return New(docs, idx, hist, lck, base, indexPath, lockTimeout, logger), cleanup, nil
}
