package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/history"
	"github.com/fyrsmithlabs/learnd/internal/index"
	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/lock"
	"github.com/fyrsmithlabs/learnd/internal/pathguard"
)

// testBase builds a pre-initialized knowledge base: a git working copy
// containing the docs tree and the index database file location.
func testBase(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	_, err := git.PlainInit(base, false)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "docs"), 0o700))
	return base
}

func openCoordinator(t *testing.T, base string, lockTimeout time.Duration) *Coordinator {
	t.Helper()
	c, cleanup, err := Open(
		base,
		filepath.Join(base, "index.db"),
		filepath.Join(base, "docs"),
		filepath.Join(base, ".locks"),
		lock.StrategyFlock,
		index.DefaultRetryConfig(),
		lockTimeout,
		history.DefaultSignature,
		zap.NewNop(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })
	return c
}

func validInput(title string) Input {
	return Input{
		Type:     "failure",
		Domain:   "testing",
		Title:    title,
		Summary:  "The mock server hangs when keep-alive is enabled.",
		Tags:     []string{"network"},
		Severity: "3",
	}
}

func countRows(t *testing.T, base string) int {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(base, "index.db"))
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM learnings`).Scan(&n))
	return n
}

func countDocs(t *testing.T, base string) int {
	t.Helper()
	n := 0
	root := filepath.Join(base, "docs")
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func headCommits(t *testing.T, base string) []*object.Commit {
	t.Helper()
	repo, err := git.PlainOpen(base)
	require.NoError(t, err)
	head, err := repo.Head()
	if err != nil {
		return nil
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	require.NoError(t, err)
	var commits []*object.Commit
	require.NoError(t, iter.ForEach(func(c *object.Commit) error {
		commits = append(commits, c)
		return nil
	}))
	return commits
}

func TestRecordHappyPath(t *testing.T) {
	base := testBase(t)
	c := openCoordinator(t, base, 5*time.Second)

	id, err := c.Record(context.Background(), validInput("Timeout in fetch"))
	require.NoError(t, err)
	assert.Positive(t, id)

	assert.Equal(t, 1, countRows(t, base))
	assert.Equal(t, 1, countDocs(t, base))

	commits := headCommits(t, base)
	require.Len(t, commits, 1)
	assert.Contains(t, commits[0].Message, "learn(testing): Timeout in fetch")
	assert.Contains(t, commits[0].Message, fmt.Sprintf("Learning-Id: %d", id))
}

func TestRecordValidationRejectsWithoutSideEffects(t *testing.T) {
	base := testBase(t)
	c := openCoordinator(t, base, 5*time.Second)

	bad := []Input{
		func() Input { in := validInput("t"); in.Severity = "0"; return in }(),
		func() Input { in := validInput("t"); in.Severity = "6"; return in }(),
		func() Input { in := validInput("t"); in.Severity = "high"; return in }(),
		func() Input { in := validInput("t"); in.Type = "opinion"; return in }(),
		func() Input { in := validInput("t"); in.Title = ""; return in }(),
		func() Input { in := validInput("t"); in.Confidence = "0.5"; return in }(),
		{Type: "heuristic", Domain: "testing", Title: "t", Summary: "s", Confidence: "1.5"},
	}

	for _, in := range bad {
		_, err := c.Record(context.Background(), in)
		var recErr *Error
		require.ErrorAs(t, err, &recErr)
		assert.Equal(t, KindValidation, recErr.Kind)
		assert.Equal(t, StepValidate, recErr.Step)
		assert.True(t, recErr.Retryable)
	}

	assert.Zero(t, countRows(t, base), "rejected input must not reach the index")
	assert.Zero(t, countDocs(t, base), "rejected input must not reach the document tree")
	assert.Empty(t, headCommits(t, base))
}

func TestRecordLockTimeoutRollsBackRowAndDocument(t *testing.T) {
	base := testBase(t)
	c := openCoordinator(t, base, 100*time.Millisecond)

	// A competing holder pins the history lock for the whole test.
	holder, err := lock.New(filepath.Join(base, ".locks"), "history", lock.StrategyFlock, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, holder.Acquire(context.Background(), time.Second))
	defer func() { _ = holder.Release() }()

	_, err = c.Record(context.Background(), validInput("Timeout in fetch"))

	var recErr *Error
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, KindLockTimeout, recErr.Kind)
	assert.Equal(t, StepLockWait, recErr.Step)
	assert.True(t, recErr.RolledBack, "rollback must be confirmed")
	assert.ErrorIs(t, err, lock.ErrTimeout)

	// The previously inserted row and written document are both gone.
	assert.Zero(t, countRows(t, base))
	assert.Zero(t, countDocs(t, base))
}

func TestRecordUnsanitizableTitleGetsHashName(t *testing.T) {
	base := testBase(t)
	c := openCoordinator(t, base, 5*time.Second)

	ctx := context.Background()
	first, err := c.Record(ctx, validInput("!!!"))
	require.NoError(t, err)
	second, err := c.Record(ctx, validInput("???"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, countDocs(t, base), "hash fallback names must not collide")
}

func TestRecordConcurrentCallsYieldDistinctIDs(t *testing.T) {
	base := testBase(t)

	const n = 10
	var (
		mu  sync.Mutex
		ids = make(map[int64]struct{}, n)
		wg  sync.WaitGroup
	)

	// One coordinator per worker: each stands in for an independent OS
	// process sharing nothing but the on-disk stores.
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, cleanup, err := Open(
				base,
				filepath.Join(base, "index.db"),
				filepath.Join(base, "docs"),
				filepath.Join(base, ".locks"),
				lock.StrategyFlock,
				index.DefaultRetryConfig(),
				10*time.Second,
				history.DefaultSignature,
				zap.NewNop(),
			)
			if err != nil {
				t.Error(err)
				return
			}
			defer func() { _ = cleanup() }()

			id, err := c.Record(context.Background(), validInput(fmt.Sprintf("distinct title %d", i)))
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			ids[id] = struct{}{}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, ids, n, "no two calls may observe the same ID")
	assert.Equal(t, n, countRows(t, base))
	assert.Equal(t, n, countDocs(t, base))
	assert.NotEmpty(t, headCommits(t, base))
}

// failingCommitter fails a configurable number of times, then delegates.
type failingCommitter struct {
	failures int
	calls    int
	inner    HistoryCommitter
}

func (f *failingCommitter) Commit(ctx context.Context, paths []string, message string) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("simulated commit failure")
	}
	if f.inner == nil {
		return nil
	}
	return f.inner.Commit(ctx, paths, message)
}

func TestRecordHistoryRetriesOnceThenSucceeds(t *testing.T) {
	base := testBase(t)
	c := openCoordinator(t, base, 5*time.Second)

	real := c.hist
	fc := &failingCommitter{failures: 1, inner: real}
	c.hist = fc

	id, err := c.Record(context.Background(), validInput("retry me"))
	require.NoError(t, err)
	assert.Positive(t, id)
	assert.Equal(t, 2, fc.calls, "commit must be retried exactly once")
	assert.Equal(t, 1, countRows(t, base))
}

func TestRecordHistoryPersistentFailureRollsBack(t *testing.T) {
	base := testBase(t)
	c := openCoordinator(t, base, 5*time.Second)

	fc := &failingCommitter{failures: 2}
	c.hist = fc

	_, err := c.Record(context.Background(), validInput("never historized"))

	var recErr *Error
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, KindHistory, recErr.Kind)
	assert.Equal(t, StepCommit, recErr.Step)
	assert.True(t, recErr.RolledBack)
	assert.Equal(t, 2, fc.calls)

	assert.Zero(t, countRows(t, base), "index row must be rolled back")
	assert.Zero(t, countDocs(t, base), "document must be rolled back")
}

// trippingWriter simulates the writer's own guard firing, as when the
// target path is swapped for a symlink after the coordinator's pre-check.
type trippingWriter struct {
	DocumentWriter
}

func (w *trippingWriter) Write(ctx context.Context, rec *learning.Record) (string, error) {
	return "", fmt.Errorf("open %s: %w", rec.FilePath, pathguard.ErrSymlink)
}

func TestRecordGuardedWriteRejectionIsRetryable(t *testing.T) {
	base := testBase(t)
	c := openCoordinator(t, base, 5*time.Second)
	c.docs = &trippingWriter{DocumentWriter: c.docs}

	_, err := c.Record(context.Background(), validInput("swapped underneath"))

	var recErr *Error
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, KindSecurity, recErr.Kind)
	assert.Equal(t, StepWriteDocument, recErr.Step)
	assert.True(t, recErr.Retryable, "nothing was written, retrying verbatim is safe")
	assert.ErrorIs(t, err, pathguard.ErrSymlink)

	assert.Zero(t, countRows(t, base))
	assert.Zero(t, countDocs(t, base))
}

// failingIndex wraps a real index writer and fails Insert.
type failingIndex struct {
	IndexWriter
}

func (f *failingIndex) Insert(ctx context.Context, rec *learning.Record) (int64, error) {
	return 0, errors.New("disk I/O error")
}

func TestRecordIndexFailureRollsBackDocument(t *testing.T) {
	base := testBase(t)
	c := openCoordinator(t, base, 5*time.Second)
	c.idx = &failingIndex{IndexWriter: c.idx}

	_, err := c.Record(context.Background(), validInput("doomed"))

	var recErr *Error
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, KindStorage, recErr.Kind)
	assert.Equal(t, StepWriteIndex, recErr.Step)
	assert.True(t, recErr.RolledBack)

	assert.Zero(t, countDocs(t, base), "document must be removed after index failure")
}

func TestRecordDuplicateTitleSameSecondFails(t *testing.T) {
	base := testBase(t)
	c := openCoordinator(t, base, 5*time.Second)
	// Freeze the clock so both calls derive the identical path.
	fixed := time.Now()
	c.now = func() time.Time { return fixed }

	ctx := context.Background()
	_, err := c.Record(ctx, validInput("same title"))
	require.NoError(t, err)

	_, err = c.Record(ctx, validInput("same title"))
	var recErr *Error
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, KindFilesystem, recErr.Kind)
	assert.Equal(t, StepWriteDocument, recErr.Step)

	// The first record survives untouched.
	assert.Equal(t, 1, countRows(t, base))
	assert.Equal(t, 1, countDocs(t, base))
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitValidation, ExitCode(&Error{Kind: KindValidation}))
	assert.Equal(t, ExitSecurity, ExitCode(&Error{Kind: KindSecurity}))
	assert.Equal(t, ExitStorage, ExitCode(&Error{Kind: KindStorage}))
	assert.Equal(t, ExitFilesystem, ExitCode(&Error{Kind: KindFilesystem}))
	assert.Equal(t, ExitLockTimeout, ExitCode(&Error{Kind: KindLockTimeout}))
	assert.Equal(t, ExitHistory, ExitCode(&Error{Kind: KindHistory}))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", &Error{Kind: KindLockTimeout})
	assert.Equal(t, ExitLockTimeout, ExitCode(wrapped))
}

func TestRecordHeuristicUsesConfidence(t *testing.T) {
	base := testBase(t)
	c := openCoordinator(t, base, 5*time.Second)

	in := Input{
		Type:       "heuristic",
		Domain:     "testing",
		Title:      "Prefer table tests",
		Summary:    "Table tests keep coverage dense.",
		Confidence: "0.9",
	}
	id, err := c.Record(context.Background(), in)
	require.NoError(t, err)
	assert.Positive(t, id)
}
