package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return dir
}

func commitCount(t *testing.T, dir string) int {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)

	head, err := repo.Head()
	if err != nil {
		return 0 // unborn branch
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	require.NoError(t, err)

	n := 0
	require.NoError(t, iter.ForEach(func(*object.Commit) error { n++; return nil }))
	return n
}

func TestNewCommitterRejectsNonRepo(t *testing.T) {
	_, err := NewCommitter(t.TempDir(), DefaultSignature, zap.NewNop())
	assert.ErrorIs(t, err, ErrNotRepo)
}

func TestCommitStagesAndCommits(t *testing.T) {
	dir := initRepo(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs", "testing"), 0o700))
	docPath := filepath.Join("docs", "testing", "note.md")
	require.NoError(t, os.WriteFile(filepath.Join(dir, docPath), []byte("# note\n"), 0o600))

	c, err := NewCommitter(dir, DefaultSignature, zap.NewNop())
	require.NoError(t, err)

	msg := Message("testing", "Timeout in fetch", 42)
	require.NoError(t, c.Commit(context.Background(), []string{docPath}, msg))

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)

	assert.Contains(t, commit.Message, "learn(testing): Timeout in fetch")
	assert.Contains(t, commit.Message, "Learning-Id: 42")
	assert.Equal(t, DefaultSignature.Name, commit.Author.Name)
}

func TestCommitCleanWorktreeIsSuccess(t *testing.T) {
	dir := initRepo(t)
	docPath := "note.md"
	require.NoError(t, os.WriteFile(filepath.Join(dir, docPath), []byte("x\n"), 0o600))

	c, err := NewCommitter(dir, DefaultSignature, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Commit(ctx, []string{docPath}, "first"))
	before := commitCount(t, dir)

	// Same state again: a concurrent process already captured it.
	require.NoError(t, c.Commit(ctx, []string{docPath}, "second"))
	assert.Equal(t, before, commitCount(t, dir), "clean worktree must not create a commit")
}

func TestCommitMissingPathFails(t *testing.T) {
	dir := initRepo(t)

	c, err := NewCommitter(dir, DefaultSignature, zap.NewNop())
	require.NoError(t, err)

	err = c.Commit(context.Background(), []string{"does/not/exist.md"}, "msg")
	assert.Error(t, err)
}

func TestCommitHonorsCancelledContext(t *testing.T) {
	dir := initRepo(t)
	c, err := NewCommitter(dir, DefaultSignature, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Commit(ctx, nil, "msg"), context.Canceled)
}
