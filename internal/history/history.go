// Package history records committed learning records in the knowledge
// base's Git working copy.
//
// The commit is the audit trail: once a record's document and index row
// exist, both are staged and committed in one revision. Callers hold the
// advisory lock across Commit so concurrent processes serialize their
// revisions instead of racing the Git index.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

// ErrNotRepo indicates the knowledge base root is not a Git working copy.
var ErrNotRepo = errors.New("knowledge base is not a git repository")

// Signature identifies the committer recorded in history.
type Signature struct {
	Name  string
	Email string
}

// DefaultSignature is used when the configuration does not name one.
var DefaultSignature = Signature{
	Name:  "learnd",
	Email: "learnd@agents.invalid",
}

// Committer stages and commits knowledge-base changes.
type Committer struct {
	repoPath string
	sig      Signature
	logger   *zap.Logger
}

// NewCommitter opens the working copy at repoPath and verifies it is a Git
// repository. The repository is assumed pre-initialized by setup tooling;
// this core never creates it.
func NewCommitter(repoPath string, sig Signature, logger *zap.Logger) (*Committer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sig.Name == "" {
		sig = DefaultSignature
	}

	if _, err := git.PlainOpen(repoPath); err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotRepo, repoPath)
		}
		return nil, fmt.Errorf("opening repository %s: %w", repoPath, err)
	}

	return &Committer{repoPath: repoPath, sig: sig, logger: logger}, nil
}

// Commit stages the given repo-relative paths and commits them with message.
//
// A clean worktree after staging means a concurrent commit already captured
// the same state; that is success, not failure. Any other failure is
// returned for the caller to retry or roll back — the caller must not assume
// the record is historized just because earlier steps succeeded.
func (c *Committer) Commit(ctx context.Context, paths []string, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Reopen per call: the on-disk index may have been rewritten by a
	// previous lock holder since this process last looked.
	repo, err := git.PlainOpen(c.repoPath)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}

	for _, p := range paths {
		if _, err := wt.Add(p); err != nil {
			return fmt.Errorf("staging %s: %w", p, err)
		}
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("reading worktree status: %w", err)
	}
	if status.IsClean() {
		c.logger.Debug("nothing to commit, state already captured",
			zap.Strings("paths", paths))
		return nil
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  c.sig.Name,
			Email: c.sig.Email,
			When:  time.Now(),
		},
	})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return nil
		}
		return fmt.Errorf("committing: %w", err)
	}

	c.logger.Debug("history commit created",
		zap.String("hash", hash.String()),
		zap.Strings("paths", paths))
	return nil
}

// Message builds the conventional commit message for a record:
// "learn(<domain>): <title>" with an ID trailer so history is greppable
// per record.
func Message(domain, title string, id int64) string {
	return fmt.Sprintf("learn(%s): %s\n\nLearning-Id: %d\n", domain, title, id)
}
