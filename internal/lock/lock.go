// Package lock provides cross-process advisory locking for the shared
// knowledge base.
//
// Two interchangeable strategies implement the same contract: mutual
// exclusion, bounded wait, and no stale locks surviving process death.
//
//   - flock: a kernel advisory lock on a dedicated lock file. Released
//     automatically on file-descriptor close, so a crashed holder never
//     leaves a stale lock behind.
//   - dir: atomic directory creation as a lock token, polled at a fixed
//     interval. The token records the holder's pid; a token whose owner is
//     gone is reclaimed. Works on filesystems where flock is unreliable
//     (some NFS mounts).
//
// The strategy is chosen at startup by a capability probe; callers only see
// the Lock interface.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// PollInterval is the wait between acquisition attempts while contended.
const PollInterval = 10 * time.Millisecond

// Locking errors.
var (
	// ErrTimeout indicates the lock could not be acquired within the
	// configured bound. Transient for the attempt, fatal for the call.
	ErrTimeout = errors.New("lock acquisition timed out")

	// ErrNotHeld indicates Release was called without a held lock.
	ErrNotHeld = errors.New("lock not held")
)

// Strategy identifies a locking backend.
type Strategy string

const (
	// StrategyAuto probes for flock support and falls back to dir.
	StrategyAuto Strategy = "auto"

	// StrategyFlock forces the kernel advisory-lock backend.
	StrategyFlock Strategy = "flock"

	// StrategyDir forces the mkdir-token backend.
	StrategyDir Strategy = "dir"
)

// Lock is a cross-process mutex with a bounded wait.
//
// Acquire blocks until the lock is held, the timeout elapses (ErrTimeout),
// or ctx is cancelled. Release returns the lock; it is safe to call from a
// deferred path after a failed Acquire, where it reports ErrNotHeld.
type Lock interface {
	Acquire(ctx context.Context, timeout time.Duration) error
	Release() error
}

// New creates a lock named name under dir, selecting the backend per
// strategy. StrategyAuto probes dir for flock support.
func New(dir, name string, strategy Strategy, logger *zap.Logger) (Lock, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	switch strategy {
	case StrategyFlock:
		return newFlockLock(filepath.Join(dir, name+".lock"), logger), nil
	case StrategyDir:
		return newDirLock(filepath.Join(dir, name+".lockdir"), logger), nil
	case StrategyAuto, "":
		if probeFlock(dir) {
			return newFlockLock(filepath.Join(dir, name+".lock"), logger), nil
		}
		logger.Warn("flock unsupported on lock directory, using mkdir tokens",
			zap.String("dir", dir))
		return newDirLock(filepath.Join(dir, name+".lockdir"), logger), nil
	default:
		return nil, fmt.Errorf("unknown lock strategy %q", strategy)
	}
}

// sleepOrDone waits one poll interval, returning early on ctx cancellation.
func sleepOrDone(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
