package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// flockLock holds a kernel advisory lock on a dedicated lock file.
//
// The lock file is never removed: unlinking a locked file would let a new
// opener lock a fresh inode while the old holder still runs. The kernel
// drops the lock when the descriptor closes, crash included.
type flockLock struct {
	path   string
	file   *os.File
	logger *zap.Logger
}

func newFlockLock(path string, logger *zap.Logger) *flockLock {
	return &flockLock{path: path, logger: logger}
}

func (l *flockLock) Acquire(ctx context.Context, timeout time.Duration) error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("opening lock file %s: %w", l.path, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			l.file = file
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			_ = file.Close()
			return fmt.Errorf("flock %s: %w", l.path, err)
		}

		if time.Now().After(deadline) {
			_ = file.Close()
			l.logger.Debug("flock acquisition timed out",
				zap.String("path", l.path),
				zap.Duration("timeout", timeout))
			return fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, l.path)
		}
		if err := sleepOrDone(ctx, PollInterval); err != nil {
			_ = file.Close()
			return err
		}
	}
}

func (l *flockLock) Release() error {
	if l.file == nil {
		return ErrNotHeld
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return closeErr
}

// probeFlock reports whether flock works on the given directory's
// filesystem. Some network filesystems accept the open but fail the lock.
func probeFlock(dir string) bool {
	f, err := os.CreateTemp(dir, ".flock-probe-*")
	if err != nil {
		return false
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return false
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return true
}
