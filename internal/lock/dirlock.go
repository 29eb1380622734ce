package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// dirLock uses atomic directory creation as a cross-process lock token.
//
// mkdir is atomic on POSIX filesystems including NFS, which is what makes
// this a valid fallback when flock is unavailable. The cost is that a
// crashed holder leaves the token behind, so each token carries its owner's
// identity and a dead owner's token is reclaimed during acquisition.
type dirLock struct {
	path   string
	token  string
	logger *zap.Logger
}

// ownerInfo is written inside the token directory so other processes can
// tell who holds the lock and whether that holder is still alive.
type ownerInfo struct {
	PID      int       `json:"pid"`
	Token    string    `json:"token"`
	Acquired time.Time `json:"acquired"`
}

const (
	ownerFile   = "owner.json"
	reclaimFile = "reclaim"
)

// ownerGrace is how long a token may sit without a readable owner file
// before waiters may scavenge it. Shorter than this, the token is assumed
// mid-acquisition; longer, its creator died between mkdir and the owner
// write. The same grace bounds the lifetime of an abandoned reclaim claim.
const ownerGrace = 500 * time.Millisecond

func newDirLock(path string, logger *zap.Logger) *dirLock {
	return &dirLock{path: path, logger: logger}
}

func (l *dirLock) Acquire(ctx context.Context, timeout time.Duration) error {
	token := uuid.New().String()
	deadline := time.Now().Add(timeout)

	for {
		err := os.Mkdir(l.path, 0o700)
		if err == nil {
			if err := l.writeOwner(token); err != nil {
				// Token exists but is unowned; give it back.
				_ = os.RemoveAll(l.path)
				return err
			}
			l.token = token
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("mkdir %s: %w", l.path, err)
		}

		l.reclaimIfStale()

		if time.Now().After(deadline) {
			l.logger.Debug("dir lock acquisition timed out",
				zap.String("path", l.path),
				zap.Duration("timeout", timeout))
			return fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, l.path)
		}
		if err := sleepOrDone(ctx, PollInterval); err != nil {
			return err
		}
	}
}

func (l *dirLock) Release() error {
	if l.token == "" {
		return ErrNotHeld
	}

	// Only remove a token this process actually owns. A reclaimed-then-
	// reacquired token belongs to someone else.
	owner, err := l.readOwner()
	if err == nil && owner.Token != l.token {
		l.token = ""
		return fmt.Errorf("lock token stolen by pid %d: %w", owner.PID, ErrNotHeld)
	}

	l.token = ""
	if err := os.RemoveAll(l.path); err != nil {
		return fmt.Errorf("removing lock token %s: %w", l.path, err)
	}
	return nil
}

func (l *dirLock) writeOwner(token string) error {
	info := ownerInfo{PID: os.Getpid(), Token: token, Acquired: time.Now().UTC()}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding lock owner: %w", err)
	}
	path := filepath.Join(l.path, ownerFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing lock owner: %w", err)
	}
	return nil
}

func (l *dirLock) readOwner() (*ownerInfo, error) {
	data, err := os.ReadFile(filepath.Join(l.path, ownerFile))
	if err != nil {
		return nil, err
	}
	var info ownerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// reclaimIfStale removes the token when its recorded owner is no longer
// running, or when the token has sat without a readable owner file past
// ownerGrace, which means its creator died between mkdir and the owner
// write.
//
// Removal must only ever hit the exact incarnation that was judged stale:
// a plain read-then-RemoveAll lets a slow reclaimer delete a token that a
// faster one already reclaimed and re-created, yielding two holders. So
// the token directory is pinned with an fd, the owner is read through that
// fd, an O_EXCL claim file inside the pinned incarnation serializes
// reclaimers, the children are unlinked fd-relative, and the final rmdir
// is skipped unless the path still resolves to the pinned inode.
func (l *dirLock) reclaimIfStale() {
	fd, err := unix.Open(l.path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return
	}

	owner, oerr := readOwnerAt(fd)
	if oerr == nil {
		if owner.PID <= 0 || processAlive(owner.PID) {
			return
		}
	} else {
		// Missing or torn owner file. Age decides between a holder still
		// mid-acquisition and one that died before the owner write.
		if time.Since(time.Unix(st.Mtim.Unix())) < ownerGrace {
			return
		}
		owner = nil
	}

	cfd, cerr := unix.Openat(fd, reclaimFile,
		unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL|unix.O_NOFOLLOW, 0o600)
	if cerr != nil {
		if errors.Is(cerr, unix.EEXIST) {
			l.unwedgeClaim(fd)
		}
		return
	}
	_ = unix.Close(cfd)

	if owner != nil {
		l.logger.Warn("reclaiming stale lock token from dead process",
			zap.String("path", l.path),
			zap.Int("pid", owner.PID))
	} else {
		l.logger.Warn("reclaiming ownerless lock token past grace period",
			zap.String("path", l.path))
	}

	_ = unix.Unlinkat(fd, ownerFile, 0)
	_ = unix.Unlinkat(fd, reclaimFile, 0)

	var cur unix.Stat_t
	if err := unix.Stat(l.path, &cur); err != nil || cur.Ino != st.Ino {
		return
	}
	_ = unix.Rmdir(l.path)
}

// unwedgeClaim clears a reclaim claim whose creator died mid-scavenge, so
// the token does not stay wedged behind an abandoned claim forever.
func (l *dirLock) unwedgeClaim(fd int) {
	var st unix.Stat_t
	if err := unix.Fstatat(fd, reclaimFile, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return
	}
	if time.Since(time.Unix(st.Mtim.Unix())) < ownerGrace {
		return
	}
	_ = unix.Unlinkat(fd, reclaimFile, 0)
}

// readOwnerAt reads the owner file relative to a pinned token directory fd,
// so the result always describes that exact incarnation.
func readOwnerAt(fd int) (*ownerInfo, error) {
	ofd, err := unix.Openat(fd, ownerFile, unix.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(ofd), ownerFile)
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	var info ownerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// processAlive checks for process existence with a null signal.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	// EPERM means the process exists but belongs to another user.
	return err == nil || errors.Is(err, unix.EPERM)
}
