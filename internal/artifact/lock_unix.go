//go:build unix

package artifact

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// pathLock is an exclusive advisory lock on <artifact>.lock.
type pathLock struct {
	f *os.File
}

// acquireLock never blocks; a held lock reports ErrPackagingInProgress.
func acquireLock(path string) (*pathLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, fmt.Errorf("%w: %s", ErrPackagingInProgress, path)
		}
		return nil, fmt.Errorf("artifact: lock %s: %w", path, err)
	}
	return &pathLock{f: f}, nil
}

// release drops the lock; the lock file stays so concurrent openers agree on one inode.
func (l *pathLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	return errors.Join(unlockErr, closeErr)
}
