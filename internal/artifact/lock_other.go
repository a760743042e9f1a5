//go:build !unix

package artifact

type pathLock struct{}

func acquireLock(path string) (*pathLock, error) {
	return nil, ErrLockUnsupported
}

func (l *pathLock) release() error { return nil }
