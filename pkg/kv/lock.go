package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// lockPollInterval is how often a contended env lock is retried.
const lockPollInterval = 5 * time.Millisecond

// dirLock is an exclusive flock(2) on the environment's LOCK file.
type dirLock struct {
	mu   sync.Mutex
	file *os.File
}

// acquireDirLock takes an exclusive lock on path, polling with LOCK_NB until
// ctx is done. Returns [ErrLockTimeout] when the deadline passes.
func acquireDirLock(ctx context.Context, path string) (*dirLock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) //nolint:gosec // path is derived from env dir
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	fd := int(file.Fd())

	for {
		err = flockRetryEINTR(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &dirLock{file: file}, nil
		}

		if !errors.Is(err, unix.EWOULDBLOCK) {
			_ = file.Close()

			return nil, fmt.Errorf("flock: %w", err)
		}

		select {
		case <-ctx.Done():
			_ = file.Close()

			return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, path, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

// Close releases the lock. Idempotent.
func (l *dirLock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	unlockErr := flockRetryEINTR(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking env lock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing env lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

func flockRetryEINTR(fd int, how int) error {
	for {
		err := unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
