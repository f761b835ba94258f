package credstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

const (
	lockAttempts   = 50
	lockRetryDelay = 100 * time.Millisecond
	lockStaleAfter = 30 * time.Second
)

// fileLock is an exclusive, cross-process lock on a credential file.
// It is held by creating <path>.lock with O_EXCL.
type fileLock struct {
	f    *os.File
	path string
}

// lockFile acquires the lock for filePath, waiting up to
// lockAttempts*lockRetryDelay. Lock files older than lockStaleAfter are
// considered abandoned by a crashed process and removed.
func lockFile(filePath string) (*fileLock, error) {
	lockPath := filePath + ".lock"

	for range lockAttempts {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID helps when debugging a stuck lock
			fmt.Fprintf(f, "%d", os.Getpid())
			return &fileLock{f: f, path: lockPath}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil &&
			time.Since(info.ModTime()) > lockStaleAfter {
			if rmErr := os.Remove(lockPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, rmErr)
			}
			continue
		}

		time.Sleep(lockRetryDelay)
	}

	return nil, fmt.Errorf("timeout waiting for lock on %s after %v",
		filePath, time.Duration(lockAttempts)*lockRetryDelay)
}

// unlock releases the lock.
func (l *fileLock) unlock() error {
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	return os.Remove(l.path)
}
