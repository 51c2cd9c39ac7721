// Package filelock enforces the single-writer process model memoscore
// requires across its on-disk stores using an exclusive advisory lock.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock is a cross-process exclusive advisory lock guarding a base directory.
// It is not re-entrant and not safe to share across goroutines that expect
// independent lock lifetimes.
type Lock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// New returns a lock for the given base directory. The lock file is created
// at <dir>/.memoscore.lock.
func New(dir string) *Lock {
	path := filepath.Join(dir, ".memoscore.lock")
	return &Lock{
		path:  path,
		flock: flock.New(path),
	}
}

// TryAcquire attempts to take the lock without blocking. It returns an error
// if the directory cannot be created or the lock is already held by another
// process — a second memoscore process opening the same base_dir is a
// caller error, not a condition worth waiting out.
func (l *Lock) TryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("base_dir is locked by another process: %s", l.path)
	}

	l.locked = true
	return nil
}

// Release releases the lock. Safe to call multiple times or when unlocked.
func (l *Lock) Release() error {
	if !l.locked {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	l.locked = false
	return nil
}
