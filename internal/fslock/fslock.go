// Package fslock provides advisory file locks shared between processes
// that open the same data directory.
package fslock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLocked is returned by TryLock when another holder has the lock.
var ErrLocked = errors.New("lock held by another process")

// Lock is an exclusive advisory lock on a file. Locks taken through
// different Lock values exclude each other even inside one process; a
// single Lock is not safe for concurrent use and callers pair it with a
// mutex.
type Lock struct {
	path string
	file *os.File
}

// New opens (creating if needed) the lock file at path.
func New(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &Lock{path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Lock blocks until the lock is held.
func (l *Lock) Lock() error {
	if err := lock(l.file, true); err != nil {
		return fmt.Errorf("lock %s: %w", l.path, err)
	}
	return nil
}

// TryLock takes the lock without waiting, returning ErrLocked if it is held.
func (l *Lock) TryLock() error {
	err := lock(l.file, false)
	if errors.Is(err, ErrLocked) {
		return fmt.Errorf("%s: %w", l.path, ErrLocked)
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", l.path, err)
	}
	return nil
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	if err := unlock(l.file); err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return nil
}

// Close releases the lock and closes the file.
func (l *Lock) Close() error {
	_ = unlock(l.file)
	return l.file.Close()
}
