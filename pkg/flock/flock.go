// Package flock provides an exclusive advisory lock on a file that is
// honored across processes. A Locker also serializes goroutines of its own
// process, so one value can guard both.
package flock

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Locker is a sync.Locker backed by an OS file lock. Locks taken through
// separate Lockers on the same path exclude each other even inside one
// process.
type Locker struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	logger *slog.Logger
}

// New opens (creating if needed) the lock file at path. The file's content
// is never used.
func New(path string, logger *slog.Logger) (*Locker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &Locker{path: path, f: f, logger: logger.With("component", "flock", "path", path)}, nil
}

// Path returns the lock file path.
func (l *Locker) Path() string { return l.path }

// Lock blocks until both the in-process mutex and the file lock are held.
// If the OS refuses the file lock the failure is logged and the caller
// proceeds under the in-process mutex alone.
func (l *Locker) Lock() {
	l.mu.Lock()
	if l.f == nil {
		return
	}
	if err := lockFile(l.f); err != nil {
		l.logger.Error("file lock failed; excluding this process only", "err", err)
	}
}

// Unlock releases the file lock and the in-process mutex.
func (l *Locker) Unlock() {
	if l.f != nil {
		if err := unlockFile(l.f); err != nil {
			l.logger.Warn("file unlock failed", "err", err)
		}
	}
	l.mu.Unlock()
}

// Close releases the lock file. It waits for a current holder to finish.
func (l *Locker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
