//go:build unix

package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// FileLocker is an advisory flock on a file, exclusive across processes of one host
type FileLocker struct {
	path   string
	logger *zap.SugaredLogger

	mu   sync.Mutex
	file *os.File
}

// NewFileLocker creates a locker on path. The file is created on first use.
func NewFileLocker(path string, logger *zap.SugaredLogger) *FileLocker {
	return &FileLocker{path: path, logger: logger}
}

// TryLock opens the file and takes a non-blocking exclusive flock
func (l *FileLocker) TryLock(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return false, fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			l.logger.Debugw("File lock held elsewhere", "path", l.path)
			return false, nil
		}
		return false, fmt.Errorf("failed to lock %s: %w", l.path, err)
	}
	l.file = f
	return true, nil
}

// Unlock releases the flock and closes the file
func (l *FileLocker) Unlock(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ErrNotHeld
	}
	f := l.file
	l.file = nil

	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}
	return f.Close()
}
