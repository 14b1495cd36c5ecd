//go:build !unix

package lock

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// FileLocker is unavailable on this platform; use the redis backend
type FileLocker struct {
	path string
}

// NewFileLocker creates a locker that always fails
func NewFileLocker(path string, _ *zap.SugaredLogger) *FileLocker {
	return &FileLocker{path: path}
}

func (l *FileLocker) TryLock(context.Context) (bool, error) {
	return false, fmt.Errorf("file lock %s is not supported on %s", l.path, runtime.GOOS)
}

func (l *FileLocker) Unlock(context.Context) error {
	return ErrNotHeld
}
