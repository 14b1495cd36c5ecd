// Package lock provides the mutual exclusion used to run maintenance reconciliation at
// most once at a time.
package lock

import (
	"context"
	"errors"
)

// ErrNotHeld is returned when releasing a lock this locker does not hold
var ErrNotHeld = errors.New("lock not held")

// Locker is a non-blocking mutual exclusion primitive
type Locker interface {
	// TryLock attempts to take the lock without waiting. It returns false when another
	// holder has it.
	TryLock(ctx context.Context) (bool, error)
	// Unlock releases a lock taken by TryLock
	Unlock(ctx context.Context) error
}
