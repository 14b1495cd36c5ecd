package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vigil/lock"
	"vigil/metrics"
	"vigil/storage"
	"vigil/util/goroutine"
)

// Pass is one reconciliation pass
type Pass interface {
	RecoverStrategy(ctx context.Context, sess *storage.Session) error
}

// Loop runs reconciliation passes at a fixed cadence, at most one at a time across every
// process sharing the locker
type Loop struct {
	pass     Pass
	locker   lock.Locker
	interval time.Duration
	logger   *zap.SugaredLogger
}

// NewLoop creates a loop running pass every interval
func NewLoop(pass Pass, locker lock.Locker, interval time.Duration, logger *zap.SugaredLogger) *Loop {
	return &Loop{pass: pass, locker: locker, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled. Each pass starts interval after the previous one
// started; a pass that overruns is followed immediately by the next.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Infow("Maintenance reconciliation loop started", "interval", l.interval)
	for {
		start := time.Now()
		l.RunOnce(ctx)

		wait := l.interval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			l.logger.Info("Maintenance reconciliation loop stopped")
			return
		case <-time.After(wait):
		}
	}
}

// RunOnce runs a single pass if the lock is free and reports whether it ran. A failed
// or panicking pass is logged and the lock is released either way.
func (l *Loop) RunOnce(ctx context.Context) (ran bool) {
	acquired, err := l.locker.TryLock(ctx)
	if err != nil {
		l.logger.Warnw("Failed to acquire reconciliation lock, skipping pass", "error", err)
		metrics.ReconciliationPasses.WithLabelValues("lock_error").Inc()
		return false
	}
	if !acquired {
		l.logger.Debug("Reconciliation lock held elsewhere, skipping pass")
		metrics.ReconciliationPasses.WithLabelValues("skipped").Inc()
		return false
	}
	defer func() {
		if err := l.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
			l.logger.Warnw("Failed to release reconciliation lock", "error", err)
		}
	}()
	defer goroutine.Recover("maintenance-reconciliation", l.logger)

	ran = true
	if err := l.pass.RecoverStrategy(ctx, nil); err != nil {
		l.logger.Errorw("Maintenance reconciliation pass failed", "error", err)
	}
	return ran
}
