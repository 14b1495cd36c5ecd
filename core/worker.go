package core

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"vigil/metrics"
	"vigil/util/goroutine"
)

var (
	ErrWorkerPoolNotRunning = errors.New("worker pool is not running")
	ErrWorkerPoolQueueFull  = errors.New("worker pool task queue is full")
	ErrWorkerPoolTimeout    = errors.New("worker pool task submission timed out")
)

var poolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// stopTimeout bounds how long Stop waits for queued and in-flight tasks
const stopTimeout = 30 * time.Second

// WorkerPoolStats is a point-in-time view of a pool
type WorkerPoolStats struct {
	Workers     int  `json:"workers"`
	QueueSize   int  `json:"queue_size"`
	Running     bool `json:"running"`
	QueuedTasks int  `json:"queued_tasks"`
}

// WorkerPool runs alert batches on a fixed set of goroutines so HTTP handlers return as
// soon as a batch is queued. The name labels the pool's metrics.
type WorkerPool struct {
	name      string
	workers   int
	queueSize int
	tasks     chan func()
	logger    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// NewWorkerPool creates a stopped pool. Cancelling parentCtx stops the workers without
// draining the queue.
func NewWorkerPool(parentCtx context.Context, workers, queueSize int, name string, logger *zap.SugaredLogger) *WorkerPool {
	if !poolNamePattern.MatchString(name) {
		logger.Warnw("Invalid pool name, using default", "pool_type", name)
		name = "default"
	}
	workers = max(workers, 1)
	queueSize = max(queueSize, 0)

	ctx, cancel := context.WithCancel(parentCtx)
	return &WorkerPool{
		name:      name,
		workers:   workers,
		queueSize: queueSize,
		tasks:     make(chan func(), queueSize),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the workers. Starting a running pool does nothing.
func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.running {
		return nil
	}
	if wp.ctx.Err() != nil {
		return ErrWorkerPoolNotRunning
	}

	wp.running = true
	wp.wg.Add(wp.workers)
	for i := range wp.workers {
		go wp.loop(i)
	}
	metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.name).Set(float64(wp.workers))
	wp.logger.Infow("Worker pool started", "pool_type", wp.name, "workers", wp.workers, "queue_size", wp.queueSize)
	return nil
}

// Stop rejects new tasks, lets the workers finish the queue and waits up to stopTimeout
// for them. Calling Stop again does nothing.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	close(wp.tasks)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped", "pool_type", wp.name)
	case <-time.After(stopTimeout):
		wp.logger.Errorw("Worker pool did not drain in time", "pool_type", wp.name, "timeout", stopTimeout)
	}
	wp.cancel()
	metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.name).Set(0)
}

// Submit queues task or fails with ErrWorkerPoolQueueFull when the queue has no room
func (wp *WorkerPool) Submit(task func()) error {
	return wp.enqueue(context.Background(), false, task)
}

// SubmitWait queues task, waiting for room until ctx is done. A context that is never
// done waits until a worker frees a slot or the pool is cancelled.
func (wp *WorkerPool) SubmitWait(ctx context.Context, task func()) error {
	return wp.enqueue(ctx, true, task)
}

// enqueue sends task while holding the read lock so Stop cannot close the queue under it
func (wp *WorkerPool) enqueue(ctx context.Context, wait bool, task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if !wp.running {
		return ErrWorkerPoolNotRunning
	}

	if wait {
		select {
		case wp.tasks <- task:
		case <-ctx.Done():
			return ErrWorkerPoolTimeout
		case <-wp.ctx.Done():
			return ErrWorkerPoolNotRunning
		}
	} else {
		select {
		case wp.tasks <- task:
		default:
			return ErrWorkerPoolQueueFull
		}
	}
	metrics.WorkerPoolQueueSize.WithLabelValues(wp.name).Set(float64(len(wp.tasks)))
	return nil
}

// GetStats returns the pool's current size and backlog
func (wp *WorkerPool) GetStats() WorkerPoolStats {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return WorkerPoolStats{
		Workers:     wp.workers,
		QueueSize:   wp.queueSize,
		Running:     wp.running,
		QueuedTasks: len(wp.tasks),
	}
}

func (wp *WorkerPool) loop(id int) {
	defer wp.wg.Done()
	defer goroutine.Recover("worker-pool-"+wp.name, wp.logger)

	for {
		select {
		case <-wp.ctx.Done():
			return
		case task, ok := <-wp.tasks:
			if !ok {
				return
			}
			wp.execute(id, task)
		}
	}
}

// execute runs one task; a panicking task is logged and the worker keeps going
func (wp *WorkerPool) execute(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorw("Task panicked in worker", "worker_id", id, "pool_type", wp.name, "panic", r)
			metrics.GoroutinePanics.WithLabelValues("worker-pool-" + wp.name).Inc()
		}
	}()
	task()
	metrics.WorkerPoolTasksProcessed.WithLabelValues(wp.name).Inc()
	metrics.WorkerPoolQueueSize.WithLabelValues(wp.name).Set(float64(len(wp.tasks)))
}
