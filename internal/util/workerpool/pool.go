package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work run by the pool
type Task struct {
	ID string
	Fn func(context.Context) error

	// done is set by RunBatch
	done func(error)
}

// WorkerPool runs tasks on a bounded set of goroutines. Task contexts are
// derived from the pool context, which is cancelled by Stop.
type WorkerPool struct {
	name       string
	maxWorkers int
	queueSize  int
	taskQueue  chan Task
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	// held for reading while queueing so nothing is queued after Stop
	submitMu sync.RWMutex
	wg       sync.WaitGroup
	stopOnce sync.Once

	activeWorkers  atomic.Int32
	totalTasks     atomic.Uint64
	completedTasks atomic.Uint64
	failedTasks    atomic.Uint64
	rejectedTasks  atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool creates a pool and starts its workers
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger.With(zap.String("pool", cfg.Name)),
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		zap.Int("max_workers", pool.maxWorkers),
		zap.Int("queue_size", pool.queueSize))

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			// release batch waiters of tasks that never ran
			for {
				select {
				case task := <-p.taskQueue:
					if task.done != nil {
						task.done(p.ctx.Err())
					}
				default:
					return
				}
			}
		case task := <-p.taskQueue:
			p.executeTask(id, task)
		}
	}
}

func (p *WorkerPool) executeTask(workerID int, task Task) {
	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		p.failedTasks.Add(1)
		p.logger.Error("Task failed",
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		p.completedTasks.Add(1)
		p.logger.Debug("Task completed",
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration))
	}

	if task.done != nil {
		task.done(err)
	}
}

// safeExecute runs a task, turning a panic into an error
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()
	return task.Fn(p.ctx)
}

// Submit blocks until the task is queued, ctx is done or the pool stops
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	select {
	case <-p.ctx.Done():
		p.rejectedTasks.Add(1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	default:
	}

	select {
	case <-p.ctx.Done():
		p.rejectedTasks.Add(1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	case <-ctx.Done():
		p.rejectedTasks.Add(1)
		return ctx.Err()
	case p.taskQueue <- task:
		p.totalTasks.Add(1)
		return nil
	}
}

// TrySubmit queues a task without blocking. It returns false when the
// queue is full or the pool is stopped.
func (p *WorkerPool) TrySubmit(task Task) bool {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	select {
	case <-p.ctx.Done():
		p.rejectedTasks.Add(1)
		return false
	default:
	}

	select {
	case p.taskQueue <- task:
		p.totalTasks.Add(1)
		return true
	default:
		p.rejectedTasks.Add(1)
		return false
	}
}

// RunBatch runs tasks on the pool and waits for all of them. The result
// holds one error per task, in order; tasks that could not be queued
// carry the submission error.
func (p *WorkerPool) RunBatch(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))

	var wg sync.WaitGroup
	for i := range tasks {
		i := i
		task := tasks[i]
		wg.Add(1)
		task.done = func(err error) {
			errs[i] = err
			wg.Done()
		}
		if err := p.Submit(ctx, task); err != nil {
			errs[i] = err
			wg.Done()
		}
	}
	wg.Wait()
	return errs
}

// Stop cancels running tasks and waits up to timeout for the workers
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool")
		p.submitMu.Lock()
		p.cancel()
		p.submitMu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped gracefully")
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout")
		}
	})
	return err
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(p.activeWorkers.Load()),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     p.totalTasks.Load(),
		CompletedTasks: p.completedTasks.Load(),
		FailedTasks:    p.failedTasks.Load(),
		RejectedTasks:  p.rejectedTasks.Load(),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string
	MaxWorkers     int
	ActiveWorkers  int
	QueueSize      int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}
