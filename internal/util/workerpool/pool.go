package workerpool

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/flushengine/internal/errors"
	"go.uber.org/zap"
)

// ErrDuplicateKey is returned when a task with the same key is still queued or running
var ErrDuplicateKey = stderrors.New("task with this key is already in flight")

// Task is a unit of work keyed by the flush target it operates on
type Task struct {
	Key string
	Fn  func(context.Context) error
	// Context defaults to context.Background()
	Context context.Context
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// WorkerPool runs keyed tasks on a fixed set of goroutines. A key stays
// reserved from Submit until its task returns, so one target never has two
// flushes queued or running.
type WorkerPool struct {
	name    string
	workers int
	queue   chan Task
	logger  *zap.Logger

	mu       sync.Mutex
	reserved map[string]time.Time // key -> submit time

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// NewWorkerPool creates a new worker pool and starts its workers
func NewWorkerPool(cfg *Config) *WorkerPool {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 2
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &WorkerPool{
		name:     cfg.Name,
		workers:  workers,
		queue:    make(chan Task, queueSize),
		logger:   logger.With(zap.String("pool", cfg.Name)),
		reserved: make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.Int("max_workers", workers),
		zap.Int("queue_size", queueSize))
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.queue:
			p.run(id, task)
		}
	}
}

// run executes one task. The key is released only after the counters are
// updated, so an idle pool always reports final stats.
func (p *WorkerPool) run(workerID int, task Task) {
	defer p.unreserve(task.Key)
	p.active.Add(1)
	defer p.active.Add(-1)
	queued := p.reservedAt(task.Key)

	start := time.Now()
	err := p.call(task)
	duration := time.Since(start)

	if err != nil {
		p.failed.Add(1)
		p.logger.Error("Task failed",
			zap.Int("worker_id", workerID),
			zap.String("key", task.Key),
			zap.Duration("queued", start.Sub(queued)),
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}

	p.completed.Add(1)
	p.logger.Debug("Task completed",
		zap.Int("worker_id", workerID),
		zap.String("key", task.Key),
		zap.Duration("queued", start.Sub(queued)),
		zap.Duration("duration", duration))
}

// call runs the task, turning a panic into an error
func (p *WorkerPool) call(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered", zap.String("key", task.Key), zap.Any("panic", r))
		}
	}()

	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return task.Fn(ctx)
}

// reservedAt returns the time the key was reserved
func (p *WorkerPool) reservedAt(key string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved[key]
}

func (p *WorkerPool) unreserve(key string) {
	p.mu.Lock()
	delete(p.reserved, key)
	p.mu.Unlock()
}

// Submit queues a task without blocking. It fails when the pool is stopped,
// the queue is full, or a task with the same key is in flight.
func (p *WorkerPool) Submit(task Task) error {
	select {
	case <-p.stopChan:
		p.rejected.Add(1)
		return errors.Stopped(fmt.Sprintf("worker pool '%s'", p.name))
	default:
	}

	p.mu.Lock()
	if _, busy := p.reserved[task.Key]; busy {
		p.mu.Unlock()
		p.rejected.Add(1)
		return fmt.Errorf("%w: %s", ErrDuplicateKey, task.Key)
	}
	p.reserved[task.Key] = time.Now()
	p.mu.Unlock()

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.unreserve(task.Key)
		p.rejected.Add(1)
		return errors.QueueFull(p.name)
	}
}

// InFlight reports whether a task with key is queued or running
func (p *WorkerPool) InFlight(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, busy := p.reserved[key]
	return busy
}

// InFlightCount returns the number of queued or running tasks
func (p *WorkerPool) InFlightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reserved)
}

// Stop stops accepting tasks and waits up to timeout for running tasks.
// Queued tasks that have not started are dropped.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.Int("queued", len(p.queue)))
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			stats := p.Stats()
			p.logger.Info("Worker pool stopped",
				zap.Uint64("completed", stats.CompletedTasks),
				zap.Uint64("failed", stats.FailedTasks),
				zap.Uint64("rejected", stats.RejectedTasks))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.Duration("timeout", timeout))
		}
	})
	return err
}

// Stats is a point-in-time view of the pool counters
type Stats struct {
	Name           string
	MaxWorkers     int
	ActiveWorkers  int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.workers,
		ActiveWorkers:  int(p.active.Load()),
		QueuedTasks:    len(p.queue),
		TotalTasks:     p.submitted.Load(),
		CompletedTasks: p.completed.Load(),
		FailedTasks:    p.failed.Load(),
		RejectedTasks:  p.rejected.Load(),
	}
}

// SuccessRate returns the share of accepted tasks that succeeded, in percent
func (s Stats) SuccessRate() float64 {
	if s.TotalTasks == 0 {
		return 100.0
	}
	return float64(s.CompletedTasks) / float64(s.TotalTasks) * 100.0
}
