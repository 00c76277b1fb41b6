// Package workers provides a bounded worker pool used for fan-out work such
// as dispatching market events to strategies.
package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrPoolStopped is returned by Submit after the pool has been stopped.
var ErrPoolStopped = errors.New("worker pool: stopped")

// ErrQueueFull is returned by TrySubmit when the task queue is saturated.
var ErrQueueFull = errors.New("worker pool: queue full")

// Task is a unit of work.
type Task func(ctx context.Context) error

// Config tunes a pool.
type Config struct {
	Name            string
	NumWorkers      int
	QueueSize       int
	TaskTimeout     time.Duration // 0 disables the per-task deadline
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults for a named pool.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		NumWorkers:      8,
		QueueSize:       1024,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Metrics is a snapshot of pool activity.
type Metrics struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	QueueLen  int   `json:"queueLen"`
}

// Pool manages a fixed set of worker goroutines over a bounded task queue.
type Pool struct {
	logger *zap.Logger
	cfg    Config

	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running   atomic.Bool
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// New creates and starts a pool.
func New(logger *zap.Logger, cfg Config) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		logger: logger.Named("workers").With(zap.String("pool", cfg.Name)),
		cfg:    cfg,
		tasks:  make(chan Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.running.Store(true)

	for i := 0; i < cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.Error("Worker task panic", zap.Any("panic", r))
		}
	}()

	ctx := p.ctx
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(p.ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	if err := task(ctx); err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
}

// Submit enqueues a task, blocking while the queue is full.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// TrySubmit enqueues a task without blocking.
func (p *Pool) TrySubmit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop drains queued tasks up to the shutdown timeout, then cancels.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timeout := p.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("Worker pool shutdown timed out, cancelling tasks")
	}
	p.cancel()
}

// GetMetrics returns a snapshot of pool activity.
func (p *Pool) GetMetrics() Metrics {
	return Metrics{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		QueueLen:  len(p.tasks),
	}
}
