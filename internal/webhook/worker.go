package webhook

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Job represents a task to be executed by a worker
type Job func(ctx context.Context) error

// WorkerPool manages a pool of workers to execute jobs
type WorkerPool struct {
	Queue   chan Job
	Workers int

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

var (
	// ErrQueueFull is returned when the job queue is full
	ErrQueueFull = errors.New("worker pool queue is full")
	// ErrPoolStopped is returned when submitting to a stopped pool
	ErrPoolStopped = errors.New("worker pool stopped")
)

// NewWorkerPool creates a new WorkerPool
func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		Queue:   make(chan Job, queueSize),
		Workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers
func (p *WorkerPool) Start() {
	slog.Info("starting worker pool", "workers", p.Workers, "queue_size", cap(p.Queue))
	for i := 0; i < p.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop stops accepting jobs and waits for the queued ones to drain.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.Queue)
	p.mu.Unlock()

	slog.Info("stopping worker pool")
	p.wg.Wait()
	p.cancel()
	slog.Info("worker pool stopped")
}

// Submit adds a job to the queue. Returns ErrQueueFull if the queue is full.
func (p *WorkerPool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.Queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for job := range p.Queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic in worker", "worker_id", id, "panic", r)
				}
			}()

			if err := job(p.ctx); err != nil {
				slog.Error("job execution failed", "worker_id", id, "error", err)
			}
		}()
	}
}
