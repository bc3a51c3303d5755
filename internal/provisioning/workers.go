package provisioning

import (
	"context"
	"log/slog"
	"sync"
)

// WorkerPool runs provisioning jobs on a fixed number of goroutines fed by a
// bounded queue.
type WorkerPool struct {
	jobs    chan *Run
	workers int
	handle  func(*Run)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

func NewWorkerPool(workers, queueSize int, handle func(*Run)) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		jobs:    make(chan *Run, queueSize),
		workers: workers,
		handle:  handle,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Context is the parent of every run context; Stop cancels it.
func (p *WorkerPool) Context() context.Context {
	return p.ctx
}

func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	slog.Info("Provisioning workers started", "workers", p.workers, "queue_size", cap(p.jobs))
}

func (p *WorkerPool) work(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case run := <-p.jobs:
			slog.Debug("Worker picked up run", "worker", id, "device_id", run.DeviceID)
			p.handle(run)
		}
	}
}

// Submit enqueues a run without blocking.
func (p *WorkerPool) Submit(run *Run) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- run:
		return nil
	default:
		return ErrQueueFull
	}
}

// drain hands queued runs to the handler; their contexts are already cancelled.
func (p *WorkerPool) drain() {
	for {
		select {
		case run := <-p.jobs:
			p.handle(run)
		default:
			return
		}
	}
}

// Stop cancels every run and waits for the workers to return or ctx to expire.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.drain()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Provisioning workers stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("Provisioning workers stop timeout")
		return ctx.Err()
	}
}
