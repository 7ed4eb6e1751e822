package ingest

import (
	"log/slog"
	"sync"
)

type task struct {
	name string
	fn   func()
}

// Pool runs background tasks (persistence, webhook delivery) on a fixed set
// of workers so slow I/O never blocks the ingest path.
type Pool struct {
	tasks  chan task
	logger *slog.Logger
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	stopOnce sync.Once
}

// NewPool starts a pool with the given number of workers and queue capacity.
func NewPool(workers, queue int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 256
	}
	p := &Pool{
		tasks:  make(chan task, queue),
		logger: logger.With("component", "pool"),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a task without blocking. When the queue is full, or the
// pool has been stopped, the task is dropped and logged.
func (p *Pool) Submit(name string, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Warn("pool stopped, dropping task", "task", name)
		return
	}
	select {
	case p.tasks <- task{name: name, fn: fn}:
	default:
		p.logger.Warn("task queue full, dropping task", "task", name)
	}
}

// Stop closes the queue and waits for queued tasks to drain. Submit after
// Stop is a no-op.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
	})
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.run(t)
	}
}

func (p *Pool) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panic", "task", t.name, "panic", r)
		}
	}()
	t.fn()
}
