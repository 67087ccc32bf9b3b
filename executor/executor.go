// Package executor runs listener callbacks for cache handles.
//
// Cache implementations never call listeners on the goroutine that observed
// a peer signal (a Redis receive loop, a peer-side destroy). They hand the
// callback to the Executor configured for the session instead, so a slow
// listener cannot stall signal delivery for unrelated caches.
package executor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrExecutorClosed is returned by Execute once an executor has been closed.
var ErrExecutorClosed = errors.New("executor is closed")

// Executor accepts tasks for asynchronous or synchronous execution.
type Executor interface {
	Execute(task func()) error
}

// Inline runs every task on the calling goroutine before Execute returns.
// Tests use it to make listener delivery deterministic.
var Inline Executor = inline{}

type inline struct{}

func (inline) Execute(task func()) error {
	task()
	return nil
}

// Pool is a fixed set of worker goroutines fed from a bounded FIFO queue.
// With a single worker, tasks run in submission order.
type Pool struct {
	name  string
	log   *slog.Logger
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the logger used to report recovered task panics.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// WithName labels the pool in log output.
func WithName(name string) PoolOption {
	return func(p *Pool) { p.name = name }
}

// NewPool starts workers goroutines sharing a queue of capacity queue.
// Non-positive values default to one worker and a queue of 1024.
func NewPool(workers, queue int, opts ...PoolOption) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 1024
	}
	p := &Pool{
		log:   slog.Default(),
		tasks: make(chan func(), queue),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work(i)
	}
	return p
}

// Execute enqueues task, blocking while the queue is full.
func (p *Pool) Execute(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrExecutorClosed
	}
	p.tasks <- task
	return nil
}

// Close stops accepting tasks, runs everything already queued and waits for
// the workers to exit. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("executor.task.panic",
				slog.String("pool", p.name),
				slog.Int("worker", id),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	task()
}

var _ Executor = (*Pool)(nil)
