// Package workerpool runs package downloads and other blocking work on a
// bounded set of goroutines.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/velopack/velopack-sub005/internal/logging"
)

var log = logging.L("workerpool")

// ErrStopped is returned for work submitted after Shutdown.
var ErrStopped = errors.New("worker pool is stopped")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	queue    chan Task
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
	stopped  chan struct{}
}

// New starts maxWorkers goroutines reading from a queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	maxWorkers = max(maxWorkers, 1)
	queueSize = max(queueSize, 1)

	p := &Pool{
		queue:   make(chan Task, queueSize),
		stopped: make(chan struct{}),
	}
	for range maxWorkers {
		go p.worker()
	}
	log.Debug("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues task, blocking while the queue is full. It returns false
// if ctx ends or the pool stops first.
func (p *Pool) Submit(ctx context.Context, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	case <-ctx.Done():
	case <-p.stopped:
	}
	p.wg.Done()
	return false
}

// Shutdown stops accepting work and waits for queued and running tasks, or
// until ctx ends. Queued tasks still run after a timeout; Shutdown just stops
// waiting for them.
func (p *Pool) Shutdown(ctx context.Context) {
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Debug("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool shutdown timed out with tasks still running")
	}
}

func (p *Pool) worker() {
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}

// Batch is a set of related tasks run on a pool, in the manner of an
// errgroup. The first failure cancels the batch context so sibling tasks can
// stop early.
type Batch struct {
	pool   *Pool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	err    error
}

// NewBatch starts a batch bound to ctx.
func (p *Pool) NewBatch(ctx context.Context) *Batch {
	ctx, cancel := context.WithCancel(ctx)
	return &Batch{pool: p, ctx: ctx, cancel: cancel}
}

func (b *Batch) fail(err error) {
	b.once.Do(func() {
		b.err = err
		b.cancel()
	})
}

// Go queues fn. A panic in fn fails the batch.
func (b *Batch) Go(fn func(ctx context.Context) error) {
	b.wg.Add(1)
	ok := b.pool.Submit(b.ctx, func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.fail(fmt.Errorf("task panicked: %v", r))
				panic(r)
			}
		}()
		if err := b.ctx.Err(); err != nil {
			b.fail(err)
			return
		}
		if err := fn(b.ctx); err != nil {
			b.fail(err)
		}
	})
	if !ok {
		b.wg.Done()
		if err := b.ctx.Err(); err != nil {
			b.fail(err)
		} else {
			b.fail(ErrStopped)
		}
	}
}

// Wait blocks until every queued task has finished and returns the first
// error.
func (b *Batch) Wait() error {
	b.wg.Wait()
	b.cancel()
	return b.err
}
