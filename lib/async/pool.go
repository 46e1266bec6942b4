// Package async provides a bounded worker pool that reports per-task results.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/tradewire/connector/errs"
)

// Task produces one result under the submitter's context.
type Task[T any] func(context.Context) (T, error)

// Result pairs a task's value with its error. A recovered panic is reported
// as an error with the zero value.
type Result[T any] struct {
	Value T
	Err   error
}

// Pool runs tasks on a fixed set of workers and delivers their results on
// Results. Submit applies backpressure instead of queueing without bound.
type Pool[T any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan job[T]
	results chan Result[T]
	wg      sync.WaitGroup
	once    sync.Once

	mu     sync.RWMutex
	closed bool
}

type job[T any] struct {
	ctx context.Context
	fn  Task[T]
}

// NewPool creates a pool with the given concurrency. queue bounds both the
// pending-task backlog and the undelivered-result buffer.
func NewPool[T any](workers, queue int) (*Pool[T], error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.KindClient, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool[T])
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan job[T], queue)
	p.results = make(chan Result[T], queue)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the task. It fails immediately when the backlog is full,
// the pool is closed, or ctx is already done.
func (p *Pool[T]) Submit(ctx context.Context, fn Task[T]) error {
	if fn == nil {
		return errs.New("lib/async", errs.KindClient, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.KindNetwork, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	select {
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- job[T]{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.KindNetwork, errs.WithMessage("pool at capacity"))
	}
}

// Results delivers task outcomes in completion order.
func (p *Pool[T]) Results() <-chan Result[T] {
	return p.results
}

// Close stops accepting tasks. Workers drain the backlog; results no one
// reads after Close are dropped.
func (p *Pool[T]) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
		p.cancel()
	})
}

// Shutdown closes the pool and waits for in-flight tasks to finish or the
// context to expire.
func (p *Pool[T]) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool[T]) worker() {
	for job := range p.jobs {
		ctx := job.ctx
		if ctx == nil {
			ctx = p.ctx
		}
		res := runTask(ctx, job.fn)
		// Prefer delivery while a consumer or buffer slot exists.
		select {
		case p.results <- res:
		default:
			select {
			case p.results <- res:
			case <-p.ctx.Done():
			}
		}
		p.wg.Done()
	}
}

func runTask[T any](ctx context.Context, fn Task[T]) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			res = Result[T]{Err: fmt.Errorf("task panic: %v", r)}
		}
	}()
	value, err := fn(ctx)
	return Result[T]{Value: value, Err: err}
}
