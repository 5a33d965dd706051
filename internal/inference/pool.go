package inference

import (
	"context"
	"fmt"
	"sync"
)

// Pool defaults.
const (
	DefaultPoolWorkers    = 4
	DefaultPoolQueueDepth = 64
)

// TaskFunc is a unit of inference work executed on a pool worker.
type TaskFunc func(ctx context.Context) (any, error)

// Future is the caller's handle on a submitted task. Results are delivered
// exactly once; Wait can be called from multiple goroutines.
type Future struct {
	id     string
	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

// ID returns the request id the future is correlated with.
func (f *Future) ID() string { return f.id }

// Wait blocks until the task completes, is canceled, or ctx expires.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) deliver(result any, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

type task struct {
	id       string
	fn       TaskFunc
	fut      *Future
	ctx      context.Context
	cancel   context.CancelFunc
	onCancel func()
}

// Pool executes inference work off the caller's path on a fixed set of
// workers. Submissions are correlated by request id; a caller that abandons
// a request cancels it by id, which removes the pending future and runs the
// submission's cancel hook (e.g. a budget refund) without other side effects.
type Pool struct {
	tasks chan *task
	wg    sync.WaitGroup

	mu         sync.Mutex
	pending    map[string]*task
	submitters sync.WaitGroup // in-flight Submit calls; Close waits before closing tasks
	closed     bool
}

// NewPool starts a pool with the given worker count and queue depth.
// Non-positive values fall back to the defaults.
func NewPool(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = DefaultPoolWorkers
	}
	if queueDepth <= 0 {
		queueDepth = DefaultPoolQueueDepth
	}
	p := &Pool{
		tasks:   make(chan *task, queueDepth),
		pending: make(map[string]*task),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// SubmitOption configures a single submission.
type SubmitOption func(*task)

// WithCancelHook registers a function invoked exactly once if the task is
// canceled before completing (via Cancel or parent context expiry). Used to
// return reserved budget.
func WithCancelHook(hook func()) SubmitOption {
	return func(t *task) { t.onCancel = hook }
}

// Submit enqueues fn under the given request id and returns its Future.
// Request ids must be unique among in-flight tasks; a duplicate is rejected
// so two callers can never share (or clobber) a correlation slot.
func (p *Pool) Submit(ctx context.Context, id string, fn TaskFunc, opts ...SubmitOption) (*Future, error) {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{
		id:     id,
		fn:     fn,
		fut:    &Future{id: id, done: make(chan struct{})},
		ctx:    taskCtx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(t)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return nil, ErrPoolClosed
	}
	if _, exists := p.pending[id]; exists {
		p.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("duplicate inference request id %q", id)
	}
	p.pending[id] = t
	p.submitters.Add(1)
	p.mu.Unlock()
	defer p.submitters.Done()

	select {
	case p.tasks <- t:
		return t.fut, nil
	case <-ctx.Done():
		p.remove(id)
		cancel()
		t.fut.deliver(nil, ctx.Err())
		return nil, ctx.Err()
	}
}

// Cancel abandons an in-flight request by id. The pending future resolves to
// ErrCanceled, the cancel hook runs, and the worker (if the task already
// started) sees its context canceled. Returns false if no such request is
// in flight.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	t, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	t.cancel()
	if t.onCancel != nil {
		t.onCancel()
	}
	t.fut.deliver(nil, ErrCanceled)
	return true
}

// Pending returns the number of in-flight requests.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close stops accepting submissions and waits for in-flight work to drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	// A Submit that passed the closed check may still be parked on the
	// task channel; closing it out from under that send would panic.
	p.submitters.Wait()
	close(p.tasks)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		if t.ctx.Err() != nil {
			// Canceled before starting; Cancel already delivered.
			t.fut.deliver(nil, ErrCanceled)
			continue
		}
		result, err := t.fn(t.ctx)
		p.remove(t.id)
		t.cancel()
		t.fut.deliver(result, err)
	}
}

func (p *Pool) remove(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}
