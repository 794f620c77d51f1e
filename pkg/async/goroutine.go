package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/clinicguard/pkg/observability"
)

// ErrPoolClosed is returned by Submit after Shutdown
var ErrPoolClosed = errors.New("worker pool shut down")

// SafeGo executes fn in a goroutine with a timeout, panic recovery and error
// logging. Use this instead of bare `go func()`.
//
//	async.SafeGo(ctx, logger, 5*time.Second, "session touch", func(ctx context.Context) error {
//	    return sessions.Touch(ctx, sessionID)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	logger = observability.OrDefault(logger)
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithField("task", taskName).
					WithField("panic", fmt.Sprint(r)).
					WithField("stack", string(debug.Stack())).
					Error("panic in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithField("task", taskName).WithError(err).Warn("background task failed")
		}
	}()
}

// WorkerPool manages a fixed set of workers consuming tasks from a bounded
// channel. Shutdown drains queued tasks before returning.
type WorkerPool struct {
	taskName string
	timeout  time.Duration
	logger   *observability.Logger

	workCh chan func(context.Context) error
	doneCh chan struct{}
	errCh  chan error

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// PoolOption configures a WorkerPool
type PoolOption func(*WorkerPool)

// WithLogger sets the pool logger
func WithLogger(logger *observability.Logger) PoolOption {
	return func(p *WorkerPool) {
		p.logger = logger
	}
}

// WithQueueSize sets the task buffer size (default workers*2)
func WithQueueSize(size int) PoolOption {
	return func(p *WorkerPool) {
		if size > 0 {
			p.workCh = make(chan func(context.Context) error, size)
		}
	}
}

// NewWorkerPool creates and starts a worker pool.
//
//	pool := async.NewWorkerPool(ctx, 4, "audit flush", 30*time.Second)
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.Submit(func(ctx context.Context) error {
//	    return store.Append(ctx, batch...)
//	})
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration, opts ...PoolOption) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		taskName: taskName,
		timeout:  timeout,
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(pool)
	}
	pool.logger = observability.OrDefault(pool.logger).WithField("pool", taskName)

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues a task, blocking while the buffer is full.
// Returns ErrPoolClosed if the pool is shut down.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// TrySubmit queues a task without blocking. It reports false when the buffer
// is full or the pool is shut down.
func (p *WorkerPool) TrySubmit(fn func(context.Context) error) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.workCh <- fn:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting work and waits up to timeout for queued tasks.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.workCh)
		p.mu.Unlock()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})

	return shutdownErr
}

// Wait blocks until every worker has exited. Only meaningful after Shutdown.
func (p *WorkerPool) Wait() {
	<-p.doneCh
}

// Errors returns a channel that receives worker errors.
// Non-blocking, use select to check for errors.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) worker(_ int) {
	for fn := range p.workCh {
		if err := p.run(fn); err != nil {
			select {
			case p.errCh <- err:
			default:
				p.logger.WithError(err).Warn("error channel full, dropping error")
			}
		}
	}
}

func (p *WorkerPool) run(fn func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", fmt.Sprint(r)).
				WithField("stack", string(debug.Stack())).
				Error("panic in worker task")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return fn(ctx)
}

// Batch processes items concurrently and returns every error encountered.
//
//	errs := async.Batch(ctx, sets, 4, "retention evaluate", time.Minute, func(ctx context.Context, set RecordSet) error {
//	    return engine.evaluate(ctx, set)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if len(items) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	pool := NewWorkerPool(ctx, workers, taskName, timeout, WithQueueSize(len(items)))

	for _, item := range items {
		item := item
		if err := pool.Submit(func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
				if err != nil {
					collect(err)
					err = nil
				}
			}()
			return fn(ctx, item)
		}); err != nil {
			collect(err)
			break
		}
	}

	// Shutdown drains the queue; the timeout only bounds a stuck task.
	if err := pool.Shutdown(timeout * time.Duration(len(items)+1)); err != nil {
		collect(err)
	}

	mu.Lock()
	defer mu.Unlock()
	return errs
}
