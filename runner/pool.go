package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/testherd/testherd/types"
)

// Pool constants
const (
	// MaxProvisionRetries bounds how often the pool retries provisioning a
	// fresh execution context before escalating to a fatal pool error.
	MaxProvisionRetries = 3

	// MaxReasonableWorkers caps sensible pool sizes; larger values only get a
	// warning since the right limit depends on the execution backend.
	MaxReasonableWorkers = 32

	// provisionRetryInterval seeds the exponential backoff between
	// provisioning retries.
	provisionRetryInterval = 100 * time.Millisecond
)

// Worker is an isolated execution slot. It owns exactly one execution
// context at a time; no two concurrent attempts ever share a context.
type Worker struct {
	id string
	ec types.ExecContext

	// generation increments every time the context is replaced, so tests can
	// assert that a failed attempt never reuses a context.
	generation int
}

// ID returns the worker's stable identity.
func (w *Worker) ID() string { return w.id }

// Context returns the worker's current execution context.
func (w *Worker) Context() types.ExecContext { return w.ec }

// Generation returns how many times this worker's context has been replaced.
func (w *Worker) Generation() int { return w.generation }

// WorkerPool owns a fixed number of workers and their execution contexts.
// Acquire blocks until a worker is free; Recycle fully disposes a worker's
// context and provisions a fresh one before the worker is handed out again.
type WorkerPool struct {
	factory types.ContextFactory
	size    int
	free    chan *Worker
	log     log.Logger
}

// NewWorkerPool provisions size workers up front. Provisioning failures are
// retried with exponential backoff up to MaxProvisionRetries before the pool
// gives up.
func NewWorkerPool(ctx context.Context, factory types.ContextFactory, size int, logger log.Logger) (*WorkerPool, error) {
	if factory == nil {
		return nil, fmt.Errorf("context factory is required")
	}
	if size < 1 {
		return nil, fmt.Errorf("worker pool size must be at least 1, got %d", size)
	}
	if logger == nil {
		logger = log.Root()
	}
	if size > MaxReasonableWorkers {
		logger.Warn("Very high worker count requested", "workers", size)
	}

	p := &WorkerPool{
		factory: factory,
		size:    size,
		free:    make(chan *Worker, size),
		log:     logger.New("component", "worker-pool"),
	}

	for i := 0; i < size; i++ {
		ec, err := p.provision(ctx)
		if err != nil {
			// Tear down what we already built before giving up.
			p.Close()
			return nil, fmt.Errorf("failed to provision worker %d/%d: %w", i+1, size, err)
		}
		w := &Worker{id: uuid.New().String(), ec: ec}
		p.log.Debug("Provisioned worker", "worker", w.id)
		p.free <- w
	}

	p.log.Info("Worker pool ready", "workers", size)
	return p, nil
}

// Size returns the fixed number of workers in the pool.
func (p *WorkerPool) Size() int { return p.size }

// Acquire blocks until a worker is free or the context is cancelled.
func (p *WorkerPool) Acquire(ctx context.Context) (*Worker, error) {
	select {
	case w := <-p.free:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a worker to the pool without touching its context. Only
// valid after a successful attempt; after any non-success attempt the caller
// must Recycle instead.
func (p *WorkerPool) Release(w *Worker) {
	p.free <- w
}

// Recycle disposes the worker's entire execution context and provisions a
// fresh one before returning the worker to the pool. This is the full
// disposal invariant: a failed attempt's side effects must never leak into
// the next attempt.
func (p *WorkerPool) Recycle(ctx context.Context, w *Worker) error {
	if err := p.factory.Dispose(w.ec); err != nil {
		p.log.Warn("Failed to dispose worker context", "worker", w.id, "error", err)
	}
	w.ec = nil

	ec, err := p.provision(ctx)
	if err != nil {
		// The worker slot is lost; shrink rather than hand out a worker with
		// no context. The caller escalates this as a pool error.
		return fmt.Errorf("failed to reprovision worker %s: %w", w.id, err)
	}

	w.ec = ec
	w.generation++
	p.log.Debug("Recycled worker", "worker", w.id, "generation", w.generation)
	p.free <- w
	return nil
}

// Close disposes the contexts of all currently free workers. Busy workers
// are disposed by their owners via Recycle or drained here once released.
func (p *WorkerPool) Close() {
	for {
		select {
		case w := <-p.free:
			if w.ec != nil {
				if err := p.factory.Dispose(w.ec); err != nil {
					p.log.Warn("Failed to dispose worker context on close", "worker", w.id, "error", err)
				}
				w.ec = nil
			}
		default:
			return
		}
	}
}

// provision creates a fresh execution context, retrying transient failures
// with exponential backoff up to MaxProvisionRetries.
func (p *WorkerPool) provision(ctx context.Context) (types.ExecContext, error) {
	var ec types.ExecContext
	op := func() error {
		var err error
		ec, err = p.factory.Create(ctx)
		if err != nil {
			p.log.Warn("Context provisioning failed, retrying", "error", err)
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = provisionRetryInterval
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, MaxProvisionRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return ec, nil
}
