// Package workerpool provides a fixed pool of workers(goroutines) servicing
// a shared FIFO request queue.
//
// Workers block on a condition variable while the queue is empty, process
// requests with the queue lock released, and exit only once the queue is
// drained and shutdown has been initiated.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidWorkerCount is returned by New if Options.Workers is not positive.
	ErrInvalidWorkerCount = errors.New("workerpool: worker count must be positive")
	// ErrNilProcessFunc is returned by New if no ProcessFunc is given.
	ErrNilProcessFunc = errors.New("workerpool: nil process func")
)

// ConfigError describes a rejected pool configuration.
type ConfigError struct {
	Field string
	Value any
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("workerpool: invalid %s (%v): %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// WorkerState is the position of a worker in its loop.
type WorkerState int32

const (
	// Idle workers are between two checks of the queue.
	Idle WorkerState = iota
	// Waiting workers are blocked on the queue's condition variable.
	Waiting
	// Processing workers run the ProcessFunc with the queue lock released.
	Processing
	// Exiting is terminal.
	Exiting
)

var workerStateNames = [...]string{"idle", "waiting", "processing", "exiting"}

func (s WorkerState) String() string {
	if s < 0 || int(s) >= len(workerStateNames) {
		return fmt.Sprintf("WorkerState(%d)", int32(s))
	}
	return workerStateNames[s]
}

// ProcessFunc handles a single dequeued request.
// A returned error (or a panic) is reported and the worker moves on to the
// next request; retrying is up to the function itself.
//
// It runs without the queue lock held, so it may enqueue follow-up requests,
// but those are only guaranteed to be processed if shutdown has not been
// initiated yet.
type ProcessFunc[T any] func(ctx context.Context, item T) error

// Options configurates the WorkerPool.
type Options[T any] struct {
	// Workers is the fixed number of workers(goroutines), it must be positive.
	Workers int
	// Name identifies the pool in logs and metrics, a random one is generated if empty.
	Name string
	// Logger receives the pool's events, nothing is logged if nil.
	Logger *slog.Logger
	// OnError is called by the worker after a request failed.
	OnError func(ctx context.Context, item T, err error)
	// Metrics, if not nil, is updated by the pool.
	Metrics *Metrics
	// WaitTimeout bounds a single wait on the condition variable, a waiting
	// worker re-checks the queue at least that often. Zero means workers wait
	// until they are woken up.
	WaitTimeout time.Duration
	// Queue is the queue to service, a new one is created if nil.
	Queue *RequestQueue[T]
}

type contextKeyWorkerID struct{}

func injectWorkerID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, contextKeyWorkerID{}, id)
}

// WorkerID returns the id of the worker processing a request.
// NOTE that the worker id always starts with 1.
func WorkerID(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(contextKeyWorkerID{}).(int)
	return id, ok
}

// WorkerPool is a fixed set of workers servicing one RequestQueue.
//
// The shutdown protocol is InitiateShutdown followed by AwaitDrain. Every
// request enqueued before InitiateShutdown returns is processed before
// AwaitDrain returns.
type WorkerPool[T any] struct {
	name        string
	queue       *RequestQueue[T]
	process     ProcessFunc[T]
	onError     func(context.Context, T, error)
	logger      *slog.Logger
	metrics     *Metrics
	waitTimeout time.Duration

	workers []*worker[T]
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	processed atomic.Uint64
	failed    atomic.Uint64

	finishOnce sync.Once
	leftover   []T
}

// New creates a WorkerPool and starts its workers.
// Cancelling ctx cancels every worker, see Cancel.
func New[T any](ctx context.Context, opts Options[T], process ProcessFunc[T]) (*WorkerPool[T], error) {
	if opts.Workers <= 0 {
		return nil, &ConfigError{Field: "workers", Value: opts.Workers, Err: ErrInvalidWorkerCount}
	}
	if process == nil {
		return nil, &ConfigError{Field: "process", Value: nil, Err: ErrNilProcessFunc}
	}
	if opts.Name == "" {
		opts.Name = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Queue == nil {
		opts.Queue = NewRequestQueue[T]()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &WorkerPool[T]{
		name:        opts.Name,
		queue:       opts.Queue,
		process:     process,
		onError:     opts.OnError,
		logger:      opts.Logger.With(slog.String("pool", opts.Name)),
		metrics:     opts.Metrics,
		waitTimeout: opts.WaitTimeout,
		workers:     make([]*worker[T], opts.Workers),
		cancel:      cancel,
	}

	for i := range p.workers {
		w := &worker[T]{id: i + 1, pool: p}
		w.ctx, w.cancel = context.WithCancel(ctx)
		p.workers[i] = w
		p.metrics.workerMoved(p.name, -1, Idle)
	}
	p.wg.Add(len(p.workers))
	for _, w := range p.workers {
		go func() {
			defer p.wg.Done()
			w.run()
		}()
	}
	return p, nil
}

// Name returns the pool name.
func (p *WorkerPool[T]) Name() string { return p.name }

// Queue returns the queue serviced by the pool.
func (p *WorkerPool[T]) Queue() *RequestQueue[T] { return p.queue }

// Enqueue adds a request to the pool's queue.
func (p *WorkerPool[T]) Enqueue(item T) {
	p.queue.Enqueue(item)
	p.metrics.requestEnqueued(p.name)
}

// InitiateShutdown tells the workers that no more requests are coming.
// Workers keep processing until the queue is empty and then exit.
func (p *WorkerPool[T]) InitiateShutdown() {
	p.queue.SignalDone()
	p.logger.Debug("Shutdown initiated", slog.Int("queued", p.queue.Size()))
}

// AwaitDrain waits until every worker has exited.
func (p *WorkerPool[T]) AwaitDrain() {
	p.wg.Wait()
	p.finish()
}

// AwaitDrainContext is like AwaitDrain but gives up once ctx is done.
// The workers are not affected by ctx.
func (p *WorkerPool[T]) AwaitDrainContext(ctx context.Context) error {
	donec := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(donec)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-donec:
		p.finish()
		return nil
	}
}

// Cancel cancels every worker. A worker only observes the cancellation while
// it is waiting for requests, so requests already queued or in flight are
// still processed by workers that have not yet gone to sleep.
func (p *WorkerPool[T]) Cancel() {
	for _, w := range p.workers {
		w.cancel()
	}
}

// CancelWorker cancels a single worker, see Cancel.
// It returns false if there is no worker with the given id.
func (p *WorkerPool[T]) CancelWorker(id int) bool {
	if id < 1 || id > len(p.workers) {
		return false
	}
	p.workers[id-1].cancel()
	return true
}

// State returns the current state of a worker.
func (p *WorkerPool[T]) State(id int) (WorkerState, bool) {
	if id < 1 || id > len(p.workers) {
		return 0, false
	}
	return p.workers[id-1].loadState(), true
}

// Leftover returns the requests that were still queued once every worker
// had exited, they are discarded. It is only meaningful after AwaitDrain
// returned, and it is empty unless requests were enqueued after the last
// worker had left.
func (p *WorkerPool[T]) Leftover() []T {
	return p.leftover
}

func (p *WorkerPool[T]) finish() {
	p.finishOnce.Do(func() {
		p.leftover = p.queue.Drain()
		if n := len(p.leftover); n > 0 {
			p.logger.Warn("Discarding requests left after the workers exited", slog.Int("count", n))
		}
		p.cancel()
	})
}

// Stats contains a list of worker counters.
type Stats struct {
	Workers    int
	Idle       int
	Waiting    int
	Processing int
	Exited     int
	Processed  uint64
	Failed     uint64
	Queued     int
}

// Stats returns the current stats.
func (p *WorkerPool[T]) Stats() Stats {
	stats := Stats{
		Workers:   len(p.workers),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Queued:    p.queue.Size(),
	}
	for _, w := range p.workers {
		switch w.loadState() {
		case Idle:
			stats.Idle++
		case Waiting:
			stats.Waiting++
		case Processing:
			stats.Processing++
		case Exiting:
			stats.Exited++
		}
	}
	return stats
}

type worker[T any] struct {
	id     int
	pool   *WorkerPool[T]
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
}

func (w *worker[T]) loadState() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *worker[T]) setState(s WorkerState) {
	if old := WorkerState(w.state.Swap(int32(s))); old != s {
		w.pool.metrics.workerMoved(w.pool.name, old, s)
	}
}

func (w *worker[T]) run() {
	var (
		q      = w.pool.queue
		logger = w.pool.logger.With(slog.Int("worker", w.id))
		reason = "drained"
		pctx   = injectWorkerID(context.WithoutCancel(w.ctx), w.id)
	)
	logger.Debug("Worker started")

	q.mu.Lock()
	locked := true
	defer func() {
		// However the loop is left, the lock is released exactly once.
		if locked {
			q.mu.Unlock()
		}
		w.setState(Exiting)
		logger.Debug("Worker exiting", slog.String("reason", reason))
	}()

	for {
		if item, ok := q.popLocked(); ok {
			w.setState(Processing)
			q.mu.Unlock()
			locked = false

			w.handle(pctx, logger, item)

			q.mu.Lock()
			locked = true
			w.setState(Idle)
			continue
		}

		if q.doneCreatingRequests {
			return
		}

		w.setState(Waiting)
		if err := w.wait(q); err != nil {
			reason = "cancelled"
			return
		}
		w.setState(Idle)
	}
}

// wait is the only point where a worker observes its cancellation.
func (w *worker[T]) wait(q *RequestQueue[T]) error {
	if w.pool.waitTimeout <= 0 {
		return q.wait(w.ctx)
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.pool.waitTimeout)
	defer cancel()
	if err := q.wait(ctx); err != nil && w.ctx.Err() != nil {
		return err
	}
	return nil
}

func (w *worker[T]) handle(ctx context.Context, logger *slog.Logger, item T) {
	start := time.Now()
	err := w.safeProcess(ctx, item)
	w.pool.metrics.requestProcessed(w.pool.name, time.Since(start), err)
	if err == nil {
		w.pool.processed.Add(1)
		return
	}

	w.pool.failed.Add(1)
	var perr *PanicError
	if errors.As(err, &perr) {
		logger.Error("Recovered from panic", slog.String("error", err.Error()))
	} else {
		logger.Warn("Processing failed", slog.String("error", err.Error()))
	}
	if w.pool.onError != nil {
		w.pool.onError(ctx, item, err)
	}
}

// PanicError wraps a value recovered from a panicking ProcessFunc.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("workerpool: process panicked: %v", e.Value)
}

func (w *worker[T]) safeProcess(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return w.pool.process(ctx, item)
}
