package workerpool

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// ErrFeederFrozen means the feeder does not accept any further producers
	// since Feeder.Join has been called.
	ErrFeederFrozen = errors.New("workerpool: feeder is frozen")
)

// EmitFunc hands one request over to the pool.
// It fails only if the producer context is done.
type EmitFunc[T any] func(item T) error

// FeederOptions configure the Feeder.
type FeederOptions struct {
	// Limiter paces the requests of all producers, no pacing if nil.
	Limiter *rate.Limiter
}

// Feeder runs producers against a WorkerPool and owns the pool's shutdown:
// once every producer has returned, Join initiates the shutdown and waits
// for the workers to drain the queue.
type Feeder[T any] struct {
	pool    *WorkerPool[T]
	limiter *rate.Limiter
	group   *errgroup.Group
	ctx     context.Context

	emitted atomic.Uint64
	joined  atomic.Bool
}

// NewFeeder creates a Feeder for pool.
// The producers stop if ctx is done or one of them returned an error.
func NewFeeder[T any](ctx context.Context, pool *WorkerPool[T], opts FeederOptions) *Feeder[T] {
	group, ctx := errgroup.WithContext(ctx)
	return &Feeder[T]{
		pool:    pool,
		limiter: opts.Limiter,
		group:   group,
		ctx:     ctx,
	}
}

// Start starts a producer enqueueing items in order.
//
// This method must be invoked prior to Join, failing which ErrFeederFrozen will be returned.
func (f *Feeder[T]) Start(items []T) error {
	return f.StartFunc(func(_ context.Context, emit EmitFunc[T]) error {
		for _, item := range items {
			if err := emit(item); err != nil {
				return err
			}
		}
		return nil
	})
}

// StartFunc starts a producer running produce. The producer should return
// as soon as emit fails or ctx is done.
//
// This method must be invoked prior to Join, failing which ErrFeederFrozen will be returned.
func (f *Feeder[T]) StartFunc(produce func(ctx context.Context, emit EmitFunc[T]) error) error {
	if f.joined.Load() {
		return ErrFeederFrozen
	}

	f.group.Go(func() error {
		return produce(f.ctx, func(item T) error {
			return f.emit(item)
		})
	})
	return nil
}

func (f *Feeder[T]) emit(item T) error {
	if f.limiter != nil {
		if err := f.limiter.Wait(f.ctx); err != nil {
			return err
		}
	} else if err := f.ctx.Err(); err != nil {
		return err
	}

	f.pool.Enqueue(item)
	f.emitted.Add(1)
	return nil
}

// Join waits for every producer, then shuts the pool down and waits for it
// to drain. It returns the first error returned by a producer.
// The feeder is frozen after the join, calling Join again returns ErrFeederFrozen.
func (f *Feeder[T]) Join() error {
	if !f.joined.CompareAndSwap(false, true) {
		return ErrFeederFrozen
	}

	err := f.group.Wait()
	f.pool.InitiateShutdown()
	f.pool.AwaitDrain()
	return err
}

// Emitted is the number of requests handed over to the pool so far.
// The count is stable once Join has returned.
func (f *Feeder[T]) Emitted() int {
	return int(f.emitted.Load())
}
