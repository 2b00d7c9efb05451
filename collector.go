package workerpool

import (
	"context"
	"sync"

	"go.uber.org/multierr"
)

// Failure is a request whose processing failed.
type Failure[T any] struct {
	Item     T
	WorkerID int
	Err      error
}

// ErrorCollector records processing failures. Its Collect method fits
// Options.OnError.
type ErrorCollector[T any] struct {
	mu       sync.Mutex
	failures []Failure[T]
}

// Collect records a failure.
func (c *ErrorCollector[T]) Collect(ctx context.Context, item T, err error) {
	id, _ := WorkerID(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, Failure[T]{Item: item, WorkerID: id, Err: err})
}

// Failures returns a copy of the recorded failures in the order they were collected.
func (c *ErrorCollector[T]) Failures() []Failure[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Failure[T](nil), c.failures...)
}

// Len returns the number of recorded failures.
func (c *ErrorCollector[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failures)
}

// Err combines every recorded error, it is nil if nothing failed.
func (c *ErrorCollector[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	for _, f := range c.failures {
		err = multierr.Append(err, f.Err)
	}
	return err
}
