package amqpmodel

import (
	"context"
	"sync"
)

// Future is the one-shot outcome of an operation that may complete after the
// call that started it returned
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(value T) {
	f.settle(value, nil)
}

func (f *Future[T]) reject(err error) {
	var zero T
	f.settle(zero, err)
}

// settle records the first outcome; later calls are ignored
func (f *Future[T]) settle(value T, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future has settled
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx ends. Abandoning the wait does
// not abandon the operation.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

