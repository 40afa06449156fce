package deferred

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Kind selects the list an operation is buffered on
type Kind int

const (
	// Subscribe operations are flushed before any Publish operation
	Subscribe Kind = iota
	// Publish operations are flushed after all Subscribe operations
	Publish
)

func (k Kind) String() string {
	switch k {
	case Subscribe:
		return "subscribe"
	case Publish:
		return "publish"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Operation is a unit of work deferred until the buffer is ready.
// Run performs the work and settles the caller; Fail settles the caller
// with err without running.
type Operation interface {
	Run()
	Fail(err error)
}

// OperationFunc adapts a pair of functions to Operation
type OperationFunc struct {
	RunFunc  func()
	FailFunc func(err error)
}

// Run calls RunFunc
func (f OperationFunc) Run() { f.RunFunc() }

// Fail calls FailFunc
func (f OperationFunc) Fail(err error) { f.FailFunc(err) }

// Buffer holds operations submitted before readiness and replays them once,
// subscribe operations first, each list in submission order.
type Buffer struct {
	mu        sync.Mutex
	subscribe []Operation
	publish   []Operation
	ready     bool
	flushed   bool
	err       error
	logger    *slog.Logger
}

// BufferOption configures the buffer
type BufferOption func(*Buffer)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BufferOption {
	return func(b *Buffer) {
		b.logger = logger
	}
}

// NewBuffer creates an empty, not-ready buffer
func NewBuffer(options ...BufferOption) *Buffer {
	b := &Buffer{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Submit runs op now if the buffer is ready, fails it if the buffer has
// failed, and otherwise queues it. It reports whether op was queued.
func (b *Buffer) Submit(kind Kind, op Operation) bool {
	b.mu.Lock()
	switch {
	case b.err != nil:
		err := b.err
		b.mu.Unlock()
		op.Fail(err)
		return false

	case b.ready:
		b.mu.Unlock()
		if err := safeRun(op); err != nil {
			op.Fail(err)
		}
		return false
	}

	if kind == Subscribe {
		b.subscribe = append(b.subscribe, op)
	} else {
		b.publish = append(b.publish, op)
	}
	b.mu.Unlock()

	return true
}

// Flush replays buffered operations and marks the buffer ready. Operations
// submitted while a flush is in progress are picked up by the same flush.
// The ready flag is set under the same lock acquisition that observes both
// lists empty, so no submit can slip in between.
//
// Flush only returns an error when an operation panicked; that operation is
// failed with the recovered value and the remaining operations still run.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	if b.flushed || b.err != nil {
		b.mu.Unlock()
		return nil
	}
	b.flushed = true
	b.mu.Unlock()

	var errs []error
	total := 0

	for {
		b.mu.Lock()
		if b.err != nil {
			b.mu.Unlock()
			break
		}
		if len(b.subscribe) == 0 && len(b.publish) == 0 {
			b.ready = true
			b.mu.Unlock()
			break
		}
		batch := make([]Operation, 0, len(b.subscribe)+len(b.publish))
		batch = append(batch, b.subscribe...)
		batch = append(batch, b.publish...)
		b.subscribe = nil
		b.publish = nil
		b.mu.Unlock()

		for _, op := range batch {
			total++
			if err := safeRun(op); err != nil {
				errs = append(errs, err)
				op.Fail(err)
			}
		}
	}

	b.logger.Debug("flushed deferred operations",
		"count", total,
		"failures", len(errs))

	return errors.Join(errs...)
}

// Fail settles every queued operation with err and makes later submits fail
// with it. Only the first call has an effect.
func (b *Buffer) Fail(err error) {
	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return
	}
	b.err = err
	pending := make([]Operation, 0, len(b.subscribe)+len(b.publish))
	pending = append(pending, b.subscribe...)
	pending = append(pending, b.publish...)
	b.subscribe = nil
	b.publish = nil
	b.mu.Unlock()

	if len(pending) > 0 {
		b.logger.Debug("failing deferred operations",
			"count", len(pending),
			"error", err)
	}

	for _, op := range pending {
		op.Fail(err)
	}
}

// Ready reports whether operations now bypass the buffer
func (b *Buffer) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Err returns the error the buffer failed with, if any
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Len returns the number of queued subscribe and publish operations
func (b *Buffer) Len() (subscribe, publish int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribe), len(b.publish)
}

// safeRun runs op with panic recovery
func safeRun(op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in deferred operation: %v", r)
		}
	}()
	op.Run()
	return nil
}
