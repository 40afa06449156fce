package amqpmodel

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/amqpmodel/transport"
)

// Handler receives one delivery at a time. The next delivery is not handed
// over until next is called. In ack mode next also acknowledges d, unless
// the handler already settled it.
type Handler func(d *transport.Delivery, next func())

// subscription serializes deliveries for one consumer tag
type subscription struct {
	queue   string
	handler Handler
	ack     bool
	logger  *slog.Logger

	done        chan struct{}
	releaseOnce sync.Once
}

func newSubscription(queue string, handler Handler, ack bool, logger *slog.Logger) *subscription {
	return &subscription{
		queue:   queue,
		handler: handler,
		ack:     ack,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// deliver is the transport.DeliveryFunc of the subscription. It returns once
// the handler called next or the subscription was released.
func (s *subscription) deliver(d *transport.Delivery) {
	select {
	case <-s.done:
		return
	default:
	}

	advanced := make(chan struct{})
	var once sync.Once
	next := func() {
		once.Do(func() {
			if s.ack {
				if err := d.Ack(); err != nil {
					s.logger.Warn("failed to acknowledge delivery",
						"queue", s.queue,
						"consumerTag", d.ConsumerTag,
						"deliveryTag", d.DeliveryTag,
						"error", err)
				}
			}
			close(advanced)
		})
	}

	if !s.invoke(d, next) {
		// A panicking handler gets its message rejected and the
		// subscription moves on
		if s.ack {
			if err := d.Reject(false); err != nil {
				s.logger.Warn("failed to reject delivery",
					"queue", s.queue,
					"consumerTag", d.ConsumerTag,
					"deliveryTag", d.DeliveryTag,
					"error", err)
			}
		}
		next()
	}

	select {
	case <-advanced:
	case <-s.done:
	}
}

func (s *subscription) invoke(d *transport.Delivery, next func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				"queue", s.queue,
				"consumerTag", d.ConsumerTag,
				"panic", r)
			ok = false
		}
	}()

	s.handler(d, next)
	return true
}

// release unblocks a pending delivery and drops later ones
func (s *subscription) release() {
	s.releaseOnce.Do(func() {
		close(s.done)
	})
}

// registry tracks active consumer tags
type registry struct {
	transport transport.Transport
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

func newRegistry(t transport.Transport, logger *slog.Logger) *registry {
	return &registry{
		transport: t,
		logger:    logger,
		subs:      make(map[string]*subscription),
	}
}

// register records a subscribed tag. It reports false once the registry is
// closed, in which case the caller owns cancelling the tag.
func (r *registry) register(tag string, sub *subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	r.subs[tag] = sub
	return true
}

// unsubscribe cancels tag. The tag leaves the registry while the
// cancellation is in flight and comes back if the transport rejects it.
func (r *registry) unsubscribe(ctx context.Context, tag string) error {
	r.mu.Lock()
	sub, ok := r.subs[tag]
	if ok {
		delete(r.subs, tag)
	}
	r.mu.Unlock()

	if !ok {
		return &UnknownConsumerError{ConsumerTag: tag}
	}

	if err := r.transport.Cancel(ctx, tag); err != nil {
		r.mu.Lock()
		closed := r.closed
		if !closed {
			r.subs[tag] = sub
		}
		r.mu.Unlock()

		if closed {
			sub.release()
		}

		return &UnsubscribeError{
			ConsumerTag: tag,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	sub.release()
	r.logger.Info("unsubscribed", "consumerTag", tag)
	return nil
}

// unsubscribeAll cancels every registered tag concurrently and waits for
// all of them
func (r *registry) unsubscribeAll(ctx context.Context) error {
	tags := r.tags()
	if len(tags) == 0 {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs = make(map[string]error)
	)

	for _, tag := range tags {
		wg.Add(1)
		go func(tag string) {
			defer wg.Done()
			if err := r.unsubscribe(ctx, tag); err != nil {
				mu.Lock()
				errs[tag] = err
				mu.Unlock()
			}
		}(tag)
	}
	wg.Wait()

	if len(errs) > 0 {
		return &UnsubscribeAllError{Errors: errs}
	}
	return nil
}

// close releases every subscription and rejects later registrations
func (r *registry) close() {
	r.mu.Lock()
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.release()
	}
}

func (r *registry) tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	tags := make([]string, 0, len(r.subs))
	for tag := range r.subs {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
