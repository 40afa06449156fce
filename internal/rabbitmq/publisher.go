package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher handles message publishing on one channel
type Publisher struct {
	ch             Channel
	mu             sync.Mutex
	confirming     bool
	publishTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout bounds the handoff of a message to the broker
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(ch Channel, options ...PublisherOption) *Publisher {
	p := &Publisher{
		ch:             ch,
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// EnableConfirms puts the channel in confirm mode. Later calls are no-ops.
func (p *Publisher) EnableConfirms() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.confirming {
		return nil
	}
	if err := p.ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable confirms: %w", err)
	}
	p.confirming = true
	return nil
}

// Confirming reports whether the channel is in confirm mode
func (p *Publisher) Confirming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.confirming
}

// Publish sends msg. When confirm is non-nil the channel must be in confirm
// mode; confirm is called once from another goroutine with nil on ack or a
// *PublishError wrapping ErrPublishNacked on nack.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing, confirm func(error)) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	dc, err := p.ch.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange,
		routingKey,
		mandatory,
		false, // immediate
		msg,
	)
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	if confirm == nil {
		return nil
	}

	if dc == nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  mandatory,
			Err:        ErrPublishNotConfirmed,
			Timestamp:  time.Now(),
		}
	}

	go func() {
		<-dc.Done()
		if dc.Acked() {
			confirm(nil)
			return
		}

		p.logger.Warn("publish nacked",
			"exchange", exchange,
			"routingKey", routingKey,
			"deliveryTag", dc.DeliveryTag)

		confirm(&PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  mandatory,
			Err:        ErrPublishNacked,
			Timestamp:  time.Now(),
		})
	}()

	return nil
}
