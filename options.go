package amqpmodel

import (
	"log/slog"

	"github.com/glimte/amqpmodel/transport"
	rabbitmqTransport "github.com/glimte/amqpmodel/transports/rabbitmq"
)

// Option configures a Model
type Option func(*Model)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Model) {
		m.logger = logger
	}
}

// WithConnection runs the model on conn instead of dialing Config.URL
func WithConnection(conn Connection) Option {
	return func(m *Model) {
		m.conn = conn
	}
}

// WithTransportOptions passes options to the RabbitMQ transport created
// from Config.URL
func WithTransportOptions(opts ...rabbitmqTransport.TransportOption) Option {
	return func(m *Model) {
		m.transportOptions = append(m.transportOptions, opts...)
	}
}

// WithOnReady is called once the topology is declared and buffered
// operations have been replayed
func WithOnReady(fn func()) Option {
	return func(m *Model) {
		m.onReady = fn
	}
}

// WithOnError is called when setup fails, or when an owned connection fails
// after setup
func WithOnError(fn func(error)) Option {
	return func(m *Model) {
		m.onError = fn
	}
}

// PublishOption overrides the configured publish defaults for one call
type PublishOption func(*publishCall)

type publishCall struct {
	routingKey string
	options    transport.PublishOptions
}

// WithRoutingKey sets the routing key
func WithRoutingKey(key string) PublishOption {
	return func(c *publishCall) {
		c.routingKey = key
	}
}

// WithContentType sets the content type
func WithContentType(contentType string) PublishOption {
	return func(c *publishCall) {
		c.options.ContentType = contentType
	}
}

// WithHeader sets one message header
func WithHeader(key string, value interface{}) PublishOption {
	return func(c *publishCall) {
		c.options.Headers[key] = value
	}
}

// WithHeaders merges headers into the configured ones
func WithHeaders(headers map[string]interface{}) PublishOption {
	return func(c *publishCall) {
		for k, v := range headers {
			c.options.Headers[k] = v
		}
	}
}

// WithCorrelationID sets the correlation id
func WithCorrelationID(id string) PublishOption {
	return func(c *publishCall) {
		c.options.CorrelationID = id
	}
}

// WithMessageID sets the message id
func WithMessageID(id string) PublishOption {
	return func(c *publishCall) {
		c.options.MessageID = id
	}
}

// WithReplyTo sets the reply-to queue
func WithReplyTo(queue string) PublishOption {
	return func(c *publishCall) {
		c.options.ReplyTo = queue
	}
}

// WithExpiration sets the per-message TTL, in milliseconds as AMQP expects
func WithExpiration(ttl string) PublishOption {
	return func(c *publishCall) {
		c.options.Expiration = ttl
	}
}

// WithPersistent marks the message persistent
func WithPersistent() PublishOption {
	return func(c *publishCall) {
		c.options.DeliveryMode = 2
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(c *publishCall) {
		c.options.Priority = priority
	}
}

// WithMandatory requires the broker to route the message to a queue
func WithMandatory() PublishOption {
	return func(c *publishCall) {
		c.options.Mandatory = true
	}
}

// SubscribeOption overrides the configured subscribe defaults for one call
type SubscribeOption func(*transport.SubscribeOptions)

// WithAck selects explicit acknowledgement
func WithAck(ack bool) SubscribeOption {
	return func(o *transport.SubscribeOptions) {
		o.Ack = ack
	}
}

// WithPrefetch sets the prefetch count
func WithPrefetch(n int) SubscribeOption {
	return func(o *transport.SubscribeOptions) {
		o.Prefetch = n
	}
}

// WithConsumerTag requests a specific consumer tag
func WithConsumerTag(tag string) SubscribeOption {
	return func(o *transport.SubscribeOptions) {
		o.ConsumerTag = tag
	}
}

// WithExclusive requests an exclusive consumer
func WithExclusive() SubscribeOption {
	return func(o *transport.SubscribeOptions) {
		o.Exclusive = true
	}
}

// WithBindingKey binds the queue to the configured exchange with key before
// the consumer starts
func WithBindingKey(key string) SubscribeOption {
	return func(o *transport.SubscribeOptions) {
		o.BindingKey = key
	}
}

// newPublishCall copies the defaults, including headers, before applying
// overrides
func newPublishCall(routingKey string, defaults transport.PublishOptions, opts []PublishOption) publishCall {
	call := publishCall{
		routingKey: routingKey,
		options:    defaults,
	}
	call.options.Headers = make(map[string]interface{}, len(defaults.Headers))
	for k, v := range defaults.Headers {
		call.options.Headers[k] = v
	}

	for _, opt := range opts {
		opt(&call)
	}

	if len(call.options.Headers) == 0 {
		call.options.Headers = nil
	}
	return call
}
