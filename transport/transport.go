package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrNacked is reported to a ConfirmFunc when the broker negatively
// acknowledges a publish
var ErrNacked = errors.New("transport: publish was nacked by the broker")

// ConfirmFunc receives the outcome of a confirmed publish. It is called once,
// with nil on ack or an error wrapping ErrNacked on nack.
type ConfirmFunc func(err error)

// DeliveryFunc receives messages for one subscription. Calls for the same
// subscription never overlap; the next delivery waits until it returns.
type DeliveryFunc func(d *Delivery)

// Transport is the capability set the model consumes from a broker connection
type Transport interface {
	// Connect establishes the connection and returns once it is ready
	Connect(ctx context.Context) error

	// DeclareQueue declares a queue. A nil queue with a nil error is
	// treated as a failed declaration by callers.
	DeclareQueue(ctx context.Context, name string, options QueueOptions) (*Queue, error)

	// DeclareExchange declares an exchange
	DeclareExchange(ctx context.Context, name string, options ExchangeOptions) (*Exchange, error)

	// BindQueue binds a queue to an exchange with a routing key
	BindQueue(ctx context.Context, queue *Queue, exchange *Exchange, routingKey string) error

	// Publish hands a message to the broker. confirm is nil unless the
	// exchange was declared in confirm mode.
	Publish(ctx context.Context, exchange *Exchange, routingKey string, body []byte, options PublishOptions, confirm ConfirmFunc) error

	// Subscribe starts a consumer and returns its tag once the broker has
	// acknowledged it
	Subscribe(ctx context.Context, queue *Queue, options SubscribeOptions, deliver DeliveryFunc) (string, error)

	// Cancel stops the consumer with the given tag
	Cancel(ctx context.Context, consumerTag string) error

	// Errors reports asynchronous connection failures
	Errors() <-chan error

	// Close closes the connection
	Close() error
}

// Queue is the handle of a declared queue
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

// Exchange is the handle of a declared exchange
type Exchange struct {
	Name    string
	Type    string
	Confirm bool
}

// ExchangeOptions defines options for exchange declaration
type ExchangeOptions struct {
	Type       string                 `yaml:"type"`
	Durable    bool                   `yaml:"durable"`
	AutoDelete bool                   `yaml:"autoDelete"`
	Internal   bool                   `yaml:"internal"`
	Confirm    bool                   `yaml:"confirm"`
	Arguments  map[string]interface{} `yaml:"arguments,omitempty"`
}

// QueueOptions defines options for queue declaration
type QueueOptions struct {
	Durable    bool                   `yaml:"durable"`
	AutoDelete bool                   `yaml:"autoDelete"`
	Exclusive  bool                   `yaml:"exclusive"`
	Arguments  map[string]interface{} `yaml:"arguments,omitempty"`
}

// SubscribeOptions defines options for a consumer
type SubscribeOptions struct {
	// Ack requires each delivery to be acknowledged explicitly
	Ack         bool   `yaml:"ack"`
	Exclusive   bool   `yaml:"exclusive"`
	ConsumerTag string `yaml:"consumerTag,omitempty"`
	Prefetch    int    `yaml:"prefetch"`
	// BindingKey, when set, binds the queue to the configured exchange
	// before the consumer starts
	BindingKey string `yaml:"bindingKey,omitempty"`
}

// PublishOptions defines message properties for a publish
type PublishOptions struct {
	ContentType     string                 `yaml:"contentType"`
	ContentEncoding string                 `yaml:"contentEncoding,omitempty"`
	DeliveryMode    uint8                  `yaml:"deliveryMode,omitempty"`
	Priority        uint8                  `yaml:"priority,omitempty"`
	CorrelationID   string                 `yaml:"correlationId,omitempty"`
	ReplyTo         string                 `yaml:"replyTo,omitempty"`
	Expiration      string                 `yaml:"expiration,omitempty"`
	MessageID       string                 `yaml:"messageId,omitempty"`
	Type            string                 `yaml:"type,omitempty"`
	AppID           string                 `yaml:"appId,omitempty"`
	Headers         map[string]interface{} `yaml:"headers,omitempty"`
	Mandatory       bool                   `yaml:"mandatory"`
}

// Acknowledger settles a delivery with the broker
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error
}

// Delivery is a message received by a subscription
type Delivery struct {
	Acknowledger Acknowledger

	Body            []byte
	Headers         map[string]interface{}
	ContentType     string
	ContentEncoding string
	CorrelationID   string
	ReplyTo         string
	MessageID       string
	Type            string
	AppID           string
	Timestamp       time.Time

	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string

	settled atomic.Bool
}

// Ack acknowledges the delivery
func (d *Delivery) Ack() error {
	if d.Acknowledger == nil || !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	return d.Acknowledger.Ack(d.DeliveryTag, false)
}

// Nack negatively acknowledges the delivery
func (d *Delivery) Nack(requeue bool) error {
	if d.Acknowledger == nil || !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	return d.Acknowledger.Nack(d.DeliveryTag, false, requeue)
}

// Reject rejects the delivery
func (d *Delivery) Reject(requeue bool) error {
	if d.Acknowledger == nil || !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	return d.Acknowledger.Reject(d.DeliveryTag, requeue)
}

// Settled reports whether Ack, Nack or Reject has been called
func (d *Delivery) Settled() bool {
	return d.settled.Load()
}
