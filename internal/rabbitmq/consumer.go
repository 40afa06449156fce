package rabbitmq

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. The next delivery of the same
// consumer is not handed over until it returns.
type DeliveryHandler func(delivery amqp.Delivery)

// ConsumeOptions configures one consumer
type ConsumeOptions struct {
	ConsumerTag string
	AutoAck     bool
	Exclusive   bool
	Prefetch    int
}

// Consumer manages consumers on one channel
type Consumer struct {
	ch              Channel
	tagPrefix       string
	logger          *slog.Logger
	mu              sync.Mutex
	activeConsumers map[string]*ConsumerInfo
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithTagPrefix sets the prefix of generated consumer tags
func WithTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(ch Channel, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		ch:              ch,
		tagPrefix:       "amqpmodel",
		logger:          slog.Default(),
		activeConsumers: make(map[string]*ConsumerInfo),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumerInfo tracks active consumer information
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	Done        chan struct{}
}

// Subscribe starts consuming from queue and returns the consumer tag
func (c *Consumer) Subscribe(queue string, options ConsumeOptions, handler DeliveryHandler) (string, error) {
	tag := options.ConsumerTag
	if tag == "" {
		tag = fmt.Sprintf("%s-%s", c.tagPrefix, uuid.New().String())
	}

	if options.Prefetch > 0 {
		if err := c.ch.Qos(options.Prefetch, 0, false); err != nil {
			return "", &ConsumerError{
				Queue:       queue,
				ConsumerTag: tag,
				Op:          "qos",
				Err:         err,
				Timestamp:   time.Now(),
			}
		}
	}

	deliveries, err := c.ch.Consume(
		queue,
		tag,
		options.AutoAck,
		options.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: tag,
		Done:        make(chan struct{}),
	}

	c.mu.Lock()
	c.activeConsumers[tag] = info
	c.mu.Unlock()

	go c.processMessages(info, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", options.Prefetch,
	)

	return tag, nil
}

// processMessages hands deliveries to handler until the broker closes the
// delivery channel, which follows a cancel or a channel close
func (c *Consumer) processMessages(info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		close(info.Done)
		c.mu.Lock()
		if c.activeConsumers[info.ConsumerTag] == info {
			delete(c.activeConsumers, info.ConsumerTag)
		}
		c.mu.Unlock()
		c.logger.Info("consumer stopped",
			"queue", info.Queue,
			"consumerTag", info.ConsumerTag)
	}()

	for delivery := range deliveries {
		handler(delivery)
	}
}

// Cancel stops the consumer with the given tag. It does not wait for an
// in-flight delivery handler to return.
func (c *Consumer) Cancel(tag string) error {
	c.mu.Lock()
	info, ok := c.activeConsumers[tag]
	c.mu.Unlock()

	if !ok {
		return &ConsumerError{
			ConsumerTag: tag,
			Op:          "cancel",
			Err:         ErrConsumerNotFound,
			Timestamp:   time.Now(),
		}
	}

	if err := c.ch.Cancel(tag, false); err != nil {
		return &ConsumerError{
			Queue:       info.Queue,
			ConsumerTag: tag,
			Op:          "cancel",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	c.mu.Lock()
	delete(c.activeConsumers, tag)
	c.mu.Unlock()

	return nil
}

// GetActiveConsumers returns the tags of active consumers
func (c *Consumer) GetActiveConsumers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	tags := make([]string, 0, len(c.activeConsumers))
	for tag := range c.activeConsumers {
		tags = append(tags, tag)
	}
	return tags
}
