package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/amqpmodel/internal/rabbitmq"
	"github.com/glimte/amqpmodel/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements transport.Transport for RabbitMQ over a single
// connection and a single channel
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	logger    *slog.Logger
	mu        sync.RWMutex
	channel   rabbitmq.Channel
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	errs      chan error
	closeOnce sync.Once

	publisherOptions []rabbitmq.PublisherOption
	consumerOptions  []rabbitmq.ConsumerOption
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the logger for the transport and its components
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport creates a RabbitMQ transport. No connection is made until
// Connect.
func NewTransport(connectionString string, options ...TransportOption) *Transport {
	cfg := &TransportConfig{
		Logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	consOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	t := &Transport{
		manager:          rabbitmq.NewConnectionManager(connectionString, connOpts...),
		logger:           cfg.Logger,
		errs:             make(chan error, 1),
		publisherOptions: pubOpts,
		consumerOptions:  consOpts,
	}
	t.manager.AddStateListener(t)

	return t
}

// Connect dials the broker and opens the channel
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.manager.Connect(ctx); err != nil {
		return err
	}

	ch, err := t.manager.Channel()
	if err != nil {
		_ = t.manager.Close()
		return &rabbitmq.ConnectionError{
			Op:        "open channel",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	t.attach(ch)
	return nil
}

// attach wires the components to ch and watches it for closure
func (t *Transport) attach(ch rabbitmq.Channel) {
	t.mu.Lock()
	t.channel = ch
	t.topology = rabbitmq.NewTopologyManager(ch)
	t.publisher = rabbitmq.NewPublisher(ch, t.publisherOptions...)
	t.consumer = rabbitmq.NewConsumer(ch, t.consumerOptions...)
	t.mu.Unlock()

	notifyClose := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-notifyClose; ok && amqpErr != nil {
			t.logger.Error("channel closed", "error", amqpErr)
			t.report(fmt.Errorf("%w: %v", rabbitmq.ErrChannelClosed, amqpErr))
		}
	}()
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnConnected() {}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnDisconnected(err error) {
	t.report(err)
}

// report forwards the first asynchronous failure; later ones are logged only
func (t *Transport) report(err error) {
	select {
	case t.errs <- err:
	default:
		t.logger.Debug("dropping transport error", "error", err)
	}
}

// IsConnected reports whether the connection is open
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Errors reports asynchronous connection and channel failures
func (t *Transport) Errors() <-chan error {
	return t.errs
}

// DeclareQueue declares a queue
func (t *Transport) DeclareQueue(ctx context.Context, name string, options transport.QueueOptions) (*transport.Queue, error) {
	topology, err := t.topologyManager()
	if err != nil {
		return nil, err
	}

	q, err := topology.DeclareQueue(rabbitmq.QueueDeclaration{
		Name:       name,
		Durable:    options.Durable,
		AutoDelete: options.AutoDelete,
		Exclusive:  options.Exclusive,
		Arguments:  amqp.Table(options.Arguments),
	})
	if err != nil {
		return nil, err
	}

	return &transport.Queue{
		Name:      q.Name,
		Messages:  q.Messages,
		Consumers: q.Consumers,
	}, nil
}

// DeclareExchange declares an exchange and, in confirm mode, switches the
// channel to publisher confirms
func (t *Transport) DeclareExchange(ctx context.Context, name string, options transport.ExchangeOptions) (*transport.Exchange, error) {
	topology, err := t.topologyManager()
	if err != nil {
		return nil, err
	}

	kind := options.Type
	if kind == "" {
		kind = amqp.ExchangeTopic
	}

	if err := topology.DeclareExchange(rabbitmq.ExchangeDeclaration{
		Name:       name,
		Type:       kind,
		Durable:    options.Durable,
		AutoDelete: options.AutoDelete,
		Internal:   options.Internal,
		Arguments:  amqp.Table(options.Arguments),
	}); err != nil {
		return nil, err
	}

	if options.Confirm {
		t.mu.RLock()
		publisher := t.publisher
		t.mu.RUnlock()
		if err := publisher.EnableConfirms(); err != nil {
			return nil, err
		}
	}

	return &transport.Exchange{
		Name:    name,
		Type:    kind,
		Confirm: options.Confirm,
	}, nil
}

// BindQueue binds a queue to an exchange
func (t *Transport) BindQueue(ctx context.Context, queue *transport.Queue, exchange *transport.Exchange, routingKey string) error {
	topology, err := t.topologyManager()
	if err != nil {
		return err
	}

	return topology.BindQueue(rabbitmq.Binding{
		Queue:      queue.Name,
		Exchange:   exchange.Name,
		RoutingKey: routingKey,
	})
}

// Publish publishes a message to exchange
func (t *Transport) Publish(ctx context.Context, exchange *transport.Exchange, routingKey string, body []byte, options transport.PublishOptions, confirm transport.ConfirmFunc) error {
	t.mu.RLock()
	publisher := t.publisher
	t.mu.RUnlock()
	if publisher == nil {
		return rabbitmq.ErrConnectionNotReady
	}

	msg := amqp.Publishing{
		Headers:         amqp.Table(options.Headers),
		ContentType:     options.ContentType,
		ContentEncoding: options.ContentEncoding,
		DeliveryMode:    options.DeliveryMode,
		Priority:        options.Priority,
		CorrelationId:   options.CorrelationID,
		ReplyTo:         options.ReplyTo,
		Expiration:      options.Expiration,
		MessageId:       options.MessageID,
		Timestamp:       time.Now(),
		Type:            options.Type,
		AppId:           options.AppID,
		Body:            body,
	}

	var onConfirm func(error)
	if confirm != nil {
		onConfirm = func(err error) {
			if errors.Is(err, rabbitmq.ErrPublishNacked) {
				err = fmt.Errorf("%w: %w", transport.ErrNacked, err)
			}
			confirm(err)
		}
	}

	return publisher.Publish(ctx, exchange.Name, routingKey, options.Mandatory, msg, onConfirm)
}

// Subscribe starts a consumer on queue
func (t *Transport) Subscribe(ctx context.Context, queue *transport.Queue, options transport.SubscribeOptions, deliver transport.DeliveryFunc) (string, error) {
	t.mu.RLock()
	consumer := t.consumer
	t.mu.RUnlock()
	if consumer == nil {
		return "", rabbitmq.ErrConnectionNotReady
	}

	return consumer.Subscribe(queue.Name, rabbitmq.ConsumeOptions{
		ConsumerTag: options.ConsumerTag,
		AutoAck:     !options.Ack,
		Exclusive:   options.Exclusive,
		Prefetch:    options.Prefetch,
	}, func(d amqp.Delivery) {
		deliver(toDelivery(d))
	})
}

// Cancel stops the consumer with the given tag
func (t *Transport) Cancel(ctx context.Context, consumerTag string) error {
	t.mu.RLock()
	consumer := t.consumer
	t.mu.RUnlock()
	if consumer == nil {
		return rabbitmq.ErrConnectionNotReady
	}

	return consumer.Cancel(consumerTag)
}

// Close closes the channel and the connection
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		ch := t.channel
		t.mu.Unlock()

		if ch != nil && !ch.IsClosed() {
			if closeErr := ch.Close(); closeErr != nil {
				t.logger.Warn("failed to close channel", "error", closeErr)
			}
		}

		t.manager.RemoveStateListener(t)
		err = t.manager.Close()
	})
	return err
}

func (t *Transport) topologyManager() (*rabbitmq.TopologyManager, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.topology == nil {
		return nil, rabbitmq.ErrConnectionNotReady
	}
	return t.topology, nil
}

func toDelivery(d amqp.Delivery) *transport.Delivery {
	return &transport.Delivery{
		Acknowledger:    d.Acknowledger,
		Body:            d.Body,
		Headers:         d.Headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		MessageID:       d.MessageId,
		Type:            d.Type,
		AppID:           d.AppId,
		Timestamp:       d.Timestamp,
		ConsumerTag:     d.ConsumerTag,
		DeliveryTag:     d.DeliveryTag,
		Redelivered:     d.Redelivered,
		Exchange:        d.Exchange,
		RoutingKey:      d.RoutingKey,
	}
}

var _ transport.Transport = (*Transport)(nil)
