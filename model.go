// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package amqpmodel declares one queue and exchange on a broker connection
// and lets callers publish and consume before that setup has finished.
// Operations issued early are buffered and replayed once the model is
// ready, subscriptions first.
package amqpmodel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/amqpmodel/internal/deferred"
	"github.com/glimte/amqpmodel/internal/rabbitmq"
	"github.com/glimte/amqpmodel/transport"
	rabbitmqTransport "github.com/glimte/amqpmodel/transports/rabbitmq"
)

// Model coordinates one queue/exchange topology on a single connection
type Model struct {
	cfg              Config
	conn             Connection
	logger           *slog.Logger
	onReady          func()
	onError          func(error)
	transportOptions []rabbitmqTransport.TransportOption

	buffer   *deferred.Buffer
	registry *registry

	mu       sync.RWMutex
	state    State
	err      error
	queue    *transport.Queue
	exchange *transport.Exchange

	ready      chan struct{}
	terminated chan struct{}
	setupDone  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	disconnectOnce sync.Once
	disconnectErr  error
}

// New validates cfg and starts connecting in the background. It returns
// before the connection or the topology is ready.
func New(cfg Config, options ...Option) (*Model, error) {
	m := &Model{
		cfg:        cfg,
		logger:     slog.Default(),
		state:      StateCreated,
		ready:      make(chan struct{}),
		terminated: make(chan struct{}),
		setupDone:  make(chan struct{}),
	}

	for _, opt := range options {
		opt(m)
	}

	if m.cfg.RoutingKey == "" {
		m.cfg.RoutingKey = DefaultRoutingKey
	}
	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}

	if m.conn.transport == nil {
		if m.cfg.URL == "" {
			return nil, fmt.Errorf("%w: either a URL or a connection is required", ErrInvalidConfiguration)
		}
		m.conn = Owned(m.dial())
	}

	m.logger = m.logger.With(
		"queue", m.cfg.Queue,
		"exchange", m.cfg.Exchange)
	m.buffer = deferred.NewBuffer(deferred.WithLogger(m.logger))
	m.registry = newRegistry(m.conn.transport, m.logger)
	m.ctx, m.cancel = context.WithCancel(context.Background())

	go m.run()

	return m, nil
}

func (m *Model) dial() transport.Transport {
	opts := []rabbitmqTransport.TransportOption{rabbitmqTransport.WithLogger(m.logger)}
	if m.cfg.ConnectTimeout > 0 {
		opts = append(opts, rabbitmqTransport.WithConnectionOptions(
			rabbitmq.WithConnectTimeout(m.cfg.ConnectTimeout),
		))
	}
	opts = append(opts, m.transportOptions...)

	return rabbitmqTransport.NewTransport(m.cfg.URL, opts...)
}

// run drives Created to Ready, then watches an owned connection
func (m *Model) run() {
	err := m.setup()
	if err != nil {
		failed := m.fail(err)
		close(m.setupDone)
		if failed && m.onError != nil {
			m.onError(err)
		}
		return
	}

	close(m.setupDone)
	if m.State() != StateReady {
		return
	}
	if m.onReady != nil {
		m.onReady()
	}

	m.watch()
}

func (m *Model) setup() error {
	if m.conn.owned {
		if !m.transition(StateConnecting) {
			return nil
		}
		if err := m.conn.connect(m.ctx); err != nil {
			return &ConnectionError{Op: "connect", Err: err, Timestamp: time.Now()}
		}
	}

	if !m.transition(StateTopologyPending) {
		return nil
	}
	if err := m.setupTopology(m.ctx); err != nil {
		return err
	}

	if err := m.buffer.Flush(); err != nil {
		m.logger.Error("deferred operations panicked", "error", err)
	}
	if !m.buffer.Ready() {
		return nil
	}

	m.transition(StateReady)
	return nil
}

// watch turns the first asynchronous transport failure into the Error state
func (m *Model) watch() {
	select {
	case <-m.ctx.Done():
	case err, ok := <-m.conn.errors():
		if !ok {
			return
		}
		connErr := &ConnectionError{Op: "transport", Err: err, Timestamp: time.Now()}
		if m.fail(connErr) && m.onError != nil {
			m.onError(connErr)
		}
	}
}

// transition moves to next unless the model already reached a terminal state
func (m *Model) transition(next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal() {
		return false
	}

	m.logger.Info("model state changed", "from", m.state, "to", next)
	m.state = next
	if next == StateReady {
		close(m.ready)
	}
	return true
}

// fail enters the Error state and settles every buffered operation with
// err. It reports false if the model was already terminal.
func (m *Model) fail(err error) bool {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return false
	}
	m.logger.Error("model failed", "state", m.state, "error", err)
	m.state = StateError
	m.err = err
	close(m.terminated)
	m.mu.Unlock()

	m.buffer.Fail(err)
	return true
}

// PublishAsync publishes body to the configured exchange. Before the model
// is ready the publish is buffered. With a confirming exchange the future
// settles on the broker's ack or nack, otherwise once the transport took
// the message.
func (m *Model) PublishAsync(body []byte, options ...PublishOption) *Future[struct{}] {
	f := newFuture[struct{}]()

	if m.cfg.Exchange == "" {
		f.reject(&NotConfiguredError{Op: "publish", Setting: "exchange"})
		return f
	}

	call := newPublishCall(m.cfg.RoutingKey, m.cfg.PublishOptions, options)
	body = bytes.Clone(body)

	m.buffer.Submit(deferred.Publish, deferred.OperationFunc{
		RunFunc:  func() { m.publish(body, call, f) },
		FailFunc: f.reject,
	})
	return f
}

// Publish publishes body and waits for the outcome
func (m *Model) Publish(ctx context.Context, body []byte, options ...PublishOption) error {
	_, err := m.PublishAsync(body, options...).Wait(ctx)
	return err
}

func (m *Model) publish(body []byte, call publishCall, f *Future[struct{}]) {
	ex := m.Exchange()
	publishErr := func(err error) error {
		return &PublishError{
			Exchange:   m.cfg.Exchange,
			RoutingKey: call.routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	var confirm transport.ConfirmFunc
	if ex.Confirm {
		confirm = func(err error) {
			if err != nil {
				f.reject(publishErr(err))
				return
			}
			f.resolve(struct{}{})
		}
	}

	if err := m.conn.transport.Publish(m.ctx, ex, call.routingKey, body, call.options, confirm); err != nil {
		f.reject(publishErr(err))
		return
	}

	if confirm == nil {
		f.resolve(struct{}{})
	}
}

// QueueByOneAsync subscribes handler to the configured queue. Before the
// model is ready the subscription is buffered. Once the model is ready it
// runs on the calling goroutine, so the call returns only after the broker
// answered and the future is already settled. The future resolves with the
// consumer tag once the broker accepted the consumer.
func (m *Model) QueueByOneAsync(handler Handler, options ...SubscribeOption) *Future[string] {
	f := newFuture[string]()

	if m.cfg.Queue == "" {
		f.reject(&NotConfiguredError{Op: "subscribe", Setting: "queue"})
		return f
	}
	if handler == nil {
		f.reject(fmt.Errorf("%w: nil handler", ErrInvalidConfiguration))
		return f
	}

	opts := m.cfg.SubscribeOptions
	for _, opt := range options {
		opt(&opts)
	}
	if opts.BindingKey != "" && m.cfg.Exchange == "" {
		f.reject(&NotConfiguredError{Op: "bind", Setting: "exchange"})
		return f
	}

	m.buffer.Submit(deferred.Subscribe, deferred.OperationFunc{
		RunFunc:  func() { m.subscribe(handler, opts, f) },
		FailFunc: f.reject,
	})
	return f
}

// QueueByOne subscribes handler and waits for the consumer tag
func (m *Model) QueueByOne(ctx context.Context, handler Handler, options ...SubscribeOption) (string, error) {
	return m.QueueByOneAsync(handler, options...).Wait(ctx)
}

func (m *Model) subscribe(handler Handler, opts transport.SubscribeOptions, f *Future[string]) {
	if opts.BindingKey != "" {
		if err := m.bind(m.ctx, opts.BindingKey); err != nil {
			f.reject(err)
			return
		}
	}

	q := m.Queue()
	sub := newSubscription(q.Name, handler, opts.Ack, m.logger)

	tag, err := m.conn.transport.Subscribe(m.ctx, q, opts, sub.deliver)
	if err != nil {
		f.reject(&SubscribeError{Queue: q.Name, Err: err, Timestamp: time.Now()})
		return
	}

	if !m.registry.register(tag, sub) {
		// Disconnected while the broker was accepting the consumer
		sub.release()
		if cancelErr := m.conn.transport.Cancel(context.Background(), tag); cancelErr != nil {
			m.logger.Debug("failed to cancel late consumer", "consumerTag", tag, "error", cancelErr)
		}
		f.reject(ErrDisconnected)
		return
	}

	m.logger.Info("subscribed", "consumerTag", tag, "ack", opts.Ack, "prefetch", opts.Prefetch)
	f.resolve(tag)
}

// Unsubscribe cancels the consumer with the given tag
func (m *Model) Unsubscribe(ctx context.Context, consumerTag string) error {
	return m.registry.unsubscribe(ctx, consumerTag)
}

// UnsubscribeAll cancels every active consumer concurrently. Consumers that
// were cancelled stay cancelled even when others fail; the failures are
// reported per tag in an *UnsubscribeAllError.
func (m *Model) UnsubscribeAll(ctx context.Context) error {
	return m.registry.unsubscribeAll(ctx)
}

// Disconnect settles buffered operations with ErrDisconnected, cancels
// active consumers and stops the model. The transport is closed only when
// the model owns it. Later calls return the first call's result.
func (m *Model) Disconnect(ctx context.Context) error {
	m.disconnectOnce.Do(func() {
		m.disconnectErr = m.disconnect(ctx)
	})
	return m.disconnectErr
}

func (m *Model) disconnect(ctx context.Context) error {
	m.mu.Lock()
	from := m.state
	wasTerminal := from.Terminal()
	m.state = StateDisconnected
	if !wasTerminal {
		m.err = ErrDisconnected
		close(m.terminated)
	}
	m.mu.Unlock()
	m.logger.Info("model state changed", "from", from, "to", StateDisconnected)

	m.buffer.Fail(ErrDisconnected)
	m.cancel()

	select {
	case <-m.setupDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Consumers registered during a flush that never reached Ready are
	// still live on the transport
	if m.registry.len() > 0 {
		if err := m.registry.unsubscribeAll(ctx); err != nil {
			m.logger.Warn("failed to cancel consumers on disconnect", "error", err)
		}
	}
	m.registry.close()

	if err := m.conn.close(); err != nil {
		return &ConnectionError{Op: "close", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// State returns the lifecycle state
func (m *Model) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Err returns the error that made the model terminal, or nil
func (m *Model) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Ready is closed once the model reaches the Ready state
func (m *Model) Ready() <-chan struct{} {
	return m.ready
}

// WaitReady blocks until the model is ready, has failed or ctx ends
func (m *Model) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
	case <-m.terminated:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
	}
	return m.Err()
}

// Queue returns the declared queue, or nil until it is declared
func (m *Model) Queue() *transport.Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queue
}

// Exchange returns the declared exchange, or nil until it is declared
func (m *Model) Exchange() *transport.Exchange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exchange
}

// Connection returns the connection the model runs on
func (m *Model) Connection() Connection {
	return m.conn
}

// ConsumerTags returns the active consumer tags in sorted order
func (m *Model) ConsumerTags() []string {
	return m.registry.tags()
}
