// Package transporttest provides an in-memory transport.Transport for tests
// and dry runs. It routes published messages through exchanges and bindings
// to queue consumers round-robin, records every call in order, and lets
// tests hold the connection handshake and inject failures. A delivery
// nacked or rejected with requeue goes back to its queue.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/glimte/amqpmodel/transport"
	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by operations on a closed broker
	ErrClosed = errors.New("transporttest: broker is closed")
	// ErrNotConnected is returned by operations before Connect
	ErrNotConnected = errors.New("transporttest: not connected")
	// ErrUnknownConsumer is returned by Cancel for a tag it never issued
	ErrUnknownConsumer = errors.New("transporttest: unknown consumer")
	// ErrUnknownQueue is returned when a queue handle was never declared
	ErrUnknownQueue = errors.New("transporttest: unknown queue")
	// ErrUnknownExchange is returned when an exchange handle was never declared
	ErrUnknownExchange = errors.New("transporttest: unknown exchange")
)

// Call records one transport operation
type Call struct {
	Op   string
	Name string
}

func (c Call) String() string {
	return c.Op + ":" + c.Name
}

// Message is a message accepted by Publish
type Message struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Options    transport.PublishOptions
}

type queue struct {
	name      string
	options   transport.QueueOptions
	backlog   []*transport.Delivery
	consumers []*consumer
	next      int
}

type exchange struct {
	name    string
	options transport.ExchangeOptions
}

type binding struct {
	queue    string
	exchange string
	key      string
}

type consumer struct {
	tag     string
	queue   *queue
	ack     bool
	deliver transport.DeliveryFunc
	pending []*transport.Delivery
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

type unackedDelivery struct {
	queue    *queue
	delivery *transport.Delivery
}

// Broker is an in-memory transport.Transport
type Broker struct {
	mu        sync.Mutex
	calls     []Call
	published []Message
	queues    map[string]*queue
	exchanges map[string]*exchange
	bindings  []binding
	consumers map[string]*consumer
	connected bool
	closed    bool
	errs      chan error
	acks      *acker
	unacked   map[uint64]unackedDelivery
	lastTag   uint64
	acked     int
	nacked    int
	wg        sync.WaitGroup
	logger    *slog.Logger

	connectGate  chan struct{}
	connectErr   error
	queueErr     error
	exchangeErr  error
	bindErr      error
	subscribeErr error
	publishErr   error
	nilQueue     bool
	nilExchange  bool
	nack         bool
	holdConfirms bool
	heldConfirms []transport.ConfirmFunc
	cancelErrs   map[string]error
}

// Option configures the broker
type Option func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// Connected starts the broker already connected, as a borrowed
// connection would be
func Connected() Option {
	return func(b *Broker) {
		b.connected = true
	}
}

// HoldConnect makes Connect block until ReleaseConnect is called
func HoldConnect() Option {
	return func(b *Broker) {
		b.connectGate = make(chan struct{})
	}
}

// New creates an empty broker
func New(options ...Option) *Broker {
	b := &Broker{
		queues:     make(map[string]*queue),
		exchanges:  make(map[string]*exchange),
		consumers:  make(map[string]*consumer),
		errs:       make(chan error, 1),
		unacked:    make(map[uint64]unackedDelivery),
		logger:     slog.Default(),
		cancelErrs: make(map[string]error),
	}

	for _, opt := range options {
		opt(b)
	}
	b.acks = &acker{broker: b}

	return b
}

// ReleaseConnect unblocks a held Connect
func (b *Broker) ReleaseConnect() {
	b.mu.Lock()
	gate := b.connectGate
	b.connectGate = nil
	b.mu.Unlock()

	if gate != nil {
		close(gate)
	}
}

// FailConnect makes Connect return err
func (b *Broker) FailConnect(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
}

// FailQueueDeclare makes DeclareQueue return err
func (b *Broker) FailQueueDeclare(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueErr = err
}

// FailExchangeDeclare makes DeclareExchange return err
func (b *Broker) FailExchangeDeclare(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchangeErr = err
}

// FailBind makes BindQueue return err
func (b *Broker) FailBind(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindErr = err
}

// FailSubscribe makes Subscribe return err
func (b *Broker) FailSubscribe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeErr = err
}

// FailPublish makes Publish return err
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// FailCancel makes Cancel of tag return err
func (b *Broker) FailCancel(tag string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.cancelErrs, tag)
		return
	}
	b.cancelErrs[tag] = err
}

// ReturnNilQueue makes DeclareQueue return a nil queue and no error
func (b *Broker) ReturnNilQueue() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nilQueue = true
}

// ReturnNilExchange makes DeclareExchange return a nil exchange and no error
func (b *Broker) ReturnNilExchange() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nilExchange = true
}

// NackPublishes makes confirmed publishes report a nack
func (b *Broker) NackPublishes(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nack = nack
}

// HoldConfirms keeps publish confirmations pending until ReleaseConfirms
func (b *Broker) HoldConfirms() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdConfirms = true
}

// ReleaseConfirms delivers held confirmations and stops holding new ones
func (b *Broker) ReleaseConfirms() {
	b.mu.Lock()
	held := b.heldConfirms
	b.heldConfirms = nil
	b.holdConfirms = false
	nack := b.nack
	b.mu.Unlock()

	for _, confirm := range held {
		confirm(confirmResult(nack))
	}
}

// InjectError reports err on the Errors channel, as a dropped connection
// would
func (b *Broker) InjectError(err error) {
	select {
	case b.errs <- err:
	default:
	}
}

// Connect implements transport.Transport
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	b.record("connect", "")
	gate := b.connectGate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.connectErr != nil {
		return b.connectErr
	}
	b.connected = true
	return nil
}

// DeclareQueue implements transport.Transport
func (b *Broker) DeclareQueue(ctx context.Context, name string, options transport.QueueOptions) (*transport.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record("declareQueue", name)
	if err := b.usable(); err != nil {
		return nil, err
	}
	if b.queueErr != nil {
		return nil, b.queueErr
	}
	if b.nilQueue {
		return nil, nil
	}

	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, options: options}
		b.queues[name] = q
	}

	return &transport.Queue{
		Name:      name,
		Messages:  len(q.backlog),
		Consumers: len(q.consumers),
	}, nil
}

// DeclareExchange implements transport.Transport
func (b *Broker) DeclareExchange(ctx context.Context, name string, options transport.ExchangeOptions) (*transport.Exchange, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record("declareExchange", name)
	if err := b.usable(); err != nil {
		return nil, err
	}
	if b.exchangeErr != nil {
		return nil, b.exchangeErr
	}
	if b.nilExchange {
		return nil, nil
	}

	if options.Type == "" {
		options.Type = "topic"
	}
	b.exchanges[name] = &exchange{name: name, options: options}

	return &transport.Exchange{
		Name:    name,
		Type:    options.Type,
		Confirm: options.Confirm,
	}, nil
}

// BindQueue implements transport.Transport
func (b *Broker) BindQueue(ctx context.Context, q *transport.Queue, ex *transport.Exchange, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record("bind", fmt.Sprintf("%s->%s(%s)", q.Name, ex.Name, routingKey))
	if err := b.usable(); err != nil {
		return err
	}
	if b.bindErr != nil {
		return b.bindErr
	}
	if _, ok := b.queues[q.Name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, q.Name)
	}
	if _, ok := b.exchanges[ex.Name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, ex.Name)
	}

	for _, existing := range b.bindings {
		if existing.queue == q.Name && existing.exchange == ex.Name && existing.key == routingKey {
			return nil
		}
	}
	b.bindings = append(b.bindings, binding{queue: q.Name, exchange: ex.Name, key: routingKey})
	return nil
}

// Publish implements transport.Transport
func (b *Broker) Publish(ctx context.Context, ex *transport.Exchange, routingKey string, body []byte, options transport.PublishOptions, confirm transport.ConfirmFunc) error {
	b.mu.Lock()

	b.record("publish", string(body))
	if err := b.usable(); err != nil {
		b.mu.Unlock()
		return err
	}
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	target, ok := b.exchanges[ex.Name]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownExchange, ex.Name)
	}

	b.published = append(b.published, Message{
		Exchange:   ex.Name,
		RoutingKey: routingKey,
		Body:       append([]byte(nil), body...),
		Options:    options,
	})

	for _, bnd := range b.bindings {
		if bnd.exchange != ex.Name || !routes(target.options.Type, bnd.key, routingKey) {
			continue
		}
		q := b.queues[bnd.queue]
		b.enqueue(q, &transport.Delivery{
			Acknowledger:    b.acks,
			Body:            append([]byte(nil), body...),
			Headers:         options.Headers,
			ContentType:     options.ContentType,
			ContentEncoding: options.ContentEncoding,
			CorrelationID:   options.CorrelationID,
			ReplyTo:         options.ReplyTo,
			MessageID:       options.MessageID,
			Type:            options.Type,
			AppID:           options.AppID,
			Exchange:        ex.Name,
			RoutingKey:      routingKey,
		})
	}

	var settle func()
	if confirm != nil {
		if b.holdConfirms {
			b.heldConfirms = append(b.heldConfirms, confirm)
		} else {
			result := confirmResult(b.nack)
			settle = func() { confirm(result) }
		}
	}
	b.mu.Unlock()

	if settle != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			settle()
		}()
	}
	return nil
}

// Subscribe implements transport.Transport
func (b *Broker) Subscribe(ctx context.Context, q *transport.Queue, options transport.SubscribeOptions, deliver transport.DeliveryFunc) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record("subscribe", q.Name)
	if err := b.usable(); err != nil {
		return "", err
	}
	if b.subscribeErr != nil {
		return "", b.subscribeErr
	}
	target, ok := b.queues[q.Name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownQueue, q.Name)
	}

	tag := options.ConsumerTag
	if tag == "" {
		tag = "amqpmodel-" + uuid.New().String()
	}
	if _, exists := b.consumers[tag]; exists {
		return "", fmt.Errorf("transporttest: consumer tag %q already in use", tag)
	}

	c := &consumer{
		tag:     tag,
		queue:   target,
		ack:     options.Ack,
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.consumers[tag] = c
	target.consumers = append(target.consumers, c)

	b.wg.Add(1)
	go b.run(c)

	backlog := target.backlog
	target.backlog = nil
	for _, d := range backlog {
		b.enqueue(target, d)
	}

	return tag, nil
}

// Cancel implements transport.Transport
func (b *Broker) Cancel(ctx context.Context, consumerTag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record("cancel", consumerTag)
	if err := b.usable(); err != nil {
		return err
	}
	if err := b.cancelErrs[consumerTag]; err != nil {
		return err
	}
	c, ok := b.consumers[consumerTag]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConsumer, consumerTag)
	}

	b.removeConsumer(c)
	return nil
}

// Errors implements transport.Transport
func (b *Broker) Errors() <-chan error {
	return b.errs
}

// Close implements transport.Transport. It stops every consumer and waits
// for their delivery goroutines.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.record("close", "")
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.connected = false
	for _, c := range b.consumers {
		b.removeConsumer(c)
	}
	held := b.heldConfirms
	b.heldConfirms = nil
	b.mu.Unlock()

	for _, confirm := range held {
		confirm(ErrClosed)
	}

	b.wg.Wait()
	return nil
}

// Calls returns every recorded call in order
func (b *Broker) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// Ops returns the recorded calls with the given ops, formatted as "op:name"
func (b *Broker) Ops(ops ...string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	want := make(map[string]bool, len(ops))
	for _, op := range ops {
		want[op] = true
	}

	var out []string
	for _, c := range b.calls {
		if len(want) == 0 || want[c.Op] {
			out = append(out, c.String())
		}
	}
	return out
}

// Published returns every accepted message in order
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// ConsumerTags returns the tags of active consumers
func (b *Broker) ConsumerTags() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	tags := make([]string, 0, len(b.consumers))
	for tag := range b.consumers {
		tags = append(tags, tag)
	}
	return tags
}

// Backlog returns the number of messages waiting in queue for a consumer
func (b *Broker) Backlog(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[queue]; ok {
		return len(q.backlog)
	}
	return 0
}

// Acked returns the number of acknowledged deliveries
func (b *Broker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Nacked returns the number of negatively acknowledged or rejected deliveries
func (b *Broker) Nacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nacked
}

// IsConnected reports whether Connect succeeded and Close was not called
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// IsClosed reports whether Close was called
func (b *Broker) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// run hands deliveries to the consumer one at a time
func (b *Broker) run(c *consumer) {
	defer b.wg.Done()
	defer close(c.done)

	for {
		b.mu.Lock()
		select {
		case <-c.stop:
			b.mu.Unlock()
			return
		default:
		}
		if len(c.pending) == 0 {
			b.mu.Unlock()
			select {
			case <-c.stop:
				return
			case <-c.wake:
			}
			continue
		}

		d := c.pending[0]
		c.pending = c.pending[1:]
		b.lastTag++
		d.DeliveryTag = b.lastTag
		d.ConsumerTag = c.tag
		if c.ack {
			b.unacked[d.DeliveryTag] = unackedDelivery{queue: c.queue, delivery: d}
		}
		b.mu.Unlock()

		c.deliver(d)
	}
}

// enqueue assigns d to the next consumer of q, or keeps it in the backlog.
// Callers hold b.mu.
func (b *Broker) enqueue(q *queue, d *transport.Delivery) {
	if len(q.consumers) == 0 {
		q.backlog = append(q.backlog, d)
		return
	}

	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	c.pending = append(c.pending, d)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// removeConsumer stops c and returns its undelivered messages to the queue.
// Callers hold b.mu.
func (b *Broker) removeConsumer(c *consumer) {
	delete(b.consumers, c.tag)
	close(c.stop)

	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}

	pending := c.pending
	c.pending = nil
	if b.closed {
		return
	}
	for _, d := range pending {
		b.enqueue(q, d)
	}
}

// usable reports whether operations are allowed. Callers hold b.mu.
func (b *Broker) usable() error {
	if b.closed {
		return ErrClosed
	}
	if !b.connected {
		return ErrNotConnected
	}
	return nil
}

// record appends a call. Callers hold b.mu.
func (b *Broker) record(op, name string) {
	b.calls = append(b.calls, Call{Op: op, Name: name})
	b.logger.Debug("transporttest call", "op", op, "name", name)
}

func confirmResult(nack bool) error {
	if nack {
		return fmt.Errorf("%w: rejected by transporttest", transport.ErrNacked)
	}
	return nil
}

// routes reports whether a message with routingKey published to an exchange
// of the given type follows a binding with bindingKey
func routes(kind, bindingKey, routingKey string) bool {
	switch kind {
	case "fanout", "headers":
		return true
	case "direct":
		return bindingKey == routingKey
	default:
		return MatchTopic(bindingKey, routingKey)
	}
}

// MatchTopic reports whether routingKey matches an AMQP topic pattern, where
// "*" matches exactly one word and "#" matches zero or more words
func MatchTopic(pattern, routingKey string) bool {
	var keyWords []string
	if routingKey != "" {
		keyWords = strings.Split(routingKey, ".")
	}
	var patternWords []string
	if pattern != "" {
		patternWords = strings.Split(pattern, ".")
	}
	return matchWords(patternWords, keyWords)
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

// acker settles deliveries for the broker. A requeued delivery goes back to
// its queue marked as redelivered.
type acker struct {
	broker *Broker
}

func (a *acker) Ack(tag uint64, multiple bool) error {
	b := a.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.unacked, tag)
	b.acked++
	return nil
}

func (a *acker) Nack(tag uint64, multiple, requeue bool) error {
	b := a.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacked++

	u, ok := b.unacked[tag]
	delete(b.unacked, tag)
	if requeue && ok && !b.closed {
		b.enqueue(u.queue, redelivery(u.delivery))
	}
	return nil
}

func (a *acker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func redelivery(d *transport.Delivery) *transport.Delivery {
	return &transport.Delivery{
		Acknowledger:    d.Acknowledger,
		Body:            d.Body,
		Headers:         d.Headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		CorrelationID:   d.CorrelationID,
		ReplyTo:         d.ReplyTo,
		MessageID:       d.MessageID,
		Type:            d.Type,
		AppID:           d.AppID,
		Timestamp:       d.Timestamp,
		Redelivered:     true,
		Exchange:        d.Exchange,
		RoutingKey:      d.RoutingKey,
	}
}

var _ transport.Transport = (*Broker)(nil)
