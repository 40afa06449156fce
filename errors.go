package amqpmodel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidConfiguration is returned for configurations that can never work
	ErrInvalidConfiguration = errors.New("amqpmodel: invalid configuration")
	// ErrNotConfigured is matched by NotConfiguredError
	ErrNotConfigured = errors.New("amqpmodel: not configured")
	// ErrDisconnected settles operations pending or issued after Disconnect
	ErrDisconnected = errors.New("amqpmodel: disconnected")
	// ErrNotReady is returned by WaitReady when its context ends first
	ErrNotReady = errors.New("amqpmodel: not ready")

	errNoHandle = errors.New("transport returned no handle")
)

// TopologyError reports a failed queue or exchange declaration or binding
type TopologyError struct {
	Component string    // "queue", "exchange" or "binding"
	Name      string    // Name of the queue, exchange or binding
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("amqpmodel topology error: %s %q: %v", e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// NotConfiguredError reports an operation that needs a name the model was
// never configured with. It is returned immediately and never buffered.
type NotConfiguredError struct {
	Op      string // Operation attempted
	Setting string // Missing configuration setting
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("amqpmodel: cannot %s: no %s configured", e.Op, e.Setting)
}

func (e *NotConfiguredError) Unwrap() error {
	return ErrNotConfigured
}

// PublishError reports a publish the transport refused or the broker nacked
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("amqpmodel publish error: %s/%s: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// SubscribeError reports a subscription the transport refused
type SubscribeError struct {
	Queue     string    // Queue subscribed to
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("amqpmodel subscribe error: queue %q: %v", e.Queue, e.Err)
}

func (e *SubscribeError) Unwrap() error {
	return e.Err
}

// UnknownConsumerError reports an unsubscribe for a tag that is not active
type UnknownConsumerError struct {
	ConsumerTag string
}

func (e *UnknownConsumerError) Error() string {
	return fmt.Sprintf("amqpmodel: unknown consumer %q", e.ConsumerTag)
}

// UnsubscribeError reports a cancellation the transport rejected. The tag
// stays registered so the call can be retried.
type UnsubscribeError struct {
	ConsumerTag string    // Tag that could not be cancelled
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *UnsubscribeError) Error() string {
	return fmt.Sprintf("amqpmodel unsubscribe error: consumer %q: %v", e.ConsumerTag, e.Err)
}

func (e *UnsubscribeError) Unwrap() error {
	return e.Err
}

// UnsubscribeAllError collects the per-tag failures of UnsubscribeAll. Tags
// missing from Errors were cancelled.
type UnsubscribeAllError struct {
	Errors map[string]error
}

func (e *UnsubscribeAllError) Error() string {
	tags := e.Tags()
	parts := make([]string, 0, len(tags))
	for _, tag := range tags {
		parts = append(parts, fmt.Sprintf("%s: %v", tag, e.Errors[tag]))
	}
	return fmt.Sprintf("amqpmodel: failed to cancel %d consumer(s): %s", len(tags), strings.Join(parts, "; "))
}

// Tags returns the failed consumer tags in sorted order
func (e *UnsubscribeAllError) Tags() []string {
	tags := make([]string, 0, len(e.Errors))
	for tag := range e.Errors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (e *UnsubscribeAllError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors))
	for _, tag := range e.Tags() {
		errs = append(errs, e.Errors[tag])
	}
	return errs
}

// ConnectionError reports a failure surfaced by the transport connection
type ConnectionError struct {
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("amqpmodel connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
