package amqpmodel

import (
	"context"
	"fmt"
	"time"
)

// setupTopology declares the queue, then the exchange, then the binding,
// stopping at the first failure. References are stored as each step
// succeeds.
func (m *Model) setupTopology(ctx context.Context) error {
	t := m.conn.transport

	if m.cfg.Queue != "" {
		q, err := t.DeclareQueue(ctx, m.cfg.Queue, m.cfg.QueueOptions)
		if err == nil && q == nil {
			err = errNoHandle
		}
		if err != nil {
			return &TopologyError{Component: "queue", Name: m.cfg.Queue, Err: err, Timestamp: time.Now()}
		}

		m.mu.Lock()
		m.queue = q
		m.mu.Unlock()
		m.logger.Info("queue declared", "queue", q.Name)
	}

	if m.cfg.Exchange != "" {
		ex, err := t.DeclareExchange(ctx, m.cfg.Exchange, m.cfg.ExchangeOptions)
		if err == nil && ex == nil {
			err = errNoHandle
		}
		if err != nil {
			return &TopologyError{Component: "exchange", Name: m.cfg.Exchange, Err: err, Timestamp: time.Now()}
		}

		m.mu.Lock()
		m.exchange = ex
		m.mu.Unlock()
		m.logger.Info("exchange declared", "exchange", ex.Name, "type", ex.Type, "confirm", ex.Confirm)
	}

	if m.cfg.Bind {
		if err := m.bind(ctx, m.cfg.RoutingKey); err != nil {
			return err
		}
	}

	return nil
}

// bind binds the declared queue to the declared exchange
func (m *Model) bind(ctx context.Context, routingKey string) error {
	q, ex := m.Queue(), m.Exchange()
	name := fmt.Sprintf("%s->%s(%s)", m.cfg.Queue, m.cfg.Exchange, routingKey)

	if q == nil || ex == nil {
		return &TopologyError{
			Component: "binding",
			Name:      name,
			Err:       fmt.Errorf("%w: binding requires a declared queue and exchange", ErrInvalidConfiguration),
			Timestamp: time.Now(),
		}
	}

	if err := m.conn.transport.BindQueue(ctx, q, ex, routingKey); err != nil {
		return &TopologyError{Component: "binding", Name: name, Err: err, Timestamp: time.Now()}
	}

	m.logger.Info("queue bound", "queue", q.Name, "exchange", ex.Name, "routingKey", routingKey)
	return nil
}
