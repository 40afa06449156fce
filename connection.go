package amqpmodel

import (
	"context"

	"github.com/glimte/amqpmodel/transport"
)

// Connection is the transport a Model runs on, tagged with who owns its
// lifecycle
type Connection struct {
	transport transport.Transport
	owned     bool
}

// Owned hands t to the model, which connects it and closes it on Disconnect
func Owned(t transport.Transport) Connection {
	return Connection{transport: t, owned: true}
}

// Borrowed lends an already connected t to the model. The model never
// connects it, closes it or watches its errors.
func Borrowed(t transport.Transport) Connection {
	return Connection{transport: t}
}

// Transport returns the underlying transport
func (c Connection) Transport() transport.Transport {
	return c.transport
}

// IsOwned reports whether the model manages the connection lifecycle
func (c Connection) IsOwned() bool {
	return c.owned
}

func (c Connection) connect(ctx context.Context) error {
	if !c.owned {
		return nil
	}
	return c.transport.Connect(ctx)
}

func (c Connection) close() error {
	if !c.owned {
		return nil
	}
	return c.transport.Close()
}

// errors returns nil for borrowed connections, which blocks forever in a
// select
func (c Connection) errors() <-chan error {
	if !c.owned {
		return nil
	}
	return c.transport.Errors()
}
