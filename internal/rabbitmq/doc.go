// Package rabbitmq provides the RabbitMQ plumbing behind the amqp091-go
// transport.
//
// This package includes:
//   - ConnectionManager: Dials a single connection and reports when it closes
//   - TopologyManager: Declares queues and exchanges and binds them
//   - Publisher: Publishes messages, optionally waiting for broker confirms
//   - Consumer: Starts and cancels consumers on one channel
//
// Reconnection is not attempted; a closed connection is reported to state
// listeners and left to the caller.
package rabbitmq
