// Package transport defines the broker capabilities the amqpmodel core
// depends on.
//
// Implementations:
//   - transports/rabbitmq: RabbitMQ over amqp091-go
//   - transport/transporttest: an in-memory broker for tests and dry runs
package transport
