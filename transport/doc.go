// Package transport defines the contract between the bus and a message
// broker client.
//
// A [Transport] is configured once with a [Topology]: the receive endpoints
// computed from the registered handlers. [KindCommand] endpoints are queues
// that receive point-to-point sends addressed to them; [KindSubscriber]
// endpoints are queues that receive a copy of every published message of the
// types they are bound to. [Transport.Connect] returns a [Connection] used for
// all sends, publishes and request/response calls.
//
// Subpackages implement the contract for an in-process broker (memory) and
// for RabbitMQ, NATS, Redis and Kafka.
package transport
