// Package message defines the envelope that travels between the bus and its
// transports.
//
// A [Message] carries its payload as bytes produced by a [Marshaler] and a set
// of CloudEvents-aligned [Attributes]: id, type, source, time and the bus
// extensions correlationid, replyto and faulttype. Transports put messages on
// the wire with a [Codec]; [CloudEventsCodec] is the default and writes
// structured-mode CloudEvents JSON.
//
// # Naming
//
// A [NamingStrategy] turns a Go type into a message type name. The name is
// the routing key of the bus: it becomes the type attribute and the last
// segment of the address a command is sent to, so every participant must use
// the same strategy. [SimpleNaming] (the default) uses the bare Go type name:
//
//	message.SimpleNaming.TypeName(reflect.TypeOf(CreateOrder{})) // "CreateOrder"
//
// # Acknowledgment
//
// Transports create messages with [NewWithAcking] so the consumer pipeline can
// settle the underlying delivery through [Message.Ack] and [Message.Nack].
package message
