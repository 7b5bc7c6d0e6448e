package transport

import (
	"context"
	"fmt"

	"github.com/fxsml/cqrsbus/message"
)

// Kind tells a transport how messages reach an endpoint.
type Kind int

const (
	// KindCommand endpoints receive messages sent point-to-point to their
	// address. The endpoint name is the command type name.
	KindCommand Kind = iota
	// KindSubscriber endpoints receive a copy of every published message
	// whose type is listed in Endpoint.Types. The endpoint name is the
	// listener implementation name.
	KindSubscriber
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindSubscriber:
		return "subscriber"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// HandlerFunc processes one delivered message.
// Replies are routed back to the requester named by the replyto attribute
// of msg. Replies are delivered even when an error is returned, which lets a
// failed request handler answer with an error reply. The error settles the
// delivery: nil acks it, anything else nacks it.
type HandlerFunc func(ctx context.Context, msg *message.Message) (replies []*message.Message, err error)

// Endpoint is a named receive endpoint bound to one or more message types.
type Endpoint struct {
	// Name is the queue name, the last segment of Address.
	Name string
	// Address is the address senders derive for this endpoint.
	Address string
	// Kind selects point-to-point or publish/subscribe delivery.
	Kind Kind
	// Types lists the message type names handled by the endpoint, in
	// registration order without duplicates.
	Types []string
	// Handler processes every message delivered to the endpoint.
	Handler HandlerFunc
}

// Topology is the complete set of receive endpoints a connection serves.
type Topology struct {
	Endpoints []Endpoint
}

// Transport opens connections to a message broker.
type Transport interface {
	// Connect configures the receive endpoints of topology and opens the
	// connection. Consumers may receive messages before Connect returns.
	Connect(ctx context.Context, topology Topology) (Connection, error)
}

// SendEndpoint delivers messages to a single address.
type SendEndpoint interface {
	// Address returns the address the endpoint sends to.
	Address() string
	// Send delivers msg without waiting for it to be consumed.
	Send(ctx context.Context, msg *message.Message) error
}

// Publisher broadcasts messages to all endpoints subscribed to their type.
type Publisher interface {
	Publish(ctx context.Context, msg *message.Message) error
}

// Connection is a live transport connection shared by all bus operations.
type Connection interface {
	Publisher

	// SendEndpoint returns a send channel to address.
	SendEndpoint(ctx context.Context, address string) (SendEndpoint, error)

	// Request sends msg to address and waits for exactly one correlated
	// reply. The transport owns correlation: it sets the correlationid and
	// replyto attributes and drops the pending request when ctx is done.
	// Returns ctx.Err() if no reply arrives before ctx is done.
	Request(ctx context.Context, address string, msg *message.Message) (*message.Message, error)

	// Close stops consuming and waits for in-flight handlers until ctx is
	// done, after which remaining handlers are canceled.
	Close(ctx context.Context) error
}
