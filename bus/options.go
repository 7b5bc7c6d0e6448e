package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fxsml/cqrsbus/cqrs"
	"github.com/fxsml/cqrsbus/message"
	"github.com/fxsml/cqrsbus/retry"
	"github.com/fxsml/cqrsbus/transport"
)

// DefaultRequestTimeout is the time Request waits for a reply unless
// Options.RequestTimeout says otherwise.
const DefaultRequestTimeout = 30 * time.Second

// Mode selects the transport a bus connects with.
type Mode int

const (
	// ModeBroker connects Options.Transport under Options.BrokerURI.
	ModeBroker Mode = iota
	// ModeLoopback connects Options.Loopback under routing.LoopbackRoot.
	ModeLoopback
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeBroker:
		return "broker"
	case ModeLoopback:
		return "loopback"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Options configures a Bus.
type Options struct {
	// Mode selects between the broker and the loopback transport.
	// Default: ModeBroker
	Mode Mode

	// BrokerURI is the base address of broker endpoints, for example
	// "amqp://localhost". Credentials belong to the transport config.
	BrokerURI string

	// Transport is connected in ModeBroker.
	Transport transport.Transport

	// Loopback is connected in ModeLoopback. Start fails with
	// ErrUnsupportedMode when it is nil.
	Loopback transport.Transport

	// Resolver provides handler instances for registrations that are not
	// bound to an instance.
	// Default: an empty cqrs.Container
	Resolver cqrs.Resolver

	// Marshaler encodes command, event and response payloads.
	// Default: message.JSONMarshaler
	Marshaler message.Marshaler

	// Naming derives message type names and addresses from Go types.
	// Default: message.SimpleNaming
	Naming message.NamingStrategy

	// Source is the CloudEvents source of every message the bus creates.
	// Default: message.DefaultSource
	Source string

	// Retry is applied to every consumer. Nil disables retries.
	Retry *retry.Config

	// Observers are connected to the matching lifecycle events. Each value
	// must implement at least one interface of package observer.
	Observers []any

	// RequestTimeout bounds the wait for a reply.
	// Default: DefaultRequestTimeout
	RequestTimeout time.Duration

	// Logger receives lifecycle and fault logs.
	// Default: slog.Default()
	Logger *slog.Logger
}

func (o Options) applyDefaults() Options {
	if o.Resolver == nil {
		o.Resolver = cqrs.NewContainer()
	}
	if o.Marshaler == nil {
		o.Marshaler = message.NewJSONMarshaler()
	}
	if o.Naming == nil {
		o.Naming = message.SimpleNaming
	}
	if o.Source == "" {
		o.Source = message.DefaultSource
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
