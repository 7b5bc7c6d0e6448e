package bus

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/fxsml/cqrsbus/cqrs"
	"github.com/fxsml/cqrsbus/message"
	"github.com/fxsml/cqrsbus/observer"
	"github.com/fxsml/cqrsbus/routing"
	"github.com/fxsml/cqrsbus/transport"
)

// Bus dispatches commands to their handlers and events to their listeners
// over a transport.
//
// A bus moves from StateUnstarted to StateRunning on Start and from
// StateRunning to StateStopped on Stop. Send, Request and Publish fail
// with a *StateError outside StateRunning.
type Bus struct {
	manager   *cqrs.Manager
	opts      Options
	observers observer.Set

	mu     sync.RWMutex
	state  State
	conn   transport.Connection
	base   string
	groups []routing.Group
}

// New creates a bus dispatching to the handlers registered in m.
// Handlers may be registered until Start seals m.
func New(m *cqrs.Manager, opts Options) (*Bus, error) {
	if m == nil {
		m = cqrs.NewManager()
	}
	b := &Bus{
		manager: m,
		opts:    opts.applyDefaults(),
	}
	for _, o := range b.opts.Observers {
		if !b.observers.Add(o) {
			return nil, fmt.Errorf("bus: %T implements no observer interface", o)
		}
	}
	return b, nil
}

// Manager returns the handler manager of the bus.
func (b *Bus) Manager() *cqrs.Manager {
	return b.manager
}

// State returns the current lifecycle state.
func (b *Bus) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Endpoints returns the receive endpoints bound by Start.
func (b *Bus) Endpoints() []routing.Group {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.groups)
}

// Address returns the address commands of type t are sent to.
// It is only known once the bus is running.
func (b *Bus) Address(t reflect.Type) (string, error) {
	_, base, err := b.running("resolve address")
	if err != nil {
		return "", err
	}
	return routing.AddressOf(base, t, b.opts.Naming), nil
}

// Start binds every registered handler to a receive endpoint and opens the
// transport connection.
//
// Start fails with ErrUnsupportedMode if the selected mode has no
// transport, with a *ResolutionError if a handler cannot be resolved and
// with a *StateError if the bus was started before. The bus stays
// unstarted when Start fails.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateUnstarted {
		return &StateError{Op: "start", State: b.state}
	}

	b.observers.PreStart(ctx)
	conn, base, groups, err := b.connect(ctx)
	if err != nil {
		b.observers.StartFaulted(ctx, err)
		b.opts.Logger.Error("Bus start failed", "mode", b.opts.Mode, "error", err)
		return err
	}

	b.conn = conn
	b.base = base
	b.groups = groups
	b.state = StateRunning

	b.observers.PostStart(ctx)
	b.opts.Logger.Info("Bus started",
		"mode", b.opts.Mode,
		"base", base,
		"endpoints", len(groups))
	return nil
}

func (b *Bus) connect(ctx context.Context) (transport.Connection, string, []routing.Group, error) {
	t, base, err := b.selectTransport()
	if err != nil {
		return nil, "", nil, err
	}

	regs := b.manager.All()
	if err := b.checkNames(regs); err != nil {
		return nil, "", nil, err
	}
	b.manager.Seal()
	groups := routing.Endpoints(regs, base, b.opts.Naming)
	endpoints, err := b.bind(groups)
	if err != nil {
		return nil, "", nil, err
	}

	conn, err := t.Connect(ctx, transport.Topology{Endpoints: endpoints})
	if err != nil {
		return nil, "", nil, fmt.Errorf("bus: connect: %w", err)
	}
	return conn, base, groups, nil
}

// checkNames rejects registrations whose endpoint or consumed type would
// have an empty name.
func (b *Bus) checkNames(regs []cqrs.Registration) error {
	for _, r := range regs {
		if b.opts.Naming.TypeName(r.MessageType()) == "" {
			return fmt.Errorf("%w: %v handled by %v", ErrInvalidMessageType, r.MessageType(), r.ImplementationType())
		}
		if r.Role() != cqrs.RoleCommandHandler && b.opts.Naming.TypeName(r.ImplementationType()) == "" {
			return fmt.Errorf("%w: implementation %v", ErrInvalidMessageType, r.ImplementationType())
		}
	}
	return nil
}

func (b *Bus) selectTransport() (transport.Transport, string, error) {
	switch b.opts.Mode {
	case ModeLoopback:
		if b.opts.Loopback == nil {
			return nil, "", fmt.Errorf("%w: %s transport not configured", ErrUnsupportedMode, ModeLoopback)
		}
		return b.opts.Loopback, routing.BaseURI(true, ""), nil
	case ModeBroker:
		if b.opts.Transport == nil {
			return nil, "", fmt.Errorf("%w: %s transport not configured", ErrUnsupportedMode, ModeBroker)
		}
		if b.opts.BrokerURI == "" {
			return nil, "", fmt.Errorf("%w: broker URI is empty", ErrUnsupportedMode)
		}
		return b.opts.Transport, routing.BaseURI(false, b.opts.BrokerURI), nil
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedMode, b.opts.Mode)
	}
}

// Stop closes the transport connection. In-flight handlers are awaited
// until ctx is done and canceled afterwards.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateRunning {
		state := b.state
		b.mu.Unlock()
		return &StateError{Op: "stop", State: state}
	}
	conn := b.conn
	b.conn = nil
	b.state = StateStopped
	b.mu.Unlock()

	start := time.Now()
	b.observers.PreStop(ctx)
	if err := conn.Close(ctx); err != nil {
		b.observers.StopFaulted(ctx, err)
		b.opts.Logger.Error("Bus stop failed", "error", err)
		return fmt.Errorf("bus: stop: %w", err)
	}
	b.observers.PostStop(ctx)
	b.opts.Logger.Info("Bus stopped", "elapsed", time.Since(start))
	return nil
}

// running returns the connection if the bus is running.
func (b *Bus) running(op string) (transport.Connection, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state != StateRunning {
		return nil, "", &StateError{Op: op, State: b.state}
	}
	return b.conn, b.base, nil
}

func (b *Bus) connection() transport.Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn
}

// Send delivers cmd to the endpoint of its dynamic type without waiting
// for it to be handled.
func (b *Bus) Send(ctx context.Context, cmd any) error {
	return b.SendAs(ctx, cmd, reflect.TypeOf(cmd))
}

// SendAs delivers cmd to the endpoint of type t.
func (b *Bus) SendAs(ctx context.Context, cmd any, t reflect.Type) error {
	conn, base, err := b.running("send")
	if err != nil {
		return err
	}
	if cmd == nil || t == nil {
		return ErrNilMessage
	}

	name, err := b.typeName(t)
	if err != nil {
		return err
	}
	msg, err := b.newMessage(cmd, name)
	if err != nil {
		return err
	}
	address := routing.Address(base, name)
	ep, err := conn.SendEndpoint(ctx, address)
	if err != nil {
		return fmt.Errorf("bus: send endpoint %s: %w", address, err)
	}

	b.observers.PreSend(ctx, address, msg)
	if err := ep.Send(ctx, msg); err != nil {
		b.observers.SendFault(ctx, address, msg, err)
		return fmt.Errorf("bus: send %s: %w", name, err)
	}
	b.observers.PostSend(ctx, address, msg)
	return nil
}

// Publish broadcasts evt to every listener of its dynamic type.
// It does not wait for listeners to handle it.
func (b *Bus) Publish(ctx context.Context, evt any) error {
	return b.PublishAs(ctx, evt, reflect.TypeOf(evt))
}

// PublishAs broadcasts evt to every listener of type t.
func (b *Bus) PublishAs(ctx context.Context, evt any, t reflect.Type) error {
	conn, _, err := b.running("publish")
	if err != nil {
		return err
	}
	if evt == nil || t == nil {
		return ErrNilMessage
	}

	name, err := b.typeName(t)
	if err != nil {
		return err
	}
	msg, err := b.newMessage(evt, name)
	if err != nil {
		return err
	}
	if err := b.publish(ctx, conn, msg); err != nil {
		return fmt.Errorf("bus: publish %s: %w", name, err)
	}
	return nil
}

func (b *Bus) publish(ctx context.Context, conn transport.Publisher, msg *message.Message) error {
	b.observers.PrePublish(ctx, msg)
	if err := conn.Publish(ctx, msg); err != nil {
		b.observers.PublishFault(ctx, msg, err)
		return err
	}
	b.observers.PostPublish(ctx, msg)
	return nil
}

// message creates an outgoing message of type typ.
func (b *Bus) message(data []byte, typ string) *message.Message {
	return message.New(data, message.Attributes{
		message.AttrID:              message.NewID(),
		message.AttrType:            typ,
		message.AttrSource:          b.opts.Source,
		message.AttrSpecVersion:     "1.0",
		message.AttrTime:            time.Now().UTC(),
		message.AttrDataContentType: b.opts.Marshaler.DataContentType(),
	})
}

func (b *Bus) typeName(t reflect.Type) (string, error) {
	name := b.opts.Naming.TypeName(t)
	if name == "" {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessageType, t)
	}
	return name, nil
}

func (b *Bus) newMessage(v any, typ string) (*message.Message, error) {
	data, err := b.opts.Marshaler.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal %s: %w", typ, err)
	}
	return b.message(data, typ), nil
}
