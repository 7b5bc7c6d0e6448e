// Package memory is an in-process transport built on Go channels.
//
// It serves the loopback root and is what the bus uses in loopback mode. It
// is also a convenient broker stand-in for tests: every delivery goes
// through the same send, publish and reply paths as a networked transport.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fxsml/cqrsbus/message"
	"github.com/fxsml/cqrsbus/routing"
	"github.com/fxsml/cqrsbus/transport"
)

// ErrSendTimeout is returned when a queue stays full for longer than
// Config.SendTimeout.
var ErrSendTimeout = errors.New("memory: send timeout")

// Config configures the in-process transport.
type Config struct {
	// Root is the base address served by the transport.
	// Default: routing.LoopbackRoot.
	Root string

	// BufferSize is the capacity of every queue.
	// Default: 100.
	BufferSize int

	// Concurrency is the number of handler goroutines per endpoint.
	// Default: 1.
	Concurrency int

	// SendTimeout bounds how long a send waits for a full queue.
	// Zero means wait until the context is done.
	SendTimeout time.Duration

	// Codec, if set, encodes and decodes every message in transit.
	Codec message.Codec

	// Logger is used for delivery failures.
	// Default: slog.Default().
	Logger *slog.Logger
}

func (c Config) defaults() Config {
	if c.Root == "" {
		c.Root = routing.LoopbackRoot
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Transport creates in-process connections.
type Transport struct {
	cfg Config
}

// New creates an in-process transport.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg.defaults()}
}

// Root returns the base address of the transport.
func (t *Transport) Root() string {
	return t.cfg.Root
}

// Connect starts consuming the endpoints of topology.
func (t *Transport) Connect(_ context.Context, topology transport.Topology) (transport.Connection, error) {
	c := &Connection{
		cfg:     t.cfg,
		queues:  make(map[string]chan *message.Message),
		subs:    make(map[string][]string),
		pending: transport.NewPending(),
		life:    transport.NewLifecycle(),
	}
	c.replyAddress = routing.Address(t.cfg.Root, "reply-"+message.NewID())

	for _, ep := range topology.Endpoints {
		if ep.Name == "" || ep.Handler == nil {
			return nil, fmt.Errorf("%w: endpoint %q", transport.ErrInvalidAddress, ep.Address)
		}
	}
	for _, ep := range topology.Endpoints {
		q := c.queue(ep.Name)
		if ep.Kind == transport.KindSubscriber {
			for _, typ := range ep.Types {
				c.subs[typ] = append(c.subs[typ], ep.Name)
			}
		}
		for range t.cfg.Concurrency {
			c.life.Go(func() { c.consume(ep, q) })
		}
	}
	return c, nil
}

// Connection is a live in-process connection.
type Connection struct {
	cfg          Config
	replyAddress string
	pending      *transport.Pending
	life         *transport.Lifecycle

	mu     sync.Mutex
	queues map[string]chan *message.Message
	subs   map[string][]string
}

func (c *Connection) queue(name string) chan *message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[name]
	if !ok {
		q = make(chan *message.Message, c.cfg.BufferSize)
		c.queues[name] = q
	}
	return q
}

func (c *Connection) consume(ep transport.Endpoint, q <-chan *message.Message) {
	for {
		select {
		case <-c.life.Done():
			return
		case msg := <-q:
			if err := transport.Deliver(c.life.Context(), c, ep.Handler, msg, c.deliver); err != nil {
				c.cfg.Logger.Debug("Message handling failed",
					"endpoint", ep.Name,
					"type", msg.Type(),
					"error", err)
			}
		}
	}
}

func (c *Connection) name(address string) (string, error) {
	if !strings.HasPrefix(address, strings.TrimSuffix(c.cfg.Root, "/")+"/") {
		return "", fmt.Errorf("%w: %q is not served by %s", transport.ErrInvalidAddress, address, c.cfg.Root)
	}
	name := routing.EndpointName(address)
	if name == "" {
		return "", fmt.Errorf("%w: %q", transport.ErrInvalidAddress, address)
	}
	return name, nil
}

func (c *Connection) transit(msg *message.Message) (*message.Message, error) {
	if c.cfg.Codec == nil {
		return msg.Clone(), nil
	}
	data, err := c.cfg.Codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	return c.cfg.Codec.Decode(data)
}

func (c *Connection) deliver(ctx context.Context, address string, msg *message.Message) error {
	if c.life.Closed() {
		return transport.ErrClosed
	}
	if address == c.replyAddress {
		reply, err := c.transit(msg)
		if err != nil {
			return err
		}
		if !c.pending.Resolve(reply) {
			c.cfg.Logger.Debug("Dropped reply without pending request", "type", msg.Type())
		}
		return nil
	}
	name, err := c.name(address)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, name, msg)
}

func (c *Connection) enqueue(ctx context.Context, name string, msg *message.Message) error {
	m, err := c.transit(msg)
	if err != nil {
		return err
	}
	m = message.NewWithAcking(m.Data, m.Attributes, func() {}, func(err error) {
		c.cfg.Logger.Warn("Message rejected", "queue", name, "type", m.Type(), "error", err)
	})

	if c.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.SendTimeout)
		defer cancel()
	}

	q := c.queue(name)
	select {
	case q <- m:
		return nil
	case <-c.life.Done():
		return transport.ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && c.cfg.SendTimeout > 0 {
			return ErrSendTimeout
		}
		return ctx.Err()
	}
}

// SendEndpoint returns a send endpoint for address.
func (c *Connection) SendEndpoint(_ context.Context, address string) (transport.SendEndpoint, error) {
	if c.life.Closed() {
		return nil, transport.ErrClosed
	}
	if _, err := c.name(address); err != nil {
		return nil, err
	}
	return &sendEndpoint{conn: c, address: address}, nil
}

// Publish copies msg to every subscriber endpoint of its type.
func (c *Connection) Publish(ctx context.Context, msg *message.Message) error {
	if c.life.Closed() {
		return transport.ErrClosed
	}
	c.mu.Lock()
	names := c.subs[msg.Type()]
	c.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := c.enqueue(ctx, name, msg); err != nil {
			errs = append(errs, fmt.Errorf("publish to %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Request sends msg to address and waits for the correlated reply.
func (c *Connection) Request(ctx context.Context, address string, msg *message.Message) (*message.Message, error) {
	if c.life.Closed() {
		return nil, transport.ErrClosed
	}
	corr := transport.PrepareRequest(msg, c.replyAddress)
	ch, cancel := c.pending.Add(corr)
	defer cancel()

	if err := c.deliver(ctx, address, msg); err != nil {
		return nil, err
	}
	return transport.Await(ctx, ch, c.life.Done())
}

// Close stops the consumers and waits for in-flight handlers until ctx is done.
func (c *Connection) Close(ctx context.Context) error {
	return c.life.Close(ctx)
}

type sendEndpoint struct {
	conn    *Connection
	address string
}

func (e *sendEndpoint) Address() string { return e.address }

func (e *sendEndpoint) Send(ctx context.Context, msg *message.Message) error {
	return e.conn.deliver(ctx, e.address, msg)
}

var (
	_ transport.Transport  = (*Transport)(nil)
	_ transport.Connection = (*Connection)(nil)
)
