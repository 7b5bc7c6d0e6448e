// Package nats is a NATS core transport.
//
// Commands are sent to subject "cmd.<endpoint>" and events are published to
// "evt.<type>". Every endpoint subscribes with a queue group named after
// itself, so each endpoint receives a message once no matter how many bus
// instances serve it. Replies go to a per-connection inbox.
//
// NATS core delivers at most once: there is nothing to acknowledge and
// failed messages are dropped after the bus has published their fault.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fxsml/cqrsbus/message"
	"github.com/fxsml/cqrsbus/routing"
	"github.com/fxsml/cqrsbus/transport"
)

const (
	commandPrefix = "cmd."
	eventPrefix   = "evt."
	headerType    = "Content-Type"
)

// Config configures the NATS transport.
type Config struct {
	// URL is the NATS server URL, e.g. nats://localhost:4222.
	URL string

	// Username and Password authenticate the connection when set.
	Username string
	Password string

	// ConnectTimeout is the timeout for the initial connection.
	// Default: 5 seconds.
	ConnectTimeout time.Duration

	// BufferSize is the per-endpoint buffer of pending messages.
	// Default: 256.
	BufferSize int

	// Concurrency is the number of handler goroutines per endpoint.
	// Default: 1.
	Concurrency int

	// Codec encodes message bodies.
	// Default: message.CloudEventsCodec.
	Codec message.Codec

	// Logger for operational logging.
	// Default: slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Codec == nil {
		c.Codec = message.NewCloudEventsCodec()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Transport connects to NATS.
type Transport struct {
	config Config
}

// New creates a NATS transport.
func New(config Config) *Transport {
	return &Transport{config: config.applyDefaults()}
}

func (t *Transport) options() []nats.Option {
	opts := []nats.Option{
		nats.Timeout(t.config.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.config.Logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			t.config.Logger.Info("NATS reconnected")
		}),
	}
	if t.config.Username != "" {
		opts = append(opts, nats.UserInfo(t.config.Username, t.config.Password))
	}
	return opts
}

// Connect subscribes the endpoints of topology.
func (t *Transport) Connect(ctx context.Context, topology transport.Topology) (transport.Connection, error) {
	nc, err := nats.Connect(t.config.URL, t.options()...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", t.config.URL, err)
	}
	c := &Connection{
		config:  t.config,
		nc:      nc,
		pending: transport.NewPending(),
		life:    transport.NewLifecycle(),
		inbox:   nats.NewInbox(),
	}
	c.replyAddress = routing.Address("nats://"+nc.ConnectedAddr(), c.inbox)

	err = c.open(topology)
	if err == nil {
		if err = nc.FlushWithContext(ctx); err != nil {
			err = fmt.Errorf("nats: flush: %w", err)
		}
	}
	if err != nil {
		_ = c.life.Close(ctx)
		nc.Close()
		return nil, err
	}
	return c, nil
}

// Connection is a live NATS connection.
type Connection struct {
	config       Config
	nc           *nats.Conn
	pending      *transport.Pending
	life         *transport.Lifecycle
	inbox        string
	replyAddress string
	subs         []*nats.Subscription
}

func (c *Connection) open(topology transport.Topology) error {
	for _, ep := range topology.Endpoints {
		if ep.Name == "" || ep.Handler == nil {
			return fmt.Errorf("nats: %w: endpoint %q", transport.ErrInvalidAddress, ep.Address)
		}
	}

	replies := make(chan *nats.Msg, c.config.BufferSize)
	sub, err := c.nc.ChanSubscribe(c.inbox, replies)
	if err != nil {
		return fmt.Errorf("nats: subscribe inbox: %w", err)
	}
	c.subs = append(c.subs, sub)
	c.life.Go(func() {
		for {
			select {
			case <-c.life.Done():
				return
			case m := <-replies:
				reply, err := c.config.Codec.Decode(m.Data)
				if err != nil {
					c.config.Logger.Warn("Failed to decode reply", "error", err)
					continue
				}
				c.pending.Resolve(reply)
			}
		}
	})

	for _, ep := range topology.Endpoints {
		msgs := make(chan *nats.Msg, c.config.BufferSize)
		for _, subject := range subjects(ep) {
			sub, err := c.nc.ChanQueueSubscribe(subject, ep.Name, msgs)
			if err != nil {
				return fmt.Errorf("nats: subscribe %s: %w", subject, err)
			}
			c.subs = append(c.subs, sub)
		}
		for range c.config.Concurrency {
			c.life.Go(func() { c.consume(ep, msgs) })
		}
		c.config.Logger.Info("NATS endpoint started", "endpoint", ep.Name, "subjects", subjects(ep))
	}
	return nil
}

func (c *Connection) consume(ep transport.Endpoint, msgs <-chan *nats.Msg) {
	for {
		select {
		case <-c.life.Done():
			return
		case m := <-msgs:
			msg, err := c.config.Codec.Decode(m.Data)
			if err != nil {
				c.config.Logger.Warn("Dropped undecodable message", "subject", m.Subject, "error", err)
				continue
			}
			if err := transport.Deliver(c.life.Context(), c, ep.Handler, msg, c.send); err != nil {
				c.config.Logger.Debug("Message handling failed", "endpoint", ep.Name, "type", msg.Type(), "error", err)
			}
		}
	}
}

// subjects returns the subjects an endpoint listens on.
func subjects(ep transport.Endpoint) []string {
	if ep.Kind == transport.KindCommand {
		return []string{commandPrefix + ep.Name}
	}
	out := make([]string, 0, len(ep.Types))
	for _, typ := range ep.Types {
		out = append(out, eventPrefix+typ)
	}
	return out
}

// sendSubject maps an address to the subject it is sent on.
func sendSubject(address string) (string, error) {
	name := routing.EndpointName(address)
	if name == "" {
		return "", fmt.Errorf("%w: %q", transport.ErrInvalidAddress, address)
	}
	if strings.HasPrefix(name, nats.InboxPrefix) {
		return name, nil
	}
	return commandPrefix + name, nil
}

func (c *Connection) natsMsg(subject string, msg *message.Message) (*nats.Msg, error) {
	body, err := c.config.Codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	m := nats.NewMsg(subject)
	m.Header.Set(headerType, c.config.Codec.ContentType())
	m.Data = body
	return m, nil
}

func (c *Connection) publishMsg(subject string, msg *message.Message) error {
	if c.life.Closed() {
		return transport.ErrClosed
	}
	m, err := c.natsMsg(subject, msg)
	if err != nil {
		return err
	}
	if err := c.nc.PublishMsg(m); err != nil {
		return fmt.Errorf("nats: publish %s: %w", subject, err)
	}
	return nil
}

func (c *Connection) send(_ context.Context, address string, msg *message.Message) error {
	subject, err := sendSubject(address)
	if err != nil {
		return err
	}
	return c.publishMsg(subject, msg)
}

// SendEndpoint returns a sender for address.
func (c *Connection) SendEndpoint(_ context.Context, address string) (transport.SendEndpoint, error) {
	if c.life.Closed() {
		return nil, transport.ErrClosed
	}
	if _, err := sendSubject(address); err != nil {
		return nil, err
	}
	return &sendEndpoint{conn: c, address: address}, nil
}

// Publish sends msg on the event subject of its type.
func (c *Connection) Publish(_ context.Context, msg *message.Message) error {
	typ := msg.Type()
	if typ == "" {
		return message.ErrMissingType
	}
	return c.publishMsg(eventPrefix+typ, msg)
}

// Request sends msg and waits for the reply on the connection inbox.
func (c *Connection) Request(ctx context.Context, address string, msg *message.Message) (*message.Message, error) {
	if c.life.Closed() {
		return nil, transport.ErrClosed
	}
	corr := transport.PrepareRequest(msg, c.replyAddress)
	ch, cancel := c.pending.Add(corr)
	defer cancel()

	if err := c.send(ctx, address, msg); err != nil {
		return nil, err
	}
	return transport.Await(ctx, ch, c.life.Done())
}

// Close drains the subscriptions, waits for in-flight handlers until ctx is
// done and closes the connection.
func (c *Connection) Close(ctx context.Context) error {
	if c.life.Closed() {
		return transport.ErrClosed
	}
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	err := c.life.Close(ctx)
	c.nc.Close()
	return err
}

type sendEndpoint struct {
	conn    *Connection
	address string
}

func (e *sendEndpoint) Address() string { return e.address }

func (e *sendEndpoint) Send(ctx context.Context, msg *message.Message) error {
	return e.conn.send(ctx, e.address, msg)
}

var (
	_ transport.Transport  = (*Transport)(nil)
	_ transport.Connection = (*Connection)(nil)
)
