// Package redis is a Redis transport built on lists and sets.
//
// Every endpoint owns the list "<prefix>:queue:<endpoint>". Sending pushes
// onto that list and consumers pop with BRPOP. Subscriber endpoints add
// their queue to the set "<prefix>:bindings:<type>" of every type they
// consume; publishing pushes a copy onto every queue in the set. Replies use
// a queue per connection.
//
// Popping removes a message, so there is no redelivery. Nacked messages are
// pushed onto "<prefix>:dead:<endpoint>" for inspection.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fxsml/cqrsbus/message"
	"github.com/fxsml/cqrsbus/routing"
	"github.com/fxsml/cqrsbus/transport"
)

// Config configures the Redis transport.
type Config struct {
	// URL is a redis:// or rediss:// URL. Addr is used when URL is empty.
	URL string

	// Addr is the host:port of the server.
	Addr string

	// Username, Password and DB override the values of URL when set.
	Username string
	Password string
	DB       int

	// Prefix namespaces every key.
	// Default: "cqrsbus".
	Prefix string

	// PollTimeout is the BRPOP timeout. Redis accepts whole seconds.
	// Default: 1 second.
	PollTimeout time.Duration

	// Concurrency is the number of handler goroutines per endpoint.
	// Default: 1.
	Concurrency int

	// Codec encodes messages in the lists.
	// Default: message.CloudEventsCodec.
	Codec message.Codec

	// Logger for operational logging.
	// Default: slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "cqrsbus"
	}
	if c.PollTimeout < time.Second {
		c.PollTimeout = time.Second
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

func (c Config) options() (*redis.Options, error) {
	opts := &redis.Options{Addr: c.Addr}
	if c.URL != "" {
		parsed, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		opts = parsed
	}
	if c.Username != "" {
		opts.Username = c.Username
	}
	if c.Password != "" {
		opts.Password = c.Password
	}
	if c.DB != 0 {
		opts.DB = c.DB
	}
	opts.ContextTimeoutEnabled = true
	return opts, nil
}

func (c Config) queueKey(name string) string   { return c.Prefix + ":queue:" + name }
func (c Config) bindingsKey(typ string) string { return c.Prefix + ":bindings:" + typ }
func (c Config) deadKey(name string) string    { return c.Prefix + ":dead:" + name }

// Transport connects to Redis.
type Transport struct {
	config Config
}

// New creates a Redis transport.
func New(config Config) *Transport {
	return &Transport{config: config.applyDefaults()}
}

// Connect registers the bindings of topology and starts polling its queues.
func (t *Transport) Connect(ctx context.Context, topology transport.Topology) (transport.Connection, error) {
	opts, err := t.config.options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: connection failed: %w", err)
	}

	pollCtx, stopPolling := context.WithCancel(context.Background())
	c := &Connection{
		config:      t.config,
		client:      client,
		pending:     transport.NewPending(),
		life:        transport.NewLifecycle(),
		pollCtx:     pollCtx,
		stopPolling: stopPolling,
		base:        "redis://" + opts.Addr,
	}
	c.replyName = "reply." + message.NewID()
	c.replyAddress = routing.Address(c.base, c.replyName)

	if err := c.open(ctx, topology); err != nil {
		stopPolling()
		_ = c.life.Close(ctx)
		_ = client.Close()
		return nil, err
	}
	return c, nil
}

// Connection is a live Redis connection.
type Connection struct {
	config       Config
	client       *redis.Client
	pending      *transport.Pending
	life         *transport.Lifecycle
	pollCtx      context.Context
	stopPolling  context.CancelFunc
	base         string
	replyName    string
	replyAddress string
}

func (c *Connection) open(ctx context.Context, topology transport.Topology) error {
	for _, ep := range topology.Endpoints {
		if ep.Name == "" || ep.Handler == nil {
			return fmt.Errorf("redis: %w: endpoint %q", transport.ErrInvalidAddress, ep.Address)
		}
		if ep.Kind == transport.KindSubscriber {
			for _, typ := range ep.Types {
				if err := c.client.SAdd(ctx, c.config.bindingsKey(typ), ep.Name).Err(); err != nil {
					return fmt.Errorf("redis: bind %s to %s: %w", ep.Name, typ, err)
				}
			}
		}
	}

	c.life.Go(func() { c.poll(c.replyName, c.resolve) })
	for _, ep := range topology.Endpoints {
		for range c.config.Concurrency {
			c.life.Go(func() {
				c.poll(ep.Name, func(msg *message.Message) { c.handle(ep, msg) })
			})
		}
		c.config.Logger.Info("Redis endpoint started", "queue", c.config.queueKey(ep.Name), "types", ep.Types)
	}
	return nil
}

func (c *Connection) poll(name string, fn func(*message.Message)) {
	key := c.config.queueKey(name)
	for {
		if c.life.Closed() {
			return
		}
		res, err := c.client.BRPop(c.pollCtx, c.config.PollTimeout, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if c.pollCtx.Err() != nil {
				return
			}
			c.config.Logger.Warn("Redis poll failed", "queue", key, "error", err)
			select {
			case <-c.life.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// res is [key, value]
		msg, err := c.config.Codec.Decode([]byte(res[1]))
		if err != nil {
			c.config.Logger.Warn("Dropped undecodable message", "queue", key, "error", err)
			continue
		}
		fn(msg)
	}
}

func (c *Connection) resolve(reply *message.Message) {
	if !c.pending.Resolve(reply) {
		c.config.Logger.Debug("Dropped reply without pending request", "type", reply.Type())
	}
}

func (c *Connection) handle(ep transport.Endpoint, decoded *message.Message) {
	dead := c.config.deadKey(ep.Name)
	msg := message.NewWithAcking(decoded.Data, decoded.Attributes, func() {}, func(err error) {
		decoded.Attributes[message.AttrError] = err.Error()
		if perr := c.push(context.Background(), dead, decoded); perr != nil {
			c.config.Logger.Error("Failed to dead-letter message", "queue", dead, "error", perr)
		}
	})
	if err := transport.Deliver(c.life.Context(), c, ep.Handler, msg, c.send); err != nil {
		c.config.Logger.Debug("Message handling failed", "endpoint", ep.Name, "type", msg.Type(), "error", err)
	}
}

func (c *Connection) push(ctx context.Context, key string, msg *message.Message) error {
	data, err := c.config.Codec.Encode(msg)
	if err != nil {
		return err
	}
	return c.client.LPush(ctx, key, data).Err()
}

func (c *Connection) send(ctx context.Context, address string, msg *message.Message) error {
	if c.life.Closed() {
		return transport.ErrClosed
	}
	name := routing.EndpointName(address)
	if name == "" {
		return fmt.Errorf("%w: %q", transport.ErrInvalidAddress, address)
	}
	if err := c.push(ctx, c.config.queueKey(name), msg); err != nil {
		return fmt.Errorf("redis: send to %s: %w", name, err)
	}
	return nil
}

// SendEndpoint returns a sender for address.
func (c *Connection) SendEndpoint(_ context.Context, address string) (transport.SendEndpoint, error) {
	if c.life.Closed() {
		return nil, transport.ErrClosed
	}
	if routing.EndpointName(address) == "" {
		return nil, fmt.Errorf("%w: %q", transport.ErrInvalidAddress, address)
	}
	return &sendEndpoint{conn: c, address: address}, nil
}

// Publish pushes a copy of msg onto every queue bound to its type.
func (c *Connection) Publish(ctx context.Context, msg *message.Message) error {
	if c.life.Closed() {
		return transport.ErrClosed
	}
	typ := msg.Type()
	if typ == "" {
		return message.ErrMissingType
	}
	names, err := c.client.SMembers(ctx, c.config.bindingsKey(typ)).Result()
	if err != nil {
		return fmt.Errorf("redis: bindings of %s: %w", typ, err)
	}
	if len(names) == 0 {
		return nil
	}
	data, err := c.config.Codec.Encode(msg)
	if err != nil {
		return err
	}
	_, err = c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, name := range names {
			p.LPush(ctx, c.config.queueKey(name), data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: publish %s: %w", typ, err)
	}
	return nil
}

// Request sends msg and waits for the reply on the connection reply queue.
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

// Close stops polling, waits for in-flight handlers until ctx is done and
// closes the client. The reply queue is deleted.
func (c *Connection) Close(ctx context.Context) error {
	if c.life.Closed() {
		return transport.ErrClosed
	}
	c.stopPolling()
	err := c.life.Close(ctx)

	cleanup, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if derr := c.client.Del(cleanup, c.config.queueKey(c.replyName)).Err(); derr != nil {
		c.config.Logger.Debug("Failed to delete reply queue", "error", derr)
	}
	return errors.Join(err, c.client.Close())
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
