// Package kafka is a Kafka transport.
//
// Commands go to topic "<prefix>.cmd.<endpoint>" and events to
// "<prefix>.evt.<type>". Every endpoint reads its topics in a consumer
// group named after itself. Replies go to a single-partition topic per
// connection.
//
// Offsets are committed once a message is settled, whether it was acked or
// nacked: failures have already been retried and faulted by the bus.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/fxsml/cqrsbus/message"
	"github.com/fxsml/cqrsbus/routing"
	"github.com/fxsml/cqrsbus/transport"
)

const headerContentType = "content-type"

// Config configures the Kafka transport.
type Config struct {
	// Brokers lists the bootstrap brokers (host:port).
	Brokers []string

	// Username and Password enable SASL/PLAIN authentication when set.
	Username string
	Password string

	// Prefix namespaces every topic.
	// Default: "cqrsbus".
	Prefix string

	// ReplicationFactor of topics created by the transport.
	// Default: 1.
	ReplicationFactor int

	// MaxWait is how long a fetch waits for new data.
	// Default: 500ms.
	MaxWait time.Duration

	// Codec encodes message values.
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
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 500 * time.Millisecond
	}
	if c.Codec == nil {
		c.Codec = message.NewCloudEventsCodec()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) commandTopic(name string) string { return c.Prefix + ".cmd." + name }
func (c Config) eventTopic(typ string) string    { return c.Prefix + ".evt." + typ }
func (c Config) replyTopic(id string) string     { return c.Prefix + ".reply." + id }

func (c Config) mechanism() sasl.Mechanism {
	if c.Username == "" {
		return nil
	}
	return plain.Mechanism{Username: c.Username, Password: c.Password}
}

// topics returns the topics an endpoint reads.
func (c Config) topics(ep transport.Endpoint) []string {
	if ep.Kind == transport.KindCommand {
		return []string{c.commandTopic(ep.Name)}
	}
	out := make([]string, 0, len(ep.Types))
	for _, typ := range ep.Types {
		out = append(out, c.eventTopic(typ))
	}
	return out
}

// Transport connects to Kafka.
type Transport struct {
	config Config
}

// New creates a Kafka transport.
func New(config Config) *Transport {
	return &Transport{config: config.applyDefaults()}
}

// Connect creates the topics of topology and starts the consumer groups.
func (t *Transport) Connect(ctx context.Context, topology transport.Topology) (transport.Connection, error) {
	if len(t.config.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	mech := t.config.mechanism()
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, SASLMechanism: mech}

	c := &Connection{
		config:  t.config,
		dialer:  dialer,
		pending: transport.NewPending(),
		life:    transport.NewLifecycle(),
		base:    "kafka://" + t.config.Brokers[0],
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(t.config.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			Transport:              &kafka.Transport{SASL: mech},
		},
	}
	c.pollCtx, c.stopPolling = context.WithCancel(context.Background())
	id := message.NewID()
	c.reply = t.config.replyTopic(id)
	c.replyAddress = routing.Address(c.base, c.reply)

	topics := []string{c.reply}
	for _, ep := range topology.Endpoints {
		if ep.Name == "" || ep.Handler == nil {
			return nil, fmt.Errorf("kafka: %w: endpoint %q", transport.ErrInvalidAddress, ep.Address)
		}
		topics = append(topics, t.config.topics(ep)...)
	}
	if err := c.createTopics(ctx, topics); err != nil {
		return nil, err
	}

	c.startReplies()
	for _, ep := range topology.Endpoints {
		c.startEndpoint(ep)
	}
	return c, nil
}

// Connection is a live Kafka connection.
type Connection struct {
	config       Config
	dialer       *kafka.Dialer
	writer       *kafka.Writer
	pending      *transport.Pending
	life         *transport.Lifecycle
	pollCtx      context.Context
	stopPolling  context.CancelFunc
	base         string
	reply        string
	replyAddress string

	mu      sync.Mutex
	readers []*kafka.Reader
}

// controller dials the cluster controller, which serves topic management.
func (c *Connection) controller(ctx context.Context) (*kafka.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: dial: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return nil, fmt.Errorf("kafka: controller: %w", err)
	}
	cc, err := c.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return nil, fmt.Errorf("kafka: dial controller: %w", err)
	}
	return cc, nil
}

func (c *Connection) createTopics(ctx context.Context, topics []string) error {
	cc, err := c.controller(ctx)
	if err != nil {
		return err
	}
	defer cc.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: c.config.ReplicationFactor,
		})
	}
	if err := cc.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("kafka: create topics: %w", err)
	}
	return nil
}

// deleteReply removes the reply topic, which belongs to this connection only.
func (c *Connection) deleteReply(ctx context.Context) error {
	cc, err := c.controller(ctx)
	if err != nil {
		return err
	}
	defer cc.Close()
	if err := cc.DeleteTopics(c.reply); err != nil && !errors.Is(err, kafka.UnknownTopicOrPartition) {
		return fmt.Errorf("kafka: delete topic %s: %w", c.reply, err)
	}
	return nil
}

func (c *Connection) addReader(r *kafka.Reader) {
	c.mu.Lock()
	c.readers = append(c.readers, r)
	c.mu.Unlock()
}

func (c *Connection) startReplies() {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.config.Brokers,
		Topic:       c.reply,
		Partition:   0,
		StartOffset: kafka.FirstOffset,
		MaxWait:     c.config.MaxWait,
		Dialer:      c.dialer,
	})
	c.addReader(r)
	c.life.Go(func() {
		for {
			m, err := r.ReadMessage(c.pollCtx)
			if err != nil {
				if c.pollCtx.Err() != nil {
					return
				}
				c.config.Logger.Warn("Failed to read reply", "topic", c.reply, "error", err)
				continue
			}
			reply, err := c.config.Codec.Decode(m.Value)
			if err != nil {
				c.config.Logger.Warn("Failed to decode reply", "error", err)
				continue
			}
			c.pending.Resolve(reply)
		}
	})
}

func (c *Connection) startEndpoint(ep transport.Endpoint) {
	topics := c.config.topics(ep)
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.config.Brokers,
		GroupID:     ep.Name,
		GroupTopics: topics,
		StartOffset: kafka.FirstOffset,
		MaxWait:     c.config.MaxWait,
		Dialer:      c.dialer,
	})
	c.addReader(r)

	c.life.Go(func() {
		for {
			m, err := r.FetchMessage(c.pollCtx)
			if err != nil {
				if c.pollCtx.Err() != nil {
					return
				}
				c.config.Logger.Error("Failed to fetch message", "endpoint", ep.Name, "error", err)
				continue
			}
			c.handle(ep, r, m)
		}
	})
	c.config.Logger.Info("Kafka endpoint started", "group", ep.Name, "topics", topics)
}

func (c *Connection) handle(ep transport.Endpoint, r *kafka.Reader, m kafka.Message) {
	decoded, err := c.config.Codec.Decode(m.Value)
	if err != nil {
		c.config.Logger.Warn("Skipped undecodable message", "topic", m.Topic, "offset", m.Offset, "error", err)
		c.commit(r, m)
		return
	}
	msg := message.NewWithAcking(decoded.Data, decoded.Attributes,
		func() { c.commit(r, m) },
		func(err error) {
			c.config.Logger.Warn("Message nacked",
				"topic", m.Topic,
				"partition", m.Partition,
				"offset", m.Offset,
				"error", err,
			)
			c.commit(r, m)
		},
	)
	if err := transport.Deliver(c.life.Context(), c, ep.Handler, msg, c.send); err != nil {
		c.config.Logger.Debug("Message handling failed", "endpoint", ep.Name, "type", msg.Type(), "error", err)
	}
}

func (c *Connection) commit(r *kafka.Reader, m kafka.Message) {
	if err := r.CommitMessages(context.Background(), m); err != nil {
		c.config.Logger.Error("Failed to commit offset",
			"topic", m.Topic,
			"partition", m.Partition,
			"offset", m.Offset,
			"error", err,
		)
	}
}

func toKafka(codec message.Codec, topic string, msg *message.Message) (kafka.Message, error) {
	value, err := codec.Encode(msg)
	if err != nil {
		return kafka.Message{}, err
	}
	key, ok := msg.Attributes.CorrelationID()
	if !ok {
		key, _ = msg.Attributes.ID()
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: headerContentType, Value: []byte(codec.ContentType())}},
		Time:    time.Now(),
	}, nil
}

func (c *Connection) write(ctx context.Context, topic string, msg *message.Message) error {
	if c.life.Closed() {
		return transport.ErrClosed
	}
	km, err := toKafka(c.config.Codec, topic, msg)
	if err != nil {
		return err
	}
	if err := c.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("kafka: write %s: %w", topic, err)
	}
	return nil
}

// sendTopic maps an address to its topic. Reply addresses name their topic
// directly.
func (c *Connection) sendTopic(address string) (string, error) {
	name := routing.EndpointName(address)
	if name == "" {
		return "", fmt.Errorf("%w: %q", transport.ErrInvalidAddress, address)
	}
	if strings.HasPrefix(name, c.config.replyTopic("")) {
		return name, nil
	}
	return c.config.commandTopic(name), nil
}

func (c *Connection) send(ctx context.Context, address string, msg *message.Message) error {
	topic, err := c.sendTopic(address)
	if err != nil {
		return err
	}
	return c.write(ctx, topic, msg)
}

// SendEndpoint returns a sender for address.
func (c *Connection) SendEndpoint(_ context.Context, address string) (transport.SendEndpoint, error) {
	if c.life.Closed() {
		return nil, transport.ErrClosed
	}
	if _, err := c.sendTopic(address); err != nil {
		return nil, err
	}
	return &sendEndpoint{conn: c, address: address}, nil
}

// Publish writes msg to the event topic of its type.
func (c *Connection) Publish(ctx context.Context, msg *message.Message) error {
	typ := msg.Type()
	if typ == "" {
		return message.ErrMissingType
	}
	return c.write(ctx, c.config.eventTopic(typ), msg)
}

// Request sends msg and waits for the reply on the connection reply topic.
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

// Close stops the readers, waits for in-flight handlers until ctx is done
// and closes the writer.
func (c *Connection) Close(ctx context.Context) error {
	if c.life.Closed() {
		return transport.ErrClosed
	}
	c.stopPolling()
	errs := []error{c.life.Close(ctx)}

	c.mu.Lock()
	for _, r := range c.readers {
		errs = append(errs, r.Close())
	}
	c.readers = nil
	c.mu.Unlock()

	errs = append(errs, c.writer.Close())

	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.deleteReply(deleteCtx); err != nil {
		c.config.Logger.Warn("Reply topic deletion failed", "topic", c.reply, "error", err)
	}
	return errors.Join(errs...)
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
