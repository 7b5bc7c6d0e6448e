// Package config loads the settings of a bus host from an optional YAML
// file and the environment, and turns them into bus.Options.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fxsml/cqrsbus/bus"
	"github.com/fxsml/cqrsbus/retry"
	"github.com/fxsml/cqrsbus/routing"
	"github.com/fxsml/cqrsbus/transport"
	"github.com/fxsml/cqrsbus/transport/kafka"
	"github.com/fxsml/cqrsbus/transport/memory"
	"github.com/fxsml/cqrsbus/transport/nats"
	"github.com/fxsml/cqrsbus/transport/rabbitmq"
	"github.com/fxsml/cqrsbus/transport/redis"
)

// Transport kinds.
const (
	TransportMemory   = "memory"
	TransportRabbitMQ = "rabbitmq"
	TransportNATS     = "nats"
	TransportRedis    = "redis"
	TransportKafka    = "kafka"
)

// Transports lists the supported transport kinds.
var Transports = []string{TransportMemory, TransportRabbitMQ, TransportNATS, TransportRedis, TransportKafka}

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid")

// Config holds the settings of a bus host.
type Config struct {
	// Transport selects the transport kind.
	// Default: "memory"
	Transport string `yaml:"transport" env:"TRANSPORT"`

	// Loopback runs the bus in loopback mode under routing.LoopbackRoot.
	// Only the memory transport serves loopback mode.
	Loopback bool `yaml:"loopback" env:"LOOPBACK"`

	// BrokerURI is the base address of the endpoints and, for the
	// rabbitmq, nats and redis transports, the dial URL.
	BrokerURI string `yaml:"brokerUri" env:"BROKER_URI"`

	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`

	// Concurrency is the number of handler goroutines per endpoint.
	// Default: 1
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`

	// RequestTimeout bounds the wait for a reply.
	// Default: 30s
	RequestTimeout time.Duration `yaml:"requestTimeout" env:"REQUEST_TIMEOUT"`

	// ShutdownTimeout bounds the drain of in-flight handlers on stop.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`

	Retry Retry `yaml:"retry" envPrefix:"RETRY_"`
	Kafka Kafka `yaml:"kafka" envPrefix:"KAFKA_"`
	Redis Redis `yaml:"redis" envPrefix:"REDIS_"`
	Log   Log   `yaml:"log" envPrefix:"LOG_"`

	// MetricsAddr is the listen address of the Prometheus endpoint.
	// Empty disables it.
	MetricsAddr string `yaml:"metricsAddr" env:"METRICS_ADDR"`
}

// Retry configures the consumer retry policy.
type Retry struct {
	// MaxAttempts of zero disables retries.
	MaxAttempts int           `yaml:"maxAttempts" env:"MAX_ATTEMPTS"`
	Backoff     time.Duration `yaml:"backoff" env:"BACKOFF"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// Kafka holds kafka transport settings.
type Kafka struct {
	Brokers []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Prefix  string   `yaml:"prefix" env:"PREFIX"`
}

// Redis holds redis transport settings.
type Redis struct {
	DB     int    `yaml:"db" env:"DB"`
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

// Log configures the process logger.
type Log struct {
	// Level is one of debug, info, warn and error.
	// Default: "info"
	Level string `yaml:"level" env:"LEVEL"`
	// Format is text or json.
	// Default: "text"
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Transport:       TransportMemory,
		Concurrency:     1,
		RequestTimeout:  bus.DefaultRequestTimeout,
		ShutdownTimeout: 10 * time.Second,
		Log:             Log{Level: "info", Format: "text"},
	}
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse file: %w", err)
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if !slices.Contains(Transports, c.Transport) {
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}
	if c.Loopback && c.Transport != TransportMemory {
		return fmt.Errorf("%w: loopback mode requires the %s transport", ErrInvalid, TransportMemory)
	}
	if !c.Loopback && c.BrokerURI == "" {
		return fmt.Errorf("%w: broker URI is required", ErrInvalid)
	}
	if c.Transport == TransportKafka && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka brokers are required", ErrInvalid)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("%w: negative concurrency", ErrInvalid)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: negative retry attempts", ErrInvalid)
	}
	if c.RequestTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalid)
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

func (l Log) level() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log level: %w", ErrInvalid, err)
	}
	return level, nil
}

// NewLogger creates the process logger writing to w.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := c.Log.level()
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// RetryConfig returns the retry policy, or nil if retries are disabled.
func (c Config) RetryConfig() *retry.Config {
	if c.Retry.MaxAttempts == 0 {
		return nil
	}
	cfg := &retry.Config{
		MaxAttempts: c.Retry.MaxAttempts,
		Timeout:     c.Retry.Timeout,
	}
	if c.Retry.Backoff > 0 {
		cfg.Backoff = retry.ExponentialBackoff(c.Retry.Backoff, 2, 30*c.Retry.Backoff, 0.2)
	}
	return cfg
}

// NewTransport creates the configured transport. It does not connect.
func (c Config) NewTransport(logger *slog.Logger) (transport.Transport, error) {
	switch c.Transport {
	case TransportMemory:
		root := c.BrokerURI
		if c.Loopback {
			root = routing.LoopbackRoot
		}
		return memory.New(memory.Config{Root: root, Concurrency: c.Concurrency, Logger: logger}), nil
	case TransportRabbitMQ:
		return rabbitmq.New(rabbitmq.Config{
			URL:         c.BrokerURI,
			Username:    c.Username,
			Password:    c.Password,
			Durable:     true,
			Concurrency: c.Concurrency,
			Logger:      logger,
		}), nil
	case TransportNATS:
		return nats.New(nats.Config{
			URL:         c.BrokerURI,
			Username:    c.Username,
			Password:    c.Password,
			Concurrency: c.Concurrency,
			Logger:      logger,
		}), nil
	case TransportRedis:
		return redis.New(redis.Config{
			URL:         c.BrokerURI,
			Username:    c.Username,
			Password:    c.Password,
			DB:          c.Redis.DB,
			Prefix:      c.Redis.Prefix,
			Concurrency: c.Concurrency,
			Logger:      logger,
		}), nil
	case TransportKafka:
		return kafka.New(kafka.Config{
			Brokers:  c.Kafka.Brokers,
			Username: c.Username,
			Password: c.Password,
			Prefix:   c.Kafka.Prefix,
			Logger:   logger,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}
}

// BusOptions builds the options of a bus connecting the configured
// transport. Resolver and observers are left to the caller.
func (c Config) BusOptions(logger *slog.Logger) (bus.Options, error) {
	t, err := c.NewTransport(logger)
	if err != nil {
		return bus.Options{}, err
	}
	opts := bus.Options{
		BrokerURI:      c.BrokerURI,
		Retry:          c.RetryConfig(),
		RequestTimeout: c.RequestTimeout,
		Logger:         logger,
	}
	if c.Loopback {
		opts.Mode = bus.ModeLoopback
		opts.Loopback = t
	} else {
		opts.Mode = bus.ModeBroker
		opts.Transport = t
	}
	return opts, nil
}
