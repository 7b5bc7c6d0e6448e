package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsml/cqrsbus/bus"
	"github.com/fxsml/cqrsbus/routing"
	"github.com/fxsml/cqrsbus/transport/kafka"
	"github.com/fxsml/cqrsbus/transport/memory"
	"github.com/fxsml/cqrsbus/transport/nats"
	"github.com/fxsml/cqrsbus/transport/rabbitmq"
	"github.com/fxsml/cqrsbus/transport/redis"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cqrsbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
transport: rabbitmq
brokerUri: amqp://localhost:5672
username: guest
password: secret
requestTimeout: 5s
retry:
  maxAttempts: 4
  backoff: 100ms
log:
  level: debug
  format: json
`)
	cfg, err := Loader{environ: map[string]string{}}.Load(path)
	require.NoError(t, err)

	assert.Equal(t, TransportRabbitMQ, cfg.Transport)
	assert.Equal(t, "amqp://localhost:5672", cfg.BrokerURI)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, Retry{MaxAttempts: 4, Backoff: 100 * time.Millisecond}, cfg.Retry)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout, "default kept")
	assert.Equal(t, 1, cfg.Concurrency, "default kept")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
transport: nats
brokerUri: nats://file:4222
`)
	l := Loader{environ: map[string]string{
		"CQRSBUS_BROKER_URI":         "nats://env:4222",
		"CQRSBUS_RETRY_MAX_ATTEMPTS": "2",
		"CQRSBUS_REQUEST_TIMEOUT":    "1m",
	}}
	cfg, err := l.Load(path)
	require.NoError(t, err)

	assert.Equal(t, TransportNATS, cfg.Transport)
	assert.Equal(t, "nats://env:4222", cfg.BrokerURI)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.RequestTimeout)
}

func TestLoad_EnvOnly(t *testing.T) {
	l := Loader{Prefix: "GREETER", environ: map[string]string{
		"GREETER_TRANSPORT":     "kafka",
		"GREETER_BROKER_URI":    "kafka://cluster",
		"GREETER_KAFKA_BROKERS": "k1:9092,k2:9092",
		"GREETER_KAFKA_PREFIX":  "greeter",
	}}
	cfg, err := l.Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "greeter", cfg.Kafka.Prefix)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		environ map[string]string
	}{
		{name: "unknown field", file: "transprot: memory\n"},
		{name: "bad duration", environ: map[string]string{"CQRSBUS_REQUEST_TIMEOUT": "soon", "CQRSBUS_LOOPBACK": "true"}},
		{name: "missing broker", environ: map[string]string{"CQRSBUS_TRANSPORT": "rabbitmq"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var path string
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}
			_, err := Loader{environ: tt.environ}.Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Loader{}.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.BrokerURI = "amqp://localhost"

	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{name: "default with broker", modify: func(*Config) {}, ok: true},
		{name: "loopback without broker", modify: func(c *Config) { c.BrokerURI = ""; c.Loopback = true }, ok: true},
		{name: "no broker", modify: func(c *Config) { c.BrokerURI = "" }},
		{name: "unknown transport", modify: func(c *Config) { c.Transport = "carrier-pigeon" }},
		{name: "loopback on rabbitmq", modify: func(c *Config) { c.Transport = TransportRabbitMQ; c.Loopback = true }},
		{name: "kafka without brokers", modify: func(c *Config) { c.Transport = TransportKafka }},
		{name: "negative attempts", modify: func(c *Config) { c.Retry.MaxAttempts = -1 }},
		{name: "negative timeout", modify: func(c *Config) { c.RequestTimeout = -time.Second }},
		{name: "bad level", modify: func(c *Config) { c.Log.Level = "loud" }},
		{name: "bad format", modify: func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	keys := Keys()
	for _, want := range []string{
		"CQRSBUS_TRANSPORT",
		"CQRSBUS_BROKER_URI",
		"CQRSBUS_RETRY_MAX_ATTEMPTS",
		"CQRSBUS_KAFKA_BROKERS",
		"CQRSBUS_REDIS_DB",
		"CQRSBUS_LOG_LEVEL",
	} {
		assert.Contains(t, keys, want)
	}
}

func TestNewTransport(t *testing.T) {
	tests := []struct {
		transport string
		want      any
	}{
		{TransportMemory, &memory.Transport{}},
		{TransportRabbitMQ, &rabbitmq.Transport{}},
		{TransportNATS, &nats.Transport{}},
		{TransportRedis, &redis.Transport{}},
		{TransportKafka, &kafka.Transport{}},
	}
	for _, tt := range tests {
		t.Run(tt.transport, func(t *testing.T) {
			cfg := Default()
			cfg.Transport = tt.transport
			cfg.BrokerURI = "scheme://localhost"
			cfg.Kafka.Brokers = []string{"localhost:9092"}
			tr, err := cfg.NewTransport(nil)
			require.NoError(t, err)
			assert.IsType(t, tt.want, tr)
		})
	}
}

func TestBusOptions(t *testing.T) {
	cfg := Default()
	cfg.Loopback = true
	cfg.Retry.MaxAttempts = 3

	opts, err := cfg.BusOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, bus.ModeLoopback, opts.Mode)
	assert.Nil(t, opts.Transport)
	require.IsType(t, &memory.Transport{}, opts.Loopback)
	assert.Equal(t, routing.LoopbackRoot, opts.Loopback.(*memory.Transport).Root())
	require.NotNil(t, opts.Retry)
	assert.Equal(t, 3, opts.Retry.MaxAttempts)

	cfg = Default()
	cfg.BrokerURI = "memory://broker"
	opts, err = cfg.BusOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, bus.ModeBroker, opts.Mode)
	assert.NotNil(t, opts.Transport)
	assert.Nil(t, opts.Retry)
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Log = Log{Level: "warn", Format: "json"}

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
