package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// DefaultPrefix is the prefix of every environment variable read by Load.
const DefaultPrefix = "CQRSBUS_"

// Loader overlays environment variables on a Config.
//
// Variable names are the prefix followed by the env tag of the field.
// Nested sections add their envPrefix:
//
//	CQRSBUS_TRANSPORT=rabbitmq
//	CQRSBUS_BROKER_URI=amqp://localhost:5672
//	CQRSBUS_RETRY_MAX_ATTEMPTS=5
//	CQRSBUS_KAFKA_BROKERS=kafka-1:9092,kafka-2:9092
type Loader struct {
	// Prefix for environment variable names.
	// Default: DefaultPrefix.
	Prefix string

	// environ overrides the process environment for testing.
	environ map[string]string
}

func (l Loader) options() env.Options {
	prefix := l.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return env.Options{Prefix: prefix, Environment: l.environ}
}

// Overlay sets the fields of cfg whose variables are set. All other fields
// keep their current values.
func (l Loader) Overlay(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, l.options()); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Load reads the optional YAML file at path over Default and overlays the
// environment. An empty path skips the file.
func (l Loader) Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 -- the path is provided by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read file: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := l.Overlay(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Keys returns the environment variable names Overlay checks.
func (l Loader) Keys() []string {
	params, err := env.GetFieldParamsWithOptions(&Config{}, l.options())
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(params))
	for _, p := range params {
		keys = append(keys, p.Key)
	}
	return keys
}

// Load reads a Config using the default Loader.
func Load(path string) (Config, error) {
	return Loader{}.Load(path)
}

// Keys returns the environment variable names of the default Loader.
func Keys() []string {
	return Loader{}.Keys()
}
