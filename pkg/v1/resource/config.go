package resource

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Default timings.
const (
	DefaultUnsubscribeDelay    = 5 * time.Second
	DefaultSubscribeStaleDelay = 2 * time.Second
	DefaultReconnectDelay      = 3 * time.Second
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultWriteTimeout        = 10 * time.Second
)

// Config holds the client settings. The zero value of every field means
// its default.
type Config struct {
	// URL is the gateway address. Only used for logging by the client; the
	// Transport decides where to connect.
	URL string `yaml:"url"`

	// UnsubscribeDelay is how long an unreferenced subscription is kept
	// before it is released.
	UnsubscribeDelay time.Duration `yaml:"unsubscribe_delay"`

	// SubscribeStaleDelay is how long to wait before resubscribing a
	// resource that went stale while connected.
	SubscribeStaleDelay time.Duration `yaml:"subscribe_stale_delay"`

	// ReconnectDelay is how long to wait before retrying after a failed
	// connection attempt. An established connection that drops is retried
	// at once.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// HandshakeTimeout bounds dialing the transport.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// WriteTimeout bounds writing a single frame.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Debug logs every frame sent and received, and recovers panics raised
	// while handling one.
	Debug bool `yaml:"debug"`

	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Endpoint is an OTLP/HTTP collector address. Empty disables export.
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.UnsubscribeDelay == 0 {
		c.UnsubscribeDelay = DefaultUnsubscribeDelay
	}
	if c.SubscribeStaleDelay == 0 {
		c.SubscribeStaleDelay = DefaultSubscribeStaleDelay
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var err error
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"unsubscribe_delay", c.UnsubscribeDelay},
		{"subscribe_stale_delay", c.SubscribeStaleDelay},
		{"reconnect_delay", c.ReconnectDelay},
		{"handshake_timeout", c.HandshakeTimeout},
		{"write_timeout", c.WriteTimeout},
	}
	for _, f := range durations {
		if f.d < 0 {
			err = multierr.Append(err, fmt.Errorf("%s must not be negative, got %s", f.name, f.d))
		}
	}
	return err
}

// ParseConfig decodes YAML, applies defaults and validates the result.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	return ParseConfig(data)
}
