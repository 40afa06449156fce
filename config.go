package amqpmodel

import (
	"fmt"
	"os"
	"time"

	"github.com/glimte/amqpmodel/transport"
	"gopkg.in/yaml.v3"
)

// DefaultRoutingKey is used for binding and publishing when none is given
const DefaultRoutingKey = "#"

// Config describes the topology of one model and the defaults for its
// operations
type Config struct {
	// URL of the broker. Ignored when a connection is supplied with
	// WithConnection.
	URL            string        `yaml:"url"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`

	Queue      string `yaml:"queue"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routingKey"`
	// Bind binds Queue to Exchange with RoutingKey during setup
	Bind bool `yaml:"bind"`

	QueueOptions     transport.QueueOptions     `yaml:"queueOptions"`
	ExchangeOptions  transport.ExchangeOptions  `yaml:"exchangeOptions"`
	SubscribeOptions transport.SubscribeOptions `yaml:"subscribeOptions"`
	PublishOptions   transport.PublishOptions   `yaml:"publishOptions"`
}

// DefaultConfig returns durable topic-exchange defaults with publisher
// confirms and acknowledged one-at-a-time consumption
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 30 * time.Second,
		RoutingKey:     DefaultRoutingKey,
		QueueOptions: transport.QueueOptions{
			Durable: true,
		},
		ExchangeOptions: transport.ExchangeOptions{
			Type:    "topic",
			Durable: true,
			Confirm: true,
		},
		SubscribeOptions: transport.SubscribeOptions{
			Ack:      true,
			Prefetch: 1,
		},
		PublishOptions: transport.PublishOptions{
			ContentType: "application/json",
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over DefaultConfig, so keys present in data
// override the defaults and absent keys keep them
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that can never produce a working model
func (c Config) Validate() error {
	if c.Bind && (c.Queue == "" || c.Exchange == "") {
		return fmt.Errorf("%w: bind requires both a queue and an exchange", ErrInvalidConfiguration)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("%w: negative connect timeout", ErrInvalidConfiguration)
	}
	if c.SubscribeOptions.Prefetch < 0 {
		return fmt.Errorf("%w: negative prefetch", ErrInvalidConfiguration)
	}
	switch c.ExchangeOptions.Type {
	case "", "topic", "direct", "fanout", "headers":
	default:
		return fmt.Errorf("%w: unknown exchange type %q", ErrInvalidConfiguration, c.ExchangeOptions.Type)
	}
	return nil
}
