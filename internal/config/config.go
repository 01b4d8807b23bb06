package config

import "time"

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Broker   BrokerConfig   `yaml:"broker"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// InstanceConfig identifies this relay.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// BrokerConfig holds broker connection and publishing settings.
type BrokerConfig struct {
	URL            string        `yaml:"url"`             // amqp:// URL
	ReconnectDelay time.Duration `yaml:"reconnect_delay"` // Fixed wait between failed connects
	Exchange       string        `yaml:"exchange"`        // Exchange the relay publishes to
	ExchangeType   string        `yaml:"exchange_type"`   // "topic", "direct", "fanout"
	WorkerPolicy   string        `yaml:"worker_policy"`   // "queue" or "drop"
}

// OutboxConfig holds outbox polling settings.
type OutboxConfig struct {
	Database     DBConfig      `yaml:"database"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds the ops HTTP server settings (Prometheus metrics,
// health, and the websocket status feed).
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
