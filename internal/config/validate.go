package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if !strings.HasPrefix(c.Broker.URL, "amqp://") && !strings.HasPrefix(c.Broker.URL, "amqps://") {
		return fmt.Errorf("broker.url must be an amqp:// or amqps:// URL, got %q", c.Broker.URL)
	}
	if c.Broker.ReconnectDelay < 0 {
		return errors.New("broker.reconnect_delay must be >= 0")
	}
	switch c.Broker.ExchangeType {
	case "topic", "direct", "fanout":
	default:
		return fmt.Errorf("broker.exchange_type must be topic, direct, or fanout, got %q", c.Broker.ExchangeType)
	}
	switch c.Broker.WorkerPolicy {
	case "queue", "drop":
	default:
		return fmt.Errorf("broker.worker_policy must be queue or drop, got %q", c.Broker.WorkerPolicy)
	}

	if err := c.Outbox.Database.validate("outbox.database"); err != nil {
		return err
	}
	if c.Outbox.BatchSize < 1 {
		return errors.New("outbox.batch_size must be >= 1")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
