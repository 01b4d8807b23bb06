package broker

import "context"

// Factory produces new live connections to the broker. Dial is synchronous
// and may block for the duration of the network round-trip.
type Factory interface {
	Dial() (Connection, error)
}

// FactoryFunc is a function adapter for Factory.
type FactoryFunc func() (Connection, error)

func (f FactoryFunc) Dial() (Connection, error) { return f() }

// Connection is a live session with the broker. It is owned exclusively by
// the Supervisor; workers only ever see channels derived from it.
type Connection interface {
	// Channel opens a new multiplexed channel on the connection.
	Channel() (Channel, error)

	// IsOpen reports whether the connection is still usable.
	IsOpen() bool

	// Close shuts the connection down. Closing a connection invalidates
	// every channel opened on it.
	Close() error

	// NotifyClose registers a listener for connection shutdown. The signal
	// reports whether the shutdown was requested locally (Close) or came
	// from the broker/network. The channel is closed after delivery.
	NotifyClose(ch chan ShutdownSignal) chan ShutdownSignal

	// NotifyBlocked registers a listener for broker flow-control signals.
	NotifyBlocked(ch chan BlockedSignal) chan BlockedSignal
}

// Channel is a lightweight session over a Connection, used for actual
// message traffic. A channel never outlives the connection that produced it.
type Channel interface {
	// Publish sends a message to an exchange.
	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error

	// ExchangeDeclare creates an exchange if it does not already exist.
	ExchangeDeclare(name, kind string) error

	// Close releases the channel.
	Close() error
}

// Publishing is the payload of a publish operation.
type Publishing struct {
	ContentType string
	MessageID   string
	Body        []byte
}

// ShutdownSignal reports loss of a connection.
type ShutdownSignal struct {
	Reason string

	// Initiated is true when the shutdown was requested by this
	// application (an intentional Close), false for broker- or
	// network-initiated loss.
	Initiated bool
}

// BlockedSignal is a broker flow-control notification. Active true means the
// broker asked the client to pause publishing.
type BlockedSignal struct {
	Active bool
	Reason string
}
