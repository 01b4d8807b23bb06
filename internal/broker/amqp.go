package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPFactory dials RabbitMQ via amqp091. It is the production Factory; the
// supervisor itself never touches the wire protocol.
type AMQPFactory struct {
	url string
}

// NewAMQPFactory creates a factory for the given amqp:// URL.
func NewAMQPFactory(url string) *AMQPFactory {
	return &AMQPFactory{url: url}
}

func (f *AMQPFactory) Dial() (Connection, error) {
	conn, err := amqp.Dial(f.url)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{ch: ch}, nil
}

func (c *amqpConnection) IsOpen() bool {
	return !c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

// NotifyClose adapts amqp091 close notification: a graceful local Close
// closes the source channel without an error, a broker- or network-initiated
// loss delivers a *amqp.Error first.
func (c *amqpConnection) NotifyClose(ch chan ShutdownSignal) chan ShutdownSignal {
	src := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		defer close(ch)
		err, ok := <-src
		if !ok || err == nil {
			ch <- ShutdownSignal{Reason: "connection closed", Initiated: true}
			return
		}
		ch <- ShutdownSignal{Reason: err.Error()}
	}()
	return ch
}

func (c *amqpConnection) NotifyBlocked(ch chan BlockedSignal) chan BlockedSignal {
	src := c.conn.NotifyBlocked(make(chan amqp.Blocking, cap(ch)))
	go func() {
		defer close(ch)
		for b := range src {
			ch <- BlockedSignal{Active: b.Active, Reason: b.Reason}
		}
	}()
	return ch
}

type amqpChannel struct {
	ch *amqp.Channel
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error {
	return c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  msg.ContentType,
		MessageId:    msg.MessageID,
		DeliveryMode: amqp.Persistent,
		Body:         msg.Body,
	})
}

func (c *amqpChannel) ExchangeDeclare(name, kind string) error {
	return c.ch.ExchangeDeclare(name, kind, true, false, false, false, nil)
}

func (c *amqpChannel) Close() error {
	return c.ch.Close()
}
