// Package rabbitmq publishes notification jobs for the mail pipeline.
// A channel is opened per publish; the connection is shared.
package rabbitmq

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/pkg/errors"
)

const notificationsExchange = "notifications_fanout"

type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Connection interface {
	Channel() (*amqp.Channel, error)
}

type Publisher struct {
	conn    Connection
	channel func() (Channel, error)
}

func NewPublisher(conn Connection) *Publisher {
	p := &Publisher{conn: conn}
	p.channel = func() (Channel, error) { return conn.Channel() }
	return p
}

func newPublisherWithChannel(open func() (Channel, error)) *Publisher {
	return &Publisher{channel: open}
}

func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	return conn, errors.Wrap(err, "amqp dial")
}

func (p *Publisher) PublishNotification(ctx context.Context, job any) error {
	ch, err := p.channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(notificationsExchange, "fanout", true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "declare exchange")
	}

	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal notification job")
	}

	err = ch.PublishWithContext(ctx, notificationsExchange, "", false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
	})
	return errors.Wrap(err, "publish notification")
}
