package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"ledgersync/internal/log"
)

// AMQPTransport joins per-user rooms over RabbitMQ: one durable direct
// exchange, one exclusive auto-delete queue per client, bound with the
// user ID as routing key. Every joined client of a user receives every
// change notification for that user.
type AMQPTransport struct {
	url      string
	exchange string
	logger   *log.Logger
}

func NewAMQPTransport(url, exchange string, logger *log.Logger) *AMQPTransport {
	return &AMQPTransport{
		url:      url,
		exchange: exchange,
		logger:   logger.WithComponent(log.ComponentPush),
	}
}

func (t *AMQPTransport) Dial(ctx context.Context) (Conn, error) {
	conn, err := amqp091.Dial(t.url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		t.exchange, // name
		"direct",   // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &amqpConn{
		conn:     conn,
		channel:  channel,
		exchange: t.exchange,
		logger:   t.logger,
	}, nil
}

type amqpConn struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *log.Logger
}

func (c *amqpConn) Join(ctx context.Context, userID string) (Session, error) {
	// A private queue per client; the broker deletes it on disconnect.
	queue, err := c.channel.QueueDeclare(
		"",    // name, broker-assigned
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("declare room queue: %w", err)
	}

	if err := c.channel.QueueBind(queue.Name, userID, c.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind room queue: %w", err)
	}

	deliveries, err := c.channel.Consume(
		queue.Name, // queue
		"",         // consumer
		true,       // auto-ack: a lost notification is compensated by revalidation
		true,       // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		return nil, fmt.Errorf("start consuming: %w", err)
	}

	out := make(chan Notification)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for delivery := range deliveries {
			var n Notification
			if err := json.Unmarshal(delivery.Body, &n); err != nil {
				c.logger.ErrorContext(ctx, "malformed change notification",
					log.FieldError, err)
				continue
			}
			select {
			case out <- n:
			case <-done:
				return
			}
		}
	}()

	c.logger.InfoContext(ctx, "joined push room",
		log.FieldUserID, userID)
	return &amqpSession{notifications: out, channel: c.channel, done: done}, nil
}

func (c *amqpConn) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

type amqpSession struct {
	notifications chan Notification
	channel       *amqp091.Channel
	done          chan struct{}
	closeOnce     sync.Once
}

func (s *amqpSession) Notifications() <-chan Notification {
	return s.notifications
}

func (s *amqpSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	// Closing the channel ends the consumer; the reader goroutine then
	// closes the notification stream.
	return s.channel.Close()
}
