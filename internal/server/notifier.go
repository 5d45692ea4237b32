package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"ledgersync/internal/authority"
	"ledgersync/internal/log"
	"ledgersync/internal/push"
)

// Notifier fans committed writes out to connected engines over AMQP.
// Routing key is the user identifier, so only that user's rooms see
// the hint. Notifications are hints, not deliveries: a client that
// misses one converges on its next revalidation.
type Notifier struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *log.Logger
}

func NewNotifier(url, exchange string, logger *log.Logger) (*Notifier, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = channel.ExchangeDeclare(
		exchange, // name
		"direct", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Notifier{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		logger:   logger.WithComponent(log.ComponentNotifier),
	}, nil
}

// NotifyWrite publishes one hint per resource kind the write touched.
// Publish failures are logged and swallowed; the write already
// committed and revalidation covers the gap.
func (n *Notifier) NotifyWrite(ctx context.Context, userID string, res *authority.WriteResult) {
	for _, resource := range touchedResources(res) {
		if err := n.publish(ctx, userID, push.Notification{Resource: string(resource)}); err != nil {
			n.logger.Error("publish change hint failed",
				log.FieldError, err,
				log.FieldUserID, userID,
				log.FieldResource, string(resource))
		}
	}
}

func (n *Notifier) publish(ctx context.Context, userID string, note push.Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = n.channel.PublishWithContext(
		ctx,
		n.exchange, // exchange
		userID,     // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (n *Notifier) Close() error {
	if n.channel != nil {
		n.channel.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

// touchedResources maps a write result onto the resource kinds a
// client must refresh. The dashboard moves whenever a line or the
// unassigned pool moved.
func touchedResources(res *authority.WriteResult) []authority.ResourceKind {
	var kinds []authority.ResourceKind
	if res.ToBeAssigned != nil || len(res.Lines) > 0 {
		kinds = append(kinds, authority.ResourceDashboard)
	}
	if len(res.Accounts) > 0 {
		kinds = append(kinds, authority.ResourceAccounts)
	}
	if len(res.Transactions) > 0 {
		kinds = append(kinds, authority.ResourceTransactions)
	}
	if len(res.Goals) > 0 {
		kinds = append(kinds, authority.ResourceGoals)
	}
	if len(kinds) == 0 {
		// Deletes can legitimately touch nothing listable.
		kinds = append(kinds, authority.ResourceDashboard)
	}
	return kinds
}
