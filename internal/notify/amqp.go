package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/notice"
)

// DefaultQueue receives member notifications when no queue is configured.
const DefaultQueue = "bridgepay.notifications"

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	QueueDeclare(name string, durable bool, autoDelete bool, exclusive bool, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange string, key string, mandatory bool, immediate bool, msg amqp.Publishing) error
	Close() error
}

type closer interface {
	Close() error
}

// Message is the JSON body published for each notification.
type Message struct {
	OrgID        int64  `json:"org_id"`
	SystemNumber int64  `json:"system_number"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
	SentUnixUTC  int64  `json:"sent_unix_utc"`
}

// AMQPNotifier publishes notifications as persistent messages on a durable queue.
type AMQPNotifier struct {
	channel    Channel
	connection closer
	queue      string
	nowFn      func() time.Time
}

// NewAMQPNotifier declares queue on channel and returns a publisher bound to it.
func NewAMQPNotifier(channel Channel, queue string) (*AMQPNotifier, error) {
	if channel == nil {
		return nil, fmt.Errorf("%w: channel is nil", ErrInvalidNotifierConfig)
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		queue = DefaultQueue
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQPNotifier{channel: channel, queue: queue, nowFn: time.Now}, nil
}

// DialAMQP connects to the broker at url and opens a publishing channel.
func DialAMQP(url string, queue string) (*AMQPNotifier, error) {
	connection, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	notifier, err := NewAMQPNotifier(channel, queue)
	if err != nil {
		_ = channel.Close()
		_ = connection.Close()
		return nil, err
	}
	notifier.connection = connection
	return notifier, nil
}

// Notify publishes one notification.
func (notifier *AMQPNotifier) Notify(ctx context.Context, notification notice.Notification) error {
	body, err := json.Marshal(Message{
		OrgID:        notification.OrgID,
		SystemNumber: notification.SystemNumber,
		Subject:      notification.Subject,
		Body:         notification.Body,
		SentUnixUTC:  notifier.nowFn().UTC().Unix(),
	})
	if err != nil {
		return err
	}
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    notifier.nowFn().UTC(),
		Body:         body,
	}
	if err := notifier.channel.PublishWithContext(ctx, "", notifier.queue, false, false, publishing); err != nil {
		return fmt.Errorf("publish to %s: %w", notifier.queue, err)
	}
	return nil
}

// Close closes the channel and, when dialed here, the connection.
func (notifier *AMQPNotifier) Close() error {
	channelErr := notifier.channel.Close()
	if notifier.connection != nil {
		if err := notifier.connection.Close(); err != nil {
			return err
		}
	}
	return channelErr
}

var _ notice.Notifier = (*AMQPNotifier)(nil)
