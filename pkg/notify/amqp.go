package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

// DefaultExchange is the topic exchange events are published to. The
// routing key is the event type, e.g. "agreement.signed".
const DefaultExchange = "ndagate.events"

const publishTimeout = 5 * time.Second

// channel is the part of *amqp.Channel the notifier uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes events as persistent JSON messages to RabbitMQ.
type AMQPNotifier struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	logger   *slog.Logger
}

// DialAMQP connects to url and declares the durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPNotifier, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	n := newAMQPNotifier(ch, exchange)
	n.conn = conn
	return n, nil
}

func newAMQPNotifier(ch channel, exchange string) *AMQPNotifier {
	return &AMQPNotifier{
		ch:       ch,
		exchange: exchange,
		logger:   slog.Default().With("component", "notify.amqp"),
	}
}

func (n *AMQPNotifier) Emit(ctx context.Context, e contracts.Event) {
	body, err := json.Marshal(e)
	if err != nil {
		n.logger.ErrorContext(ctx, "failed to marshal event", "event_id", e.ID, "error", err)
		return
	}
	// The caller's context may end with its request; publishing gets its own deadline.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err = n.ch.PublishWithContext(pubCtx, n.exchange, string(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.OccurredAt,
		Body:         body,
		Headers: amqp.Table{
			"event_type": string(e.Type),
			"subject_id": e.SubjectID,
			"asset_id":   e.AssetID,
		},
	})
	if err != nil {
		n.logger.WarnContext(ctx, "failed to publish event", "event_id", e.ID, "type", e.Type, "error", err)
		return
	}
	n.logger.DebugContext(ctx, "published event", "event_id", e.ID, "type", e.Type)
}

// Close releases the channel and connection.
func (n *AMQPNotifier) Close() error {
	if n.ch != nil {
		if err := n.ch.Close(); err != nil {
			n.logger.Warn("error closing RabbitMQ channel", "error", err)
		}
	}
	if n.conn != nil {
		if err := n.conn.Close(); err != nil {
			return fmt.Errorf("error closing RabbitMQ connection: %w", err)
		}
	}
	return nil
}
