package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/stanstork/fieldnotify/internal/models"
)

const (
	KeyNotificationCreated   = "notification.created"
	KeyNotificationDelivered = "notification.delivered"
	KeyNotificationFailed    = "notification.failed"
)

// Event is the envelope published for every notification lifecycle change.
type Event struct {
	ID         string              `json:"id"`
	Key        string              `json:"key"`
	OccurredAt time.Time           `json:"occurred_at"`
	Data       models.Notification `json:"data"`
}

func NewEvent(key string, notif models.Notification) Event {
	return Event{
		ID:         uuid.NewString(),
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Data:       notif,
	}
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

type rmqPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   zerolog.Logger
}

// NewPublisher connects to RabbitMQ and declares a durable topic exchange.
// An empty url yields a publisher that drops everything.
func NewPublisher(url, exchange string, logger zerolog.Logger) (Publisher, error) {
	if url == "" {
		return Noop{}, nil
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	return &rmqPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With().Str("component", "event_publisher").Logger(),
	}, nil
}

func (p *rmqPublisher) Publish(ctx context.Context, evt Event) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp091.Confirmation, 1))

	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, p.exchange, evt.Key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    evt.ID,
		Timestamp:    evt.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return err
	}

	select {
	case confirm, ok := <-confirms:
		if !ok || !confirm.Ack {
			return fmt.Errorf("broker nacked %s", evt.Key)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	p.logger.Debug().Str("key", evt.Key).Int64("notification_id", evt.Data.ID).Msg("published")
	return nil
}

func (p *rmqPublisher) Close() error {
	return p.conn.Close()
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }
