package downstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/markjakearzadon/paybridge/internal/models"
)

const (
	RoutingPaymentRecorded   = "payment.recorded"
	RoutingUserPaymentStatus = "user.payment_status"
)

// Publisher is the part of *amqp.Channel the syncer needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type UserPaymentStatusEvent struct {
	UserID string                   `json:"user_id"`
	Status models.UserPaymentStatus `json:"status"`
}

// RabbitMQSyncer publishes persistent JSON events to a topic exchange.
type RabbitMQSyncer struct {
	publisher Publisher
	exchange  string
	now       func() time.Time
}

func NewRabbitMQSyncer(publisher Publisher, exchange string) *RabbitMQSyncer {
	return &RabbitMQSyncer{publisher: publisher, exchange: exchange, now: time.Now}
}

// DialRabbitMQ connects and declares the durable topic exchange.
func DialRabbitMQ(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Properties: amqp.Table{"connection_name": "paybridge"},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return conn, ch, nil
}

func (s *RabbitMQSyncer) RecordPayment(ctx context.Context, snapshot PaymentSnapshot) error {
	return s.publish(ctx, RoutingPaymentRecorded, snapshot.TransactionID, snapshot)
}

func (s *RabbitMQSyncer) UpdateUserPaymentStatus(ctx context.Context, userID string, status models.Status) error {
	event := UserPaymentStatusEvent{
		UserID: userID,
		Status: models.NewUserPaymentStatus(userID, status, s.now().UTC()),
	}
	return s.publish(ctx, RoutingUserPaymentStatus, userID, event)
}

func (s *RabbitMQSyncer) publish(ctx context.Context, routingKey, messageID string, body any) error {
	bytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = s.publisher.PublishWithContext(ctx,
		s.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    messageID,
			Timestamp:    s.now(),
			Body:         bytes,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	log.Info().Str("routing_key", routingKey).Str("message_id", messageID).Msg("Event published to RabbitMQ")
	return nil
}
