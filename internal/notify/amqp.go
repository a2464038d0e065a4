package notify

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mmeshcher/referral-network/internal/model"
)

// NotificationExchange задаёт topic-обменник; ключ маршрутизации совпадает с типом уведомления.
const NotificationExchange = "referral.notifications"

// AMQPSink публикует уведомления в RabbitMQ.
type AMQPSink struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPSink подключается к брокеру и объявляет обменник уведомлений.
func NewAMQPSink(url string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		NotificationExchange, // name
		"topic",              // type
		true,                 // durable
		false,                // auto-deleted
		false,                // internal
		false,                // no-wait
		nil,                  // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &AMQPSink{conn: conn, channel: channel}, nil
}

// Deliver публикует кадр уведомления.
func (s *AMQPSink) Deliver(ctx context.Context, n model.Notification) error {
	payload, err := Encode(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.channel.PublishWithContext(ctx,
		NotificationExchange,
		string(n.Kind),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    n.ID,
			Timestamp:    n.Timestamp,
			Headers:      amqp.Table{"user_id": n.UserID},
			Body:         payload,
		},
	)
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (s *AMQPSink) Close() error {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
