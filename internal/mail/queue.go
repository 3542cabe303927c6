package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueMailer publishes messages to a durable RabbitMQ queue for a separate
// delivery worker to send.
type QueueMailer struct {
	url   string
	queue string
}

// NewQueueMailer creates a QueueMailer publishing to queue on the broker at url.
func NewQueueMailer(url, queue string) (*QueueMailer, error) {
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	if queue == "" {
		return nil, errors.New("queue name is required")
	}
	return &QueueMailer{url: url, queue: queue}, nil
}

// Send publishes msg as a persistent JSON message. A connection is opened per
// call; reset and sign-in mail is low volume.
func (m *QueueMailer) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	conn, err := amqp.Dial(m.url)
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(
		m.queue, // name
		true,    // durable
		false,   // autoDelete
		false,   // exclusive
		false,   // noWait
		nil,     // args
	); err != nil {
		return fmt.Errorf("declaring queue: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         msg.Kind,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", m.queue, false, false, pub); err != nil {
		return fmt.Errorf("publishing message: %w", err)
	}
	return nil
}
