package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher hands claimed Job Runtime job ids off to the Dispatcher's
// RabbitMQ queue. The job's authoritative content is re-read from the
// State Store by the consumer; the envelope carries only the id.
type Publisher struct {
	conn      *Connection
	queueName string
}

// JobEnvelope is the wire payload placed on the dispatch queue.
type JobEnvelope struct {
	JobID string `json:"jobId"`
}

// NewPublisher creates a new publisher instance
func NewPublisher(conn *Connection, queueName string) (*Publisher, error) {
	// Validate conn is not nil
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}

	// Validate queueName is not empty
	if queueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	// Get channel from connection
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

	// Declare queue (durable, non-auto-delete, non-exclusive)
	_, err = ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	// Return Publisher instance
	return &Publisher{
		conn:      conn,
		queueName: queueName,
	}, nil
}

// PublishJob publishes a claimed job id to the dispatch queue
func (p *Publisher) PublishJob(jobID string) error {
	// Marshal envelope to JSON
	body, err := json.Marshal(JobEnvelope{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal job envelope: %w", err)
	}

	// Get channel from connection
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}

	// Publish message
	err = ch.Publish(
		"",          // exchange (default)
		p.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent, // 2 - persistent
			ContentType:  "application/json",
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job envelope: %w", err)
	}

	return nil
}

// Close closes the publisher (no-op, connection managed externally)
func (p *Publisher) Close() error {
	// Connection is closed separately
	return nil
}
