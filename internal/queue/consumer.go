package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Consumer drains the dispatch queue with strict concurrency 1 and a
// minimum inter-dequeue gap, per the Job Runtime's consumer contract.
type Consumer struct {
	conn       *Connection
	queueName  string
	handler    JobHandler
	minGap     time.Duration
	logger     *zap.Logger
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// JobHandler processes one claimed job id. A returned error causes the
// delivery to be nacked and requeued; the Job Runtime's own retry/backoff
// bookkeeping lives above this layer, in the repository-backed state.
type JobHandler func(jobID string) error

// NewConsumer creates a new consumer instance. minGap is the minimum
// delay enforced between the start of one delivery's handling and the
// start of the next.
func NewConsumer(conn *Connection, queueName string, minGap time.Duration, handler JobHandler, logger *zap.Logger) (*Consumer, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	if queueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

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

	return &Consumer{
		conn:      conn,
		queueName: queueName,
		handler:   handler,
		minGap:    minGap,
		logger:    logger,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}, nil
}

// Start starts consuming messages from the queue
func (c *Consumer) Start() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}

	// prefetch count 1: the Dispatcher processes exactly one job at a time
	err = ch.Qos(1, 0, false)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		c.queueName,
		"",    // consumer tag (auto-generated)
		false, // auto-ack (manual acknowledgement)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	go func() {
		defer close(c.doneChan)

		for {
			select {
			case <-c.stopChan:
				c.logger.Info("queue consumer stopping")
				return
			case d, ok := <-msgs:
				if !ok {
					c.logger.Warn("queue delivery channel closed")
					return
				}

				start := time.Now()
				if err := c.processDelivery(d); err != nil {
					c.logger.Warn("queue job handler failed, requeuing", zap.Error(err))
					d.Nack(false, true)
				} else {
					d.Ack(false)
				}

				// enforce the minimum inter-dequeue gap measured from the
				// start of this delivery's processing
				if elapsed := time.Since(start); elapsed < c.minGap {
					select {
					case <-time.After(c.minGap - elapsed):
					case <-c.stopChan:
						return
					}
				}
			}
		}
	}()

	c.logger.Info("queue consumer started", zap.String("queue", c.queueName))
	return nil
}

// Stop stops consuming messages gracefully
func (c *Consumer) Stop() error {
	close(c.stopChan)
	<-c.doneChan
	c.logger.Info("queue consumer stopped")
	return nil
}

func (c *Consumer) processDelivery(d amqp.Delivery) error {
	var envelope JobEnvelope
	if err := json.Unmarshal(d.Body, &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal job envelope: %w", err)
	}
	return c.handler(envelope.JobID)
}
