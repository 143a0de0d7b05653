package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var _ Consumer = (*RabbitMQConsumer)(nil)

// RabbitMQConsumer delivers alert messages to a handler with manual acks.
type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitMQConsumer{client: client, prefetch: prefetch, logger: logger}
}

// Consume blocks until ctx is done, resubscribing with backoff whenever the
// channel or connection drops.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	wait := reconnectBackoff
	for {
		err := c.subscribe(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			wait = reconnectBackoff
			continue
		}

		c.logger.Warn("alert subscription lost, resubscribing",
			zap.String("queue", queue),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = nextBackoff(wait)
	}
}

func (c *RabbitMQConsumer) subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := settle(d, c.dispatch(ctx, d, handler)); err != nil {
				return err
			}
		}
	}
}

// ackAction is how a delivery is settled with the broker.
type ackAction int

const (
	ack ackAction = iota
	requeue
	deadLetter
)

// dispatch decodes a delivery and runs the handler. Undecodable messages are
// dead-lettered at once; a handler failure is requeued once and dead-lettered
// on the redelivery.
func (c *RabbitMQConsumer) dispatch(ctx context.Context, d amqp.Delivery, handler MessageHandler) ackAction {
	msg, err := decodeAlert(d.Body)
	if err != nil {
		c.logger.Warn("dead-lettering malformed alert",
			zap.String("routingKey", d.RoutingKey),
			zap.String("messageId", d.MessageId),
			zap.Error(err),
		)
		return deadLetter
	}

	if err := handler(ctx, msg); err != nil {
		action := requeue
		if d.Redelivered {
			action = deadLetter
		}
		c.logger.Warn("alert handler failed",
			zap.String("alertId", msg.ID),
			zap.String("alert", msg.Name),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(err),
		)
		return action
	}
	return ack
}

func decodeAlert(body []byte) (AlertMessage, error) {
	var msg AlertMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return AlertMessage{}, fmt.Errorf("invalid alert json: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return AlertMessage{}, fmt.Errorf("invalid alert: %w", err)
	}
	return msg, nil
}

func settle(d amqp.Delivery, action ackAction) error {
	var err error
	switch action {
	case requeue:
		err = d.Nack(false, true)
	case deadLetter:
		err = d.Reject(false)
	default:
		err = d.Ack(false)
	}
	if err != nil {
		return fmt.Errorf("failed to settle delivery %d: %w", d.DeliveryTag, err)
	}
	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
