package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQConsumer subscribes to a work queue with manual acknowledgements.
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

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Consume blocks until ctx is canceled, re-subscribing with backoff whenever
// the channel or connection is lost.
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

	backoff := minBackoff
	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = minBackoff
			continue
		}

		c.logger.Warn("consumer subscription lost, resubscribing",
			zap.String("queue", queue),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if sleepContext(ctx, backoff) != nil {
			return nil
		}
		backoff = nextBackoff(backoff)
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.openChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr != nil {
				return fmt.Errorf("channel closed: %w", amqpErr)
			}
			return fmt.Errorf("channel closed")
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

// handleDelivery settles exactly one delivery. Undecodable messages are
// dead-lettered at once; a handler failure gets one redelivery before the
// broker dead-letters it. Only settlement failures are returned.
func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	msg, err := decodeDelivery(d.Body)
	if err != nil {
		c.logger.Warn("dead-lettering undecodable delivery message",
			zap.String("messageId", d.MessageId),
			zap.Error(err),
		)
		if err := d.Reject(false); err != nil {
			return fmt.Errorf("failed to reject message %q: %w", d.MessageId, err)
		}
		return nil
	}

	if err := handler(ctx, msg); err != nil {
		requeue := !d.Redelivered
		c.logger.Warn("delivery handler failed",
			zap.String("notificationId", msg.NotificationID),
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
		if err := d.Nack(false, requeue); err != nil {
			return fmt.Errorf("failed to nack notification %s: %w", msg.NotificationID, err)
		}
		return nil
	}

	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack notification %s: %w", msg.NotificationID, err)
	}
	return nil
}

func decodeDelivery(body []byte) (DeliveryMessage, error) {
	var msg DeliveryMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return DeliveryMessage{}, fmt.Errorf("invalid json: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return DeliveryMessage{}, err
	}
	return msg, nil
}

// Close releases the shared connection.
func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
