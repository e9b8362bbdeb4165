package queue

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"jobmatch-backend/internal/shared/telemetry"
)

// DeliveryHandler processes one raw delivery body. Returning an error wrapped
// with Unrecoverable dead-letters the message; any other error requeues it.
type DeliveryHandler func(ctx context.Context, body []byte) error

// unrecoverable marks errors that must not be redelivered.
type unrecoverable struct{ err error }

func (u unrecoverable) Error() string { return u.err.Error() }
func (u unrecoverable) Unwrap() error { return u.err }

// Unrecoverable wraps err so consumers drop the message instead of retrying.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return unrecoverable{err: err}
}

// IsUnrecoverable reports whether err was wrapped with Unrecoverable.
func IsUnrecoverable(err error) bool {
	var u unrecoverable
	return errors.As(err, &u)
}

// AMQPConsumer consumes pipeline tasks with manual acks.
type AMQPConsumer struct {
	conn     *AMQPConnection
	queue    string
	prefetch int
	handler  DeliveryHandler
}

func NewAMQPConsumer(conn *AMQPConnection, prefetch int, handler DeliveryHandler) *AMQPConsumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &AMQPConsumer{conn: conn, queue: QueuePipelineTasks, prefetch: prefetch, handler: handler}
}

// Run consumes until ctx is cancelled, resubscribing after reconnects.
func (c *AMQPConsumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		deliveries, err := c.subscribe()
		if err != nil {
			telemetry.Error("amqp.consume.setup_failed", map[string]any{"queue": c.queue, "error": err.Error()})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.conn.ReconnectNotify():
				continue
			}
		}
		telemetry.Info("amqp.consume.started", map[string]any{"queue": c.queue})

		if err := c.drain(ctx, deliveries); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.ReconnectNotify():
		}
	}
}

func (c *AMQPConsumer) subscribe() (<-chan amqp.Delivery, error) {
	var deliveries <-chan amqp.Delivery
	err := c.conn.WithChannel(func(ch *amqp.Channel) error {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
		d, err := ch.Consume(c.queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume: %w", err)
		}
		deliveries = d
		return nil
	})
	return deliveries, err
}

func (c *AMQPConsumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}
			c.handle(ctx, raw)
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, raw amqp.Delivery) {
	err := c.handler(ctx, raw.Body)
	switch {
	case err == nil:
		_ = raw.Ack(false)
	case IsUnrecoverable(err):
		telemetry.Warn("amqp.delivery.dead_lettered", map[string]any{
			"message_id": raw.MessageId,
			"error":      err.Error(),
		})
		_ = raw.Nack(false, false)
	default:
		telemetry.Error("amqp.delivery.requeued", map[string]any{
			"message_id": raw.MessageId,
			"error":      err.Error(),
		})
		_ = raw.Nack(false, true)
	}
}
