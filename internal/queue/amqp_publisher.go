package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher pushes tasks to the pipeline exchange as persistent messages.
type AMQPPublisher struct {
	conn *AMQPConnection
}

func NewAMQPPublisher(conn *AMQPConnection) *AMQPPublisher {
	return &AMQPPublisher{conn: conn}
}

func (p *AMQPPublisher) Push(ctx context.Context, task Task) error {
	body, err := EncodeTask(task)
	if err != nil {
		return fmt.Errorf("encode amqp task: %w", err)
	}
	return p.conn.WithChannel(func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, ExchangePipeline, RoutingKeyTask, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    task.TaskID,
			Type:         task.TemplateID,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", ExchangePipeline, RoutingKeyTask, err)
		}
		return nil
	})
}

var _ Producer = (*AMQPPublisher)(nil)
