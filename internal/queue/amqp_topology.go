package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangePipeline = "jobmatch.pipeline"
	ExchangeDLQ      = "jobmatch.dlq"

	QueuePipelineTasks = "pipeline.tasks"
	QueueDLQTasks      = "dlq.pipeline.tasks"

	RoutingKeyTask    = "task"
	RoutingKeyDLQTask = "task"
)

// SetupTopology declares durable exchanges and queues. Rejected pipeline
// tasks are dead-lettered to QueueDLQTasks.
func SetupTopology(conn *AMQPConnection) error {
	return conn.WithChannel(func(ch *amqp.Channel) error {
		for _, ex := range []string{ExchangePipeline, ExchangeDLQ} {
			if err := ch.ExchangeDeclare(ex, "direct", true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		queues := []struct {
			name string
			args amqp.Table
		}{
			{QueuePipelineTasks, amqp.Table{
				"x-dead-letter-exchange":    ExchangeDLQ,
				"x-dead-letter-routing-key": RoutingKeyDLQTask,
			}},
			{QueueDLQTasks, nil},
		}
		for _, q := range queues {
			if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
		}

		bindings := []struct {
			queue, key, exchange string
		}{
			{QueuePipelineTasks, RoutingKeyTask, ExchangePipeline},
			{QueueDLQTasks, RoutingKeyDLQTask, ExchangeDLQ},
		}
		for _, b := range bindings {
			if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}
		return nil
	})
}
