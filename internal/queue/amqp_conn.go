package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"jobmatch-backend/internal/shared/telemetry"
)

// AMQPConnection wraps a RabbitMQ connection and reconnects when it drops.
type AMQPConnection struct {
	url string

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	closed      bool
	closedCh    chan struct{}
	reconnectCh chan struct{}
}

// DialAMQP connects to RabbitMQ and starts watching the connection.
func DialAMQP(url string) (*AMQPConnection, error) {
	if url == "" {
		return nil, fmt.Errorf("AMQP_URL is required")
	}
	c := &AMQPConnection{
		url:         url,
		closedCh:    make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.watch()
	return c, nil
}

func (c *AMQPConnection) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	c.conn = conn
	c.channel = ch
	telemetry.Info("amqp.connected", nil)
	return nil
}

func (c *AMQPConnection) watch() {
	for {
		c.mu.RLock()
		if c.closed {
			c.mu.RUnlock()
			return
		}
		conn := c.conn
		c.mu.RUnlock()

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closedCh:
			return
		case err := <-notifyClose:
			if err != nil {
				telemetry.Warn("amqp.connection.closed", map[string]any{"error": err.Error()})
			}
			c.reconnect()
		}
	}
}

func (c *AMQPConnection) reconnect() {
	delay := time.Second
	for {
		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return
		}

		time.Sleep(delay)
		if err := c.connect(); err != nil {
			telemetry.Warn("amqp.reconnect.failed", map[string]any{
				"error":    err.Error(),
				"delay_ms": delay.Milliseconds(),
			})
			delay = min(delay*2, 30*time.Second)
			continue
		}
		select {
		case c.reconnectCh <- struct{}{}:
		default:
		}
		return
	}
}

// WithChannel runs fn with the current channel.
func (c *AMQPConnection) WithChannel(fn func(ch *amqp.Channel) error) error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("no channel available")
	}
	return fn(ch)
}

// ReconnectNotify fires after each successful reconnect.
func (c *AMQPConnection) ReconnectNotify() <-chan struct{} {
	return c.reconnectCh
}

func (c *AMQPConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			return fmt.Errorf("close channel: %w", err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
	}
	return nil
}

// Ping reports whether the connection is open.
func (c *AMQPConnection) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("amqp connection closed")
	}
	return ctx.Err()
}
