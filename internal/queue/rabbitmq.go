package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dlxExchangeName  = "delivery.alerts.dlx"
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
	connectTimeout   = 15 * time.Second
)

// RabbitMQ owns one broker connection, redials it on demand and declares the
// alert topology on every channel it opens.
type RabbitMQ struct {
	url  string
	dial func(url string) (*amqp.Connection, error)

	mu     sync.Mutex
	dialMu sync.Mutex
	conn   *amqp.Connection
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url, dial: amqp.Dial}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if _, err := r.connection(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// channel opens a channel with the alert topology declared. A failing
// connection is redialed once before giving up.
func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	var lastErr error
	for try := 0; try < 2; try++ {
		conn, err := r.connection(ctx)
		if err != nil {
			return nil, err
		}

		ch, err := conn.Channel()
		if err != nil {
			lastErr = err
			r.drop(conn)
			continue
		}

		if err := declareTopology(ch); err != nil {
			_ = ch.Close()
			return nil, err
		}
		return ch, nil
	}
	return nil, fmt.Errorf("failed to open rabbitmq channel: %w", lastErr)
}

// connection returns the live connection, dialing with capped exponential
// backoff until ctx is done.
func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	if conn := r.current(); conn != nil {
		return conn, nil
	}

	r.dialMu.Lock()
	defer r.dialMu.Unlock()

	if conn := r.current(); conn != nil {
		return conn, nil
	}

	wait := reconnectBackoff
	for {
		conn, err := r.dial(r.url)
		if err == nil {
			r.mu.Lock()
			r.conn = conn
			r.mu.Unlock()
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq connect canceled after %v: %w", err, ctx.Err())
		case <-time.After(wait):
		}
		wait = nextBackoff(wait)
	}
}

func (r *RabbitMQ) current() *amqp.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	return r.conn
}

func (r *RabbitMQ) drop(conn *amqp.Connection) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()
	if conn != nil && !conn.IsClosed() {
		_ = conn.Close()
	}
}

func nextBackoff(wait time.Duration) time.Duration {
	wait *= 2
	if wait > maxBackoff {
		return maxBackoff
	}
	return wait
}

// declareTopology declares the alert topic exchange and queue (bound to every
// severity key) plus a fanout dead-letter exchange feeding the DLQ.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(dlxExchangeName, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(DLQName(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlq %q: %w", DLQName(), err)
	}
	if err := ch.QueueBind(DLQName(), "", dlxExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind dlq %q: %w", DLQName(), err)
	}

	if err := ch.ExchangeDeclare(AlertExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare alert exchange: %w", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange": dlxExchangeName,
		"x-max-priority":         queueMaxPriority,
	}
	if _, err := ch.QueueDeclare(AlertQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", AlertQueue, err)
	}
	for _, key := range RoutingKeys() {
		if err := ch.QueueBind(AlertQueue, key, AlertExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %q to %q: %w", AlertQueue, key, err)
		}
	}

	return nil
}
