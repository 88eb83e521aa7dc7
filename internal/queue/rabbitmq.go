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
	dlxExchangeName = "push.dlx"
	connectionName  = "push-fanout"
	heartbeat       = 10 * time.Second
	connectTimeout  = 15 * time.Second

	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// RabbitMQ owns one broker connection shared by publishers and consumers of
// a process. The connection is redialed lazily after the broker drops it and
// the delivery topology is declared once per connection.
type RabbitMQ struct {
	url string

	mu       sync.Mutex
	conn     *amqp.Connection
	declared bool
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	ch, err := r.openChannel(ctx)
	if err != nil {
		return nil, err
	}
	_ = ch.Close()

	return r, nil
}

// Ping opens and closes a channel, redialing if needed.
func (r *RabbitMQ) Ping(ctx context.Context) error {
	ch, err := r.openChannel(ctx)
	if err != nil {
		return err
	}
	return ch.Close()
}

// Close is idempotent.
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.declared = false
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// openChannel returns a channel on a live connection with the topology in
// place. Callers own the channel and must close it.
func (r *RabbitMQ) openChannel(ctx context.Context) (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connectLocked(ctx); err != nil {
		return nil, err
	}

	ch, err := r.conn.Channel()
	if err != nil {
		// The connection may have died between the liveness check and here.
		_ = r.conn.Close()
		r.conn = nil
		r.declared = false

		if err := r.connectLocked(ctx); err != nil {
			return nil, err
		}
		if ch, err = r.conn.Channel(); err != nil {
			return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
		}
	}

	if !r.declared {
		if err := declareTopology(ch); err != nil {
			_ = ch.Close()
			return nil, err
		}
		r.declared = true
	}

	return ch, nil
}

func (r *RabbitMQ) connectLocked(ctx context.Context) error {
	if r.conn != nil && !r.conn.IsClosed() {
		return nil
	}
	r.conn = nil
	r.declared = false

	cfg := amqp.Config{
		Heartbeat:  heartbeat,
		Properties: amqp.Table{"connection_name": connectionName},
	}

	backoff := minBackoff
	for {
		conn, dialErr := amqp.DialConfig(r.url, cfg)
		if dialErr == nil {
			r.conn = conn
			return nil
		}

		if err := sleepContext(ctx, backoff); err != nil {
			return fmt.Errorf("rabbitmq dial failed (%v): %w", dialErr, err)
		}
		backoff = nextBackoff(backoff)
	}
}

// queueTopology describes a work queue and the dead-letter queue its
// rejected messages are routed to.
type queueTopology struct {
	name string
	dlq  string
	args amqp.Table
}

func topologyFor(queue string) queueTopology {
	return queueTopology{
		name: queue,
		dlq:  DLQName(queue),
		args: amqp.Table{
			"x-dead-letter-exchange":    dlxExchangeName,
			"x-dead-letter-routing-key": queue,
		},
	}
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(dlxExchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}

	for _, name := range WorkQueueNames() {
		t := topologyFor(name)

		if _, err := ch.QueueDeclare(t.dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dlq %q: %w", t.dlq, err)
		}
		if err := ch.QueueBind(t.dlq, t.name, dlxExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind dlq %q: %w", t.dlq, err)
		}
		if _, err := ch.QueueDeclare(t.name, true, false, false, false, t.args); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", t.name, err)
		}
	}

	return nil
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
