package rmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

// ErrUnavailable means the broker cannot accept work at all (connection gone or
// breaker open), as opposed to a single publish failing.
var ErrUnavailable = errors.New("queue transport unavailable")

type Publisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	cb   *gobreaker.CircuitBreaker

	mu       sync.Mutex
	declared map[string]bool
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rmq-publish",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
	})
	return &Publisher{conn: conn, ch: ch, cb: cb, declared: map[string]bool{}}, nil
}

func (p *Publisher) Close() error {
	_ = p.ch.Close()
	return p.conn.Close()
}

func (p *Publisher) declare(queue string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared[queue] {
		return nil
	}
	if _, err := p.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}
	p.declared[queue] = true
	return nil
}

func (p *Publisher) PublishJSON(ctx context.Context, queue string, body []byte) error {
	return p.PublishJSONWithHeaders(ctx, queue, body, nil)
}

func (p *Publisher) PublishJSONWithHeaders(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	if p.conn.IsClosed() {
		return ErrUnavailable
	}
	_, err := p.cb.Execute(func() (interface{}, error) {
		if err := p.declare(queue); err != nil {
			return nil, err
		}
		return nil, p.ch.PublishWithContext(ctx,
			"", queue, false, false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				Headers:      headers,
				Body:         body,
			})
	})
	return classify(err)
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.Is(err, amqp.ErrClosed):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

type Consumer struct {
	conn  *amqp.Connection
	Ch    *amqp.Channel
	Queue string
}

func NewConsumer(url, queue string, prefetch int) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 10
	}
	_ = ch.Qos(prefetch, 0, false)
	return &Consumer{conn: conn, Ch: ch, Queue: queue}, nil
}

func (c *Consumer) Consume() (<-chan amqp.Delivery, error) {
	return c.Ch.Consume(c.Queue, "", false, false, false, false, nil)
}

func (c *Consumer) Close() error {
	_ = c.Ch.Close()
	return c.conn.Close()
}

// QueueName is the per-worker dispatch queue.
func QueueName(prefix, serverID string) string {
	return prefix + "." + serverID
}
