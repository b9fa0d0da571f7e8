package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const routingKeyStatus = "status"

// publishChannel は AMQPPublisher が使う amqp.Channel の操作です。
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher は RabbitMQ の direct exchange に JSON でイベントを送信します。
// ブローカー再起動などでチャネルが閉じた場合は、次の送信時に接続し直します。
type AMQPPublisher struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   publishChannel
	open func() (publishChannel, error)
}

// NewAMQPPublisher は RabbitMQ に接続し、exchange を宣言します。
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: url, exchange: exchange}
	p.open = p.connect
	ch, err := p.open()
	if err != nil {
		return nil, err
	}
	p.ch = ch
	return p, nil
}

// connect は必要なら接続し直し、新しいチャネルで exchange を宣言します。
func (p *AMQPPublisher) connect() (publishChannel, error) {
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		p.conn = conn
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		p.exchange,
		amqp.ExchangeDirect,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", p.exchange, err)
	}
	return ch, nil
}

// Publish はイベントを永続メッセージとして送信します。
// チャネルが閉じていた場合は一度だけ開き直して再送します。
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	msg, err := newMessage(event)
	if err != nil {
		return err
	}

	// amqp.Channel は並行送信に対して安全ではない
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		err = p.ch.PublishWithContext(ctx, p.exchange, routingKeyStatus, false, false, msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("failed to publish event for %s: %w", event.Key, err)
		}
		_ = p.ch.Close()
		p.ch = nil
	}

	ch, err := p.open()
	if err != nil {
		return fmt.Errorf("failed to publish event for %s: %w", event.Key, err)
	}
	p.ch = ch
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKeyStatus, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish event for %s: %w", event.Key, err)
	}
	return nil
}

// Close はチャネルと接続を閉じます。
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		p.ch = nil
	}
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newMessage(event Event) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.At,
		Body:         body,
	}, nil
}
