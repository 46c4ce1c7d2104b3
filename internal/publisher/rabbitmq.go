package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrClosed: публикация после Close.
var ErrClosed = errors.New("publisher closed")

// RabbitMQPublisher публикует события в durable-очереди RabbitMQ
// через exchange по умолчанию (routing key = имя очереди).
// Соединение устанавливается при первой публикации и восстанавливается
// после обрыва.
type RabbitMQPublisher struct {
	url    string
	logger *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]bool
	closed   bool
}

// NewRabbitMQPublisher создаёт публикатор. Подключение не выполняется.
func NewRabbitMQPublisher(url string, logger *slog.Logger) *RabbitMQPublisher {
	return &RabbitMQPublisher{
		url:      url,
		logger:   logger.With(slog.String("component", "rabbitmq_publisher")),
		declared: make(map[string]bool),
	}
}

// Publish отправляет payload как persistent JSON-сообщение.
func (p *RabbitMQPublisher) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		eventsPublishedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.publish(ctx, topic, body); err != nil {
		eventsPublishedTotal.WithLabelValues("error").Inc()
		return err
	}

	eventsPublishedTotal.WithLabelValues("ok").Inc()
	p.logger.Debug("Событие опубликовано",
		slog.String("topic", topic),
		slog.Int("size", len(body)),
	)
	return nil
}

func (p *RabbitMQPublisher) publish(ctx context.Context, topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked()
	if err != nil {
		return err
	}

	if !p.declared[topic] {
		// Объявление очереди идемпотентно
		if _, err := ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
			p.resetLocked()
			return fmt.Errorf("failed to declare queue %s: %w", topic, err)
		}
		p.declared[topic] = true
	}

	err = ch.PublishWithContext(ctx, "", topic, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// channelLocked возвращает открытый канал, при необходимости переподключаясь.
func (p *RabbitMQPublisher) channelLocked() (*amqp.Channel, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if p.channel != nil && !p.channel.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		return p.channel, nil
	}
	p.resetLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	p.conn = conn
	p.channel = ch
	p.logger.Info("Подключение к RabbitMQ установлено")
	return ch, nil
}

// resetLocked закрывает текущее соединение. Очереди объявляются заново.
func (p *RabbitMQPublisher) resetLocked() {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	clear(p.declared)
}

// Close закрывает соединение. Повторный вызов безопасен.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.resetLocked()
	return nil
}
