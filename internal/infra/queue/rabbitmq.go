package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-clean-bot/internal/domain"
	"tg-clean-bot/internal/infra/metrics"
)

const auditRoutingKey = "retention.chat"

// RabbitAuditPublisher публикует итоги обработки чатов в topic-exchange.
type RabbitAuditPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

var _ domain.AuditPublisher = (*RabbitAuditPublisher)(nil)

// NewRabbitAuditPublisher подключается к RabbitMQ и объявляет exchange.
func NewRabbitAuditPublisher(url, exchange string) (*RabbitAuditPublisher, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	if exchange == "" {
		return nil, errors.New("exchange name is empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &RabbitAuditPublisher{conn: conn, channel: channel, exchange: exchange}, nil
}

// PublishChatAudit публикует событие аудита одного чата.
func (p *RabbitAuditPublisher) PublishChatAudit(ctx context.Context, audit domain.ChatAudit) error {
	payload, err := json.Marshal(audit)
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}
	start := time.Now()
	err = p.channel.PublishWithContext(ctx, p.exchange, auditRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", p.exchange, start, err)
	if err != nil {
		return fmt.Errorf("publish audit: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (p *RabbitAuditPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}
