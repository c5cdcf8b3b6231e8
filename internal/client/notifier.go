package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"digital-fulfillment/internal/config"
	"digital-fulfillment/internal/model"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
)

type Publisher interface {
	Publish(ctx context.Context, n model.Notification) error
	Close() error
}

// NewPublisher picks the notification transport from NOTIFY_DRIVER.
func NewPublisher(cfg config.Notify, logger *slog.Logger) (Publisher, error) {
	switch cfg.Driver {
	case "rabbitmq":
		return NewRabbitPublisher(cfg.RabbitURL, cfg.RabbitExchange)
	case "kafka":
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	case "log", "":
		return NewLogPublisher(logger), nil
	}
	return nil, fmt.Errorf("unsupported notify driver %q", cfg.Driver)
}

type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, n model.Notification) error {
	p.logger.InfoContext(ctx, "notification",
		"type", n.Type,
		"order_code", n.OrderCode,
		"account_id", n.AccountID,
		"grants", len(n.GrantIDs),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type RabbitPublisher struct {
	conn     *amqp.Connection
	channel  func() (amqpChannel, error)
	exchange string
}

func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &RabbitPublisher{
		conn: conn,
		channel: func() (amqpChannel, error) {
			ch, err := conn.Channel()
			if err != nil {
				return nil, err
			}
			return ch, nil
		},
		exchange: exchange,
	}, nil
}

// Publish routes by notification type on the topic exchange.
func (p *RabbitPublisher) Publish(ctx context.Context, n model.Notification) error {
	msg, err := rabbitMessage(n)
	if err != nil {
		return err
	}

	ch, err := p.channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.PublishWithContext(ctx, p.exchange, string(n.Type), false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", n.Type, err)
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

func rabbitMessage(n model.Notification) (amqp.Publishing, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal notification: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    n.OccurredAt,
		Type:         string(n.Type),
		Body:         body,
	}, nil
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}, nil
}

// Publish keys messages by order id so one order's events stay ordered.
func (p *KafkaPublisher) Publish(ctx context.Context, n model.Notification) error {
	msg, err := kafkaMessage(n)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", n.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func kafkaMessage(n model.Notification) (kafka.Message, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal notification: %w", err)
	}
	return kafka.Message{
		Key:   []byte(n.OrderID),
		Value: body,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
		},
	}, nil
}
