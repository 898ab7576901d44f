package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RoutingKeyPrefix prefixes the routing key of every stored record notification
const RoutingKeyPrefix = "record.stored."

// StoredEvent announces a record that reached the ledger
type StoredEvent struct {
	EventID    string     `json:"event_id"`
	RequestID  string     `json:"request_id,omitempty"`
	Kind       string     `json:"kind"`
	RecordID   int64      `json:"record_id"`
	DeviceID   string     `json:"device_id"`
	CreatedAt  time.Time  `json:"created_at"`
	DeviceTime *time.Time `json:"device_time"`
	LocalTime  time.Time  `json:"local_time"`
	Anomaly    string     `json:"anomaly,omitempty"`
	Warning    string     `json:"warning,omitempty"`
}

// RoutingKey returns the topic routing key for a record kind
func RoutingKey(kind string) string {
	return RoutingKeyPrefix + kind
}

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareExchange(ch, exchange); err != nil {
		ch.Close()
		return nil, err
	}

	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// EncodeStored marshals a notification, assigning an event id when missing
func EncodeStored(event *StoredEvent) ([]byte, error) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return body, nil
}

// PublishStored publishes a stored record notification
func (p *Publisher) PublishStored(ctx context.Context, event StoredEvent) error {
	body, err := EncodeStored(&event)
	if err != nil {
		return err
	}
	routingKey := RoutingKey(event.Kind)

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    event.EventID,
			Timestamp:    event.CreatedAt,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published stored record",
		zap.String("routing_key", routingKey),
		zap.String("device_id", event.DeviceID),
		zap.Int64("record_id", event.RecordID),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel.Close()
	}
	return nil
}
