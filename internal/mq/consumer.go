package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MessageHandler is a function that processes a message
type MessageHandler func(ctx context.Context, body []byte) error

// RetryPolicy reports whether a failed message is worth one more delivery
type RetryPolicy func(err error) bool

// Disposition is what the consumer does with a delivery after handling it
type Disposition int

const (
	Ack Disposition = iota
	Requeue
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	default:
		return "dead_letter"
	}
}

// Decide maps a handler result to a disposition. Retryable failures are
// requeued once; a second failure goes to the dead letter queue.
func Decide(err error, redelivered bool, retryable RetryPolicy) Disposition {
	if err == nil {
		return Ack
	}
	if retryable != nil && retryable(err) && !redelivered {
		return Requeue
	}
	return DeadLetter
}

// Consumer handles message consumption from RabbitMQ
type Consumer struct {
	channel       *amqp.Channel
	queue         string
	prefetchCount int
	logger        *zap.Logger
	handler       MessageHandler
	retryable     RetryPolicy
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection    *Connection
	Queue         string
	DLQQueue      string
	Exchange      string
	RoutingKey    string
	PrefetchCount int
	Logger        *zap.Logger
	Handler       MessageHandler
	Retryable     RetryPolicy
}

// NewConsumer declares the ingest topology and returns a consumer for it
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := declareExchange(ch, cfg.Exchange); err != nil {
		ch.Close()
		return nil, err
	}

	// Rejected messages are routed through the default exchange to the DLQ
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		// A queue declared earlier with different arguments closes the channel
		cfg.Logger.Warn("failed to declare queue with DLX, trying without DLX", zap.Error(err))
		ch.Close()
		if ch, err = cfg.Connection.Channel(); err != nil {
			return nil, fmt.Errorf("failed to reopen channel: %w", err)
		}
		if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
		if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to declare queue: %w", err)
		}
	}

	if _, err := ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &Consumer{
		channel:       ch,
		queue:         cfg.Queue,
		prefetchCount: cfg.PrefetchCount,
		logger:        cfg.Logger,
		handler:       cfg.Handler,
		retryable:     cfg.Retryable,
	}, nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	return nil
}

// Start starts consuming messages until ctx is cancelled
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer context cancelled, stopping")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("message channel closed")
					return
				}
				c.processMessage(ctx, msg)
			}
		}
	}()

	return nil
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	log := c.logger.With(
		zap.String("routing_key", msg.RoutingKey),
		zap.Uint64("delivery_tag", msg.DeliveryTag),
	)

	err := c.handler(ctx, msg.Body)
	disposition := Decide(err, msg.Redelivered, c.retryable)

	switch disposition {
	case Ack:
		if ackErr := msg.Ack(false); ackErr != nil {
			log.Error("failed to ACK message", zap.Error(ackErr))
		}
	case Requeue:
		log.Warn("message failed, requeueing once", zap.Error(err))
		if nackErr := msg.Nack(false, true); nackErr != nil {
			log.Error("failed to NACK message", zap.Error(nackErr))
		}
	case DeadLetter:
		log.Error("message rejected to dead letter queue", zap.Error(err), zap.Bool("redelivered", msg.Redelivered))
		if nackErr := msg.Nack(false, false); nackErr != nil {
			log.Error("failed to NACK message", zap.Error(nackErr))
		}
	}
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c.channel != nil && !c.channel.IsClosed() {
		return c.channel.Close()
	}
	return nil
}
