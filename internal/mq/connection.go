package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Connection wraps RabbitMQ connection
type Connection struct {
	conn   *amqp.Connection
	logger *zap.Logger
}

// dial opens a connection and starts watching for broker-side closes
func dial(url string, logger *zap.Logger) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("[RABBITMQ CONNECTION FAILED] cannot connect to RabbitMQ. Please check: 1) RabbitMQ is running, 2) RABBITMQ_URL is correct, 3) Credentials are valid. Error: %w", err)
	}
	c := &Connection{conn: conn, logger: logger}
	go c.watchClose()
	return c, nil
}

// NewConnection creates a new RabbitMQ connection bound to the fx lifecycle
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url string) (*Connection, error) {
	logger.Info("attempting to connect to RabbitMQ...")

	mqConn, err := dial(url, logger)
	if err != nil {
		logger.Error("rabbitmq connection failed", zap.Error(err))
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("rabbitmq connection established successfully")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return mqConn.Close()
		},
	})

	return mqConn, nil
}

// watchClose logs broker-initiated shutdowns; a clean Close yields nil
func (c *Connection) watchClose() {
	if amqpErr, ok := <-c.conn.NotifyClose(make(chan *amqp.Error, 1)); ok && amqpErr != nil {
		c.logger.Error("rabbitmq connection lost",
			zap.Int("code", amqpErr.Code),
			zap.String("reason", amqpErr.Reason),
		)
	}
}

// Channel creates a new RabbitMQ channel
func (c *Connection) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}

// IsClosed reports whether the underlying connection is gone
func (c *Connection) IsClosed() bool {
	return c.conn.IsClosed()
}

// Close closes the connection
func (c *Connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Error("failed to close rabbitmq connection", zap.Error(err))
		return err
	}
	c.logger.Info("rabbitmq connection closed")
	return nil
}
