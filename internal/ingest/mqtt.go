package ingest

import (
	"context"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/septivank/climax-ledger/internal/config"
	"go.uber.org/zap"
)

// KindFromTopic finds the record kind among the topic levels, so that both
// climax/climate/<mac> and home/<bridge>/sensor_state are understood
func KindFromTopic(topic string) string {
	for _, level := range strings.Split(topic, "/") {
		if kind := normalizeKind(level); kind != "" {
			return kind
		}
	}
	return ""
}

// StartMQTT subscribes to the device broker until ctx is cancelled. The
// subscription is renewed on every reconnect.
func StartMQTT(ctx context.Context, cfg config.MQTTConfig, sink Sink, logger *zap.Logger) (mqtt.Client, error) {
	if !cfg.Enabled {
		logger.Info("mqtt ingest disabled")
		return nil, nil
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		_ = dispatch(ctx, sink, "mqtt", KindFromTopic(msg.Topic()), msg.Payload(), logger)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(cfg.TopicFilter, byte(cfg.QoS), handler)
		if token.Wait() && token.Error() != nil {
			logger.Error("mqtt subscribe failed", zap.String("topic", cfg.TopicFilter), zap.Error(token.Error()))
			return
		}
		logger.Info("mqtt subscribed", zap.String("broker", cfg.Broker), zap.String("topic", cfg.TopicFilter))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}

	go func() {
		<-ctx.Done()
		client.Disconnect(250)
		logger.Info("mqtt ingest stopped")
	}()

	return client, nil
}
