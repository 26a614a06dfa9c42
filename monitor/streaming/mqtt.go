package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTTConfig holds broker settings.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	QoS      byte   `mapstructure:"qos"`
	// TopicPrefix is prepended to every channel name, e.g. "scnms/".
	TopicPrefix string `mapstructure:"topic_prefix"`
}

const mqttConnectTimeout = 10 * time.Second

// MQTTBus publishes and subscribes over an MQTT broker.
type MQTTBus struct {
	client mqtt.Client
	cfg    MQTTConfig
	logger *zap.Logger
}

// NewMQTTBus connects to the broker.
func NewMQTTBus(cfg MQTTConfig, logger *zap.Logger) (*MQTTBus, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "scnms-" + uuid.NewString()[:8]
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(mqttConnectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	logger.Info("connected to mqtt broker", zap.String("broker", cfg.Broker), zap.String("client_id", cfg.ClientID))
	return NewMQTTBusFromClient(client, cfg, logger), nil
}

// NewMQTTBusFromClient wraps an already connected client.
func NewMQTTBusFromClient(client mqtt.Client, cfg MQTTConfig, logger *zap.Logger) *MQTTBus {
	return &MQTTBus{client: client, cfg: cfg, logger: logger}
}

func (b *MQTTBus) topic(name string) string {
	return b.cfg.TopicPrefix + name
}

func (b *MQTTBus) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := b.client.Publish(b.topic(topic), b.cfg.QoS, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

type mqttSubscription struct {
	client mqtt.Client
	topic  string
}

func (s *mqttSubscription) Unsubscribe() error {
	token := s.client.Unsubscribe(s.topic)
	token.Wait()
	return token.Error()
}

func (b *MQTTBus) Subscribe(topic string, handler func(event Event)) (Subscription, error) {
	full := b.topic(topic)
	token := b.client.Subscribe(full, b.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(Event{
			ID:        uuid.NewString(),
			Topic:     topic,
			Payload:   json.RawMessage(msg.Payload()),
			Timestamp: time.Now().UTC(),
			Source:    "mqtt",
		})
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt subscribe %s: %w", full, err)
	}
	return &mqttSubscription{client: b.client, topic: full}, nil
}

func (b *MQTTBus) Close() error {
	if b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	return nil
}
