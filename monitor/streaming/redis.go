package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher publishes JSON payloads with PUBLISH. Consumers receive the
// payload object itself, not the envelope.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (p *RedisPublisher) Close() error { return nil }

// RedisSubscriber delivers messages from Redis pub/sub channels.
type RedisSubscriber struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisSubscriber(client *redis.Client, logger *zap.Logger) *RedisSubscriber {
	return &RedisSubscriber{client: client, logger: logger}
}

type redisSubscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

func (s *redisSubscription) Unsubscribe() error {
	err := s.pubsub.Close()
	<-s.done
	return err
}

// Subscribe confirms the subscription with the server before returning, then
// calls handler for each message on a single goroutine.
func (s *RedisSubscriber) Subscribe(topic string, handler func(event Event)) (Subscription, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubsub := s.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	sub := &redisSubscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			handler(Event{
				ID:        uuid.NewString(),
				Topic:     msg.Channel,
				Payload:   json.RawMessage(msg.Payload),
				Timestamp: time.Now().UTC(),
				Source:    "redis",
			})
		}
		s.logger.Debug("redis subscription closed", zap.String("topic", topic))
	}()
	return sub, nil
}
