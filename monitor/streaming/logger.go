package streaming

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes every event to the structured log. It is the bus used
// when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("bus")}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	event, err := NewEvent(topic, payload)
	if err != nil {
		return err
	}
	p.logger.Info("publish",
		zap.String("topic", topic),
		zap.String("event_id", event.ID),
		zap.ByteString("payload", event.Payload))
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Debug("closed log publisher")
	return nil
}
