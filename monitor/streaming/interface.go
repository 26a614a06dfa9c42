package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Well-known channels.
const (
	TopicAlarms         = "alarms"
	TopicPollingResults = "polling_results"
	TopicTraps          = "snmp_traps"
)

// Event is the envelope used where a transport carries metadata alongside
// the payload (logs, websocket clients, inbound subscriptions).
type Event struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

const eventSource = "scnms-monitor"

// NewEvent marshals payload into an envelope with a fresh id.
func NewEvent(topic string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now().UTC(),
		Source:    eventSource,
	}, nil
}

// Publisher sends fire-and-forget messages on a named channel.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

// Subscriber delivers messages published on a channel.
type Subscriber interface {
	Subscribe(topic string, handler func(event Event)) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}
