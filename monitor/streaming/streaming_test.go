package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type alarmPayload struct {
	EventType string `json:"event_type"`
	AlarmID   string `json:"alarm_id"`
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisPublishSubscribe(t *testing.T) {
	client := newRedis(t)
	sub := NewRedisSubscriber(client, zap.NewNop())

	got := make(chan Event, 1)
	s, err := sub.Subscribe(TopicAlarms, func(e Event) { got <- e })
	require.NoError(t, err)
	defer s.Unsubscribe()

	pub := NewRedisPublisher(client)
	require.NoError(t, pub.Publish(context.Background(), TopicAlarms, alarmPayload{EventType: "raised", AlarmID: "abc"}))

	select {
	case e := <-got:
		assert.Equal(t, TopicAlarms, e.Topic)
		var p alarmPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		assert.Equal(t, "raised", p.EventType, "consumers receive the bare payload")
		assert.Equal(t, "abc", p.AlarmID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestRedisPublishFailsWhenServerGone(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err := NewRedisPublisher(client).Publish(context.Background(), TopicAlarms, map[string]string{"a": "b"})
	assert.Error(t, err)
}

type recordingPublisher struct {
	topics []string
	err    error
	closed bool
}

func (r *recordingPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	r.topics = append(r.topics, topic)
	return r.err
}

func (r *recordingPublisher) Close() error {
	r.closed = true
	return nil
}

func TestFanoutDeliversPastFailures(t *testing.T) {
	bad := &recordingPublisher{err: errors.New("broker down")}
	good := &recordingPublisher{}
	f := NewFanout(bad, good)

	err := f.Publish(context.Background(), TopicAlarms, "x")
	assert.ErrorContains(t, err, "broker down")
	assert.Equal(t, []string{TopicAlarms}, good.topics)

	require.NoError(t, f.Close())
	assert.True(t, bad.closed)
	assert.True(t, good.closed)
}

func TestLogPublisher(t *testing.T) {
	p := NewLogPublisher(zap.NewNop())
	assert.NoError(t, p.Publish(context.Background(), TopicPollingResults, []int{1, 2}))
	assert.Error(t, p.Publish(context.Background(), TopicAlarms, make(chan int)))
}

func TestHubBroadcastsToClients(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, TopicAlarms, alarmPayload{EventType: "cleared", AlarmID: "f00"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, TopicAlarms, e.Topic)
	assert.NotEmpty(t, e.ID)
	var p alarmPayload
	require.NoError(t, json.Unmarshal(e.Payload, &p))
	assert.Equal(t, "cleared", p.EventType)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubPublishAfterShutdown(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	assert.ErrorIs(t, hub.Publish(context.Background(), TopicAlarms, "x"), ErrHubClosed)
}

// fakeToken completes immediately with err.
type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

// fakeMQTT routes published messages straight to local subscribers.
type fakeMQTT struct {
	mqtt.Client
	handlers     map[string]mqtt.MessageHandler
	published    map[string][]byte
	unsubscribed []string
	publishErr   error
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{handlers: map[string]mqtt.MessageHandler{}, published: map[string][]byte{}}
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	if f.publishErr != nil {
		return newToken(f.publishErr)
	}
	data := payload.([]byte)
	f.published[topic] = data
	if h, ok := f.handlers[topic]; ok {
		h(f, fakeMessage{topic: topic, payload: data})
	}
	return newToken(nil)
}

func (f *fakeMQTT) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	f.handlers[topic] = cb
	return newToken(nil)
}

func (f *fakeMQTT) Unsubscribe(topics ...string) mqtt.Token {
	f.unsubscribed = append(f.unsubscribed, topics...)
	return newToken(nil)
}

func (f *fakeMQTT) IsConnected() bool { return false }

func TestMQTTBusPrefixesTopics(t *testing.T) {
	client := newFakeMQTT()
	bus := NewMQTTBusFromClient(client, MQTTConfig{TopicPrefix: "scnms/", QoS: 1}, zap.NewNop())

	var got []Event
	sub, err := bus.Subscribe(TopicTraps, func(e Event) { got = append(got, e) })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), TopicTraps, map[string]string{"trap_type": "linkDown"}))
	assert.Contains(t, client.published, "scnms/snmp_traps")

	require.Len(t, got, 1)
	assert.Equal(t, TopicTraps, got[0].Topic)
	assert.JSONEq(t, `{"trap_type":"linkDown"}`, string(got[0].Payload))

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, []string{"scnms/snmp_traps"}, client.unsubscribed)
	assert.NoError(t, bus.Close())
}

func TestMQTTBusPublishError(t *testing.T) {
	client := newFakeMQTT()
	client.publishErr = errors.New("not connected")
	bus := NewMQTTBusFromClient(client, MQTTConfig{}, zap.NewNop())

	err := bus.Publish(context.Background(), TopicAlarms, "x")
	assert.ErrorContains(t, err, "not connected")
}
