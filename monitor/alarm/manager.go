package alarm

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/scnms/monitor/observability"
	"github.com/itskum47/scnms/monitor/scheduler"
	"github.com/itskum47/scnms/monitor/store"
	"github.com/itskum47/scnms/monitor/streaming"
)

// Lifecycle event types published on the alarm channel.
const (
	EventRaised       = "raised"
	EventAcknowledged = "acknowledged"
	EventCleared      = "cleared"
	EventAutoCleared  = "auto_cleared"
	EventClosed       = "closed"
)

// AlarmEvent is the message published for every lifecycle change.
type AlarmEvent struct {
	EventType string            `json:"event_type"`
	AlarmID   string            `json:"alarm_id"`
	DeviceID  int64             `json:"device_id"`
	Severity  store.Severity    `json:"severity"`
	Status    store.AlarmStatus `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

const lockStripes = 64

// Manager applies evaluator decisions and operator actions to the alarm store
// and announces every change. Work on one fingerprint is serialized.
type Manager struct {
	alarms store.AlarmStore
	bus    streaming.Publisher
	clock  scheduler.Clock
	topic  string
	logger *zap.Logger

	stripes [lockStripes]sync.Mutex
}

func NewManager(alarms store.AlarmStore, bus streaming.Publisher, clock scheduler.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	return &Manager{
		alarms: alarms,
		bus:    bus,
		clock:  clock,
		topic:  streaming.TopicAlarms,
		logger: logger,
	}
}

func (m *Manager) lock(fingerprint string) func() {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	mu := &m.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Apply carries out one decision. It returns the alarm that was created or
// cleared, or nil when nothing changed.
func (m *Manager) Apply(ctx context.Context, d Decision) (*store.Alarm, error) {
	switch d.Kind {
	case DecisionRaise:
		return m.raise(ctx, d)
	case DecisionAutoClear:
		return m.autoClear(ctx, d)
	}
	return nil, nil
}

func (m *Manager) raise(ctx context.Context, d Decision) (*store.Alarm, error) {
	defer m.lock(d.Fingerprint)()

	// A concurrent round may have raised it since the evaluator looked.
	open, err := m.alarms.FindOpenByFingerprint(ctx, d.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("raise %s: %w", d.Fingerprint, err)
	}
	if open != nil {
		return nil, nil
	}

	created, err := m.alarms.CreateAlarm(ctx, d.NewAlarm(m.clock.Now()))
	if errors.Is(err, store.ErrDuplicateFingerprint) {
		m.logger.Debug("alarm already open", zap.String("alarm_id", d.Fingerprint))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("raise %s: %w", d.Fingerprint, err)
	}

	m.logger.Info("alarm raised",
		zap.String("alarm_id", created.AlarmID),
		zap.Int64("device_id", created.DeviceID),
		zap.String("severity", string(created.Severity)),
		zap.String("title", created.Title))
	m.announce(ctx, EventRaised, created)
	return created, nil
}

func (m *Manager) autoClear(ctx context.Context, d Decision) (*store.Alarm, error) {
	defer m.lock(d.Fingerprint)()

	cleared, err := m.alarms.TransitionAlarm(ctx, d.Fingerprint, store.Transition{To: store.AlarmCleared, At: m.clock.Now()})
	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
		// Already cleared or closed by someone else.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auto-clear %s: %w", d.Fingerprint, err)
	}
	m.logger.Info("alarm auto-cleared", zap.String("alarm_id", cleared.AlarmID), zap.Int64("device_id", cleared.DeviceID))
	m.announce(ctx, EventAutoCleared, cleared)
	return cleared, nil
}

// Acknowledge marks a raised alarm as seen by an operator.
func (m *Manager) Acknowledge(ctx context.Context, alarmID, by string) (*store.Alarm, error) {
	return m.operate(ctx, alarmID, store.Transition{To: store.AlarmAcknowledged, By: by}, EventAcknowledged)
}

// Clear resolves a raised or acknowledged alarm.
func (m *Manager) Clear(ctx context.Context, alarmID string) (*store.Alarm, error) {
	return m.operate(ctx, alarmID, store.Transition{To: store.AlarmCleared}, EventCleared)
}

// Close retires a cleared alarm.
func (m *Manager) Close(ctx context.Context, alarmID string) (*store.Alarm, error) {
	return m.operate(ctx, alarmID, store.Transition{To: store.AlarmClosed}, EventClosed)
}

func (m *Manager) operate(ctx context.Context, alarmID string, t store.Transition, event string) (*store.Alarm, error) {
	defer m.lock(alarmID)()

	t.At = m.clock.Now()
	a, err := m.alarms.TransitionAlarm(ctx, alarmID, t)
	if err != nil {
		return nil, err
	}
	m.logger.Info("alarm "+event, zap.String("alarm_id", a.AlarmID), zap.String("by", t.By))
	m.announce(ctx, event, a)
	return a, nil
}

// announce publishes a lifecycle event. Failures are logged, never returned:
// the stored state is authoritative.
func (m *Manager) announce(ctx context.Context, eventType string, a *store.Alarm) {
	observability.AlarmTransitions.WithLabelValues(eventType).Inc()
	if m.bus == nil {
		return
	}
	ev := AlarmEvent{
		EventType: eventType,
		AlarmID:   a.AlarmID,
		DeviceID:  a.DeviceID,
		Severity:  a.Severity,
		Status:    a.Status,
		Timestamp: m.clock.Now(),
	}
	if err := m.bus.Publish(ctx, m.topic, ev); err != nil {
		observability.PublishFailures.WithLabelValues(m.topic).Inc()
		m.logger.Warn("failed to publish alarm event",
			zap.String("alarm_id", a.AlarmID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// SweepRetention deletes closed alarms older than retention.
func (m *Manager) SweepRetention(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := store.RetentionCutoff(m.clock.Now(), retention)
	n, err := m.alarms.DeleteClosedOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	observability.RetentionDeleted.Add(float64(n))
	if n > 0 {
		m.logger.Info("retention sweep", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

func (m *Manager) Stats(ctx context.Context) (*store.AlarmCounts, error) {
	return m.alarms.CountAlarms(ctx)
}

func (m *Manager) List(ctx context.Context, f store.AlarmFilter) ([]*store.Alarm, error) {
	return m.alarms.ListAlarms(ctx, f)
}

func (m *Manager) Get(ctx context.Context, alarmID string) (*store.Alarm, error) {
	return m.alarms.GetAlarm(ctx, alarmID)
}
