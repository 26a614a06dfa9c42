package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/itskum47/scnms/monitor/alarm"
	"github.com/itskum47/scnms/monitor/coordination"
	"github.com/itskum47/scnms/monitor/dispatch"
	"github.com/itskum47/scnms/monitor/ingest"
	"github.com/itskum47/scnms/monitor/protocol"
	"github.com/itskum47/scnms/monitor/resilience"
	"github.com/itskum47/scnms/monitor/scheduler"
	"github.com/itskum47/scnms/monitor/store"
	"github.com/itskum47/scnms/monitor/streaming"
	"github.com/itskum47/scnms/monitor/timeline"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type FakeClock struct{ now time.Time }

func (c *FakeClock) Now() time.Time          { return c.now }
func (c *FakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type MockPublisher struct {
	mu     sync.Mutex
	topics map[string]int
	last   map[string]interface{}
}

func (p *MockPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topics == nil {
		p.topics = map[string]int{}
		p.last = map[string]interface{}{}
	}
	p.topics[topic]++
	p.last[topic] = payload
	return nil
}

func (p *MockPublisher) Close() error { return nil }

func (p *MockPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topics[topic]
}

// failingMetrics rejects writes for one device as if the database were down.
type failingMetrics struct {
	store.MetricStore
	device int64
}

func (f failingMetrics) AppendMetrics(ctx context.Context, ms ...store.Metric) error {
	if len(ms) > 0 && ms[0].DeviceID == f.device {
		return store.Unavailable("append metrics", errors.New("connection refused"))
	}
	return f.MetricStore.AppendMetrics(ctx, ms...)
}

// brokenMetrics rejects writes for one device with an error the store
// reports while still reachable.
type brokenMetrics struct {
	store.MetricStore
	device int64
}

func (b brokenMetrics) AppendMetrics(ctx context.Context, ms ...store.Metric) error {
	if len(ms) > 0 && ms[0].DeviceID == b.device {
		return errors.New("value out of range for column value")
	}
	return b.MetricStore.AppendMetrics(ctx, ms...)
}

// flakyInventory fails schedule writes with whatever error is set.
type flakyInventory struct {
	Inventory
	mu  sync.Mutex
	err error
}

func (i *flakyInventory) fail(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.err = err
}

func (i *flakyInventory) SaveJobSchedule(ctx context.Context, jobID int64, last, next time.Time) error {
	i.mu.Lock()
	err := i.err
	i.mu.Unlock()
	if err != nil {
		return err
	}
	return i.Inventory.SaveJobSchedule(ctx, jobID, last, next)
}

type fixture struct {
	eng   *Engine
	st    *store.MemoryStore
	clock *FakeClock
	bus   *MockPublisher

	mu    sync.Mutex
	calls map[string]int
	data  map[string]map[string]string
}

func (f *fixture) fetch(ctx context.Context, dev store.Device, req string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req]++
	d, ok := f.data[req]
	if !ok {
		return nil, errors.New("noSuchName")
	}
	return d, nil
}

func (f *fixture) set(req string, data map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[req] = data
}

func newFixture(t *testing.T, metrics func(store.MetricStore) store.MetricStore) *fixture {
	t.Helper()
	f := &fixture{
		st:    store.NewMemoryStore(),
		clock: &FakeClock{now: t0},
		bus:   &MockPublisher{},
		calls: map[string]int{},
		data:  map[string]map[string]string{},
	}

	table := protocol.NewTable().Register(store.ProtocolSNMP, protocol.ClientFunc(f.fetch), time.Second)
	dcfg := dispatch.DefaultConfig()
	dcfg.Workers = 4
	disp := dispatch.New(table, dcfg, f.clock, zap.NewNop())
	disp.Start()
	t.Cleanup(disp.Stop)

	var ms store.MetricStore = f.st
	if metrics != nil {
		ms = metrics(f.st)
	}

	f.eng = New(Components{
		Inventory:  f.st,
		Scheduler:  scheduler.NewJobScheduler(f.clock),
		Dispatcher: disp,
		Writer:     ingest.NewWriter(ms, zap.NewNop()),
		Evaluator:  alarm.NewEvaluator(f.st, zap.NewNop()),
		Alarms:     alarm.NewManager(f.st, f.bus, f.clock, zap.NewNop()),
		Bus:        f.bus,
		Breaker:    resilience.NewCircuitBreaker(1, time.Hour).WithClock(f.clock.Now),
		Timeline:   timeline.NewStore(16),
	}, Config{RoundInterval: time.Minute, Concurrency: 1}, zap.NewNop())
	return f
}

func (f *fixture) device(t *testing.T, id int64, addr string) {
	t.Helper()
	require.NoError(t, f.st.UpsertDevice(context.Background(), &store.Device{
		ID: id, Name: addr, Address: addr, SNMP: store.ProtocolSettings{Enabled: true},
	}))
}

func (f *fixture) job(t *testing.T, id, device int64, req string, every time.Duration) {
	t.Helper()
	require.NoError(t, f.st.UpsertJob(context.Background(), &store.PollingJob{
		ID: id, DeviceID: device, Protocol: store.ProtocolSNMP, Request: req, Interval: every, Enabled: true,
	}))
}

func (f *fixture) cpuRule(t *testing.T) {
	t.Helper()
	require.NoError(t, f.st.UpsertRule(context.Background(), &store.AlarmRule{
		ID: 1, Name: "High CPU", Description: "CPU high.", MetricName: "snmp_cpu_utilization",
		Threshold: 80, Comparator: ">", Severity: store.SeverityMajor, Enabled: true,
	}))
}

func TestRoundPollsStoresAndRaises(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.device(t, 1, "10.0.0.1")
	f.job(t, 1, 1, "cpu", time.Minute)
	f.cpuRule(t)
	f.set("cpu", map[string]string{"cpu_utilization": "95"})

	report, err := f.eng.Round(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.MetricsWritten)
	assert.Equal(t, 1, report.AlarmsRaised)

	m, err := f.st.LatestMetric(ctx, 1, "snmp_cpu_utilization")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 95.0, m.Value)
	assert.Equal(t, "percent", m.Unit)

	open, err := f.st.FindOpenByFingerprint(ctx, alarm.RuleFingerprint(1, 1))
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "High CPU - snmp_cpu_utilization", open.Title)

	dev, err := f.st.GetDevice(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, store.DeviceUp, dev.Status)
	assert.Equal(t, t0, *dev.LastPolled)

	jobs, err := f.st.ListJobs(ctx)
	require.NoError(t, err)
	require.NotNil(t, jobs[0].NextExecution)
	assert.Equal(t, t0.Add(time.Minute), *jobs[0].NextExecution)

	assert.Equal(t, 1, f.bus.count(streaming.TopicAlarms))
	assert.Equal(t, 1, f.bus.count(streaming.TopicPollingResults))
	batch := f.bus.last[streaming.TopicPollingResults].(PollBatch)
	assert.Equal(t, int64(1), batch.DeviceID)
	assert.Equal(t, report.RoundID, batch.RoundID)

	rounds := f.eng.Timeline.Recent(0)
	require.Len(t, rounds, 1)
	assert.Equal(t, report.RoundID, rounds[0].RoundID)
}

func TestRoundRunsJobsAtTheirIntervals(t *testing.T) {
	f := newFixture(t, nil)
	f.device(t, 1, "10.0.0.1")
	f.job(t, 1, 1, "fast", time.Minute)
	f.job(t, 2, 1, "slow", 5*time.Minute)
	f.set("fast", map[string]string{"sysUpTime": "1"})
	f.set("slow", map[string]string{"sysUpTime": "1"})

	for i := 0; i <= 10; i++ {
		_, err := f.eng.Round(context.Background())
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}
	assert.Equal(t, 11, f.calls["fast"])
	assert.Equal(t, 3, f.calls["slow"], "t0, +5m, +10m")
}

func TestRoundAutoClears(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.device(t, 1, "10.0.0.1")
	f.job(t, 1, 1, "cpu", time.Minute)
	f.cpuRule(t)

	f.set("cpu", map[string]string{"cpu_utilization": "95"})
	_, err := f.eng.Round(ctx)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	f.set("cpu", map[string]string{"cpu_utilization": "40"})
	report, err := f.eng.Round(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AlarmsCleared)

	a, err := f.st.GetAlarm(ctx, alarm.RuleFingerprint(1, 1))
	require.NoError(t, err)
	assert.Equal(t, store.AlarmCleared, a.Status)
	assert.Equal(t, t0.Add(time.Minute), *a.ClearedAt)
}

func TestRoundAllFailedKeepsStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.device(t, 1, "10.0.0.1")
	f.job(t, 1, 1, "missing", time.Minute)

	report, err := f.eng.Round(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, map[string]int{string(dispatch.ErrProtocolError): 1}, report.Errors)

	dev, err := f.st.GetDevice(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, store.DeviceUnknown, dev.Status)
	require.NotNil(t, dev.LastPolled)
	assert.Equal(t, t0, *dev.LastPolled)

	assert.Empty(t, f.eng.Scheduler.SelectDue(t0), "failed jobs are rescheduled too")
}

func TestRoundStoreUnavailableLeavesJobsDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(ms store.MetricStore) store.MetricStore {
		return failingMetrics{MetricStore: ms, device: 2}
	})
	f.device(t, 1, "10.0.0.1")
	f.device(t, 2, "10.0.0.2")
	f.job(t, 1, 1, "a", time.Minute)
	f.job(t, 2, 2, "b", time.Minute)
	f.set("a", map[string]string{"sysUpTime": "1"})
	f.set("b", map[string]string{"sysUpTime": "1"})

	_, err := f.eng.Round(ctx)
	require.ErrorIs(t, err, store.ErrStoreUnavailable)

	due := f.eng.Scheduler.SelectDue(t0)
	require.Len(t, due, 1)
	assert.Equal(t, int64(2), due[0].ID)

	assert.Equal(t, resilience.CircuitOpen, f.eng.Breaker.State())
	_, err = f.eng.Round(ctx)
	assert.ErrorIs(t, err, ErrRoundSkipped)
	assert.Zero(t, f.bus.count(streaming.TopicPollingResults))
}

func TestRoundRecordErrorKeepsInterval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(ms store.MetricStore) store.MetricStore {
		return brokenMetrics{MetricStore: ms, device: 1}
	})
	f.device(t, 1, "10.0.0.1")
	f.device(t, 2, "10.0.0.2")
	f.job(t, 1, 1, "a", time.Hour)
	f.job(t, 2, 2, "b", time.Hour)
	f.set("a", map[string]string{"sysUpTime": "1"})
	f.set("b", map[string]string{"sysUpTime": "1"})

	report, err := f.eng.Round(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.MetricsWritten, "other devices are still recorded")
	assert.Equal(t, 1, report.Errors[RecordErrorKind])
	assert.Empty(t, f.eng.Scheduler.SelectDue(t0), "both jobs rescheduled")
	assert.Equal(t, 1, f.bus.count(streaming.TopicPollingResults))

	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Minute)
		report, err = f.eng.Round(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Due)
	}
	assert.Equal(t, 1, f.calls["a"], "hourly job is not re-polled every round")
	assert.Equal(t, 1, f.calls["b"])
	assert.Equal(t, resilience.CircuitClosed, f.eng.Breaker.State())

	jobs, err := f.st.ListJobs(ctx)
	require.NoError(t, err)
	for _, j := range jobs {
		require.NotNil(t, j.NextExecution)
		assert.Equal(t, t0.Add(time.Hour), *j.NextExecution)
	}
}

func TestRoundResumesAfterOtherErrorWhileHalfOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	inv := &flakyInventory{Inventory: f.st}
	f.eng.Inventory = inv
	f.device(t, 1, "10.0.0.1")
	f.job(t, 1, 1, "a", time.Minute)
	f.set("a", map[string]string{"sysUpTime": "1"})

	inv.fail(store.Unavailable("save schedule", errors.New("connection refused")))
	_, err := f.eng.Round(ctx)
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
	require.Equal(t, resilience.CircuitOpen, f.eng.Breaker.State())

	f.clock.Advance(time.Minute)
	_, err = f.eng.Round(ctx)
	require.ErrorIs(t, err, ErrRoundSkipped)

	// the trial round after the cooldown fails for an unrelated reason
	f.clock.Advance(time.Hour)
	inv.fail(errors.New("value too long for type character varying"))
	_, err = f.eng.Round(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrRoundSkipped)
	assert.Equal(t, resilience.CircuitClosed, f.eng.Breaker.State())

	inv.fail(nil)
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		_, err = f.eng.Round(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, f.calls["a"])

	rounds := f.eng.Timeline.Recent(0)
	assert.Len(t, rounds, 5, "skipped rounds are not recorded")
}

func TestRoundAlarmLifecycleWithOperator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.device(t, 1, "10.0.0.1")
	f.job(t, 1, 1, "cpu", time.Minute)
	f.cpuRule(t)
	fp := alarm.RuleFingerprint(1, 1)

	f.set("cpu", map[string]string{"cpu_utilization": "95"})
	report, err := f.eng.Round(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AlarmsRaised)

	// still breaching: the open alarm absorbs the sample
	f.clock.Advance(time.Minute)
	report, err = f.eng.Round(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.AlarmsRaised)
	all, err := f.st.ListAlarms(ctx, store.AlarmFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)

	f.clock.Advance(30 * time.Second)
	acked, err := f.eng.Alarms.Acknowledge(ctx, fp, "noc")
	require.NoError(t, err)
	assert.Equal(t, store.AlarmAcknowledged, acked.Status)

	f.clock.Advance(30 * time.Second)
	f.set("cpu", map[string]string{"cpu_utilization": "40"})
	report, err = f.eng.Round(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AlarmsCleared)

	a, err := f.st.GetAlarm(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, store.AlarmCleared, a.Status)
	assert.Equal(t, "noc", a.AcknowledgedBy, "acknowledgement survives the clear")
	require.NotNil(t, a.AcknowledgedAt)
	assert.Equal(t, t0.Add(90*time.Second), *a.AcknowledgedAt)
	require.NotNil(t, a.ClearedAt)
	assert.Equal(t, t0.Add(2*time.Minute), *a.ClearedAt)

	f.clock.Advance(time.Minute)
	closed, err := f.eng.Alarms.Close(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, store.AlarmClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, t0.Add(3*time.Minute), *closed.ClosedAt)

	_, err = f.eng.Alarms.Acknowledge(ctx, fp, "noc")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	assert.Equal(t, 4, f.bus.count(streaming.TopicAlarms), "raised, acknowledged, auto_cleared, closed")
	ev := f.bus.last[streaming.TopicAlarms].(alarm.AlarmEvent)
	assert.Equal(t, alarm.EventClosed, ev.EventType)
	assert.Equal(t, store.AlarmClosed, ev.Status)

	all, err = f.st.ListAlarms(ctx, store.AlarmFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRoundRecordsLeadershipEpoch(t *testing.T) {
	f := newFixture(t, nil)

	report, err := f.eng.Round(coordination.WithEpoch(context.Background(), 7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), report.Epoch)

	f.clock.Advance(time.Minute)
	report, err = f.eng.Round(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Epoch)

	rounds := f.eng.Timeline.Recent(0)
	require.Len(t, rounds, 2)
}

func TestHandleTrap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.device(t, 7, "10.0.0.7")

	a, err := f.eng.HandleTrap(ctx, alarm.TrapEvent{SourceIP: "10.0.0.7", TrapType: "linkDown", Message: "ge-0/0/1"})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, int64(7), a.DeviceID)
	assert.Equal(t, store.SeverityCritical, a.Severity)
	assert.Equal(t, alarm.TrapFingerprint(7, "linkDown"), a.AlarmID)

	again, err := f.eng.HandleTrap(ctx, alarm.TrapEvent{DeviceID: 7, TrapType: "linkDown"})
	require.NoError(t, err)
	assert.Nil(t, again, "already open")

	_, err = f.eng.HandleTrap(ctx, alarm.TrapEvent{SourceIP: "192.0.2.1", TrapType: "coldStart"})
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestSubscribeTrapsFromRedis(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.device(t, 7, "10.0.0.7")

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sub, err := f.eng.SubscribeTraps(streaming.NewRedisSubscriber(client, zap.NewNop()))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	payload, _ := json.Marshal(alarm.TrapEvent{SourceIP: "10.0.0.7", TrapType: "fanError"})
	require.NoError(t, client.Publish(ctx, streaming.TopicTraps, "not json").Err())
	require.NoError(t, client.Publish(ctx, streaming.TopicTraps, payload).Err())

	require.Eventually(t, func() bool {
		a, err := f.st.FindOpenByFingerprint(ctx, alarm.TrapFingerprint(7, "fanError"))
		return err == nil && a != nil && a.Severity == store.SeverityMajor
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.cfg.RoundInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.eng.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(f.eng.Timeline.Recent(0)) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
