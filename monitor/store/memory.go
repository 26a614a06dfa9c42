package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. It is used for standalone
// runs from an inventory file and in tests.
type MemoryStore struct {
	mu sync.RWMutex

	devices   map[int64]*Device
	jobs      map[int64]*PollingJob
	jobOrder  []int64
	rules     map[int64]*AlarmRule
	ruleOrder []int64
	metrics   []Metric
	alarms    []*Alarm // insertion order, one row per occurrence
	nextAlarm int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[int64]*Device),
		jobs:    make(map[int64]*PollingJob),
		rules:   make(map[int64]*AlarmRule),
	}
}

func (s *MemoryStore) Close() error { return nil }

// --- Inventory ---

func (s *MemoryStore) UpsertDevice(ctx context.Context, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *d
	if c.Status == "" {
		c.Status = DeviceUnknown
	}
	// Status and last poll are runtime state, not definition.
	if held, ok := s.devices[d.ID]; ok {
		c.Status = held.Status
		c.LastPolled = held.LastPolled
	}
	s.devices[d.ID] = &c
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, id int64) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, nil
	}
	c := *d
	return &c, nil
}

func (s *MemoryStore) FindDeviceByAddress(ctx context.Context, address string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.devices {
		if d.Address == address {
			c := *d
			return &c, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListDevices(ctx context.Context) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateDeviceStatus(ctx context.Context, id int64, status *DeviceStatus, lastPolled time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return ErrNotFound
	}
	if status != nil {
		d.Status = *status
	}
	t := lastPolled.UTC()
	d.LastPolled = &t
	return nil
}

func (s *MemoryStore) UpsertJob(ctx context.Context, j *PollingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *j
	if held, ok := s.jobs[j.ID]; ok {
		c.LastExecuted = held.LastExecuted
		c.NextExecution = held.NextExecution
	} else {
		s.jobOrder = append(s.jobOrder, j.ID)
	}
	s.jobs[j.ID] = &c
	return nil
}

// ListJobs returns jobs in the order they were first stored.
func (s *MemoryStore) ListJobs(ctx context.Context) ([]*PollingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PollingJob, 0, len(s.jobOrder))
	for _, id := range s.jobOrder {
		c := *s.jobs[id]
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) SaveJobSchedule(ctx context.Context, jobID int64, lastExecuted, nextExecution time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	le, ne := lastExecuted.UTC(), nextExecution.UTC()
	j.LastExecuted = &le
	j.NextExecution = &ne
	return nil
}

func (s *MemoryStore) UpsertRule(ctx context.Context, r *AlarmRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		s.ruleOrder = append(s.ruleOrder, r.ID)
	}
	c := *r
	s.rules[r.ID] = &c
	return nil
}

func (s *MemoryStore) ListRules(ctx context.Context) ([]*AlarmRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AlarmRule, 0, len(s.ruleOrder))
	for _, id := range s.ruleOrder {
		c := *s.rules[id]
		out = append(out, &c)
	}
	return out, nil
}

// --- Metrics ---

func (s *MemoryStore) AppendMetrics(ctx context.Context, metrics ...Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, metrics...)
	return nil
}

func (s *MemoryStore) LatestMetric(ctx context.Context, deviceID int64, name string) (*Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Metric
	for i := range s.metrics {
		m := s.metrics[i]
		if m.DeviceID != deviceID || m.Name != name {
			continue
		}
		if latest == nil || !m.Timestamp.Before(latest.Timestamp) {
			c := m
			latest = &c
		}
	}
	return latest, nil
}

// QueryMetrics returns matching samples newest first.
func (s *MemoryStore) QueryMetrics(ctx context.Context, q MetricQuery) ([]Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Metric
	for _, m := range s.metrics {
		if q.DeviceID != nil && m.DeviceID != *q.DeviceID {
			continue
		}
		if q.Name != "" && m.Name != q.Name {
			continue
		}
		if !q.Since.IsZero() && m.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// --- Alarms ---

func (s *MemoryStore) FindOpenByFingerprint(ctx context.Context, fingerprint string) (*Alarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a := s.openLocked(fingerprint); a != nil {
		c := *a
		return &c, nil
	}
	return nil, nil
}

func (s *MemoryStore) openLocked(fingerprint string) *Alarm {
	for _, a := range s.alarms {
		if a.AlarmID == fingerprint && a.Status.Open() {
			return a
		}
	}
	return nil
}

func (s *MemoryStore) latestLocked(alarmID string) *Alarm {
	for i := len(s.alarms) - 1; i >= 0; i-- {
		if s.alarms[i].AlarmID == alarmID {
			return s.alarms[i]
		}
	}
	return nil
}

func (s *MemoryStore) CreateAlarm(ctx context.Context, alarm *Alarm) (*Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openLocked(alarm.AlarmID) != nil {
		return nil, ErrDuplicateFingerprint
	}
	s.nextAlarm++
	c := *alarm
	c.ID = s.nextAlarm
	c.Status = AlarmRaised
	c.RaisedAt = c.RaisedAt.UTC()
	for _, a := range s.alarms {
		if a.AlarmID == c.AlarmID && a.Status == AlarmCleared {
			_ = ApplyTransition(a, Transition{To: AlarmClosed, At: c.RaisedAt})
		}
	}
	s.alarms = append(s.alarms, &c)
	out := c
	return &out, nil
}

func (s *MemoryStore) TransitionAlarm(ctx context.Context, alarmID string, t Transition) (*Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.latestLocked(alarmID)
	if a == nil {
		return nil, ErrNotFound
	}
	next := *a
	if err := ApplyTransition(&next, t); err != nil {
		return nil, err
	}
	*a = next
	return &next, nil
}

func (s *MemoryStore) GetAlarm(ctx context.Context, alarmID string) (*Alarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.latestLocked(alarmID)
	if a == nil {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

// ListAlarms returns matching alarms newest first.
func (s *MemoryStore) ListAlarms(ctx context.Context, f AlarmFilter) ([]*Alarm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Alarm
	for i := len(s.alarms) - 1; i >= 0; i-- {
		a := s.alarms[i]
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.DeviceID != nil && a.DeviceID != *f.DeviceID {
			continue
		}
		c := *a
		out = append(out, &c)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CountAlarms(ctx context.Context) (*AlarmCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := &AlarmCounts{
		ByStatus:       make(map[AlarmStatus]int),
		OpenBySeverity: make(map[Severity]int),
	}
	for _, a := range s.alarms {
		counts.Total++
		counts.ByStatus[a.Status]++
		if a.Status.Open() {
			counts.OpenBySeverity[a.Severity]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) DeleteClosedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.alarms[:0]
	var deleted int64
	for _, a := range s.alarms {
		if a.Status == AlarmClosed && a.ClosedAt != nil && a.ClosedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, a)
	}
	s.alarms = kept
	return deleted, nil
}
