package store

import (
	"context"
	"time"
)

// DeviceStore is the inventory view the core reads and the two fields it writes.
type DeviceStore interface {
	// GetDevice returns nil, nil when the device does not exist.
	GetDevice(ctx context.Context, id int64) (*Device, error)
	FindDeviceByAddress(ctx context.Context, address string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	UpdateDeviceStatus(ctx context.Context, id int64, status *DeviceStatus, lastPolled time.Time) error
}

// JobStore holds polling job definitions and their persisted schedule.
type JobStore interface {
	ListJobs(ctx context.Context) ([]*PollingJob, error)
	SaveJobSchedule(ctx context.Context, jobID int64, lastExecuted, nextExecution time.Time) error
}

// RuleStore holds alarm rule definitions.
type RuleStore interface {
	ListRules(ctx context.Context) ([]*AlarmRule, error)
}

// MetricStore is the append-only time-series sink.
type MetricStore interface {
	AppendMetrics(ctx context.Context, metrics ...Metric) error
	// LatestMetric returns nil, nil when no sample exists.
	LatestMetric(ctx context.Context, deviceID int64, name string) (*Metric, error)
	QueryMetrics(ctx context.Context, q MetricQuery) ([]Metric, error)
}

// AlarmStore persists alarm occurrences and their lifecycle.
type AlarmStore interface {
	// FindOpenByFingerprint returns nil, nil when no raised or acknowledged
	// alarm carries the fingerprint.
	FindOpenByFingerprint(ctx context.Context, fingerprint string) (*Alarm, error)
	// CreateAlarm inserts a raised alarm and closes cleared occurrences of
	// the same fingerprint. ErrDuplicateFingerprint when an open alarm with
	// the same fingerprint exists.
	CreateAlarm(ctx context.Context, alarm *Alarm) (*Alarm, error)
	// TransitionAlarm moves the most recent occurrence of alarmID.
	TransitionAlarm(ctx context.Context, alarmID string, t Transition) (*Alarm, error)
	// GetAlarm returns the most recent occurrence, or ErrNotFound.
	GetAlarm(ctx context.Context, alarmID string) (*Alarm, error)
	ListAlarms(ctx context.Context, f AlarmFilter) ([]*Alarm, error)
	CountAlarms(ctx context.Context) (*AlarmCounts, error)
	DeleteClosedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Seeder loads inventory definitions from a file into a store.
type Seeder interface {
	UpsertDevice(ctx context.Context, d *Device) error
	UpsertJob(ctx context.Context, j *PollingJob) error
	UpsertRule(ctx context.Context, r *AlarmRule) error
}

// Store is everything the polling core needs from persistence.
type Store interface {
	DeviceStore
	JobStore
	RuleStore
	MetricStore
	AlarmStore
	Seeder
	Close() error
}
