package store

import (
	"time"
)

// DeviceStatus is the reachability state of a managed device.
type DeviceStatus string

const (
	DeviceUp          DeviceStatus = "up"
	DeviceDown        DeviceStatus = "down"
	DeviceUnknown     DeviceStatus = "unknown"
	DeviceMaintenance DeviceStatus = "maintenance"
)

// Protocol names the management protocol a polling job uses.
type Protocol string

const (
	ProtocolSNMP     Protocol = "snmp"
	ProtocolNETCONF  Protocol = "netconf"
	ProtocolRESTCONF Protocol = "restconf"
)

// Protocols is the closed set of supported protocols.
var Protocols = []Protocol{ProtocolSNMP, ProtocolNETCONF, ProtocolRESTCONF}

// Valid reports whether p is one of the supported protocols.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolSNMP, ProtocolNETCONF, ProtocolRESTCONF:
		return true
	}
	return false
}

// Severity of an alarm or alarm rule.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Severities lists severities from most to least urgent.
var Severities = []Severity{SeverityCritical, SeverityMajor, SeverityMinor, SeverityWarning, SeverityInfo}

func (s Severity) Valid() bool {
	for _, v := range Severities {
		if s == v {
			return true
		}
	}
	return false
}

// AlarmStatus is a state of the alarm lifecycle.
type AlarmStatus string

const (
	AlarmRaised       AlarmStatus = "raised"
	AlarmAcknowledged AlarmStatus = "acknowledged"
	AlarmCleared      AlarmStatus = "cleared"
	AlarmClosed       AlarmStatus = "closed"
)

// AlarmStatuses lists lifecycle states in order.
var AlarmStatuses = []AlarmStatus{AlarmRaised, AlarmAcknowledged, AlarmCleared, AlarmClosed}

func (s AlarmStatus) Valid() bool {
	for _, v := range AlarmStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Open reports whether the alarm still counts against dedup.
func (s AlarmStatus) Open() bool {
	return s == AlarmRaised || s == AlarmAcknowledged
}

// Alarm sources.
const (
	SourcePolling  = "polling"
	SourceSNMPTrap = "snmp_trap"
)

// ProtocolSettings holds per-device credentials for one protocol.
type ProtocolSettings struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Community string `json:"community,omitempty" yaml:"community,omitempty"`
	Version   string `json:"version,omitempty" yaml:"version,omitempty"`
	Username  string `json:"username,omitempty" yaml:"username,omitempty"`
	Password  string `json:"-" yaml:"password,omitempty"`
}

// Device is a managed network element.
type Device struct {
	ID         int64            `json:"id"`
	Name       string           `json:"name"`
	Address    string           `json:"address"`
	Status     DeviceStatus     `json:"status"`
	LastPolled *time.Time       `json:"last_polled,omitempty"`
	SNMP       ProtocolSettings `json:"snmp"`
	NETCONF    ProtocolSettings `json:"netconf"`
	RESTCONF   ProtocolSettings `json:"restconf"`
}

// Settings returns the device's settings block for a protocol.
func (d *Device) Settings(p Protocol) ProtocolSettings {
	switch p {
	case ProtocolSNMP:
		return d.SNMP
	case ProtocolNETCONF:
		return d.NETCONF
	case ProtocolRESTCONF:
		return d.RESTCONF
	}
	return ProtocolSettings{}
}

// Supports reports whether a protocol is enabled on the device.
func (d *Device) Supports(p Protocol) bool {
	return d.Settings(p).Enabled
}

// PollingJob is a recurring fetch of one request from one device.
type PollingJob struct {
	ID            int64         `json:"id"`
	DeviceID      int64         `json:"device_id"`
	Protocol      Protocol      `json:"protocol"`
	Request       string        `json:"request"`
	Interval      time.Duration `json:"interval"`
	Enabled       bool          `json:"enabled"`
	LastExecuted  *time.Time    `json:"last_executed,omitempty"`
	NextExecution *time.Time    `json:"next_execution,omitempty"`
}

// IsDue reports whether the job should run at now.
func (j *PollingJob) IsDue(now time.Time) bool {
	if !j.Enabled {
		return false
	}
	return j.NextExecution == nil || !j.NextExecution.After(now)
}

// Metric is one time-series sample.
type Metric struct {
	DeviceID  int64     `json:"device_id"`
	Name      string    `json:"metric_name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// AlarmRule raises an alarm when a metric crosses a threshold.
type AlarmRule struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	MetricName  string   `json:"metric_name"`
	Threshold   float64  `json:"threshold_value"`
	Comparator  string   `json:"comparison_operator"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
}

// Alarm is one occurrence of an alarm condition. AlarmID is the fingerprint
// and repeats across occurrences; ID is unique per row.
type Alarm struct {
	ID             int64       `json:"id"`
	AlarmID        string      `json:"alarm_id"`
	DeviceID       int64       `json:"device_id"`
	RuleID         *int64      `json:"rule_id,omitempty"`
	TrapType       string      `json:"trap_type,omitempty"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	Severity       Severity    `json:"severity"`
	Status         AlarmStatus `json:"status"`
	Source         string      `json:"source"`
	RaisedAt       time.Time   `json:"raised_at"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string      `json:"acknowledged_by,omitempty"`
	ClearedAt      *time.Time  `json:"cleared_at,omitempty"`
	ClosedAt       *time.Time  `json:"closed_at,omitempty"`
}

// Transition describes a requested lifecycle move.
type Transition struct {
	To AlarmStatus
	At time.Time
	By string
}

// MetricQuery filters metric history.
type MetricQuery struct {
	DeviceID *int64
	Name     string
	Since    time.Time
	Limit    int
}

// AlarmFilter filters alarm listings. Zero values match everything.
type AlarmFilter struct {
	Status   AlarmStatus
	Severity Severity
	DeviceID *int64
	Limit    int
}

// AlarmCounts is a summary of alarm rows.
type AlarmCounts struct {
	Total          int                 `json:"total"`
	ByStatus       map[AlarmStatus]int `json:"by_status"`
	OpenBySeverity map[Severity]int    `json:"open_by_severity"`
}
